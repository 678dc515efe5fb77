package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mdunnam/XMDToolBox4v2/toolbox/asset"
	"github.com/mdunnam/XMDToolBox4v2/toolbox/index"
)

var (
	searchKinds    []string
	searchTags     []string
	searchMatchAll bool
	searchFavSet   string
	searchLimit    int
)

var searchCmd = &cobra.Command{
	Use:   "search [token]",
	Short: "Search the asset library",
	Long: `Search indexed assets by name token, kind, tags, and favorite set.

Examples:
  toolbox search skin
  toolbox search --kind brush --tag organic --tag hero --all
  toolbox search --favorites default`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := index.Filter{
			Tags:         searchTags,
			TagsMatchAll: searchMatchAll,
			FavoriteSet:  searchFavSet,
			Limit:        searchLimit,
		}
		if len(args) == 1 {
			filter.Token = args[0]
		}
		for _, k := range searchKinds {
			filter.Kinds = append(filter.Kinds, asset.ParseKind(k))
		}

		results, err := GetRegistry().Query(filter)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("no assets found")
			return nil
		}
		for _, a := range results {
			tags := ""
			if len(a.Tags) > 0 {
				tags = " [" + strings.Join(a.Tags, ",") + "]"
			}
			fmt.Printf("%-32s  %-8s  %-10s  %s%s\n", a.ID, a.Kind, a.SyncState, a.Name, tags)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().StringSliceVar(&searchKinds, "kind", nil, "filter by asset kind (repeatable)")
	searchCmd.Flags().StringSliceVar(&searchTags, "tag", nil, "filter by tag (repeatable)")
	searchCmd.Flags().BoolVar(&searchMatchAll, "all", false, "require every --tag instead of any")
	searchCmd.Flags().StringVar(&searchFavSet, "favorites", "", "restrict to a favorite set")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 50, "maximum number of results")
	rootCmd.AddCommand(searchCmd)
}
