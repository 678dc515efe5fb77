package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var favoriteSet string

var favoriteCmd = &cobra.Command{
	Use:   "favorite <asset-id>",
	Short: "Toggle an asset in a favorite set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h := GetRegistry().ToggleFavorite(args[0], favoriteSet)
		if err := h.Wait(); err != nil {
			return err
		}
		fmt.Println("favorite toggled")
		return nil
	},
}

var favoritesCmd = &cobra.Command{
	Use:   "favorites",
	Short: "List the members of a favorite set",
	RunE: func(cmd *cobra.Command, args []string) error {
		assets, err := GetRegistry().ListFavorites(cmd.Context(), favoriteSet)
		if err != nil {
			return err
		}
		if len(assets) == 0 {
			fmt.Println("no favorites")
			return nil
		}
		for _, a := range assets {
			fmt.Printf("%-32s  %-8s  %s\n", a.ID, a.Kind, a.Name)
		}
		return nil
	},
}

func init() {
	favoriteCmd.Flags().StringVar(&favoriteSet, "set", "", "favorite set name (default set when omitted)")
	favoritesCmd.Flags().StringVar(&favoriteSet, "set", "", "favorite set name (default set when omitted)")
	rootCmd.AddCommand(favoriteCmd)
	rootCmd.AddCommand(favoritesCmd)
}
