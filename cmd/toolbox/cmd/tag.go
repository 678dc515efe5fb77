package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tagCmd = &cobra.Command{
	Use:   "tag <asset-id> [tag...]",
	Short: "Replace an asset's tags",
	Long: `Replace the full tag set of an asset. Passing no tags clears them.
Tags survive re-scans untouched.

Examples:
  toolbox tag 3f2a9c... organic hero
  toolbox tag 3f2a9c...`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h := GetRegistry().SetTags(args[0], args[1:])
		if err := h.Wait(); err != nil {
			return err
		}
		fmt.Println("tags updated")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tagCmd)
}
