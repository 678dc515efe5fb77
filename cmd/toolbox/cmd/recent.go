package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recently touched assets",
	RunE: func(cmd *cobra.Command, args []string) error {
		assets := GetRegistry().RecentAssets(cmd.Context())
		if len(assets) == 0 {
			fmt.Println("no recent assets")
			return nil
		}
		for _, a := range assets {
			fmt.Printf("%-32s  %-8s  %s\n", a.ID, a.Kind, a.Name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recentCmd)
}
