package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	toolsync "github.com/mdunnam/XMDToolBox4v2/toolbox/sync"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <asset-id> <keep-local|keep-remote|keep-both>",
	Short: "Resolve a conflicted asset",
	Long: `Apply an explicit decision to an asset marked conflicted.

keep-local   uploads the local version over the remote one
keep-remote  overwrites the local file with the remote version
keep-both    keeps the local version and registers the remote one
             as a new asset, so neither side is lost`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		choice, err := toolsync.ParseResolution(args[1])
		if err != nil {
			return err
		}
		h := GetRegistry().ResolveConflict(args[0], choice)
		if err := h.Wait(); err != nil {
			return err
		}
		fmt.Println("conflict resolved")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}
