package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the local library with the remote object store",
	Long: `Run one reconciliation batch: scan the local asset paths, fetch the
remote inventory, and settle every asset's sync state. Uploads and
downloads queued by the batch run immediately afterwards.

Assets changed on both sides are marked conflicted and left for an
explicit "toolbox resolve" decision.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		h := GetRegistry().TriggerSync()
		if err := h.Wait(); err != nil {
			return err
		}
		fmt.Println("sync complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
