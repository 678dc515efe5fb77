package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a full scan of the configured asset paths",
	Long: `Walk every configured asset path, classify and fingerprint the files
found, and commit the results to the metadata store. User tags and
favorites are never touched by a scan.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		h := GetRegistry().TriggerScan()
		if err := h.Wait(); err != nil {
			return err
		}
		fmt.Println("scan complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
