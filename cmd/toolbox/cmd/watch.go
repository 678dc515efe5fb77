package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var metricsAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the asset paths and sync continuously",
	Long: `Run the engine in the foreground: watch the configured asset paths for
changes, reconcile incrementally as files are added, modified, or
removed, and serve Prometheus metrics. Stop with Ctrl-C.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if metricsAddr != "" {
			go func() {
				http.Handle("/metrics", promhttp.Handler())
				if err := http.ListenAndServe(metricsAddr, nil); err != nil {
					fmt.Fprintf(os.Stderr, "metrics server stopped: %v\n", err)
				}
			}()
		}

		// An initial pass brings the store current before live updates.
		if err := GetRegistry().TriggerSync().Wait(); err != nil {
			return err
		}
		fmt.Println("watching for changes, Ctrl-C to stop")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}
