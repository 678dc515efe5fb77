package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mdunnam/XMDToolBox4v2/toolbox/config"
	"github.com/mdunnam/XMDToolBox4v2/toolbox/registry"
	"github.com/mdunnam/XMDToolBox4v2/toolbox/remote"
)

var (
	configPath string
	reg        *registry.Registry
)

var rootCmd = &cobra.Command{
	Use:   "toolbox",
	Short: "Asset registry and synchronization engine",
	Long: `toolbox manages a library of creative-tool assets: brushes, alphas,
materials, tools, textures, projects, and presets.

It scans configured directories, keeps a durable metadata store with
tags and favorites, answers search queries, and reconciles the local
library with a remote object store.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx := context.Background()

		var inv remote.Inventory
		if cfg.Toolbox.Remote.Bucket != "" {
			gcs, err := remote.NewGCSInventory(ctx, cfg.Toolbox.Remote.Bucket, cfg.Toolbox.Remote.CredentialsFile)
			if err != nil {
				return fmt.Errorf("failed to connect to remote inventory: %w", err)
			}
			inv = gcs
		}

		reg, err = registry.New(ctx, registry.Options{Config: cfg, Inventory: inv})
		if err != nil {
			return err
		}
		return reg.Start()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if reg != nil {
			return reg.Close()
		}
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the config file")
}

// GetRegistry returns the initialized registry
func GetRegistry() *registry.Registry {
	return reg
}
