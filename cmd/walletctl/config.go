package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/forest6511/walletctl/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configForce bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "Overwrite an existing config file")
}

// configCmd is the parent command for config operations
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration operations",
}

// configInitCmd writes the default config file
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config.yaml to the wallet directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(walletDir, config.FileName)
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
		}
		if err := os.MkdirAll(walletDir, 0700); err != nil {
			return fmt.Errorf("failed to create wallet directory: %w", err)
		}
		if err := config.Write(walletDir, config.Default()); err != nil {
			return err
		}
		fmt.Printf("Config written to %s\n", path)
		return nil
	},
}

// configShowCmd prints the effective configuration
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}
