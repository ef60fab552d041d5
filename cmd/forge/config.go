package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"dreamforge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists", configPath)
		}
		if err := config.DefaultConfig().Save(configPath); err != nil {
			return err
		}
		cmd.Printf("Wrote %s.\n", configPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.TextEngine.APIKey != "" {
			shown.TextEngine.APIKey = "(set)"
		}
		if shown.SynthesisEngine.APIKey != "" {
			shown.SynthesisEngine.APIKey = "(set)"
		}
		data, err := yaml.Marshal(&shown)
		if err != nil {
			return err
		}
		cmd.Print(string(data))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
