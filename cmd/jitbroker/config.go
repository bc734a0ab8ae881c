package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/copperline/jitbroker/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Inspect and validate the broker configuration`,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and exit",
	Long:  `Load defaults, the config file, and JITBROKER_* environment overrides, then run validation. Exits non-zero when the effective configuration is unusable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFrom(configPath)
		if err != nil {
			return err
		}
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		if path == "" {
			fmt.Println("No config file found, effective configuration is defaults plus environment")
		} else {
			fmt.Printf("Config file: %s\n", path)
		}
		fmt.Printf("Configuration valid: scope %s, policy source %s\n",
			cfg.Catalog.Scope, cfg.Backend.Source)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFrom(configPath)
		if err != nil {
			return err
		}

		// Secrets never reach stdout.
		if cfg.SMTP.Password != "" {
			cfg.SMTP.Password = "<redacted>"
		}

		return yaml.NewEncoder(os.Stdout).Encode(cfg)
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}
