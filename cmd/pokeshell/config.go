package main

import (
	"fmt"
	"io"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage pokeshell configuration",
	Long:  "View or modify the pokeshell configuration stored in ~/.pokeshell/config.toml.\nPOKESHELL_* environment variables override the file.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration file and the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showConfig(cmd.OutOrStdout())
	},
}

// showConfig prints the file as written, then the settings in effect once
// POKESHELL_* overrides are applied. Push credentials are masked.
func showConfig(w io.Writer) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# %s\n", path)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		fmt.Fprintln(w, "# No configuration file found. Run 'pokeshell init <origin-url>' to create one.")
	case err != nil:
		return fmt.Errorf("cannot read config file: %w", err)
	default:
		fmt.Fprint(w, string(data))
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Push.Token != "" {
		cfg.Push.Token = maskKey(cfg.Push.Token)
	}
	if cfg.Push.Secret != "" {
		cfg.Push.Secret = maskKey(cfg.Push.Secret)
	}
	effective, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode effective config: %w", err)
	}
	fmt.Fprintln(w, "\n# Effective (file + environment)")
	_, err = w.Write(effective)
	return err
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: pokeshell config set storage.backend sqlite",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
