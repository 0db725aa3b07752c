package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pokechat/pokeshell"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, queue and cache state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Origin:   %s\n", valueOrDefault(cfg.Default.Origin, "(not set)"))
		fmt.Printf("  Listen:   %s\n", valueOrDefault(cfg.Default.Listen, "127.0.0.1:8090"))
		fmt.Printf("  Storage:  %s\n", valueOrDefault(cfg.Storage.Backend, "sqlite"))
		fmt.Printf("  Codec:    %s\n", valueOrDefault(cfg.Storage.Codec, "msgpack"))
		fmt.Printf("  Log:      %s (%s)\n", valueOrDefault(cfg.Log.Backend, "zap"), valueOrDefault(cfg.Log.Level, "info"))
		if cfg.Push.URL != "" {
			fmt.Printf("  Push URL: %s\n", cfg.Push.URL)
		}
		if cfg.Push.Secret != "" {
			fmt.Printf("  Webhook:  secret %s\n", maskKey(cfg.Push.Secret))
		} else {
			fmt.Println("  Webhook:  (disabled)")
		}
		if cfg.Default.Origin == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Layer:")
		return withLayer(func(ctx context.Context, l *pokeshell.Layer) error {
			if err := l.Queue().Load(ctx); err != nil {
				fmt.Printf("  Queue:    error: %v\n", err)
				return nil
			}
			st := l.Status()
			fmt.Printf("  Version:  %s\n", st.Version)
			fmt.Printf("  Queued:   %d\n", st.Queued)
			ids, err := l.Cache().Regions(ctx)
			if err != nil {
				fmt.Printf("  Regions:  error: %v\n", err)
				return nil
			}
			stale := 0
			for _, id := range ids {
				if !l.Cache().IsCurrent(id) {
					stale++
				}
			}
			fmt.Printf("  Regions:  %d (%d stale)\n", len(ids), stale)
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the cache version identifier",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Println(versionID(cfg))
		return nil
	},
}

func versionID(cfg *Config) string {
	return valueOrDefault(cfg.Cache.Prefix, pokeshell.DefaultPrefix) + "-" +
		valueOrDefault(cfg.Cache.Version, pokeshell.DefaultVersion)
}
