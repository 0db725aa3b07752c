package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pokechat/pokeshell"
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheRegionsCmd)
	cacheCmd.AddCommand(cachePurgeCmd)
	cacheCmd.AddCommand(cacheInstallCmd)
	cachePurgeCmd.Flags().Bool("all", false, "delete the current version's regions too")
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage cache regions",
}

var cacheRegionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "List cache regions and their entry counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLayer(func(ctx context.Context, l *pokeshell.Layer) error {
			ids, err := l.Cache().Regions(ctx)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("No cache regions.")
				return nil
			}
			for _, id := range ids {
				keys, err := l.Cache().Keys(ctx, id)
				if err != nil {
					return err
				}
				marker := " "
				if l.Cache().IsCurrent(id) {
					marker = "*"
				}
				fmt.Printf("%s %-40s %d entries\n", marker, id, len(keys))
			}
			return nil
		})
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete regions left by other versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		return withLayer(func(ctx context.Context, l *pokeshell.Layer) error {
			var deleted []string
			var err error
			if all {
				deleted, err = l.Cache().Purge(ctx)
			} else {
				deleted, err = l.Cache().PurgeStale(ctx)
			}
			if err != nil {
				return err
			}
			for _, id := range deleted {
				fmt.Printf("deleted %s\n", id)
			}
			fmt.Printf("%d region(s) deleted\n", len(deleted))
			return nil
		})
	},
}

var cacheInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Precache the manifest for the configured version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLayer(func(ctx context.Context, l *pokeshell.Layer) error {
			if err := l.Install(ctx); err != nil {
				return err
			}
			fmt.Printf("Installed %s (%s)\n", l.Version(), l.State())
			return nil
		})
	},
}
