package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pokechat/pokeshell"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueDrainCmd.Flags().String("tag", string(pokeshell.TagBackground), "sync tag (background-sync or chat-sync)")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay queued mutations",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLayer(func(ctx context.Context, l *pokeshell.Layer) error {
			if err := l.Queue().Load(ctx); err != nil {
				return err
			}
			items := l.Queue().All()
			if len(items) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			for i, m := range items {
				fmt.Printf("%3d  %s  %-6s %s  tag=%s attempts=%d queued=%s\n",
					i+1, m.ID, m.Method, m.URL, m.Tag, m.Attempts, m.EnqueuedAt.Format(time.RFC3339))
			}
			return nil
		})
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay the queue against the origin once",
	RunE: func(cmd *cobra.Command, args []string) error {
		tag, _ := cmd.Flags().GetString("tag")
		return withLayer(func(ctx context.Context, l *pokeshell.Layer) error {
			if err := l.Queue().Load(ctx); err != nil {
				return err
			}
			res, err := l.Sync(ctx, pokeshell.SyncTag(tag))
			fmt.Printf("Attempted: %d\nDelivered: %d\nRetried:   %d\nRejected:  %d\nRemaining: %d\n",
				res.Attempted, res.Delivered, res.Retried, res.Rejected, res.Remaining)
			return err
		})
	},
}

// withLayer builds a Layer from config, runs fn and closes it.
func withLayer(fn func(ctx context.Context, l *pokeshell.Layer) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, flush, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer flush()
	l, err := buildLayer(cfg, log)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	runErr := fn(ctx, l)
	if err := l.Close(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
