package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pokechat/pokeshell"
	"github.com/pokechat/pokeshell/internal/telemetry"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "listen address (default 127.0.0.1:8090)")
	serveCmd.Flags().String("origin", "", "origin URL, overrides default.origin")
	serveCmd.Flags().Bool("no-install", false, "skip precaching the manifest at startup")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the offline proxy in front of the origin",
	Long: "Serve the app through the interception layer. Views connect to /__pokeshell/clients,\n" +
		"signed pushes arrive at /__pokeshell/push and everything else is proxied to the origin.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if v, _ := cmd.Flags().GetString("origin"); v != "" {
			cfg.Default.Origin = v
		}
		if v, _ := cmd.Flags().GetString("listen"); v != "" {
			cfg.Default.Listen = v
		}
		noInstall, _ := cmd.Flags().GetBool("no-install")

		log, flush, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer flush()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			ServiceName: valueOrDefault(cfg.Telemetry.ServiceName, "pokeshell"),
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() { _ = shutdownTracing(context.Background()) }()

		layer, err := buildLayer(cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := layer.Close(cctx); err != nil {
				log.Error("close layer", pokeshell.Fields{"err": err})
			}
		}()

		if err := layer.Start(ctx); err != nil {
			return fmt.Errorf("restore queue: %w", err)
		}
		if !noInstall {
			if err := layer.Install(ctx); err != nil {
				log.Warn("install failed, serving without precache", pokeshell.Fields{"err": err})
			}
		}

		var webhook *pokeshell.PushWebhook
		if cfg.Push.Secret != "" {
			if webhook, err = pokeshell.NewPushWebhook(cfg.Push.Secret, layer.Notifications()); err != nil {
				return err
			}
		}
		if cfg.Push.URL != "" {
			pc, err := pokeshell.NewPushClient(pokeshell.PushConfig{URL: cfg.Push.URL, Token: cfg.Push.Token}, layer.Notifications(), log)
			if err != nil {
				return err
			}
			go func() {
				if err := pc.Run(ctx); err != nil {
					log.Error("push channel stopped", pokeshell.Fields{"err": err})
				}
			}()
		}

		interval, err := parseDuration(cfg.Network.ProbeInterval, 30*time.Second)
		if err != nil {
			return fmt.Errorf("network.probe_interval: %w", err)
		}
		if interval > 0 {
			go layer.RunProbe(ctx, interval)
		}

		srv := &http.Server{
			Addr:              valueOrDefault(cfg.Default.Listen, "127.0.0.1:8090"),
			Handler:           pokeshell.NewServeMux(layer, webhook),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		log.Info("serving", pokeshell.Fields{"addr": srv.Addr, "origin": cfg.Default.Origin, "version": layer.Version()})

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case <-ctx.Done():
		}
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	},
}
