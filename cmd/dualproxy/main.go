// Package main provides the CLI entry point for the dual-protocol proxy
// front-end.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/postalsys/dualproxy/internal/config"
	"github.com/postalsys/dualproxy/internal/hostmatch"
	"github.com/postalsys/dualproxy/internal/listener"
	"github.com/postalsys/dualproxy/internal/logging"
	"github.com/postalsys/dualproxy/internal/metrics"
	"github.com/postalsys/dualproxy/internal/session"
	"github.com/postalsys/dualproxy/internal/tunnel"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "dualproxy",
		Short:   "Dual-protocol SOCKS5/HTTP proxy front-end",
		Long:    "dualproxy accepts SOCKS5 and HTTP proxy connections on the same listeners and relays each session either directly or through a tunnel, per the configured routing rules.",
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})

	run := runCmd()
	run.GroupID = "start"
	rootCmd.AddCommand(run)

	validate := validateCmd()
	validate.GroupID = "start"
	rootCmd.AddCommand(validate)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run the proxy front-end",
		GroupID: "start",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			m := metrics.NewMetrics()

			if cfg.Session.HandshakeTimeout > 0 {
				session.HandshakeTimeout = cfg.Session.HandshakeTimeout
			}
			if cfg.Session.IdleTimeout > 0 {
				session.IdleTimeout = cfg.Session.IdleTimeout
			}
			if cfg.Session.PendingCloseGrace > 0 {
				listener.PendingCloseGrace = cfg.Session.PendingCloseGrace
			}

			hm := hostmatch.New(cfg.TunnelPatternMap(hostmatch.RouteTunnel))
			tu := tunnel.New(logger)
			lm := listener.New(tu, hm, logger, m)
			tu.SetDispatcher(lm)

			var addrs []listener.Addr
			for _, l := range cfg.Listen {
				addrs = append(addrs, listener.Addr{Network: l.Network, Address: l.Address})
				if l.AcceptRatePerSec > 0 {
					lm.SetAcceptRate(l.AcceptRatePerSec, l.AcceptBurst)
				}
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := lm.Start(ctx, addrs); err != nil {
				return fmt.Errorf("failed to start listeners: %w", err)
			}

			var metricsSrv *http.Server
			if cfg.Metrics.Enabled {
				metricsSrv = startMetricsServer(cfg.Metrics.Address, logger)
			}

			for _, l := range cfg.Listen {
				logger.Info("listening", logging.KeyAddress, l.Address, logging.KeyTransport, l.Network)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("received signal, shutting down", "signal", sig.String())

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			lm.Stop()
			tu.Close()
			if metricsSrv != nil {
				metricsSrv.Shutdown(shutdownCtx)
			}

			logger.Info("stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (uses built-in defaults if omitted)")
	return cmd
}

func validateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "validate",
		Short:   "Validate a configuration file",
		GroupID: "start",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Print(cfg.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (uses built-in defaults if omitted)")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func startMetricsServer(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", logging.KeyError, err)
		}
	}()
	return srv
}
