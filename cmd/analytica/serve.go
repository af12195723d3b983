package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/analytica/config"
	"github.com/isdmx/analytica/dataset"
	"github.com/isdmx/analytica/logger"
	"github.com/isdmx/analytica/mcpserver"
	"github.com/isdmx/analytica/observability"
)

const metricsReadHeaderTimeout = 10 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		Long:  "Run the MCP server on the configured transport (stdio or http).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			app := newApp(cfg)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func newApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Supply(cfg),
		fx.Provide(
			logger.NewFromConfig,
			newPolicy,
			func(cfg *config.Config) (*dataset.Handle, error) {
				return dataset.Load(cfg.Dataset.Path)
			},
			newGovernor,
			newCoordinator,
			newExecutor,
			mcpserver.New,
		),

		fx.Invoke(serveMCP, serveMetrics),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

// serveMCP starts the configured transport and stops the app when it ends.
func serveMCP(lc fx.Lifecycle, sd fx.Shutdowner, cfg *config.Config, srv *mcpserver.MCPServer, log *zap.Logger) error {
	var serve func() error
	switch cfg.Server.Transport {
	case "stdio":
		serve = srv.ServeStdio
	case "http":
		serve = srv.ServeHTTP
	default:
		return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				err := serve()
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("transport stopped", zap.String("transport", cfg.Server.Transport), zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
					return
				}
				_ = sd.Shutdown()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
	return nil
}

// serveMetrics exposes /metrics when a metrics port is configured.
func serveMetrics(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) {
	if cfg.Server.MetricsPort <= 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	metrics := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server stopped", zap.Error(err))
				}
			}()
			log.Info("metrics endpoint started", zap.Int("port", cfg.Server.MetricsPort))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return metrics.Shutdown(ctx)
		},
	})
}
