package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/371-Minds/credvault/internal/scheduler"
	"github.com/371-Minds/credvault/internal/store"
	vaultmcp "github.com/371-Minds/credvault/pkg/mcp"
)

const shutdownTimeout = 10 * time.Second

var serveMetricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the vault to agents over MCP on stdio",
	Long: `Load the vault from its database, start the expiry scheduler and serve
the vault tools over MCP on stdin/stdout until interrupted. The vault is
saved back to the database on shutdown.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "listen address for /metrics (overrides metrics_addr)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if serveMetricsAddr != "" {
		cfg.MetricsAddr = serveMetricsAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := buildDeps(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer d.close()

	srv := vaultmcp.NewVaultServer(vaultmcp.VaultServerDeps{
		Vault:   d.vault,
		Logger:  logger,
		Version: version,
	})

	sched, err := scheduler.New(d.vault,
		scheduler.Handlers(scheduler.LogHandler{Logger: logger}, srv.ExpiryNotifier()),
		scheduler.Config{Cron: cfg.RotationCron, WindowDays: cfg.ExpiryWindowDays},
		logger)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("stop scheduler", slog.String("error", err.Error()))
		}
	}()

	if cfg.MetricsAddr != "" {
		metricsSrv := startMetrics(cfg.MetricsAddr, d, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	if d.store != nil {
		every, _ := cfg.checkpointEvery()
		if every > 0 {
			go checkpoint(ctx, d, every)
		}
	}

	logger.Info("credvault serving",
		slog.String("version", version),
		slog.String("transport", "stdio"),
		slog.Bool("persistent", d.store != nil),
	)
	serveErr := srv.Serve(ctx)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	if d.store != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := store.SaveWithRetry(saveCtx, d.store, d.vault, store.DefaultRetryPolicy); err != nil {
			logger.Error("save vault on shutdown", slog.String("error", err.Error()))
			return errors.Join(serveErr, err)
		}
	}
	return serveErr
}

// checkpoint saves the vault every interval until ctx is done.
func checkpoint(ctx context.Context, d *deps, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.SaveWithRetry(ctx, d.store, d.vault, store.DefaultRetryPolicy); err != nil && ctx.Err() == nil {
				d.logger.Error("checkpoint failed", slog.String("error", err.Error()))
			}
		}
	}
}

func startMetrics(addr string, d *deps, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", slog.String("error", err.Error()))
		}
	}()
	return srv
}
