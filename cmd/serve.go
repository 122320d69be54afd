package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/utility-tariff-monitor/internal/api"
	"github.com/JakeFAU/utility-tariff-monitor/internal/app"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the 'serve' subcommand: scheduled runs plus the HTTP API.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Reconcile on a schedule and expose the ledger over HTTP",
		Long: `Runs a reconciliation immediately and then every server.interval, one run
at a time, while serving /healthz, /metrics, /v1/documents and /v1/runs/latest.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			cfg := rt.cfg
			if err := cfg.ValidateRun(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger := rt.logger

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer func() {
				if cerr := a.Close(); cerr != nil {
					logger.Warn("closing services failed", zap.Error(cerr))
				}
			}()

			apiServer := api.NewServer(a.Ledger(), a, api.Options{
				APIKey:         cfg.Server.APIKey,
				RequestTimeout: cfg.Server.RequestTimeout,
			}, logger.Named("api"))
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:           apiServer.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			go func() {
				logger.Info("http server started", zap.Int("port", cfg.Server.Port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server error", zap.Error(err))
					stop()
				}
			}()

			schedule(ctx, cfg.Server.Interval, logger, func(ctx context.Context) {
				a.Run(ctx)
			})

			logger.Info("shutdown initiated")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown error", zap.Error(err))
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}

// schedule calls run immediately and then every interval until ctx is done.
// Runs never overlap.
func schedule(ctx context.Context, interval time.Duration, logger *zap.Logger, run func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		run(ctx)
		logger.Info("scheduled run complete",
			zap.Duration("took", time.Since(start)),
			zap.Duration("interval", interval),
		)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
