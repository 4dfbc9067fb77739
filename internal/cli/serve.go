package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/mediastore/internal/api"
	"github.com/fruitsalade/mediastore/internal/logging"
	"github.com/fruitsalade/mediastore/internal/metrics"
)

const shutdownTimeout = 30 * time.Second

// ServeCmd runs the HTTP content server and the metrics server.
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve stored content over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, svc, err := setup(ctx, "")
			if err != nil {
				return err
			}
			defer logging.Sync()
			defer svc.Close()

			api.Version = Version
			srv := api.NewServer(svc, cfg.LocalURLPrefix)

			metricsServer := &http.Server{
				Addr:    cfg.MetricsAddr,
				Handler: metrics.Handler(),
			}
			go func() {
				logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
				if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					logging.Error("metrics server error", zap.Error(err))
				}
			}()

			httpServer := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 15 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logging.Info("server listening",
					zap.String("addr", cfg.ListenAddr),
					zap.String("backend", cfg.StorageBackend),
					zap.String("prefix", cfg.LocalURLPrefix))
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				metricsServer.Close()
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			logging.Info("shutting down...")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(sctx); err != nil {
				logging.Error("forced shutdown", zap.Error(err))
			}
			metricsServer.Close()
			logging.Info("server stopped")
			return nil
		},
	}
}
