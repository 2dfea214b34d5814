package main

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
	"golang.org/x/sync/errgroup"

	"github.com/codelaboratoryltd/settlement/pkg/settlement"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the settlement worker and access sync on their intervals",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(runService)
	},
}

var metricsInterval time.Duration

func init() {
	runCmd.Flags().DurationVar(&metricsInterval, "metrics-interval", 15*time.Second,
		"Interval for refreshing store gauges")
	rootCmd.AddCommand(runCmd)
}

func runService(a *app) error {
	logger := a.logger
	logger.Info("Starting settlement service",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Duration("settlement_interval", a.cfg.Settlement.Interval),
		zap.Duration("sync_interval", a.cfg.Sync.Interval),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		every(gctx, a.cfg.Settlement.Interval, logger.With(zap.String("job", "settlement")), func(ctx context.Context) error {
			_, err := a.worker.RunOnce(ctx)
			return err
		})
		return nil
	})

	if a.cfg.Sync.Interval > 0 {
		g.Go(func() error {
			every(gctx, a.cfg.Sync.Interval, logger.With(zap.String("job", "access_sync")), func(ctx context.Context) error {
				_, err := a.sync.Pass(ctx)
				return err
			})
			return nil
		})
	} else {
		logger.Info("Access sync disabled")
	}

	g.Go(func() error {
		a.metrics.StartCollector(metricsInterval, gctx.Done())
		return nil
	})

	if a.cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, a)
		})
	}

	err := g.Wait()
	logger.Info("Settlement service stopped")
	return err
}

// every runs fn immediately and then on each tick until ctx is done. Runs
// never overlap.
func every(ctx context.Context, interval time.Duration, logger *zap.Logger, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil {
			switch {
			case errors.Is(err, settlement.ErrLeaseUnavailable):
				logger.Info("Lease held elsewhere, skipping run", zap.Error(err))
			case ctx.Err() != nil:
			default:
				logger.Error("Job failed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func serveMetrics(ctx context.Context, a *app) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pingStore(r.Context(), a); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("Metrics server shutdown error", zap.Error(err))
		}
	}()

	a.logger.Info("Starting metrics server", zap.String("addr", a.cfg.Metrics.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// pingStore confirms the database answers a lease read.
func pingStore(ctx context.Context, a *app) error {
	_, err := a.store.GetLease(ctx, a.cfg.Settlement.LeaseName)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}
