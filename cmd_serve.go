package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JHOFER-Cloud/deyecloud-exporter/internal/coordinator"
)

const setupRetryInterval = 30 * time.Second

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the exporter",
	Long:  `Poll Deye Cloud on the configured interval and serve /metrics, /health and the JSON API.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&servePort, "port", "", "listen port, overrides EXPORTER_PORT")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, client, fetcher, err := setupAPI(cmd)
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Port = servePort
	}
	logger := slog.Default()

	coord := coordinator.New(fetcher,
		coordinator.WithInterval(cfg.ScanInterval),
		coordinator.WithLogger(logger),
		coordinator.WithWriter(client),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		NewCollector(coord),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rm := NewRouteManager(coord, registry, cfg.JWTSecret, logger)
	rm.Setup()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           rm.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("starting Deye Cloud exporter",
		slog.String("port", cfg.Port),
		slog.String("base_url", cfg.BaseURL),
		slog.String("dialect", cfg.Dialect.Name()),
		slog.Duration("interval", cfg.ScanInterval),
		slog.Bool("write_auth", cfg.JWTSecret != ""),
	)
	if cfg.JWTSecret == "" {
		logger.Warn("EXPORTER_JWT_SECRET is not set, write controls are unauthenticated")
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return runCoordinator(ctx, coord, logger)
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// runCoordinator retries setup until the API is reachable, then runs the refresh loop.
func runCoordinator(ctx context.Context, coord *coordinator.Coordinator, logger *slog.Logger) error {
	for {
		err := coord.Setup(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("Deye Cloud not ready, retrying", slog.Duration("retry_in", setupRetryInterval), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(setupRetryInterval):
		}
	}

	if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
