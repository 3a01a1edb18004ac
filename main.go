package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JHOFER-Cloud/deyecloud-exporter/internal/deyecloud"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "deyecloud-exporter",
	Short: "Prometheus exporter and control API for Deye Cloud inverters",
	Long: `deyecloud-exporter polls the Deye Cloud API for station and inverter
telemetry, exposes it as Prometheus metrics and a JSON API, and forwards
write controls (work mode, sell power, battery limits, time of use).

Without a subcommand it runs the server, same as "serve".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(cmd.ErrOrStderr(), logLevel, logFormat)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", getEnv("LOG_FORMAT", "text"), "log format: text or json")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
	}
}

// setupAPI loads the configuration and builds the API client and fetcher.
func setupAPI(cmd *cobra.Command) (*Config, *deyecloud.Client, *deyecloud.Fetcher, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("configuration error: %w", err)
	}
	if err := cfg.ensurePassword(cmd.ErrOrStderr()); err != nil {
		return nil, nil, nil, fmt.Errorf("configuration error: %w", err)
	}

	logger := slog.Default()
	client := deyecloud.NewClient(cfg.BaseURL, cfg.Credentials,
		deyecloud.WithDialect(cfg.Dialect),
		deyecloud.WithLogger(logger),
	)
	fetcher := deyecloud.NewFetcher(client,
		deyecloud.WithExcludedStations(cfg.ExcludeStations...),
		deyecloud.WithConfigFetch(cfg.FetchConfig),
	)
	return cfg, client, fetcher, nil
}
