package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/JHOFER-Cloud/deyecloud-exporter/internal/deyecloud"
)

const (
	defaultPort         = "9090"
	defaultRegion       = "eu"
	defaultScanInterval = 60 * time.Second
	minScanInterval     = 30 * time.Second
	maxScanInterval     = 3600 * time.Second
)

// regions maps a region name to its API base URL.
var regions = map[string]string{
	"eu": "https://eu1-developer.deyecloud.com/v1.0",
	"us": "https://us1-developer.deyecloud.com/v1.0",
}

// Config is the exporter configuration read from the environment.
type Config struct {
	Region          string
	BaseURL         string
	Dialect         deyecloud.Dialect
	Credentials     deyecloud.Credentials
	ScanInterval    time.Duration
	ExcludeStations []string
	FetchConfig     bool
	Port            string
	JWTSecret       string
}

// loadConfig parses the DEYE_* and EXPORTER_* environment variables. The
// password may be left empty here and prompted for later.
func loadConfig() (*Config, error) {
	cfg := &Config{
		Region:       strings.ToLower(strings.TrimSpace(getEnv("DEYE_REGION", defaultRegion))),
		ScanInterval: defaultScanInterval,
		FetchConfig:  true,
		Port:         getPort(),
		JWTSecret:    os.Getenv("EXPORTER_JWT_SECRET"),
		Credentials: deyecloud.Credentials{
			AppID:     strings.TrimSpace(os.Getenv("DEYE_APP_ID")),
			AppSecret: strings.TrimSpace(os.Getenv("DEYE_APP_SECRET")),
			Email:     strings.TrimSpace(os.Getenv("DEYE_EMAIL")),
			Password:  os.Getenv("DEYE_PASSWORD"),
		},
	}

	cfg.BaseURL = strings.TrimSpace(os.Getenv("DEYE_BASE_URL"))
	if cfg.BaseURL == "" {
		url, ok := regions[cfg.Region]
		if !ok {
			return nil, fmt.Errorf("DEYE_REGION %q is not supported (want eu or us)", cfg.Region)
		}
		cfg.BaseURL = url
	}

	dialect, err := deyecloud.LookupDialect(getEnv("DEYE_DIALECT", deyecloud.DialectV1.Name()))
	if err != nil {
		return nil, fmt.Errorf("DEYE_DIALECT: %w", err)
	}
	cfg.Dialect = dialect

	if cfg.Credentials.AppID == "" {
		return nil, fmt.Errorf("DEYE_APP_ID must be set")
	}
	if cfg.Credentials.AppSecret == "" {
		return nil, fmt.Errorf("DEYE_APP_SECRET must be set")
	}
	if cfg.Credentials.Email == "" {
		return nil, fmt.Errorf("DEYE_EMAIL must be set")
	}

	if v := strings.TrimSpace(os.Getenv("DEYE_SCAN_INTERVAL")); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("DEYE_SCAN_INTERVAL %q is not a number of seconds: %w", v, err)
		}
		cfg.ScanInterval = time.Duration(seconds) * time.Second
		if cfg.ScanInterval < minScanInterval || cfg.ScanInterval > maxScanInterval {
			return nil, fmt.Errorf("DEYE_SCAN_INTERVAL must be between %d and %d seconds, got %d",
				int(minScanInterval.Seconds()), int(maxScanInterval.Seconds()), seconds)
		}
	}

	cfg.ExcludeStations = deyecloud.DefaultExcludedStations
	if v, ok := os.LookupEnv("DEYE_EXCLUDE_STATIONS"); ok {
		cfg.ExcludeStations = nil
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.ExcludeStations = append(cfg.ExcludeStations, name)
			}
		}
	}

	if v := strings.TrimSpace(os.Getenv("DEYE_FETCH_CONFIG")); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("DEYE_FETCH_CONFIG %q is not a boolean: %w", v, err)
		}
		cfg.FetchConfig = enabled
	}

	return cfg, nil
}

// ensurePassword prompts on the terminal when DEYE_PASSWORD is unset.
func (c *Config) ensurePassword(out io.Writer) error {
	if c.Credentials.Password != "" {
		return nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("DEYE_PASSWORD must be set when stdin is not a terminal")
	}
	_, _ = fmt.Fprintf(out, "Deye Cloud password for %s: ", c.Credentials.Email)
	password, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(out)
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if len(password) == 0 {
		return errors.New("password cannot be empty")
	}
	c.Credentials.Password = string(password)
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getPort returns the configured port or the default
func getPort() string {
	return getEnv("EXPORTER_PORT", defaultPort)
}
