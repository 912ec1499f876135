package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"
)

// Agency feed endpoints.
const (
	DefaultAHPSBaseURL  = "https://water.weather.gov/ahps2/hydrograph_to_xml.php"
	DefaultUSGSBaseURL  = "https://waterservices.usgs.gov/nwis"
	DefaultCODWRBaseURL = "https://dwr.state.co.us/Rest/GET/api/v2/telemetrystations/telemetrytimeseriesraw"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	SQLitePath string

	// HTTP cache and transport.
	CacheDir        string
	CacheTTL        time.Duration
	CacheMaxEntries int
	HTTPTimeout     time.Duration

	PollInterval           time.Duration
	FavoritesCheckInterval time.Duration

	AHPSBaseURL  string
	USGSBaseURL  string
	CODWRBaseURL string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaEnabled bool
}

// Load reads configuration from environment variables, applying defaults where unset.
// A .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cacheTTL, err := parseDuration("CACHE_TTL", "10m", true)
	if err != nil {
		return nil, err
	}
	httpTimeout, err := parseDuration("HTTP_TIMEOUT", "30s", false)
	if err != nil {
		return nil, err
	}
	pollInterval, err := parseDuration("POLL_INTERVAL", "15m", false)
	if err != nil {
		return nil, err
	}
	checkInterval, err := parseDuration("FAVORITES_CHECK_INTERVAL", "5s", false)
	if err != nil {
		return nil, err
	}
	maxEntries, err := parsePositiveInt("CACHE_MAX_ENTRIES", 500)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		SQLitePath: sharedcfg.EnvOrDefault("SQLITE_PATH", "riverflows.db"),

		CacheDir:        sharedcfg.EnvOrDefault("CACHE_DIR", filepath.Join(os.TempDir(), "riverflows-cache")),
		CacheTTL:        cacheTTL,
		CacheMaxEntries: maxEntries,
		HTTPTimeout:     httpTimeout,

		PollInterval:           pollInterval,
		FavoritesCheckInterval: checkInterval,

		AHPSBaseURL:  sharedcfg.EnvOrDefault("AHPS_BASE_URL", DefaultAHPSBaseURL),
		USGSBaseURL:  sharedcfg.EnvOrDefault("USGS_BASE_URL", DefaultUSGSBaseURL),
		CODWRBaseURL: sharedcfg.EnvOrDefault("CODWR_BASE_URL", DefaultCODWRBaseURL),

		KafkaBrokers: sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:   sharedcfg.EnvOrDefault("KAFKA_TOPIC", "favorite-readings"),
		KafkaEnabled: sharedcfg.EnvOrDefault("KAFKA_ENABLED", "true") == "true",
	}

	if cfg.SQLitePath == "" {
		return nil, errors.New("SQLITE_PATH is required")
	}
	if cfg.KafkaEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required")
		}
		if cfg.KafkaTopic == "" {
			return nil, errors.New("KAFKA_TOPIC is required")
		}
	}

	return cfg, nil
}

// parseDuration reads a duration variable. Zero is accepted only when
// allowZero is set; negative values are always rejected.
func parseDuration(name, def string, allowZero bool) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(name, def))
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return d, nil
}

func parsePositiveInt(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", name)
	}
	return n, nil
}
