package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen       = ":8080"
	defaultDataDir      = "data"
	defaultEngineConfig = "services/dscd/engine.toml"
)

// Config captures the runtime settings for the engine daemon.
type Config struct {
	ListenAddress string `yaml:"listen"`
	Environment   string `yaml:"env"`
	DataDir       string `yaml:"data_dir"`
	// EngineConfig points at the TOML file holding risk parameters and
	// collateral markets.
	EngineConfig string `yaml:"engine_config"`
	// Treasury owns the collateral token ledgers and funds genesis
	// allocations. Defaults to the treasury module account.
	Treasury   string                     `yaml:"treasury"`
	Archive    ArchiveConfig              `yaml:"archive"`
	Auth       AuthConfig                 `yaml:"auth"`
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`
	CORS       CORSConfig                 `yaml:"cors"`
	Logging    LoggingConfig              `yaml:"logging"`
	Telemetry  TelemetryConfig            `yaml:"telemetry"`
	Shutdown   time.Duration              `yaml:"shutdown_timeout"`
}

// ArchiveConfig selects the SQL database events are archived to.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	Buffer  int    `yaml:"buffer"`
}

// AuthConfig configures bearer-token authentication.
type AuthConfig struct {
	Enabled        bool          `yaml:"enabled"`
	HMACSecret     string        `yaml:"hmac_secret"`
	HMACSecretEnv  string        `yaml:"hmac_secret_env"`
	Issuer         string        `yaml:"issuer"`
	Audience       string        `yaml:"audience"`
	ScopeClaim     string        `yaml:"scope_claim"`
	OptionalPaths  []string      `yaml:"optional_paths"`
	AllowAnonymous bool          `yaml:"allow_anonymous"`
	ClockSkew      time.Duration `yaml:"clock_skew"`
}

type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LoggingConfig struct {
	Level string          `yaml:"level"`
	File  LogFileSettings `yaml:"file"`
}

type LogFileSettings struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	Traces      bool              `yaml:"traces"`
	Metrics     bool              `yaml:"metrics"`
	SampleRatio float64           `yaml:"sample_ratio"`
	LogRequests bool              `yaml:"log_requests"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Config{}, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// StatePath is the LevelDB directory under the data dir.
func (cfg Config) StatePath() string {
	return filepath.Join(cfg.DataDir, "state")
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	cfg.EngineConfig = strings.TrimSpace(cfg.EngineConfig)
	if cfg.EngineConfig == "" {
		cfg.EngineConfig = defaultEngineConfig
	}
	cfg.Treasury = strings.TrimSpace(cfg.Treasury)
	if cfg.Shutdown <= 0 {
		cfg.Shutdown = 5 * time.Second
	}
	cfg.Archive.normalize(cfg.DataDir)
	cfg.Auth.normalize()
	normalized := make(map[string]RateLimitConfig, len(cfg.RateLimits))
	for key, limit := range cfg.RateLimits {
		normalized[strings.ToLower(strings.TrimSpace(key))] = limit
	}
	cfg.RateLimits = normalized
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
}

func (cfg Config) validate() error {
	if err := cfg.Archive.validate(); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err := cfg.Auth.validate(cfg.Environment); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	for key, limit := range cfg.RateLimits {
		switch key {
		case "mutations", "queries", "admin":
		default:
			return fmt.Errorf("rate_limits: unknown route group %q", key)
		}
		if limit.RequestsPerMinute <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("rate_limits.%s: requests_per_minute and burst must be positive", key)
		}
	}
	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	return nil
}

func (cfg *ArchiveConfig) normalize(dataDir string) {
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" && cfg.Driver == "sqlite" {
		cfg.DSN = filepath.Join(dataDir, "events.db")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
}

func (cfg ArchiveConfig) validate() error {
	if !cfg.Enabled {
		return nil
	}
	switch cfg.Driver {
	case "sqlite":
	case "postgres":
		if cfg.DSN == "" {
			return fmt.Errorf("dsn required for postgres")
		}
	default:
		return fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
	return nil
}

func (cfg *AuthConfig) normalize() {
	cfg.HMACSecret = strings.TrimSpace(cfg.HMACSecret)
	cfg.HMACSecretEnv = strings.TrimSpace(cfg.HMACSecretEnv)
	if cfg.HMACSecret == "" && cfg.HMACSecretEnv != "" {
		cfg.HMACSecret = strings.TrimSpace(os.Getenv(cfg.HMACSecretEnv))
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	cfg.ScopeClaim = strings.TrimSpace(cfg.ScopeClaim)
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
}

func (cfg AuthConfig) validate(env string) error {
	if !cfg.Enabled {
		if env != "" && env != "dev" {
			return fmt.Errorf("authentication may only be disabled in the dev environment")
		}
		return nil
	}
	if len(cfg.HMACSecret) < 16 {
		return fmt.Errorf("hmac secret must be at least 16 bytes")
	}
	return nil
}
