package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/tollgate/lock"
	"github.com/yairfalse/tollgate/telemetry"
	"github.com/yairfalse/tollgate/wal"
)

// DefaultStateDir holds backups, the journal and the baseline database
const DefaultStateDir = ".tollgate"

// Config represents the main configuration
type Config struct {
	Version  string        `yaml:"version"`
	StateDir string        `yaml:"state_dir"`
	Bundle   BundleConfig  `yaml:"bundle,omitempty"`
	Lock     LockConfig    `yaml:"lock"`
	WAL      WALConfig     `yaml:"wal"`
	Log      LogConfig     `yaml:"log"`
	OTEL     OTELConfig    `yaml:"otel,omitempty"`
	Metrics  MetricsConfig `yaml:"metrics,omitempty"`
}

// BundleConfig is the default bundle location; flags override it
type BundleConfig struct {
	Location string `yaml:"location"`
	SHA256   string `yaml:"sha256"`
	Region   string `yaml:"region"`
}

// LockConfig bounds lock acquisition
type LockConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     uint          `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// WALConfig controls journal rotation and retention
type WALConfig struct {
	MaxFileSize   int64 `yaml:"max_file_size"`
	RetentionDays int   `yaml:"retention_days"`
}

// LogConfig sets the log level
type LogConfig struct {
	Level string `yaml:"level"`
}

// OTELConfig enables OTLP export when Endpoint is set
type OTELConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// MetricsConfig names the textfile metrics are written to
type MetricsConfig struct {
	File string `yaml:"file"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	w := wal.DefaultConfig()
	return &Config{
		Version:  "v1",
		StateDir: DefaultStateDir,
		Lock: LockConfig{
			Timeout:        lock.DefaultTimeout,
			InitialBackoff: lock.DefaultInitialBackoff,
			MaxBackoff:     lock.DefaultMaxBackoff,
		},
		WAL: WALConfig{
			MaxFileSize:   w.MaxFileSize,
			RetentionDays: w.RetentionDays,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig loads configuration from file over the defaults.
// An empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate ensures config values are usable
func (c *Config) Validate() error {
	var errs []error
	if c.Version != "v1" {
		errs = append(errs, fmt.Errorf("unsupported version %q (want v1)", c.Version))
	}
	if strings.TrimSpace(c.StateDir) == "" {
		errs = append(errs, errors.New("state_dir is required"))
	}
	if c.Lock.Timeout < 0 || c.Lock.InitialBackoff < 0 || c.Lock.MaxBackoff < 0 {
		errs = append(errs, errors.New("lock durations must not be negative"))
	}
	if c.Lock.MaxBackoff > 0 && c.Lock.InitialBackoff > c.Lock.MaxBackoff {
		errs = append(errs, fmt.Errorf("lock.initial_backoff %s exceeds lock.max_backoff %s", c.Lock.InitialBackoff, c.Lock.MaxBackoff))
	}
	if c.WAL.MaxFileSize < 0 {
		errs = append(errs, errors.New("wal.max_file_size must not be negative"))
	}
	if c.WAL.RetentionDays < 0 {
		errs = append(errs, errors.New("wal.retention_days must not be negative"))
	}
	if c.Log.Level != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
			errs = append(errs, fmt.Errorf("log.level: %w", err))
		}
	}
	return errors.Join(errs...)
}

// LockDir is where lock sidecars live
func (c *Config) LockDir() string { return filepath.Join(c.StateDir, "locks") }

// JournalDir is where the write-ahead journal lives
func (c *Config) JournalDir() string { return filepath.Join(c.StateDir, "journal") }

// LockConfig converts to the coordinator's settings
func (c *Config) LockConfig() lock.Config {
	return lock.Config{
		Dir:            c.LockDir(),
		Timeout:        c.Lock.Timeout,
		MaxRetries:     c.Lock.MaxRetries,
		InitialBackoff: c.Lock.InitialBackoff,
		MaxBackoff:     c.Lock.MaxBackoff,
	}
}

// WALConfig converts to the journal's settings
func (c *Config) WALConfig() wal.Config {
	w := wal.DefaultConfig()
	if c.WAL.MaxFileSize > 0 {
		w.MaxFileSize = c.WAL.MaxFileSize
	}
	w.RetentionDays = c.WAL.RetentionDays
	return w
}

// TelemetryConfig converts to the OTEL settings
func (c *Config) TelemetryConfig(version string) telemetry.Config {
	return telemetry.Config{
		ServiceName:    "tollgate",
		ServiceVersion: version,
		OTELEndpoint:   c.OTEL.Endpoint,
		Insecure:       c.OTEL.Insecure,
	}
}
