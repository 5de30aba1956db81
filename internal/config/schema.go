package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds autoocr configuration.
// Read from: ./config.yaml or ~/.autoocr/config.yaml, AUTOOCR_* env vars, and flags.
type Config struct {
	InputDir  string `mapstructure:"input_dir" yaml:"input_dir"`
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
	// Ledger is a SQLite path or a postgres:// or mysql:// DSN.
	Ledger string `mapstructure:"ledger" yaml:"ledger"`

	DryRun    bool `mapstructure:"dry_run" yaml:"dry_run"`
	Overwrite bool `mapstructure:"overwrite" yaml:"overwrite"`
	Daemon    bool `mapstructure:"daemon" yaml:"daemon"`

	Interval   int `mapstructure:"interval" yaml:"interval"`       // seconds between daemon cycles
	Limit      int `mapstructure:"limit" yaml:"limit"`             // files per cycle, 0 = unlimited
	Retries    int `mapstructure:"retries" yaml:"retries"`         // extra attempts on transient faults
	RetryDelay int `mapstructure:"retry_delay" yaml:"retry_delay"` // seconds between attempts

	Watch           bool          `mapstructure:"watch" yaml:"watch"`
	WatchSettle     time.Duration `mapstructure:"watch_settle" yaml:"watch_settle"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	OCR OCRConfig `mapstructure:"ocr" yaml:"ocr"`
	Log LogConfig `mapstructure:"log" yaml:"log"`
}

// OCRConfig selects and tunes the OCR engine.
type OCRConfig struct {
	// Engine is "exec" (local ocrmypdf) or "docker".
	Engine  string        `mapstructure:"engine" yaml:"engine"`
	Binary  string        `mapstructure:"binary" yaml:"binary"`
	Image   string        `mapstructure:"image" yaml:"image"`
	Args    []string      `mapstructure:"args" yaml:"args"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// WorkDir holds scratch output. Empty means inside the output directory,
	// so publishing is a same-filesystem rename.
	WorkDir string `mapstructure:"work_dir" yaml:"work_dir"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text, json
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Ledger:          "processed_files.db",
		Interval:        60,
		Limit:           5,
		Retries:         3,
		RetryDelay:      5,
		WatchSettle:     2 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		OCR: OCRConfig{
			Engine:  "exec",
			Binary:  "ocrmypdf",
			Image:   "jbarlow83/ocrmypdf:latest",
			Args:    []string{"--deskew", "--rotate-pages", "--force-ocr", "--quiet"},
			Timeout: 30 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// IntervalDuration returns Interval as a duration.
func (c *Config) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// RetryDelayDuration returns RetryDelay as a duration.
func (c *Config) RetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay) * time.Second
}

// Validate checks values that would otherwise fail later in confusing ways.
// Directories are checked by the run command, since other commands don't
// need them.
func (c *Config) Validate() error {
	var errs []error
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %d", c.Interval))
	}
	if c.Limit < 0 {
		errs = append(errs, fmt.Errorf("limit must not be negative, got %d", c.Limit))
	}
	if c.Retries < 0 {
		errs = append(errs, fmt.Errorf("retries must not be negative, got %d", c.Retries))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry_delay must not be negative, got %d", c.RetryDelay))
	}
	switch c.OCR.Engine {
	case "exec", "docker":
	default:
		errs = append(errs, fmt.Errorf("ocr.engine must be exec or docker, got %q", c.OCR.Engine))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
