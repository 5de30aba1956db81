// Package config loads autoocr settings from defaults, an optional YAML
// file, AUTOOCR_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes environment variable overrides, e.g. AUTOOCR_INPUT_DIR
// or AUTOOCR_OCR_ENGINE.
const EnvPrefix = "AUTOOCR"

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v      *viper.Viper
	logger *slog.Logger

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// Options configures a Manager.
type Options struct {
	// ConfigFile is an explicit config path. When empty, config.yaml is
	// looked up in SearchPaths.
	ConfigFile  string
	SearchPaths []string
	// Flags are bound by name: see FlagKeys.
	Flags  *pflag.FlagSet
	Logger *slog.Logger
}

// FlagKeys maps command-line flag names to config keys.
var FlagKeys = map[string]string{
	"input-dir":        "input_dir",
	"output-dir":       "output_dir",
	"ledger":           "ledger",
	"dry-run":          "dry_run",
	"overwrite":        "overwrite",
	"daemon":           "daemon",
	"interval":         "interval",
	"limit":            "limit",
	"retries":          "retries",
	"retry-delay":      "retry_delay",
	"watch":            "watch",
	"shutdown-timeout": "shutdown_timeout",
	"engine":           "ocr.engine",
	"ocr-timeout":      "ocr.timeout",
	"log-level":        "log.level",
	"log-format":       "log.format",
}

// NewManager creates a new config manager and loads initial config.
func NewManager(opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cm := &Manager{
		v:      viper.New(),
		logger: opts.Logger,
	}

	if err := cm.initViper(opts); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults, env, flags and config file.
func (cm *Manager) initViper(opts Options) error {
	for _, e := range DefaultEntries() {
		cm.v.SetDefault(e.Key, e.Value)
	}

	cm.v.SetEnvPrefix(EnvPrefix)
	cm.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	cm.v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range FlagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := cm.v.BindPFlag(key, f); err != nil {
					return fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if opts.ConfigFile != "" {
		cm.v.SetConfigFile(opts.ConfigFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		for _, p := range opts.SearchPaths {
			cm.v.AddConfigPath(p)
		}
	}

	// A config file is optional unless one was named explicitly.
	if err := cm.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// File returns the config file in use, or "" when running on defaults.
func (cm *Manager) File() string {
	return cm.v.ConfigFileUsed()
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration. An edit that fails
// to parse or validate is logged and the previous configuration kept.
func (cm *Manager) WatchConfig() {
	if cm.File() == "" {
		return
	}
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			cm.logger.Warn("ignoring config change", "file", e.Name, "error", err)
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		cm.logger.Info("config reloaded", "file", e.Name)
		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

// WriteDefault writes the default configuration to path. It refuses to
// replace an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	data, err := yaml.Marshal(defaultDocument())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	var header strings.Builder
	header.WriteString("# autoocr configuration\n")
	header.WriteString("# Every key can be overridden with an AUTOOCR_ environment variable,\n")
	header.WriteString("# e.g. AUTOOCR_INPUT_DIR or AUTOOCR_OCR_ENGINE, or with a flag.\n#\n")
	for _, e := range DefaultEntries() {
		fmt.Fprintf(&header, "# %-17s %s\n", e.Key, e.Description)
	}
	header.WriteString("\n")

	return os.WriteFile(path, append([]byte(header.String()), data...), 0o644)
}

// defaultDocument renders DefaultEntries as an ordered YAML document with
// dotted keys nested and durations written the way a person would.
func defaultDocument() yaml.MapSlice {
	var doc yaml.MapSlice
	for _, e := range DefaultEntries() {
		v := e.Value
		if d, ok := v.(time.Duration); ok {
			v = d.String()
		}

		parent, child, nested := strings.Cut(e.Key, ".")
		if !nested {
			doc = append(doc, yaml.MapItem{Key: e.Key, Value: v})
			continue
		}
		i := slices.IndexFunc(doc, func(it yaml.MapItem) bool { return it.Key == parent })
		if i < 0 {
			doc = append(doc, yaml.MapItem{Key: parent, Value: yaml.MapSlice{}})
			i = len(doc) - 1
		}
		doc[i].Value = append(doc[i].Value.(yaml.MapSlice), yaml.MapItem{Key: child, Value: v})
	}
	return doc
}
