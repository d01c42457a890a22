// Package config loads broker settings from a TOML file, CONTREE_*
// environment variables and command-line flags, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// AppName names the config and cache directories.
const AppName = "contree-broker"

// EnvPrefix prefixes environment overrides: backend.url is read from
// CONTREE_BACKEND_URL.
const EnvPrefix = "CONTREE"

// Config is the complete broker configuration.
type Config struct {
	Backend   BackendConfig   `mapstructure:"backend" yaml:"backend"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Wait      WaitConfig      `mapstructure:"wait" yaml:"wait"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
}

// BackendConfig selects and tunes the remote execution service client.
type BackendConfig struct {
	Kind               string        `mapstructure:"kind" yaml:"kind"` // http or memory
	URL                string        `mapstructure:"url" yaml:"url"`
	Token              string        `mapstructure:"token" yaml:"-"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerSecond  float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst              int           `mapstructure:"burst" yaml:"burst"`
	RetryAttempts      int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	SideEffectAttempts int           `mapstructure:"side_effect_attempts" yaml:"side_effect_attempts"`
}

// StoreConfig selects the durable cache store.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // sqlite, badger or memory
	Path   string `mapstructure:"path" yaml:"path"`
}

// SyncConfig tunes directory syncs.
type SyncConfig struct {
	Excludes          []string `mapstructure:"excludes" yaml:"excludes"`
	HashConcurrency   int      `mapstructure:"hash_concurrency" yaml:"hash_concurrency"`
	UploadConcurrency int      `mapstructure:"upload_concurrency" yaml:"upload_concurrency"`
}

// CacheConfig sets cache lifetimes.
type CacheConfig struct {
	ContentTTL          time.Duration `mapstructure:"content_ttl" yaml:"content_ttl"`
	FileRetention       time.Duration `mapstructure:"file_retention" yaml:"file_retention"`
	ContentRetention    time.Duration `mapstructure:"content_retention" yaml:"content_retention"`
	ResultRetention     time.Duration `mapstructure:"result_retention" yaml:"result_retention"`
	ResultPruneInterval time.Duration `mapstructure:"result_prune_interval" yaml:"result_prune_interval"`
}

// WaitConfig tunes operation polling.
type WaitConfig struct {
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInitial    time.Duration `mapstructure:"poll_initial" yaml:"poll_initial"`
	PollMax        time.Duration `mapstructure:"poll_max" yaml:"poll_max"`
	PollMultiplier float64       `mapstructure:"poll_multiplier" yaml:"poll_multiplier"`
	PollJitter     float64       `mapstructure:"poll_jitter" yaml:"poll_jitter"`
	CancelOnExit   bool          `mapstructure:"cancel_on_exit" yaml:"cancel_on_exit"`
}

// LogConfig configures logging. An empty File logs to stderr.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json or console
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// DashboardConfig configures the live dashboard server.
type DashboardConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// DefaultExcludes are skipped by every sync unless overridden.
var DefaultExcludes = []string{".git", ".hg", ".svn", "__pycache__", "node_modules", ".venv", "*.pyc", ".DS_Store"}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			Kind:               "http",
			Timeout:            30 * time.Second,
			RequestsPerSecond:  20,
			Burst:              10,
			RetryAttempts:      5,
			SideEffectAttempts: 2,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   DefaultStorePath(),
		},
		Sync: SyncConfig{
			Excludes:          append([]string(nil), DefaultExcludes...),
			HashConcurrency:   runtime.GOMAXPROCS(0),
			UploadConcurrency: 10,
		},
		Cache: CacheConfig{
			ContentTTL:          24 * time.Hour,
			FileRetention:       120 * 24 * time.Hour,
			ContentRetention:    120 * 24 * time.Hour,
			ResultRetention:     30 * 24 * time.Hour,
			ResultPruneInterval: time.Hour,
		},
		Wait: WaitConfig{
			Timeout:        5 * time.Minute,
			PollInitial:    250 * time.Millisecond,
			PollMax:        3 * time.Second,
			PollMultiplier: 1.5,
			PollJitter:     0.1,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Dashboard: DashboardConfig{
			Addr: "127.0.0.1:8765",
		},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/contree-broker/config.toml, or the
// platform equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, AppName, "config.toml")
}

// DefaultStorePath returns the default SQLite cache database location.
func DefaultStorePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, AppName, "cache.db")
}

// Loader layers the config file, environment and flags.
type Loader struct {
	v *viper.Viper
}

// NewLoader returns a Loader primed with the defaults and environment.
func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// BindFlag makes a command-line flag override key when it is set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag to bind for %s", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load reads path (DefaultPath when empty) and returns the validated
// configuration. A missing default file is not an error; a missing
// explicit file is.
func (l *Loader) Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	l.v.SetConfigFile(path)
	l.v.SetConfigType("toml")
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
		if explicit || !missing {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Store.Path = expandHome(cfg.Store.Path)
	cfg.Log.File = expandHome(cfg.Log.File)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case "http":
		if c.Backend.URL == "" {
			return fmt.Errorf("backend.url is required for the http backend (set %s_BACKEND_URL)", EnvPrefix)
		}
	case "memory":
	default:
		return fmt.Errorf("backend.kind must be http or memory (got %q)", c.Backend.Kind)
	}
	switch c.Store.Driver {
	case "sqlite", "badger":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s store", c.Store.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver must be sqlite, badger or memory (got %q)", c.Store.Driver)
	}
	if c.Backend.RequestsPerSecond < 0 || c.Backend.Burst < 0 {
		return fmt.Errorf("backend rate limits must not be negative")
	}
	if c.Backend.RetryAttempts < 1 || c.Backend.SideEffectAttempts < 1 {
		return fmt.Errorf("backend retry attempts must be at least 1")
	}
	if c.Sync.HashConcurrency < 1 || c.Sync.UploadConcurrency < 1 {
		return fmt.Errorf("sync concurrency must be at least 1")
	}
	if c.Cache.ContentTTL <= 0 {
		return fmt.Errorf("cache.content_ttl must be positive (got %s)", c.Cache.ContentTTL)
	}
	if c.Wait.PollInitial <= 0 || c.Wait.PollMax < c.Wait.PollInitial {
		return fmt.Errorf("wait.poll_initial must be positive and not above wait.poll_max")
	}
	if c.Wait.PollMultiplier < 1 {
		return fmt.Errorf("wait.poll_multiplier must be at least 1 (got %g)", c.Wait.PollMultiplier)
	}
	if c.Wait.PollJitter < 0 || c.Wait.PollJitter > 1 {
		return fmt.Errorf("wait.poll_jitter must be between 0 and 1 (got %g)", c.Wait.PollJitter)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console (got %q)", c.Log.Format)
	}
	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	for key, value := range flatten(d) {
		v.SetDefault(key, value)
	}
}

// flatten maps dotted keys to values. It is the single list of every
// setting, shared by defaults and the file writer.
func flatten(c Config) map[string]any {
	return map[string]any{
		"backend.kind":                 c.Backend.Kind,
		"backend.url":                  c.Backend.URL,
		"backend.token":                c.Backend.Token,
		"backend.timeout":              c.Backend.Timeout,
		"backend.requests_per_second":  c.Backend.RequestsPerSecond,
		"backend.burst":                c.Backend.Burst,
		"backend.retry_attempts":       c.Backend.RetryAttempts,
		"backend.side_effect_attempts": c.Backend.SideEffectAttempts,
		"store.driver":                 c.Store.Driver,
		"store.path":                   c.Store.Path,
		"sync.excludes":                c.Sync.Excludes,
		"sync.hash_concurrency":        c.Sync.HashConcurrency,
		"sync.upload_concurrency":      c.Sync.UploadConcurrency,
		"cache.content_ttl":            c.Cache.ContentTTL,
		"cache.file_retention":         c.Cache.FileRetention,
		"cache.content_retention":      c.Cache.ContentRetention,
		"cache.result_retention":       c.Cache.ResultRetention,
		"cache.result_prune_interval":  c.Cache.ResultPruneInterval,
		"wait.timeout":                 c.Wait.Timeout,
		"wait.poll_initial":            c.Wait.PollInitial,
		"wait.poll_max":                c.Wait.PollMax,
		"wait.poll_multiplier":         c.Wait.PollMultiplier,
		"wait.poll_jitter":             c.Wait.PollJitter,
		"wait.cancel_on_exit":          c.Wait.CancelOnExit,
		"log.level":                    c.Log.Level,
		"log.format":                   c.Log.Format,
		"log.file":                     c.Log.File,
		"log.max_size_mb":              c.Log.MaxSizeMB,
		"log.max_backups":              c.Log.MaxBackups,
		"log.max_age_days":             c.Log.MaxAgeDays,
		"dashboard.addr":               c.Dashboard.Addr,
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
