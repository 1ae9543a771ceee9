// Package config loads and saves the per-project Arbor configuration.
//
// Values come from .arbor/config.yaml under the project directory and from
// ARBOR_* environment variables (ARBOR_STORAGE_BACKEND overrides
// storage.backend), on top of built-in defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/Benny93/arbor-go/internal/storage"
)

const (
	// DirName is the per-project state directory.
	DirName = ".arbor"
	// FileName is the config file inside DirName.
	FileName = "config.yaml"
	// EnvPrefix prefixes environment overrides.
	EnvPrefix = "ARBOR"
)

// ErrNotInitialized is returned by Load when the project has no state
// directory.
var ErrNotInitialized = errors.New("arbor is not initialized (run 'arbor init')")

// DefaultExclude lists paths the watcher ignores by default.
var DefaultExclude = []string{DirName + "/**", ".git/**", "node_modules/**", "vendor/**"}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=sqlite badger"`
	// Path is relative to the project root. Empty means the backend's
	// conventional location inside DirName.
	Path string `mapstructure:"path"`
}

// LogConfig controls diagnostics.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	// Addr is the listen address. Empty disables the listener.
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// WatchConfig controls the file watcher.
type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce" validate:"gte=0"`
	Exclude  []string      `mapstructure:"exclude"`
}

// Config is the full project configuration.
type Config struct {
	ProjectRoot string        `mapstructure:"project_root" validate:"required"`
	Storage     StorageConfig `mapstructure:"storage"`
	Log         LogConfig     `mapstructure:"log"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	Watch       WatchConfig   `mapstructure:"watch"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the configuration of a freshly initialized project.
func Default(projectRoot string) *Config {
	return &Config{
		ProjectRoot: projectRoot,
		Storage:     StorageConfig{Backend: string(storage.KindSQLite)},
		Log:         LogConfig{Level: "info"},
		Watch: WatchConfig{
			Debounce: 2 * time.Second,
			Exclude:  append([]string(nil), DefaultExclude...),
		},
	}
}

// Path returns the config file location for a project directory.
func Path(dir string) string {
	return filepath.Join(dir, DirName, FileName)
}

func newViper(projectRoot string) *viper.Viper {
	d := Default(projectRoot)
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("project_root", d.ProjectRoot)
	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("watch.enabled", d.Watch.Enabled)
	v.SetDefault("watch.debounce", d.Watch.Debounce)
	v.SetDefault("watch.exclude", d.Watch.Exclude)
	return v
}

// Load reads the configuration of the project in dir. A project with a
// state directory but no config file gets the defaults.
func Load(dir string) (*Config, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}
	if _, err := os.Stat(filepath.Join(root, DirName)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotInitialized, root)
		}
		return nil, fmt.Errorf("checking %s: %w", root, err)
	}

	v := newViper(root)
	v.SetConfigFile(Path(root))
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to the state directory of the project in dir.
func Save(dir string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, DirName), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", DirName, err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.Set("project_root", cfg.ProjectRoot)
	v.Set("storage.backend", cfg.Storage.Backend)
	v.Set("storage.path", cfg.Storage.Path)
	v.Set("log.level", cfg.Log.Level)
	v.Set("metrics.addr", cfg.Metrics.Addr)
	v.Set("watch.enabled", cfg.Watch.Enabled)
	v.Set("watch.debounce", cfg.Watch.Debounce.String())
	v.Set("watch.exclude", cfg.Watch.Exclude)

	if err := v.WriteConfigAs(Path(dir)); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Backend returns the configured storage kind.
func (c *Config) Backend() storage.Kind {
	return storage.Kind(c.Storage.Backend)
}

// StoragePath returns the absolute location of the store.
func (c *Config) StoragePath() string {
	if c.Storage.Path == "" {
		return storage.DefaultPath(filepath.Join(c.ProjectRoot, DirName), c.Backend())
	}
	if filepath.IsAbs(c.Storage.Path) {
		return c.Storage.Path
	}
	return filepath.Join(c.ProjectRoot, c.Storage.Path)
}

// LogLevel returns the slog level named by Log.Level.
func (c *Config) LogLevel() slog.Level {
	return ParseLevel(c.Log.Level)
}

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}
