package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spdeepak/offlinecache"
	"github.com/spf13/viper"
)

// StorageBackend selects where cache stores live.
type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageBolt   StorageBackend = "bolt"
)

// Config holds all application configuration
type Config struct {
	Worker    WorkerConfig    `mapstructure:"worker"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// WorkerConfig describes the deployed cache version
type WorkerConfig struct {
	CacheName          string   `mapstructure:"cache_name"`
	Scope              string   `mapstructure:"scope"` // public base URL
	Precache           []string `mapstructure:"precache"`
	MaxBodyBytes       int64    `mapstructure:"max_body_bytes"`
	InstallConcurrency int      `mapstructure:"install_concurrency"`
	DedupeInFlight     bool     `mapstructure:"dedupe_in_flight"`
}

type StorageConfig struct {
	Backend StorageBackend `mapstructure:"backend"`
	Path    string         `mapstructure:"path"`     // bolt only
	QuotaMB int            `mapstructure:"quota_mb"` // memory only, 0 = unlimited
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	Upstream string `mapstructure:"upstream"`
}

type LoggingConfig struct {
	File   string `mapstructure:"file"` // empty logs to stderr
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint"` // OTLP/HTTP; empty disables tracing
	ServiceName string `mapstructure:"service_name"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Worker: WorkerConfig{
			CacheName:          offlinecache.DefaultCacheName,
			Scope:              "http://localhost:8080/",
			Precache:           append([]string(nil), offlinecache.DefaultPrecache...),
			MaxBodyBytes:       10 << 20,
			InstallConcurrency: offlinecache.DefaultInstallConcurrency,
		},
		Storage: StorageConfig{
			Backend: StorageBolt,
			Path:    filepath.Join(defaultDataPath(), "cache.db"),
			QuotaMB: 50,
		},
		Server: ServerConfig{
			Listen:   ":8080",
			Upstream: "http://localhost:3000",
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "offlinecache",
		},
	}
}

// defaultDataPath returns the default data directory for the current OS
func defaultDataPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "offlinecache")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "offlinecache")
	}
}

// defaultConfigPath returns the default config directory for the current OS
func defaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "offlinecache")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "offlinecache")
	}
}

// Load reads configuration from file, environment and whatever flags were
// bound on v. A nil v uses a fresh instance. An explicit file must exist.
func Load(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v, DefaultConfig())

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("offlinecache")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigPath())
		v.AddConfigPath(".")
	}

	// Environment variable overrides, e.g. OFFLINECACHE_WORKER_CACHE_NAME
	v.SetEnvPrefix("OFFLINECACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can see it during Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("worker.cache_name", cfg.Worker.CacheName)
	v.SetDefault("worker.scope", cfg.Worker.Scope)
	v.SetDefault("worker.precache", cfg.Worker.Precache)
	v.SetDefault("worker.max_body_bytes", cfg.Worker.MaxBodyBytes)
	v.SetDefault("worker.install_concurrency", cfg.Worker.InstallConcurrency)
	v.SetDefault("worker.dedupe_in_flight", cfg.Worker.DedupeInFlight)

	v.SetDefault("storage.backend", string(cfg.Storage.Backend))
	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("storage.quota_mb", cfg.Storage.QuotaMB)

	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("server.upstream", cfg.Server.Upstream)

	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)

	v.SetDefault("telemetry.endpoint", cfg.Telemetry.Endpoint)
	v.SetDefault("telemetry.service_name", cfg.Telemetry.ServiceName)
}

// Validate checks values the worker config can't check itself.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageBolt:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the bolt backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if _, err := c.OfflineConfig().Validate(); err != nil {
		return err
	}
	return nil
}

// OfflineConfig converts the file settings into a library config.
func (c *Config) OfflineConfig() *offlinecache.Config {
	wc := offlinecache.DefaultConfig()
	wc.CacheName = c.Worker.CacheName
	wc.Scope = c.Worker.Scope
	wc.Precache = append([]string(nil), c.Worker.Precache...)
	wc.MaxBodyBytes = c.Worker.MaxBodyBytes
	wc.InstallConcurrency = c.Worker.InstallConcurrency
	wc.DedupeInFlight = c.Worker.DedupeInFlight
	return wc
}
