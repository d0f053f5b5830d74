// Package config loads quotesync settings from layered defaults, YAML files and
// the environment with koanf, and checks them with validator.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Defaults applied before any file or environment layer.
const (
	DefaultServerPort     = 8080
	DefaultMaxRequestSize = 1 << 20

	DefaultClientRetryMaxAttempts  = 3
	DefaultClientRetryMultiplier   = 2.0
	DefaultClientRetryJitterFactor = 0.25

	// The breaker opens after DefaultClientCircuitMaxFailures consecutive
	// failures and closes after DefaultClientCircuitHalfOpenLimit probes succeed.
	DefaultClientCircuitMaxFailures   = 5
	DefaultClientCircuitHalfOpenLimit = 3

	DefaultTransportMaxIdleConns        = 100
	DefaultTransportMaxIdleConnsPerHost = 10

	DefaultLogFileMaxSizeMB  = 100
	DefaultLogFileMaxBackups = 3
	DefaultLogFileMaxAgeDays = 28

	// DefaultRemoteBaseURL is the public posts API the collection syncs against.
	DefaultRemoteBaseURL = "https://jsonplaceholder.typicode.com"

	DefaultStorageBackend = "sqlite"

	DefaultSyncPullLimit       = 5
	DefaultSyncPushConcurrency = 4

	// DefaultSyncMaxPushAttempts parks a record after this many failed pushes.
	DefaultSyncMaxPushAttempts = 5
)

// Config file locations, relative to the working directory.
const (
	baseConfigPath    = "configs/base.yaml"
	profileConfigPath = "configs/%s.yaml"
	envPrefix         = "APP_"
)

// Config holds every quotesync setting, one field per top-level YAML key.
type Config struct {
	App       AppConfig       `koanf:"app"       validate:"required"`
	Server    ServerConfig    `koanf:"server"    validate:"required"`
	Log       LogConfig       `koanf:"log"       validate:"required"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Client    ClientConfig    `koanf:"client"    validate:"required"`
	Remote    RemoteConfig    `koanf:"remote"    validate:"required"`
	Storage   StorageConfig   `koanf:"storage"   validate:"required"`
	Sync      SyncConfig      `koanf:"sync"      validate:"required"`
}

// AppConfig names the running process.
type AppConfig struct {
	Name        string `koanf:"name"        validate:"required"`
	Version     string `koanf:"version"     validate:"required"`
	Environment string `koanf:"environment" validate:"required,oneof=local dev qa prod test"`
}

// ServerConfig contains settings for the local control API.
type ServerConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Port            int           `koanf:"port"             validate:"required,min=1,max=65535"`
	Host            string        `koanf:"host"             validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout"     validate:"required,min=1s"`
	WriteTimeout    time.Duration `koanf:"write_timeout"    validate:"required,min=1s"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"     validate:"required,min=1s"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"required,min=1s"`
	MaxRequestSize  int64         `koanf:"max_request_size" validate:"required,min=1"`
}

// LogConfig selects the console log level and format.
type LogConfig struct {
	Level  string        `koanf:"level"  validate:"required,oneof=trace debug info warn error"`
	Format string        `koanf:"format" validate:"required,oneof=json text pretty"`
	File   LogFileConfig `koanf:"file"`
}

// LogFileConfig enables a lumberjack-rotated JSON copy of the log.
type LogFileConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Path       string `koanf:"path"        validate:"required_if=Enabled true"`
	MaxSizeMB  int    `koanf:"max_size"    validate:"omitempty,min=1,max=1024"`
	MaxBackups int    `koanf:"max_backups" validate:"omitempty,min=0,max=100"`
	MaxAgeDays int    `koanf:"max_age"     validate:"omitempty,min=0,max=365"`
	Compress   bool   `koanf:"compress"`
}

// TelemetryConfig points the OTLP exporter at a collector.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Endpoint     string  `koanf:"endpoint"      validate:"required_if=Enabled true,omitempty,url"`
	ServiceName  string  `koanf:"service_name"  validate:"required_if=Enabled true"`
	SamplingRate float64 `koanf:"sampling_rate" validate:"min=0,max=1"`
}

// ClientConfig contains HTTP client settings for the remote collection.
type ClientConfig struct {
	Timeout        time.Duration        `koanf:"timeout"         validate:"required,min=100ms"`
	Retry          RetryConfig          `koanf:"retry"           validate:"required"`
	CircuitBreaker CircuitBreakerConfig `koanf:"circuit_breaker" validate:"required"`
	Transport      TransportConfig      `koanf:"transport"       validate:"required"`
}

// RetryConfig shapes the exponential backoff between attempts.
type RetryConfig struct {
	MaxAttempts     int           `koanf:"max_attempts"     validate:"required,min=1,max=10"`
	InitialInterval time.Duration `koanf:"initial_interval" validate:"required,min=10ms"`
	MaxInterval     time.Duration `koanf:"max_interval"     validate:"required,min=100ms"`
	Multiplier      float64       `koanf:"multiplier"       validate:"required,min=1.1,max=10"`
	JitterFactor    float64       `koanf:"jitter_factor"    validate:"min=0,max=1"`
}

// CircuitBreakerConfig controls when the remote is treated as unavailable.
type CircuitBreakerConfig struct {
	MaxFailures   int           `koanf:"max_failures"    validate:"required,min=1"`
	Timeout       time.Duration `koanf:"timeout"         validate:"required,min=1s"`
	HalfOpenLimit int           `koanf:"half_open_limit" validate:"required,min=1"`
}

// TransportConfig sizes the idle connection pool.
type TransportConfig struct {
	MaxIdleConns        int           `koanf:"max_idle_conns"          validate:"required,min=1"`
	MaxIdleConnsPerHost int           `koanf:"max_idle_conns_per_host" validate:"required,min=1"`
	IdleConnTimeout     time.Duration `koanf:"idle_conn_timeout"       validate:"required,min=1s"`
}

// RemoteConfig locates the remote collection.
type RemoteConfig struct {
	BaseURL string `koanf:"base_url" validate:"required,url"`
	Name    string `koanf:"name"     validate:"required"`
}

// StorageConfig selects and configures the key-value backend.
type StorageConfig struct {
	Backend     string       `koanf:"backend"       validate:"required,oneof=sqlite redis memory"`
	RecordsKey  string       `koanf:"records_key"   validate:"required"`
	LastSyncKey string       `koanf:"last_sync_key" validate:"required,nefield=RecordsKey"`
	SQLite      SQLiteConfig `koanf:"sqlite"`
	Redis       RedisConfig  `koanf:"redis"`
}

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	Path            string        `koanf:"path"              validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns"    validate:"omitempty,min=1"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// RedisConfig configures the redis backend. URL wins over Addr when both are set.
type RedisConfig struct {
	URL       string `koanf:"url"`
	Addr      string `koanf:"addr"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"         validate:"min=0"`
	KeyPrefix string `koanf:"key_prefix"`
}

// SyncConfig controls the sync engine and scheduler.
type SyncConfig struct {
	AutoEnabled     bool          `koanf:"auto_enabled"`
	Interval        time.Duration `koanf:"interval"          validate:"required,min=1s"`
	PullLimit       int           `koanf:"pull_limit"        validate:"required,min=1,max=100"`
	PushConcurrency int           `koanf:"push_concurrency"  validate:"required,min=1,max=64"`
	MaxPushAttempts int           `koanf:"max_push_attempts" validate:"min=0"`
	CallTimeout     time.Duration `koanf:"call_timeout"      validate:"required,min=100ms"`
	CycleTimeout    time.Duration `koanf:"cycle_timeout"     validate:"required,gtefield=CallTimeout"`
}

type section = map[string]any

// defaults is the lowest configuration layer, keyed like the YAML files.
func defaults() section {
	return section{
		"app": section{"name": "quotesync", "version": "dev", "environment": "local"},
		"server": section{
			"enabled":          true,
			"host":             "127.0.0.1",
			"port":             DefaultServerPort,
			"read_timeout":     "30s",
			"write_timeout":    "30s",
			"idle_timeout":     "2m",
			"shutdown_timeout": "10s",
			"max_request_size": DefaultMaxRequestSize,
		},
		"log": section{
			"level":  "info",
			"format": "json",
			"file": section{
				"enabled":     false,
				"path":        "./logs/quotesync.log",
				"max_size":    DefaultLogFileMaxSizeMB,
				"max_backups": DefaultLogFileMaxBackups,
				"max_age":     DefaultLogFileMaxAgeDays,
				"compress":    true,
			},
		},
		"telemetry": section{"enabled": false, "service_name": "quotesync", "sampling_rate": 1.0},
		"client": section{
			"timeout": "10s",
			"retry": section{
				"max_attempts":     DefaultClientRetryMaxAttempts,
				"initial_interval": "100ms",
				"max_interval":     "5s",
				"multiplier":       DefaultClientRetryMultiplier,
				"jitter_factor":    DefaultClientRetryJitterFactor,
			},
			"circuit_breaker": section{
				"max_failures":    DefaultClientCircuitMaxFailures,
				"timeout":         "30s",
				"half_open_limit": DefaultClientCircuitHalfOpenLimit,
			},
			"transport": section{
				"max_idle_conns":          DefaultTransportMaxIdleConns,
				"max_idle_conns_per_host": DefaultTransportMaxIdleConnsPerHost,
				"idle_conn_timeout":       "90s",
			},
		},
		"remote": section{"base_url": DefaultRemoteBaseURL, "name": "posts"},
		"storage": section{
			"backend":       DefaultStorageBackend,
			"records_key":   "quotes",
			"last_sync_key": "lastSync",
			"sqlite":        section{"path": "./data/quotesync.db", "max_open_conns": 1, "conn_max_lifetime": "0s"},
			"redis":         section{"addr": "localhost:6379", "db": 0, "key_prefix": "quotesync:"},
		},
		"sync": section{
			"auto_enabled":      true,
			"interval":          "30s",
			"pull_limit":        DefaultSyncPullLimit,
			"push_concurrency":  DefaultSyncPushConcurrency,
			"max_push_attempts": DefaultSyncMaxPushAttempts,
			"call_timeout":      "15s",
			"cycle_timeout":     "2m",
		},
	}
}

// Load merges, lowest precedence first: built-in defaults, configs/base.yaml,
// configs/<profile>.yaml and APP_* environment variables. Missing files are
// skipped. The result is not validated; call Validate.
func Load(profile string) (*Config, error) {
	k := koanf.New(".")

	// The defaults map is already nested, so no delimiter is needed to unflatten it.
	if err := k.Load(confmap.Provider(defaults(), ""), nil); err != nil {
		return nil, fmt.Errorf("built-in defaults: %w", err)
	}

	files := []string{baseConfigPath}
	if p := strings.TrimSpace(profile); p != "" {
		files = append(files, fmt.Sprintf(profileConfigPath, p))
	}

	for _, path := range files {
		if err := loadFileIfExists(k, path); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	// Env keys are resolved against what is already loaded, so it goes last.
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper(k.Keys())), nil); err != nil {
		return nil, fmt.Errorf("loading %s* environment: %w", envPrefix, err)
	}

	cfg := new(Config)
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper maps APP_SYNC_PUSH_CONCURRENCY to sync.push_concurrency by
// matching against the keys already loaded. Unknown variables fall back to
// replacing every underscore with a dot.
func envKeyMapper(known []string) func(string) string {
	flat := make(map[string]string, len(known))
	for _, key := range known {
		flat[strings.ReplaceAll(key, ".", "_")] = key
	}

	return func(s string) string {
		name := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		if key, ok := flat[name]; ok {
			return key
		}

		return strings.ReplaceAll(name, "_", ".")
	}
}

// loadFileIfExists merges the YAML file at path, treating a missing file as empty.
func loadFileIfExists(k *koanf.Koanf, path string) error {
	err := k.Load(file.Provider(path), yaml.Parser())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return err
}
