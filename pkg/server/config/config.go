// Package config contains all knobs and defaults used to configure an
// oddworks server.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultJWTIssuer      = "urn:oddworks"
	DefaultHTTPAddr       = "0.0.0.0:8080"
	DefaultMetricsAddr    = "0.0.0.0:2112"
)

// DatastoreConfig defines the settings of the entity store.
type DatastoreConfig struct {
	// Engine is the datastore engine to use (e.g. 'memory', 'sqlite', 'postgres', 'mysql', 'redis').
	Engine   string
	URI      string
	Username string
	Password string

	// MaxOpenConns is the maximum number of open connections to the database.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of connections to the datastore in the idle connection
	// pool.
	MaxIdleConns int

	// ConnMaxIdleTime is the maximum amount of time a connection to the datastore may be idle.
	ConnMaxIdleTime time.Duration

	// ConnMaxLifetime is the maximum amount of time a connection to the datastore may be reused.
	ConnMaxLifetime time.Duration

	// Metrics enables export of the database pool metrics.
	Metrics bool
}

// RedisConfig is used when the datastore engine is 'redis'. Addr may list
// several comma separated addresses for a cluster.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// HTTPConfig defines the settings of the HTTP server.
type HTTPConfig struct {
	Addr string

	CORSAllowedOrigins []string
	CORSAllowedHeaders []string
}

// JWTConfig defines how bearer tokens are signed and verified.
type JWTConfig struct {
	Secret        string
	Issuer        string
	SigningMethod string
	TTL           time.Duration
}

type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string

	// TimestampFormat is the format of the timestamp in the log output (e.g. 'Unix' or 'ISO8601')
	TimestampFormat string
}

type OTLPTraceConfig struct {
	Endpoint string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

// MetricConfig defines configurations for serving custom metrics.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

type SearchConfig struct {
	Enabled bool
	// ReindexInterval is how often every type is re-indexed. Zero indexes once at startup.
	ReindexInterval time.Duration
	// Fields restricts the indexed text fields. Empty indexes every top level string field.
	Fields []string
}

type Config struct {
	// If you change any of these settings, please update the documentation at
	// README.md and the flags of the run command.

	// RequestTimeout bounds every HTTP request.
	RequestTimeout time.Duration

	// Relationships are the viewer buckets exposed under /viewers/{id}/relationships.
	Relationships []string

	Datastore DatastoreConfig
	Redis     RedisConfig
	HTTP      HTTPConfig
	JWT       JWTConfig `mapstructure:"jwt"`
	Log       LogConfig
	Trace     TraceConfig
	Metrics   MetricConfig
	Cache     CacheSettings
	Search    SearchConfig
}

var supportedEngines = []string{"memory", "sqlite", "postgres", "mysql", "redis"}

func (cfg *Config) Verify() error {
	if !slices.Contains(supportedEngines, cfg.Datastore.Engine) {
		return fmt.Errorf("config 'datastore.engine' must be one of %q", supportedEngines)
	}

	if cfg.Datastore.Engine == "redis" {
		if cfg.Redis.Addr == "" {
			return errors.New("config 'redis.addr' must be set for the redis datastore")
		}
	} else if cfg.Datastore.Engine != "memory" && cfg.Datastore.URI == "" {
		return fmt.Errorf("config 'datastore.uri' must be set for the %s datastore", cfg.Datastore.Engine)
	}

	if cfg.JWT.Secret == "" {
		return errors.New("config 'jwt.secret' must be set")
	}

	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("config 'requestTimeout' (%s) cannot be negative", cfg.RequestTimeout)
	}

	if len(cfg.Relationships) == 0 {
		return errors.New("config 'relationships' must name at least one relationship")
	}

	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	if cfg.Log.Level != "none" &&
		cfg.Log.Level != "debug" &&
		cfg.Log.Level != "info" &&
		cfg.Log.Level != "warn" &&
		cfg.Log.Level != "error" &&
		cfg.Log.Level != "panic" &&
		cfg.Log.Level != "fatal" {
		return fmt.Errorf(
			"config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		)
	}

	if cfg.Log.TimestampFormat != "Unix" && cfg.Log.TimestampFormat != "ISO8601" {
		return fmt.Errorf("config 'log.TimestampFormat' must be one of ['Unix', 'ISO8601']")
	}

	if cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1 {
		return fmt.Errorf("config 'trace.sampleRatio' (%v) must be within [0, 1]", cfg.Trace.SampleRatio)
	}

	if cfg.Search.ReindexInterval < 0 {
		return fmt.Errorf("config 'search.reindexInterval' (%s) cannot be negative", cfg.Search.ReindexInterval)
	}

	return cfg.Cache.Verify()
}

// DefaultConfig is the oddworks server default configuration.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout: DefaultRequestTimeout,
		Relationships:  []string{"watchlist", "library", "platforms"},
		Datastore: DatastoreConfig{
			Engine:       "memory",
			MaxIdleConns: 10,
			MaxOpenConns: 30,
		},
		Redis: RedisConfig{
			Prefix: "oddworks",
		},
		HTTP: HTTPConfig{
			Addr:               DefaultHTTPAddr,
			CORSAllowedOrigins: []string{"*"},
			CORSAllowedHeaders: []string{"*"},
		},
		JWT: JWTConfig{
			Issuer:        DefaultJWTIssuer,
			SigningMethod: "HS256",
		},
		Log: LogConfig{
			Format:          "text",
			Level:           "info",
			TimestampFormat: "Unix",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
			},
			SampleRatio: 0.2,
			ServiceName: "oddworks",
		},
		Metrics: MetricConfig{
			Enabled: true,
			Addr:    DefaultMetricsAddr,
		},
		Cache:  NewDefaultCacheSettings(),
		Search: SearchConfig{Enabled: true, ReindexInterval: 5 * time.Minute},
	}
}

// MustDefaultConfig returns default server config with metrics turned off and
// a throwaway signing secret, for tests.
func MustDefaultConfig() *Config {
	config := DefaultConfig()

	config.Metrics.Enabled = false
	config.JWT.Secret = "oddworks-test-secret"

	return config
}
