// Package config loads service settings from the environment and an optional
// config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"task-api/storage"
)

// Config is the full runtime configuration of the service.
type Config struct {
	ListenAddr      string
	RoutePrefix     string
	Debug           bool
	LogFormat       string
	BodyLimit       int64
	ShutdownTimeout time.Duration
	PprofEnabled    bool

	Store        storage.Options
	EnsureSchema bool

	Auth Auth

	OTLPEndpoint string
}

// Auth configures bearer authentication for GET /user.
type Auth struct {
	Domain       string
	Audience     string
	HMACSecret   string
	JWKSCacheTTL time.Duration
}

// Enabled reports whether enough is configured to verify tokens.
func (a Auth) Enabled() bool {
	return a.Domain != "" || a.HMACSecret != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("route_prefix", "")
	v.SetDefault("debug", false)
	v.SetDefault("log_format", "text")
	v.SetDefault("request_body_limit", 64<<10)
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("pprof_enabled", false)

	v.SetDefault("store_driver", storage.DriverMongo)
	v.SetDefault("store_ensure_schema", true)
	v.SetDefault("mongodb_uri", "mongodb://localhost:27017")
	v.SetDefault("mongodb_database", "tasks")
	v.SetDefault("mongodb_collection", "project_tasks")
	v.SetDefault("storage_connection_string", "")
	v.SetDefault("tasks_table", "tasks")
	v.SetDefault("redis_connection_string", "localhost:6379")
	v.SetDefault("redis_key_prefix", "tasks")
	v.SetDefault("badger_path", "")

	v.SetDefault("auth0_domain", "")
	v.SetDefault("auth0_audience", "")
	v.SetDefault("jwt_hmac_secret", "")
	v.SetDefault("jwks_cache_ttl", 15*time.Minute)

	v.SetDefault("otel_exporter_otlp_endpoint", "")
}

// Load reads configuration from the environment. When file is not empty it
// is read first and environment variables override it.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	cfg := &Config{
		ListenAddr:      v.GetString("listen_addr"),
		RoutePrefix:     strings.TrimRight(v.GetString("route_prefix"), "/"),
		Debug:           v.GetBool("debug"),
		LogFormat:       strings.ToLower(v.GetString("log_format")),
		BodyLimit:       v.GetInt64("request_body_limit"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		PprofEnabled:    v.GetBool("pprof_enabled"),
		Store: storage.Options{
			Driver: strings.ToLower(v.GetString("store_driver")),
			Mongo: storage.MongoOptions{
				URI:        v.GetString("mongodb_uri"),
				Database:   v.GetString("mongodb_database"),
				Collection: v.GetString("mongodb_collection"),
			},
			Tables: storage.TablesOptions{
				ConnectionString: v.GetString("storage_connection_string"),
				Table:            v.GetString("tasks_table"),
			},
			Redis: storage.RedisOptions{
				ConnectionString: v.GetString("redis_connection_string"),
				KeyPrefix:        v.GetString("redis_key_prefix"),
			},
			Badger: storage.BadgerOptions{
				Path: v.GetString("badger_path"),
			},
		},
		EnsureSchema: v.GetBool("store_ensure_schema"),
		Auth: Auth{
			Domain:       v.GetString("auth0_domain"),
			Audience:     v.GetString("auth0_audience"),
			HMACSecret:   v.GetString("jwt_hmac_secret"),
			JWKSCacheTTL: v.GetDuration("jwks_cache_ttl"),
		},
		OTLPEndpoint: v.GetString("otel_exporter_otlp_endpoint"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("LISTEN_ADDR must not be empty"))
	}
	if c.RoutePrefix != "" && !strings.HasPrefix(c.RoutePrefix, "/") {
		errs = append(errs, fmt.Errorf("ROUTE_PREFIX %q must start with /", c.RoutePrefix))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be text or json", c.LogFormat))
	}
	if c.BodyLimit <= 0 {
		errs = append(errs, errors.New("REQUEST_BODY_LIMIT must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}
	if c.Auth.JWKSCacheTTL <= 0 {
		errs = append(errs, errors.New("JWKS_CACHE_TTL must be positive"))
	}

	switch c.Store.Driver {
	case storage.DriverMongo:
		if c.Store.Mongo.URI == "" || c.Store.Mongo.Database == "" || c.Store.Mongo.Collection == "" {
			errs = append(errs, errors.New("MONGODB_URI, MONGODB_DATABASE and MONGODB_COLLECTION are required for the mongodb driver"))
		}
	case storage.DriverTables:
		if c.Store.Tables.ConnectionString == "" {
			errs = append(errs, errors.New("STORAGE_CONNECTION_STRING is required for the tables driver"))
		}
		if c.Store.Tables.Table == "" {
			errs = append(errs, errors.New("TASKS_TABLE is required for the tables driver"))
		}
	case storage.DriverRedis:
		if c.Store.Redis.ConnectionString == "" {
			errs = append(errs, errors.New("REDIS_CONNECTION_STRING is required for the redis driver"))
		}
	case storage.DriverBadger:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}
	return errors.Join(errs...)
}
