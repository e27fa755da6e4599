// Package config loads the pagecached configuration.
//
// Values come from, in increasing precedence: built-in defaults, a YAML
// file, and PAGECACHE_* environment variables. Secret references in
// credential fields are resolved last, then the result is validated.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/jonwraymond/pagecache/cache"
	"github.com/jonwraymond/pagecache/fullpage"
	"github.com/jonwraymond/pagecache/objectstore"
	"github.com/jonwraymond/pagecache/observe"
	"github.com/jonwraymond/pagecache/resilience"
	"github.com/jonwraymond/pagecache/secret"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PAGECACHE_"

// Sentinel errors for configuration.
var (
	ErrInvalidBackend  = errors.New("config: cache backend must be memory or redis")
	ErrMissingRedis    = errors.New("config: redis backend requires cache.redis_addr")
	ErrInvalidServer   = errors.New("config: invalid server settings")
	ErrInvalidQueue    = errors.New("config: invalid queue settings")
	ErrInvalidAuth     = errors.New("config: invalid auth settings")
	ErrInvalidStampede = errors.New("config: stampede settings must be >= 0")
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig      `yaml:"server" envPrefix:"SERVER_"`
	FullPage fullpage.Settings `yaml:"full_page_cache" envPrefix:"FULL_PAGE_CACHE_"`
	Cache    CacheConfig       `yaml:"cache" envPrefix:"CACHE_"`
	Objects  ObjectsConfig     `yaml:"objects" envPrefix:"OBJECTS_"`
	Storage  StorageConfig     `yaml:"storage" envPrefix:"STORAGE_"`
	Queue    QueueConfig       `yaml:"queue" envPrefix:"QUEUE_"`
	Auth     AuthConfig        `yaml:"auth" envPrefix:"AUTH_"`
	Observe  observe.Config    `yaml:"observe" envPrefix:"OBSERVE_"`

	// Secrets configures secret providers by name, e.g. env or file.
	// Default: env and file with no options
	Secrets map[string]map[string]string `yaml:"secrets" env:"-"`

	// Classes defines the object classes.
	Classes []ClassConfig `yaml:"classes" env:"-"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Default: ":8080"
	Addr string `yaml:"addr" env:"ADDR"`

	// Default: 10s
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`

	// Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`

	// Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// CacheConfig selects and tunes the response cache backend.
type CacheConfig struct {
	// Backend is memory or redis.
	// Default: "memory"
	Backend string `yaml:"backend" env:"BACKEND"`

	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`

	// Default: "pagecache:"
	RedisPrefix string `yaml:"redis_prefix" env:"REDIS_PREFIX"`

	RedisPolicy resilience.BackendPolicy `yaml:"redis_policy" envPrefix:"REDIS_POLICY_"`

	// SweepInterval is how often expired entries are reaped. Zero disables
	// the sweeper.
	// Default: 1m
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`

	cache.Policy `yaml:",inline"`
}

// ObjectsConfig configures the object store.
type ObjectsConfig struct {
	Versions objectstore.Retention `yaml:"versions" envPrefix:"VERSIONS_"`
}

// StorageConfig locates the object database.
type StorageConfig struct {
	// Path is the SQLite file. Empty keeps objects in memory.
	Path string `yaml:"path" env:"PATH"`
}

// QueueConfig sizes the background worker pool.
type QueueConfig struct {
	// Default: 4
	Workers int `yaml:"workers" env:"WORKERS"`

	// Default: 256
	Buffer int `yaml:"buffer" env:"BUFFER"`
}

// AuthConfig configures admin sessions.
type AuthConfig struct {
	// JWTKey signs admin session tokens. Empty disables admin sessions and
	// the write endpoints.
	JWTKey string `yaml:"jwt_key" env:"JWT_KEY"`

	// Cookie carries the session token.
	// Default: "pagecache_admin"
	Cookie string `yaml:"cookie" env:"COOKIE"`

	// AdminRole is required for write endpoints and bypasses the page cache.
	// Default: "admin"
	AdminRole string `yaml:"admin_role" env:"ADMIN_ROLE"`

	Issuer   string `yaml:"issuer" env:"ISSUER"`
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		FullPage: fullpage.DefaultSettings(),
		Cache: CacheConfig{
			Backend:       "memory",
			RedisPrefix:   "pagecache:",
			SweepInterval: time.Minute,
			Policy:        cache.DefaultPolicy(),
		},
		Queue: QueueConfig{Workers: 4, Buffer: 256},
		Auth:  AuthConfig{Cookie: "pagecache_admin", AdminRole: "admin"},
		Observe: observe.Config{
			ServiceName: "pagecached",
			Tracing:     observe.TracingConfig{Exporter: "none", SamplePct: 1},
			Metrics:     observe.MetricsConfig{Enabled: true, Exporter: "prometheus"},
			Logging:     observe.LoggingConfig{Enabled: true, Level: "info"},
		},
	}
}

// Load reads path (optional), applies environment overrides, resolves
// secrets and validates.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.resolveSecrets(ctx); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	return nil
}

func (c *Config) resolveSecrets(ctx context.Context) error {
	providers := c.Secrets
	if len(providers) == 0 {
		providers = map[string]map[string]string{"env": nil, "file": nil}
	}
	res, err := secret.BuiltinRegistry().NewResolverFrom(true, providers)
	if err != nil {
		return fmt.Errorf("config: secrets: %w", err)
	}
	defer res.Close()

	if err := res.ResolveInPlace(ctx, &c.Cache.RedisPassword, &c.Auth.JWTKey, &c.Cache.RedisAddr, &c.Storage.Path); err != nil {
		return fmt.Errorf("config: secrets: %w", err)
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Server.Addr == "" || c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return ErrInvalidServer
	}
	if err := c.FullPage.Validate(); err != nil {
		return err
	}
	if !slices.Contains([]string{"memory", "redis"}, c.Cache.Backend) {
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return ErrMissingRedis
	}
	if c.Cache.StampedeThreshold < 0 || c.Cache.StampedeWindow < 0 {
		return ErrInvalidStampede
	}
	if c.Queue.Workers <= 0 || c.Queue.Buffer <= 0 {
		return fmt.Errorf("%w: workers and buffer must be > 0", ErrInvalidQueue)
	}
	if c.Auth.JWTKey != "" && c.Auth.Cookie == "" {
		return fmt.Errorf("%w: cookie is required with a jwt key", ErrInvalidAuth)
	}
	if err := c.Observe.Validate(); err != nil {
		return fmt.Errorf("config: observe: %w", err)
	}
	for i, cc := range c.Classes {
		if _, err := cc.Build(); err != nil {
			return fmt.Errorf("config: classes[%d]: %w", i, err)
		}
	}
	return nil
}

// BuildClasses converts the class definitions.
func (c *Config) BuildClasses() ([]*objectstore.Class, error) {
	out := make([]*objectstore.Class, 0, len(c.Classes))
	for _, cc := range c.Classes {
		class, err := cc.Build()
		if err != nil {
			return nil, err
		}
		out = append(out, class)
	}
	return out, nil
}
