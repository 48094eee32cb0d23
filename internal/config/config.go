// Package config handles application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
)

// Prefix is prepended to every variable name.
const Prefix = "PIXELGATE_"

// ByteSize is a byte count written the human way ("20MiB", "512 kB").
type ByteSize int64

func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Config holds all application configuration.
type Config struct {
	Env      string `env:"ENV" envDefault:"production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Completion events buffered between the tiers and the cacher.
	EventBuffer int `env:"EVENT_BUFFER" envDefault:"256"`

	HTTP    HTTPConfig    `envPrefix:"HTTP_"`
	Memory  MemoryConfig  `envPrefix:"MEMORY_"`
	Disk    DiskConfig    `envPrefix:"DISK_"`
	Details DetailsConfig `envPrefix:"DETAILS_"`
	Redis   RedisConfig   `envPrefix:"REDIS_"`
	Network NetworkConfig `envPrefix:"NETWORK_"`
}

type HTTPConfig struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	MaxBody         ByteSize      `env:"MAX_BODY" envDefault:"64KiB"`
}

type MemoryConfig struct {
	Max ByteSize `env:"MAX" envDefault:"20MiB"`
}

type DiskConfig struct {
	Dir       string        `env:"DIR" envDefault:"./data/images"`
	Workers   int           `env:"WORKERS" envDefault:"3"`
	OpTimeout time.Duration `env:"OP_TIMEOUT" envDefault:"2s"`
}

// DetailsConfig selects where image dimensions are kept.
type DetailsConfig struct {
	Backend string        `env:"BACKEND" envDefault:"memory"` // memory, redis or badger
	TTL     time.Duration `env:"TTL"`
	Prefix  string        `env:"PREFIX" envDefault:"pixelgate"`
	Dir     string        `env:"DIR"` // badger only; empty runs in memory
}

type RedisConfig struct {
	Addr     string `env:"ADDR" envDefault:"127.0.0.1:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

type NetworkConfig struct {
	UserAgent   string        `env:"USER_AGENT" envDefault:"pixelgate/1.0"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"30s"`
	MaxRetries  int           `env:"MAX_RETRIES" envDefault:"2"`
	BaseBackoff time.Duration `env:"BASE_BACKOFF" envDefault:"100ms"`
	Workers     int           `env:"WORKERS" envDefault:"4"`
	MaxBody     ByteSize      `env:"MAX_BODY" envDefault:"20MiB"`
}

// Load reads configuration from the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom reads configuration from environ instead of the process
// environment. Keys include Prefix.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required and range fields.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("HTTP_ADDR is required"))
	}
	if c.Disk.Dir == "" {
		errs = append(errs, errors.New("DISK_DIR is required"))
	}
	if c.Disk.Workers < 1 {
		errs = append(errs, fmt.Errorf("DISK_WORKERS must be at least 1, got %d", c.Disk.Workers))
	}
	if c.Network.Workers < 1 {
		errs = append(errs, fmt.Errorf("NETWORK_WORKERS must be at least 1, got %d", c.Network.Workers))
	}
	if c.Network.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("NETWORK_MAX_RETRIES must not be negative, got %d", c.Network.MaxRetries))
	}
	if c.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("EVENT_BUFFER must not be negative, got %d", c.EventBuffer))
	}
	switch c.Details.Backend {
	case "memory", "redis", "badger":
	default:
		errs = append(errs, fmt.Errorf("DETAILS_BACKEND must be memory, redis or badger, got %q", c.Details.Backend))
	}

	return errors.Join(errs...)
}
