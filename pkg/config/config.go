// Package config loads the multiguard server configuration from a YAML file
// with MULTIGUARD_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/jio-gl/multiguard/pkg/contracts"
	"github.com/jio-gl/multiguard/pkg/limiter"
	"github.com/jio-gl/multiguard/pkg/observability"
	"github.com/jio-gl/multiguard/pkg/policy"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MULTIGUARD_"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config holds server configuration.
type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Genesis   GenesisConfig         `yaml:"genesis"`
	Storage   StorageConfig         `yaml:"storage"`
	Redis     RedisConfig           `yaml:"redis"`
	RateLimit RateLimitConfig       `yaml:"rate_limit"`
	Wasm      WasmConfig            `yaml:"wasm"`
	Targets   []TargetConfig        `yaml:"targets"`
	Policy    []policy.Rule         `yaml:"policy"`
	Telemetry *observability.Config `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener and process-wide logging.
type ServerConfig struct {
	Listen       string `yaml:"listen" env:"LISTEN"`
	Self         string `yaml:"self" env:"SELF"`
	CallerHeader string `yaml:"caller_header" env:"CALLER_HEADER"`
	LogLevel     string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat    string `yaml:"log_format" env:"LOG_FORMAT"` // "json" | "text"
}

// GenesisConfig seeds an empty repository.
type GenesisConfig struct {
	Owners            []string      `yaml:"owners" env:"OWNERS" envSeparator:","`
	RequiredApprovals int           `yaml:"required_approvals" env:"REQUIRED_APPROVALS"`
	ProposalDeadline  time.Duration `yaml:"proposal_deadline" env:"PROPOSAL_DEADLINE"`
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"` // "memory" | "sqlite" | "postgres"
	DSN    string `yaml:"dsn" env:"DSN"`
}

// RedisConfig is optional; when Addr is set, events are published to Channel.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Channel  string `yaml:"channel" env:"CHANNEL"`
}

// RateLimitConfig bounds API calls per caller.
type RateLimitConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Backend string `yaml:"backend" env:"BACKEND"` // "memory" | "redis"
	RPM     int    `yaml:"rpm" env:"RPM"`
	Burst   int    `yaml:"burst" env:"BURST"`
}

// Policy returns the limiter policy.
func (r RateLimitConfig) Policy() limiter.Policy {
	return limiter.Policy{RPM: r.RPM, Burst: r.Burst}
}

// WasmConfig bounds every WASM target.
type WasmConfig struct {
	MemoryLimitBytes uint64        `yaml:"memory_limit_bytes" env:"MEMORY_LIMIT_BYTES"`
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// TargetConfig declares one executable Transaction target.
type TargetConfig struct {
	Address  string  `yaml:"address"`
	Kind     string  `yaml:"kind"` // "http" | "wasm"
	Endpoint string  `yaml:"endpoint,omitempty"`
	RPS      float64 `yaml:"rps,omitempty"`
	Burst    int     `yaml:"burst,omitempty"`
	Module   string  `yaml:"module,omitempty"` // path to a .wasm file

	Timeout time.Duration `yaml:"timeout,omitempty"` // http only
}

// Default returns a configuration that serves an in-memory engine.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:       ":8080",
			Self:         "multiguard",
			CallerHeader: "X-Multiguard-Caller",
			LogLevel:     "INFO",
			LogFormat:    "json",
		},
		Genesis: GenesisConfig{
			RequiredApprovals: 1,
			ProposalDeadline:  24 * time.Hour,
		},
		Storage: StorageConfig{Driver: "memory"},
		Redis:   RedisConfig{Channel: "multiguard.events"},
		RateLimit: RateLimitConfig{
			Backend: "memory",
			RPM:     120,
			Burst:   20,
		},
		Wasm: WasmConfig{
			MemoryLimitBytes: 16 << 20,
			Timeout:          5 * time.Second,
		},
		Telemetry: observability.DefaultConfig(),
	}
}

// Load reads path (optional), applies environment overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(nil); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays YAML onto cfg. Unknown keys are rejected.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if c.Telemetry == nil {
		c.Telemetry = observability.DefaultConfig()
	}
	return nil
}

// applyEnv overrides scalar sections from the environment. environ replaces
// the process environment when non-nil.
func (c *Config) applyEnv(environ map[string]string) error {
	sections := []struct {
		prefix string
		target any
	}{
		{EnvPrefix, &c.Server},
		{EnvPrefix + "GENESIS_", &c.Genesis},
		{EnvPrefix + "STORAGE_", &c.Storage},
		{EnvPrefix + "REDIS_", &c.Redis},
		{EnvPrefix + "RATE_LIMIT_", &c.RateLimit},
		{EnvPrefix + "WASM_", &c.Wasm},
		{EnvPrefix + "TELEMETRY_", c.Telemetry},
	}
	for _, s := range sections {
		opts := env.Options{Prefix: s.prefix}
		if environ != nil {
			opts.Environment = environ
		}
		if err := env.ParseWithOptions(s.target, opts); err != nil {
			return fmt.Errorf("parse env %s*: %w", s.prefix, err)
		}
	}
	return nil
}

// GenesisState converts the genesis section.
func (c *Config) GenesisState() contracts.Genesis {
	owners := make([]contracts.Address, 0, len(c.Genesis.Owners))
	for _, o := range c.Genesis.Owners {
		owners = append(owners, contracts.ParseAddress(o))
	}
	return contracts.Genesis{
		Owners:            owners,
		RequiredApprovals: c.Genesis.RequiredApprovals,
		ProposalDeadline:  c.Genesis.ProposalDeadline,
	}
}

// Validate checks every section and returns the first problem wrapped in
// ErrInvalid.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("%w: server.listen is empty", ErrInvalid)
	}
	if c.Server.CallerHeader == "" {
		return fmt.Errorf("%w: server.caller_header is empty", ErrInvalid)
	}
	if _, err := c.Server.Level(); err != nil {
		return fmt.Errorf("%w: server.log_level: %v", ErrInvalid, err)
	}
	switch strings.ToLower(c.Server.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("%w: server.log_format %q", ErrInvalid, c.Server.LogFormat)
	}

	if err := c.GenesisState().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("%w: storage.dsn is required for %s", ErrInvalid, c.Storage.Driver)
		}
	default:
		return fmt.Errorf("%w: storage.driver %q", ErrInvalid, c.Storage.Driver)
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case "memory":
		case "redis":
			if c.Redis.Addr == "" {
				return fmt.Errorf("%w: rate_limit.backend redis needs redis.addr", ErrInvalid)
			}
		default:
			return fmt.Errorf("%w: rate_limit.backend %q", ErrInvalid, c.RateLimit.Backend)
		}
		if c.RateLimit.RPM < 1 {
			return fmt.Errorf("%w: rate_limit.rpm must be positive", ErrInvalid)
		}
	}

	self := contracts.ParseAddress(c.Server.Self)
	seen := make(map[contracts.Address]bool, len(c.Targets))
	for i, t := range c.Targets {
		addr := contracts.ParseAddress(t.Address)
		switch {
		case addr.IsZero():
			return fmt.Errorf("%w: targets[%d].address is empty", ErrInvalid, i)
		case addr == self:
			return fmt.Errorf("%w: targets[%d] routes the engine's own address", ErrInvalid, i)
		case seen[addr]:
			return fmt.Errorf("%w: targets[%d]: duplicate address %s", ErrInvalid, i, addr)
		}
		seen[addr] = true
		switch t.Kind {
		case "http":
			if t.Endpoint == "" {
				return fmt.Errorf("%w: targets[%d]: http target needs endpoint", ErrInvalid, i)
			}
		case "wasm":
			if t.Module == "" {
				return fmt.Errorf("%w: targets[%d]: wasm target needs module", ErrInvalid, i)
			}
		default:
			return fmt.Errorf("%w: targets[%d].kind %q", ErrInvalid, i, t.Kind)
		}
	}

	if _, err := policy.New(c.Policy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Level parses LogLevel.
func (s ServerConfig) Level() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(s.LogLevel))
	return lvl, err
}

// Logger builds the process logger.
func (s ServerConfig) Logger(w io.Writer) *slog.Logger {
	lvl, err := s.Level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(s.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
