package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/agentmesh/internal/routing"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig         `json:"server"`
	Providers    []ProviderConfig     `json:"providers"`
	Router       RouterConfig         `json:"router"`
	Orchestrator OrchestratorConfig   `json:"orchestrator"`
	Database     DatabaseConfig       `json:"database"`
	Capabilities []routing.Capability `json:"capabilities,omitempty"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"` // debug|info|warn|error
}

// Logger builds the process logger at the configured level.
func (s ServerConfig) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(s.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// ProviderConfig describes one model backend. Class is cheap, general or
// quality and steers balanced routing.
type ProviderConfig struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Name         string            `json:"name"`
	Class        string            `json:"class"`
	Endpoint     string            `json:"endpoint"`
	APIKey       string            `json:"api_key"`
	Models       []string          `json:"models,omitempty"`
	DefaultModel string            `json:"default_model,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

type RouterConfig struct {
	Strategy          string   `json:"strategy"`
	PreferredProvider string   `json:"preferred_provider"`
	FallbackEnabled   *bool    `json:"fallback_enabled,omitempty"`
	MaxRetries        int      `json:"max_retries"`
	SmallRequestChars int      `json:"small_request_chars"`
	HealthCooldown    Duration `json:"health_cooldown"`
}

// Fallback reports whether fallback is on. It defaults to true.
func (r RouterConfig) Fallback() bool {
	return r.FallbackEnabled == nil || *r.FallbackEnabled
}

type OrchestratorConfig struct {
	PollInterval      Duration `json:"poll_interval"`
	StepTimeout       Duration `json:"step_timeout"`
	MaxParallel       int      `json:"max_parallel"`
	PoolSize          int      `json:"pool_size"`
	BusyThreshold     int      `json:"busy_threshold"`
	UnresponsiveAfter Duration `json:"unresponsive_after"`
	RebalanceInterval Duration `json:"rebalance_interval"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// Duration reads Go duration strings such as "1s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a config document after env substitution and fills defaults.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider without id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider %q", p.ID)
		}
		seen[p.ID] = true
		switch p.Class {
		case "", "cheap", "general", "quality":
		default:
			return fmt.Errorf("provider %q: unknown class %q", p.ID, p.Class)
		}
	}
	if c.Server.LogLevel != "" {
		if _, err := zapcore.ParseLevel(c.Server.LogLevel); err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}
	switch routing.Strategy(c.Router.Strategy) {
	case "", routing.StrategyCost, routing.StrategyPerformance, routing.StrategyBalanced:
	default:
		return fmt.Errorf("unknown routing strategy %q", c.Router.Strategy)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Router.Strategy == "" {
		c.Router.Strategy = string(routing.StrategyBalanced)
	}
	if c.Router.MaxRetries <= 0 {
		c.Router.MaxRetries = 2
	}
	if c.Router.SmallRequestChars <= 0 {
		c.Router.SmallRequestChars = 1000
	}
	if c.Orchestrator.PoolSize <= 0 {
		c.Orchestrator.PoolSize = 10
	}
	if c.Database.Postgres.MigrationsDir == "" {
		c.Database.Postgres.MigrationsDir = "migrations"
	}
	for i := range c.Providers {
		if c.Providers[i].Class == "" {
			c.Providers[i].Class = "general"
		}
		if c.Providers[i].Name == "" {
			c.Providers[i].Name = c.Providers[i].ID
		}
	}
}
