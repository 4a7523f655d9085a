// Package config loads smartquery configuration from a YAML file with
// defaults and environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all smartquery configuration.
type Config struct {
	Name string `yaml:"name"`

	LLM      LLMConfig      `yaml:"llm"`
	Cache    CacheConfig    `yaml:"cache"`
	Store    StoreConfig    `yaml:"store"`
	Sanitize SanitizeConfig `yaml:"sanitize"`
	Plan     PlanConfig     `yaml:"plan"`
	Audit    AuditConfig    `yaml:"audit"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LLMConfig configures the model backend.
type LLMConfig struct {
	Provider   string   `yaml:"provider"` // gemini | mock
	APIKey     string   `yaml:"api_key"`  // overridden by SMARTQUERY_LLM_API_KEY
	Model      string   `yaml:"model"`
	Timeout    Duration `yaml:"timeout"`     // per-call upper bound
	MaxRetries int      `yaml:"max_retries"` // single-shot retries on TIMEOUT/UNAVAILABLE
}

// CacheConfig configures the schema metadata cache.
type CacheConfig struct {
	TTL Duration `yaml:"ttl"`
	// StaleCeiling is the hard staleness bound: on fetch failure a stale
	// entry is served only while younger than this. Zero means 2x TTL.
	StaleCeiling Duration `yaml:"stale_ceiling"`
}

// StoreConfig configures the SQLite data store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// SanitizeConfig configures the prompt sanitizer.
type SanitizeConfig struct {
	// PatternsPath points to an optional newline-separated file of injection
	// marker patterns, hot-reloaded on change. Empty uses the built-in set.
	PatternsPath string `yaml:"patterns_path"`
}

// PlanConfig configures plan sessions.
type PlanConfig struct {
	EventBufferSize int      `yaml:"event_buffer_size"` // replayable events per session
	IdleTimeout     Duration `yaml:"idle_timeout"`      // session reaped after this much inactivity
}

// AuditConfig configures audit event emission.
type AuditConfig struct {
	NATSURL     string `yaml:"nats_url"` // overridden by SMARTQUERY_NATS_URL; empty disables NATS
	NATSSubject string `yaml:"nats_subject"`
	FilePath    string `yaml:"file_path"` // empty disables the file sink
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Name: "smartquery",
		LLM: LLMConfig{
			Provider:   "gemini",
			Model:      "gemini-2.0-flash",
			Timeout:    Duration(45 * time.Second),
			MaxRetries: 1,
		},
		Cache: CacheConfig{
			TTL: Duration(5 * time.Minute),
			// Stale values are served on fetch failure up to 2x TTL, then the
			// request fails with SCHEMA_UNAVAILABLE.
			StaleCeiling: Duration(10 * time.Minute),
		},
		Store: StoreConfig{
			DatabasePath: ".smartquery/store.db",
		},
		Plan: PlanConfig{
			EventBufferSize: 256,
			IdleTimeout:     Duration(30 * time.Minute),
		},
		Audit: AuditConfig{
			NATSSubject: "smartquery.audit",
			FilePath:    ".smartquery/audit.log",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path, merging it over defaults. A missing
// file is not an error: defaults plus env overrides apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides pulls secrets from the environment so they never have to
// live in the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SMARTQUERY_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("SMARTQUERY_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("SMARTQUERY_NATS_URL"); v != "" {
		cfg.Audit.NATSURL = v
	}
	if v := os.Getenv("SMARTQUERY_DB_PATH"); v != "" {
		cfg.Store.DatabasePath = v
	}
}

func (c *Config) validate() error {
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Cache.StaleCeiling == 0 {
		c.Cache.StaleCeiling = 2 * c.Cache.TTL
	}
	if c.Cache.StaleCeiling < c.Cache.TTL {
		return fmt.Errorf("cache.stale_ceiling must be >= cache.ttl")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive")
	}
	if c.Plan.EventBufferSize <= 0 {
		return fmt.Errorf("plan.event_buffer_size must be positive")
	}
	return nil
}
