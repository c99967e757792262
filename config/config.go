// Package config loads and validates the daemon configuration: the TOML
// runtime config, the YAML chain registry, and the YAML route policies.
// Validation is fail-fast and aggregated so a single run reports every
// problem in the files.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support TOML and YAML unmarshalling from
// human readable strings.
type Duration struct {
	time.Duration
}

// UnmarshalText parses duration strings for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// Config captures the runtime configuration for markd.
type Config struct {
	ListenAddress string `toml:"listen"`
	DatabaseDSN   string `toml:"database"`
	ChainsPath    string `toml:"chains"`
	RoutesPath    string `toml:"routes"`
	PauseOnStart  bool   `toml:"pause"`

	TickInterval Duration `toml:"tick_interval"`
	RPCTimeout   Duration `toml:"rpc_timeout"`
	EarmarkTTL   Duration `toml:"earmark_ttl"`
	OperationTTL Duration `toml:"operation_ttl"`
	CallbackPool int      `toml:"callback_workers"`

	Admin AdminConfig `toml:"admin"`
	Log   LogConfig   `toml:"log"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string  `toml:"bearer_token"`
	BearerTokenFile string  `toml:"bearer_token_file"`
	RateLimit       float64 `toml:"rate_limit"`
	RateBurst       int     `toml:"rate_burst"`
}

// LogConfig controls optional rotating file output in addition to stdout.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Load reads the runtime configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7180"
	}
	if cfg.ChainsPath == "" {
		cfg.ChainsPath = "chains.yaml"
	}
	if cfg.RoutesPath == "" {
		cfg.RoutesPath = "routes.yaml"
	}
	if cfg.TickInterval.Duration == 0 {
		cfg.TickInterval.Duration = 30 * time.Second
	}
	if cfg.RPCTimeout.Duration == 0 {
		cfg.RPCTimeout.Duration = 15 * time.Second
	}
	if cfg.EarmarkTTL.Duration == 0 {
		cfg.EarmarkTTL.Duration = 24 * time.Hour
	}
	if cfg.OperationTTL.Duration == 0 {
		cfg.OperationTTL.Duration = 24 * time.Hour
	}
	if cfg.CallbackPool <= 0 {
		cfg.CallbackPool = 4
	}
	if cfg.Admin.RateLimit <= 0 {
		cfg.Admin.RateLimit = 10
	}
	if cfg.Admin.RateBurst <= 0 {
		cfg.Admin.RateBurst = 20
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		return fmt.Errorf("database must be configured")
	}
	if cfg.TickInterval.Duration <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	if token == "" {
		return fmt.Errorf("bearer_token must be configured")
	}
	a.BearerToken = token
	return nil
}
