// Package config loads the settlement engine's TOML configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/warp/settlement-engine/billing"
)

// Config represents the process configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Settlement SettlementConfig `toml:"settlement"`
	Log        LogConfig        `toml:"log"`
}

type ServerConfig struct {
	Port int `toml:"port"`
}

type DatabaseConfig struct {
	Path string `toml:"path"` // ":memory:" for a throwaway database
}

// SettlementConfig drives the orchestrator and the scheduler.
type SettlementConfig struct {
	Timezone          string   `toml:"timezone"`
	TransactionPrefix string   `toml:"transaction_prefix"`
	ExcludedRoles     []string `toml:"excluded_roles"`
	Interval          Duration `toml:"interval"`
	Enabled           bool     `toml:"enabled"`
}

type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

// Duration reads "1h", "30m" and the like from TOML strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with every value set.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Path: "settlement.db"},
		Settlement: SettlementConfig{
			Timezone:          "UTC",
			TransactionPrefix: "TXN",
			ExcludedRoles:     []string{"freelancer", "independent"},
			Interval:          Duration{time.Hour},
			Enabled:           true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if _, err := billing.LoadLocation(c.Settlement.Timezone); err != nil {
		return fmt.Errorf("settlement.timezone: %w", err)
	}
	prefix := c.Settlement.TransactionPrefix
	if prefix == "" {
		return fmt.Errorf("settlement.transaction_prefix is required")
	}
	if strings.Contains(prefix, "_") {
		return fmt.Errorf("settlement.transaction_prefix %q must not contain '_'", prefix)
	}
	if c.Settlement.Interval.Duration <= 0 {
		return fmt.Errorf("settlement.interval must be positive")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Location returns the configured settlement time zone.
func (c *Config) Location() *time.Location {
	loc, err := billing.LoadLocation(c.Settlement.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from r on top of the defaults.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Write encodes cfg to w.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads and validates the Config at path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
