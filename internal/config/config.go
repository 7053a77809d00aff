// Package config loads the service and market configuration files (spec
// §6), following the YAML-plus-validation idiom of the teacher's
// internal/config/providers.go, and layers APP__-prefixed environment
// variable overrides on top (spec §6: "Environment variables prefixed
// APP__<KEY>_ with __ separators may substitute file-based config values").
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ServiceConfig holds the recognised service configuration keys (spec §6).
type ServiceConfig struct {
	LogLevel          string `yaml:"log_level" env:"LOG_LEVEL"`
	RestTimeoutSec    int    `yaml:"rest_timeout_sec" env:"REST_TIMEOUT_SEC"`
	WS                bool   `yaml:"-" env:"-"`
	WSRaw             string `yaml:"ws" env:"WS"`
	WSHost            string `yaml:"ws_host" env:"WS_HOST"`
	WSPort            int    `yaml:"ws_port" env:"WS_PORT"`
	WSAnswerTimeoutMs int64  `yaml:"ws_answer_timeout_ms" env:"WS_ANSWER_TIMEOUT_MS"`
	Storage           string `yaml:"storage" env:"STORAGE"`

	// RetainSec bounds how long the retention sweeper (spec §4.9) keeps
	// full-resolution points before thinning to one per minute bucket.
	RetainSec int `yaml:"retain_sec" env:"RETAIN_SEC"`
	// SweepIntervalSec is how often the retention sweeper runs a pass.
	SweepIntervalSec int `yaml:"sweep_interval_sec" env:"SWEEP_INTERVAL_SEC"`

	// Metrics enables the Prometheus /metrics endpoint alongside the
	// JSON-RPC WebSocket listener.
	MetricsRaw string `yaml:"metrics" env:"METRICS"`
	Metrics    bool   `yaml:"-" env:"-"`
}

// WSAddr returns the bind address, applying the documented default
// (spec §6: "defaults 127.0.0.1:8080").
func (c ServiceConfig) WSAddr() string {
	host := c.WSHost
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.WSPort
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// PersistenceEnabled reports whether a cold storage backend is configured.
func (c ServiceConfig) PersistenceEnabled() bool {
	return c.Storage != "" && strings.ToLower(c.Storage) != "none" && strings.ToLower(c.Storage) != "disabled"
}

// Validate enforces the ranges and defaults spec §6 names.
func (c *ServiceConfig) Validate() error {
	if c.RestTimeoutSec < 1 {
		return fmt.Errorf("config: rest_timeout_sec must be >= 1, got %d", c.RestTimeoutSec)
	}
	if c.WSAnswerTimeoutMs != 0 && c.WSAnswerTimeoutMs < 100 {
		return fmt.Errorf("config: ws_answer_timeout_ms must be >= 100, got %d", c.WSAnswerTimeoutMs)
	}
	if c.WSAnswerTimeoutMs == 0 {
		c.WSAnswerTimeoutMs = 100
	}
	if c.RetainSec <= 0 {
		c.RetainSec = 7 * 24 * 3600
	}
	if c.SweepIntervalSec <= 0 {
		c.SweepIntervalSec = 300
	}
	c.WS = c.WSRaw == "1"
	c.Metrics = c.MetricsRaw == "1"
	return nil
}

// LoadServiceConfig reads, parses and validates a service configuration
// file, then overlays any APP__-prefixed environment variables.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read service config: %w", err)
	}
	var cfg ServiceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse service config: %w", err)
	}
	if err := ApplyEnvOverlay(&cfg); err != nil {
		return nil, fmt.Errorf("config: env overlay: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid service config: %w", err)
	}
	return &cfg, nil
}

// MarketConfig holds the recognised market configuration keys (spec §6).
// Exchanges, Coins and Channels each accept either a YAML string (comma or
// space separated) or an array form ("String or array forms accepted").
type MarketConfig struct {
	Exchanges stringList `yaml:"exchanges"`
	Coins     stringList `yaml:"coins"`
	Channels  stringList `yaml:"channels"`
}

// Validate checks the channel subset is well-formed (spec §6: "subset of
// {ticker, trades, book}").
func (m *MarketConfig) Validate() error {
	if len(m.Exchanges) == 0 {
		return fmt.Errorf("config: market config must list at least one exchange")
	}
	if len(m.Coins) == 0 {
		return fmt.Errorf("config: market config must list at least one coin")
	}
	if len(m.Channels) == 0 {
		m.Channels = stringList{"ticker"}
	}
	for _, ch := range m.Channels {
		switch strings.ToLower(ch) {
		case "ticker", "trades", "trade", "book":
		default:
			return fmt.Errorf("config: unrecognised channel %q", ch)
		}
	}
	return nil
}

// LoadMarketConfig reads, parses and validates a market configuration file.
func LoadMarketConfig(path string) (*MarketConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read market config: %w", err)
	}
	var cfg MarketConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse market config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid market config: %w", err)
	}
	return &cfg, nil
}

// stringList unmarshals either a YAML scalar string (split on comma/space)
// or a YAML sequence of strings, trimming and uppercasing each element to
// match the market config's "uppercase comma list" CLI convention (spec §6).
type stringList []string

func (s *stringList) UnmarshalYAML(unmarshal func(any) error) error {
	var seq []string
	if err := unmarshal(&seq); err == nil {
		*s = normalizeList(seq)
		return nil
	}
	var scalar string
	if err := unmarshal(&scalar); err != nil {
		return fmt.Errorf("config: expected string or string list, got neither: %w", err)
	}
	*s = normalizeList(strings.FieldsFunc(scalar, func(r rune) bool { return r == ',' || r == ' ' }))
	return nil
}

func normalizeList(in []string) stringList {
	out := make(stringList, 0, len(in))
	for _, v := range in {
		v = strings.ToUpper(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// ApplyEnvOverlay overlays APP__-prefixed environment variables onto an
// already YAML-populated cfg (spec §6: "Environment variables prefixed
// APP__<KEY>_ ... may substitute file-based config values"), using
// caarlos0/env's struct-tag binding the way the pack's venue connector
// examples configure their own env-driven settings. Only variables that are
// actually set override the corresponding field; everything else keeps its
// file-loaded value.
func ApplyEnvOverlay(cfg *ServiceConfig) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "APP__"}); err != nil {
		return fmt.Errorf("env overlay: %w", err)
	}
	return nil
}
