package avatarkit

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config collects the endpoints and bounds a session needs. Durations are
// expressed in milliseconds so the YAML stays plain integers.
type Config struct {
	BackendURL  string `yaml:"backend_url"`  // ws(s):// conversation backend
	ProviderURL string `yaml:"provider_url"` // http(s):// avatar provider proxy
	ReportURL   string `yaml:"report_url"`   // http(s):// report service

	Negotiation NegotiationConfig `yaml:"negotiation"`
	Log         LogConfig         `yaml:"log"`
}

type NegotiationConfig struct {
	GatherTimeoutMS int    `yaml:"gather_timeout_ms"`
	TrackTimeoutMS  int    `yaml:"track_timeout_ms"`
	ReadyAttempts   int    `yaml:"ready_attempts"`
	ReadyIntervalMS int    `yaml:"ready_interval_ms"`
	FailureGraceMS  int    `yaml:"failure_grace_ms"`
	STUNServer      string `yaml:"stun_server"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func DefaultConfig() *Config {
	bounds := DefaultNegotiationBounds()
	return &Config{
		BackendURL:  "ws://localhost:8000",
		ProviderURL: "http://localhost:8000/api/heygen",
		ReportURL:   "http://localhost:8000/api/report",
		Negotiation: NegotiationConfig{
			GatherTimeoutMS: int(bounds.GatherTimeout / time.Millisecond),
			TrackTimeoutMS:  int(bounds.TrackTimeout / time.Millisecond),
			ReadyAttempts:   bounds.ReadyAttempts,
			ReadyIntervalMS: int(bounds.ReadyInterval / time.Millisecond),
			FailureGraceMS:  int(bounds.FailureGrace / time.Millisecond),
			STUNServer:      bounds.STUNServer,
		},
		Log: LogConfig{
			File:       "avatarkit.log",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
	}
}

// LoadConfig reads a YAML file over the defaults, so partial files work.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return errors.New("backend_url is required")
	}
	if c.ProviderURL == "" {
		return errors.New("provider_url is required")
	}
	n := c.Negotiation
	if n.GatherTimeoutMS <= 0 || n.TrackTimeoutMS <= 0 ||
		n.ReadyAttempts <= 0 || n.ReadyIntervalMS <= 0 {
		return errors.New("negotiation bounds must be positive")
	}
	return nil
}

// Bounds converts the negotiation section into negotiator bounds.
func (c *Config) Bounds() NegotiationBounds {
	return NegotiationBounds{
		GatherTimeout: time.Duration(c.Negotiation.GatherTimeoutMS) * time.Millisecond,
		TrackTimeout:  time.Duration(c.Negotiation.TrackTimeoutMS) * time.Millisecond,
		ReadyAttempts: c.Negotiation.ReadyAttempts,
		ReadyInterval: time.Duration(c.Negotiation.ReadyIntervalMS) * time.Millisecond,
		FailureGrace:  time.Duration(c.Negotiation.FailureGraceMS) * time.Millisecond,
		STUNServer:    c.Negotiation.STUNServer,
	}
}
