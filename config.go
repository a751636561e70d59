// CLAUDE:SUMMARY Engine configuration: YAML loader, per-platform strategies, probe/sink/browser settings, validation.
package quiesce

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/quiesce/internal/calibration"
)

// Config holds all engine configuration.
type Config struct {
	// Listen is the HTTP bind address for the bus and admin API.
	Listen string `yaml:"listen"`
	// DBPath is the SQLite file holding profiles, leases, captures and rate
	// limit rules.
	DBPath string `yaml:"db_path"`
	// MasterSecret derives the session token key. Required, min 16 chars.
	MasterSecret string `yaml:"master_secret"`
	// SessionTTL bounds issued session tokens. Default: 12h.
	SessionTTL time.Duration `yaml:"session_ttl"`
	// MaxAttempts caps tracked attempts before eviction. Default: 512.
	MaxAttempts int `yaml:"max_attempts"`

	// Platforms overrides the capture strategy per platform name.
	Platforms map[string]PlatformConfig `yaml:"platforms"`
	Probe     ProbeConfig               `yaml:"probe"`
	Sink      SinkConfig                `yaml:"sink"`
}

// PlatformConfig tunes one platform.
type PlatformConfig struct {
	// Strategy is one of aggressive, balanced, conservative, snapshot.
	Strategy string `yaml:"strategy"`
}

// ProbeConfig controls the canonical read paths.
type ProbeConfig struct {
	// WarmCookie is the Cookie header sent with warm canonical fetches.
	// Empty disables nothing: fetches simply come back unauthenticated and
	// the snapshot paths take over.
	WarmCookie string `yaml:"warm_cookie"`
	// SnapshotTimeout bounds one page snapshot round trip. Default: 4s.
	SnapshotTimeout time.Duration `yaml:"snapshot_timeout"`
	// ForceSaveAfter is how long after the first ready sample an unconfirmed
	// attempt becomes force-saveable. Default: 7.5s.
	ForceSaveAfter time.Duration `yaml:"force_save_after"`
	// LeaseTTL is the probe lease lifetime. Default: 10s.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	// Browser enables the headless Chrome fallback prober.
	Browser BrowserConfig `yaml:"browser"`
}

// BrowserConfig configures the headless fallback.
type BrowserConfig struct {
	Enabled bool `yaml:"enabled"`
	// RemoteURL connects to an existing Chrome instead of launching one.
	RemoteURL string `yaml:"remote_url"`
	// UserDataDir is the Chrome profile carrying platform logins.
	UserDataDir string `yaml:"user_data_dir"`
}

// SinkConfig selects downstream capture destinations.
type SinkConfig struct {
	// Stdout writes each capture as a JSON line to stdout.
	Stdout bool `yaml:"stdout"`
	// WebhookURL posts each capture to an HTTP endpoint.
	WebhookURL string `yaml:"webhook_url"`
	// WebhookSecret signs webhook bodies (HMAC-SHA256) when set.
	WebhookSecret string `yaml:"webhook_secret"`
}

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8450"
	}
	if c.DBPath == "" {
		c.DBPath = "quiesce.db"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 12 * time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 512
	}
	if c.Probe.SnapshotTimeout <= 0 {
		c.Probe.SnapshotTimeout = 4 * time.Second
	}
	if c.Probe.LeaseTTL <= 0 {
		c.Probe.LeaseTTL = 10 * time.Second
	}
}

func (c *Config) validate() error {
	if len(c.MasterSecret) < 16 {
		return fmt.Errorf("config: master_secret must be at least 16 characters")
	}
	for name, pc := range c.Platforms {
		if pc.Strategy == "" {
			continue
		}
		if !calibration.KnownStrategy(calibration.Strategy(pc.Strategy)) {
			return fmt.Errorf("config: platform %s: unknown strategy %q", name, pc.Strategy)
		}
	}
	return nil
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
