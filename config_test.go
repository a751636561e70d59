package quiesce

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.defaults()

	if cfg.Listen != "127.0.0.1:8450" {
		t.Fatalf("Listen = %q", cfg.Listen)
	}
	if cfg.DBPath != "quiesce.db" {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if cfg.SessionTTL != 12*time.Hour {
		t.Fatalf("SessionTTL = %v", cfg.SessionTTL)
	}
	if cfg.MaxAttempts != 512 {
		t.Fatalf("MaxAttempts = %d", cfg.MaxAttempts)
	}
	if cfg.Probe.SnapshotTimeout != 4*time.Second {
		t.Fatalf("SnapshotTimeout = %v", cfg.Probe.SnapshotTimeout)
	}
	if cfg.Probe.LeaseTTL != 10*time.Second {
		t.Fatalf("LeaseTTL = %v", cfg.Probe.LeaseTTL)
	}
}

func TestConfigDefaultsKeepExplicitValues(t *testing.T) {
	cfg := Config{Listen: ":9000", SessionTTL: time.Minute, MaxAttempts: 4}
	cfg.defaults()

	if cfg.Listen != ":9000" || cfg.SessionTTL != time.Minute || cfg.MaxAttempts != 4 {
		t.Fatalf("explicit values overwritten: %+v", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{MasterSecret: "too-short"}
	if err := cfg.validate(); err == nil || !strings.Contains(err.Error(), "master_secret") {
		t.Fatalf("short secret: %v", err)
	}

	cfg = Config{
		MasterSecret: "0123456789abcdef",
		Platforms:    map[string]PlatformConfig{"chatgpt": {Strategy: "yolo"}},
	}
	if err := cfg.validate(); err == nil || !strings.Contains(err.Error(), "yolo") {
		t.Fatalf("unknown strategy: %v", err)
	}

	cfg.Platforms["chatgpt"] = PlatformConfig{Strategy: "conservative"}
	cfg.Platforms["claude"] = PlatformConfig{} // empty strategy means default
	if err := cfg.validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{MasterSecret: "nope"}, nil); err == nil {
		t.Fatal("short secret accepted")
	}
	cfg := Config{
		MasterSecret: "0123456789abcdef",
		DBPath:       filepath.Join(t.TempDir(), "q.db"),
		Platforms:    map[string]PlatformConfig{"chatgpt": {Strategy: "bogus"}},
	}
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("unknown strategy accepted")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quiesce.yaml")
	raw := `
listen: "127.0.0.1:9999"
db_path: "/tmp/q.db"
master_secret: "0123456789abcdef"
session_ttl: 1h
max_attempts: 64
platforms:
  chatgpt:
    strategy: conservative
  claude:
    strategy: snapshot
probe:
  snapshot_timeout: 2s
  force_save_after: 9s
  lease_ttl: 15s
  browser:
    enabled: true
    remote_url: "ws://127.0.0.1:9222"
sink:
  stdout: true
  webhook_url: "https://example.test/hook"
  webhook_secret: "hooksecret"
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "127.0.0.1:9999" || cfg.MaxAttempts != 64 {
		t.Fatalf("top level: %+v", cfg)
	}
	if cfg.SessionTTL != time.Hour {
		t.Fatalf("session_ttl = %v", cfg.SessionTTL)
	}
	if got := cfg.Platforms["claude"].Strategy; got != "snapshot" {
		t.Fatalf("claude strategy = %q", got)
	}
	if cfg.Probe.SnapshotTimeout != 2*time.Second || cfg.Probe.ForceSaveAfter != 9*time.Second {
		t.Fatalf("probe timings: %+v", cfg.Probe)
	}
	if !cfg.Probe.Browser.Enabled || cfg.Probe.Browser.RemoteURL != "ws://127.0.0.1:9222" {
		t.Fatalf("browser: %+v", cfg.Probe.Browser)
	}
	if !cfg.Sink.Stdout || cfg.Sink.WebhookURL != "https://example.test/hook" {
		t.Fatalf("sink: %+v", cfg.Sink)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("loaded config invalid: %v", err)
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("listen: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigFile(path); err == nil {
		t.Fatal("broken yaml accepted")
	}
}
