package daemonconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadParsesFileAndFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	contents := `
runtime_user: agent-runner
channel: webhook
channels:
  webhook:
    url: https://example.com/hook
    secret: s3cr3t
presets:
  default:
    command: /usr/bin/agent
    args: ["--flag"]
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.RuntimeUser != "agent-runner" {
		t.Errorf("expected runtime_user agent-runner, got %q", cfg.RuntimeUser)
	}
	if cfg.ProxyPort != defaultProxyPort {
		t.Errorf("expected default proxy port %d, got %d", defaultProxyPort, cfg.ProxyPort)
	}
	if cfg.HostApprovalTTLSec != defaultTTLSec {
		t.Errorf("expected default ttl %d, got %d", defaultTTLSec, cfg.HostApprovalTTLSec)
	}
	if cfg.ChannelConfig.Webhook.URL != "https://example.com/hook" {
		t.Errorf("expected webhook url to round-trip, got %q", cfg.ChannelConfig.Webhook.URL)
	}

	preset, err := cfg.Lookup("default")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if preset.Command != "/usr/bin/agent" {
		t.Errorf("expected preset command /usr/bin/agent, got %q", preset.Command)
	}
}

func TestLoadHostApprovalTTLEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	contents := `
runtime_user: agent-runner
host_approval_ttl_sec: 300
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("ACP_HTTP_HOST_APPROVAL_TTL_SEC", "42")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HostApprovalTTLSec != 42 {
		t.Errorf("expected env var to override configured ttl, got %d", cfg.HostApprovalTTLSec)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLookupUnknownPreset(t *testing.T) {
	cfg := &Config{Presets: map[string]Preset{}}
	if _, err := cfg.Lookup("nope"); err == nil {
		t.Fatal("expected error for unknown preset")
	}
}
