// Package daemonconfig loads the top-level daemon configuration: the
// runtime user, filesystem layout, proxy settings, consent-channel
// selection, and named agent launch presets.
package daemonconfig

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Preset names a subordinate agent command line. start <preset> looks
// one of these up by name.
type Preset struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// ChannelConfig carries per-channel credentials; only the fields for
// the selected Channel need be set.
type ChannelConfig struct {
	Terminal struct{} `yaml:"terminal"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	} `yaml:"telegram"`
	Webhook struct {
		URL    string `yaml:"url"`
		Secret string `yaml:"secret"`
	} `yaml:"webhook"`
}

// Config is the parsed form of config.yml.
type Config struct {
	RuntimeUser         string            `yaml:"runtime_user"`
	ProxyPort           int               `yaml:"proxy_port"`
	HostApprovalTTLSec  int               `yaml:"host_approval_ttl_sec"`
	AskRatePerMinute    float64           `yaml:"ask_rate_per_minute"`
	DNSServers          []string          `yaml:"dns_servers"`
	AuditPath           string            `yaml:"audit_path"`
	ControlSocket       string            `yaml:"control_socket"`
	Channel             string            `yaml:"channel"`
	ChannelConfig       ChannelConfig     `yaml:"channels"`
	Presets             map[string]Preset `yaml:"presets"`
}

const (
	defaultProxyPort   = 8127
	defaultTTLSec      = 180
	defaultAskRate     = 6
	defaultAuditPath   = "audit.jsonl"
	defaultControlSock = "control.sock"
)

var defaultDNSServers = []string{"1.1.1.1", "8.8.8.8"}

// Load parses path, substituting defaults for unset fields. A missing
// file is an error: unlike policy.yml, there's no sane restrictive
// default for runtime user or presets.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.ProxyPort == 0 {
		cfg.ProxyPort = defaultProxyPort
	}
	if cfg.HostApprovalTTLSec == 0 {
		cfg.HostApprovalTTLSec = defaultTTLSec
	}
	if cfg.AskRatePerMinute == 0 {
		cfg.AskRatePerMinute = defaultAskRate
	}
	if cfg.AuditPath == "" {
		cfg.AuditPath = defaultAuditPath
	}
	if cfg.ControlSocket == "" {
		cfg.ControlSocket = defaultControlSock
	}
	if cfg.Channel == "" {
		cfg.Channel = "terminal"
	}
	if len(cfg.DNSServers) == 0 {
		cfg.DNSServers = defaultDNSServers
	}

	if v := os.Getenv("ACP_HTTP_HOST_APPROVAL_TTL_SEC"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse ACP_HTTP_HOST_APPROVAL_TTL_SEC: %w", err)
		}
		cfg.HostApprovalTTLSec = secs
	}

	return &cfg, nil
}

// Lookup finds a preset by name.
func (c *Config) Lookup(preset string) (Preset, error) {
	p, ok := c.Presets[preset]
	if !ok {
		return Preset{}, fmt.Errorf("unknown preset %q", preset)
	}
	return p, nil
}
