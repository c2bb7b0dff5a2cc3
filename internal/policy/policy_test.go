package policy

import (
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"acp/internal/action"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[policy-test] ", log.LstdFlags)
}

func TestEvaluateDefault(t *testing.T) {
	store := New(DefaultConfig(), testLogger())

	result := store.Evaluate(action.Action{Kind: action.KindHTTP, Host: "example.com", Port: 443})
	if result.Action != ActionAsk {
		t.Errorf("expected default action ask, got %s", result.Action)
	}
}

func TestEvaluateRuleOrder(t *testing.T) {
	cfg := Config{
		Default: ActionAsk,
		Rules: []Rule{
			{Match: Match{Host: "*.evil.example"}, Action: ActionDeny, Reason: "blocked domain"},
			{Match: Match{Host: "api.example.com"}, Action: ActionAllow, Reason: "known api"},
		},
	}
	store := New(cfg, testLogger())

	tests := []struct {
		name     string
		host     string
		expected Action
	}{
		{"deny rule wins", "sub.evil.example", ActionDeny},
		{"allow rule matches", "api.example.com", ActionAllow},
		{"falls through to default", "unknown.example", ActionAsk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := store.Evaluate(action.Action{Kind: action.KindHTTP, Host: tt.host, Port: 443})
			if result.Action != tt.expected {
				t.Errorf("host %s: expected %s, got %s", tt.host, tt.expected, result.Action)
			}
		})
	}
}

func TestEvaluateNeverCrossesKind(t *testing.T) {
	cfg := Config{
		Default: ActionDeny,
		Rules: []Rule{
			{Match: Match{Kind: action.KindShell, Host: "*"}, Action: ActionAllow},
		},
	}
	store := New(cfg, testLogger())

	result := store.Evaluate(action.Action{Kind: action.KindHTTP, Host: "anything.example", Port: 443})
	if result.Action != ActionDeny {
		t.Errorf("shell rule leaked into http evaluation: got %s", result.Action)
	}
}

func TestSafeHostsPrepended(t *testing.T) {
	cfg := Config{
		Default:   ActionAsk,
		SafeHosts: []string{"pkg.go.dev", "*.githubusercontent.com"},
		Rules: []Rule{
			{Match: Match{Host: "*"}, Action: ActionDeny, Reason: "lockdown"},
		},
	}
	store := New(cfg, testLogger())

	result := store.Evaluate(action.Action{Kind: action.KindHTTP, Host: "pkg.go.dev", Port: 443})
	if result.Action != ActionAllow {
		t.Errorf("expected safe host to be allowed ahead of operator rules, got %s", result.Action)
	}

	result = store.Evaluate(action.Action{Kind: action.KindHTTP, Host: "raw.githubusercontent.com", Port: 443})
	if result.Action != ActionAllow {
		t.Errorf("expected safe host glob to match, got %s", result.Action)
	}

	result = store.Evaluate(action.Action{Kind: action.KindHTTP, Host: "random.example", Port: 443})
	if result.Action != ActionDeny {
		t.Errorf("expected non-safe host to fall through to operator rule, got %s", result.Action)
	}
}

func TestRuleTimeoutDefaultsToConfigTimeout(t *testing.T) {
	cfg := Config{
		Default:        ActionAsk,
		DefaultTimeout: Duration(45 * time.Second),
		Rules: []Rule{
			{Match: Match{Host: "slow.example"}, Action: ActionAsk, Timeout: Duration(5 * time.Second)},
			{Match: Match{Host: "normal.example"}, Action: ActionAsk},
		},
	}
	store := New(cfg, testLogger())

	if got := store.Evaluate(action.Action{Kind: action.KindHTTP, Host: "slow.example"}).Timeout; got != 5*time.Second {
		t.Errorf("expected per-rule timeout 5s, got %s", got)
	}
	if got := store.Evaluate(action.Action{Kind: action.KindHTTP, Host: "normal.example"}).Timeout; got != 45*time.Second {
		t.Errorf("expected default timeout 45s, got %s", got)
	}
}

func TestLoadParsesIntegerTimeoutAsSeconds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yml")
	contents := `
default: deny
default_timeout: 90
rules:
  - match:
      host: "*.internal.example"
    action: ask
    timeout: 120
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	store, err := Load(path, testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := store.Evaluate(action.Action{Kind: action.KindHTTP, Host: "svc.internal.example"})
	if got.Timeout != 120*time.Second {
		t.Errorf("expected bare integer timeout to mean 120 seconds, got %s", got.Timeout)
	}

	got = store.Evaluate(action.Action{Kind: action.KindHTTP, Host: "unmatched.example"})
	if got.Timeout != 90*time.Second {
		t.Errorf("expected bare integer default_timeout to mean 90 seconds, got %s", got.Timeout)
	}
}

func TestMatchHostCaseInsensitive(t *testing.T) {
	cfg := Config{
		Default: ActionAsk,
		Rules: []Rule{
			{Match: Match{Host: "*.Example.com"}, Action: ActionAllow},
		},
	}
	store := New(cfg, testLogger())

	if got := store.Evaluate(action.Action{Kind: action.KindHTTP, Host: "api.example.com"}).Action; got != ActionAllow {
		t.Errorf("expected case-insensitive glob match, got %s", got)
	}
}

func TestLoadMissingFileUsesDefault(t *testing.T) {
	dir := t.TempDir()
	store, err := Load(filepath.Join(dir, "does-not-exist.yml"), testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if store.config.Default != defaultAction {
		t.Errorf("expected default action fallback, got %s", store.config.Default)
	}
}

func TestLoadParsesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yml")
	contents := `
default: deny
safe_hosts:
  - api.anthropic.com
rules:
  - match:
      host: "*.internal.example"
    action: ask
    timeout: 30s
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	store, err := Load(path, testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := store.Evaluate(action.Action{Kind: action.KindHTTP, Host: "api.anthropic.com"}).Action; got != ActionAllow {
		t.Errorf("expected safe host allow, got %s", got)
	}
	if got := store.Evaluate(action.Action{Kind: action.KindHTTP, Host: "svc.internal.example"}); got.Action != ActionAsk || got.Timeout != 30*time.Second {
		t.Errorf("expected ask/30s, got %s/%s", got.Action, got.Timeout)
	}
	if got := store.Evaluate(action.Action{Kind: action.KindHTTP, Host: "anything.example"}).Action; got != ActionDeny {
		t.Errorf("expected configured default deny, got %s", got)
	}
}
