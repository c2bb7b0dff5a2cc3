// Package policy parses and evaluates the ordered rule list that
// decides whether an outbound Action is allowed, denied, or must be
// escalated to a human.
package policy

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"acp/internal/action"
)

// Action is the decision a matching Rule produces.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// Match is the subset of an action.Action a Rule restricts itself to.
// A zero-valued field means "don't care" for that dimension. Kind, if
// set, must equal the evaluated action's Kind exactly: rules never
// match across kinds.
type Match struct {
	Kind   action.Kind `yaml:"kind,omitempty"`
	Host   string      `yaml:"host,omitempty"`
	Method string      `yaml:"method,omitempty"`
	Port   int         `yaml:"port,omitempty"`
}

// Rule is one ordered entry of the policy's rule list.
type Rule struct {
	Match   Match    `yaml:"match"`
	Action  Action   `yaml:"action"`
	Reason  string   `yaml:"reason,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// Config is the on-disk shape of policy.yml.
type Config struct {
	Default        Action   `yaml:"default"`
	DefaultTimeout Duration `yaml:"default_timeout"`
	SafeHosts      []string `yaml:"safe_hosts"`
	Rules          []Rule   `yaml:"rules"`
}

// Duration decodes a YAML timeout field. A bare integer is the
// documented format and is read as a count of seconds; a string is
// parsed with time.ParseDuration for operators who want sub-second or
// multi-unit precision.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Tag {
	case "!!int":
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	case "!!str":
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parsing timeout %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("timeout must be an integer number of seconds or a duration string, got %s", value.Tag)
	}
}

// Store holds a parsed, ready-to-evaluate policy.
type Store struct {
	config Config
	logger *log.Logger
}

// EvaluationResult is what Evaluate returns: the matched action and
// the timeout that should bound a channel ask, if any.
type EvaluationResult struct {
	Action  Action
	Reason  string
	Timeout time.Duration
}

const (
	defaultAction  = ActionAsk
	defaultTimeout = 60 * time.Second
)

// DefaultConfig is used when no policy file exists yet: every action
// is escalated as an ask, so a freshly installed mediator never
// silently allows traffic.
func DefaultConfig() Config {
	return Config{
		Default:        defaultAction,
		DefaultTimeout: Duration(defaultTimeout),
		SafeHosts:      nil,
		Rules:          nil,
	}
}

// Load reads and parses a policy file. A missing file is not an
// error: it yields DefaultConfig with a logged warning, matching the
// teacher's fail-soft-to-restrictive-default behaviour for a policy
// that simply hasn't been written yet.
func Load(path string, logger *log.Logger) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("policy file %s not found, using restrictive default policy", path)
			return New(DefaultConfig(), logger), nil
		}
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}

	if cfg.Default == "" {
		cfg.Default = defaultAction
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = Duration(defaultTimeout)
	}

	return New(cfg, logger), nil
}

// New builds a Store around an already-parsed Config, prepending the
// safe-host allowlist as always-allow rules ahead of the operator's
// own rules. A zero DefaultTimeout is replaced by the 60s default.
func New(cfg Config, logger *log.Logger) *Store {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = Duration(defaultTimeout)
	}
	prepended := make([]Rule, 0, len(cfg.SafeHosts)+len(cfg.Rules))
	for _, host := range cfg.SafeHosts {
		prepended = append(prepended, Rule{
			Match:  Match{Kind: action.KindHTTP, Host: host},
			Action: ActionAllow,
			Reason: "safe host allowlist",
		})
	}
	cfg.Rules = append(prepended, cfg.Rules...)
	return &Store{config: cfg, logger: logger}
}

// Evaluate walks the rule list in order and returns the first match,
// or the configured default if nothing matches.
func (s *Store) Evaluate(a action.Action) EvaluationResult {
	for _, rule := range s.config.Rules {
		if matches(rule.Match, a) {
			timeout := time.Duration(rule.Timeout)
			if timeout == 0 {
				timeout = time.Duration(s.config.DefaultTimeout)
			}
			return EvaluationResult{Action: rule.Action, Reason: rule.Reason, Timeout: timeout}
		}
	}
	return EvaluationResult{Action: s.config.Default, Reason: "default policy", Timeout: time.Duration(s.config.DefaultTimeout)}
}

// matches reports whether a Match filter accepts an Action. Every set
// field of the filter must agree with the action; an empty filter
// matches every action, whatever its kind.
func matches(m Match, a action.Action) bool {
	if m.Kind != "" && m.Kind != a.Kind {
		return false
	}
	if m.Host != "" && !matchHost(m.Host, a.Host) {
		return false
	}
	if m.Method != "" && !strings.EqualFold(m.Method, a.Method) {
		return false
	}
	if m.Port != 0 && m.Port != a.Port {
		return false
	}
	return true
}

// matchHost applies filepath.Match-style globbing to the host field,
// case-insensitively, falling back to an exact comparison if the
// pattern isn't a valid glob.
func matchHost(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	host = strings.ToLower(host)
	ok, err := filepath.Match(pattern, host)
	if err != nil {
		return pattern == host
	}
	return ok
}

// HasRule reports whether any configured rule (excluding the
// prepended safe-host allowlist) would match the given action,
// useful for diagnostics and tests.
func (s *Store) HasRule(a action.Action) bool {
	for _, rule := range s.config.Rules[len(s.config.SafeHosts):] {
		if matches(rule.Match, a) {
			return true
		}
	}
	return false
}

// Config returns a copy of the underlying configuration.
func (s *Store) Config() Config {
	return s.config
}
