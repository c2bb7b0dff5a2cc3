// Package gate implements the Consent Gate: the decision function
// that turns an Action into a Verdict by consulting the policy store,
// a short-TTL host approval cache, and — when neither settles it — a
// human over the consent channel.
package gate

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"acp/internal/action"
	"acp/internal/audit"
	"acp/internal/channel"
	"acp/internal/policy"
)

// PolicyEvaluator is the subset of *policy.Store (or *policy.Watcher,
// for hot-reloading configurations) the gate needs.
type PolicyEvaluator interface {
	Evaluate(a action.Action) policy.EvaluationResult
}

// Config wires a Gate's dependencies together.
type Config struct {
	Policy  PolicyEvaluator
	Channel channel.Channel
	Audit   *audit.Sink
	Logger  *log.Logger

	// TTL is how long a host stays approved after a successful ask.
	// Defaults to 180s if zero.
	TTL time.Duration

	// AskRatePerMinute bounds how many asks per host the gate will
	// issue to the channel in a minute, so a host stuck in ask/deny
	// can't flood a human. Defaults to 6 if zero.
	AskRatePerMinute float64
}

// Gate evaluates actions and enforces the host approval cache. It is
// safe for concurrent use.
type Gate struct {
	policy  PolicyEvaluator
	channel channel.Channel
	audit   *audit.Sink
	logger  *log.Logger
	ttl     time.Duration

	mu       sync.Mutex
	approved map[string]time.Time // host -> expires_at
	pending  map[string]*pendingAsk
	limiters map[string]*rate.Limiter
	askRate  float64
}

type pendingAsk struct {
	action   action.Action
	asked    time.Time
	deadline time.Time

	once   sync.Once
	done   chan struct{}
	result action.Verdict
}

const (
	defaultTTL              = 180 * time.Second
	defaultAskRatePerMinute = 6
)

// New builds a Gate from cfg, substituting defaults for zero fields.
func New(cfg Config) *Gate {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	askRate := cfg.AskRatePerMinute
	if askRate == 0 {
		askRate = defaultAskRatePerMinute
	}
	return &Gate{
		policy:   cfg.Policy,
		channel:  cfg.Channel,
		audit:    cfg.Audit,
		logger:   cfg.Logger,
		ttl:      ttl,
		approved: make(map[string]time.Time),
		pending:  make(map[string]*pendingAsk),
		limiters: make(map[string]*rate.Limiter),
		askRate:  askRate,
	}
}

// Evaluate is the gate() algorithm from the specification: consult
// the host cache, then the policy store, and escalate to the channel
// only when the policy says "ask" and the cache doesn't already cover
// the host or its www twin. Every path writes exactly one audit entry
// before returning.
func (g *Gate) Evaluate(ctx context.Context, a action.Action) action.Verdict {
	if g.cacheAllows(a.Host) {
		verdict := action.Verdict{Decision: action.DecisionAllow, Reason: "cached host approval"}
		g.logAudit(a, verdict)
		return verdict
	}

	result := g.policy.Evaluate(a)
	switch result.Action {
	case policy.ActionAllow:
		verdict := action.Verdict{Decision: action.DecisionAllow, Reason: result.Reason}
		g.logAudit(a, verdict)
		return verdict

	case policy.ActionDeny:
		verdict := action.Verdict{Decision: action.DecisionDeny, Reason: result.Reason}
		g.logAudit(a, verdict)
		return verdict

	case policy.ActionAsk:
		verdict := g.ask(ctx, a, result.Timeout)
		g.logAudit(a, verdict)
		return verdict

	default:
		verdict := action.Verdict{Decision: action.DecisionDeny, Reason: "unrecognised policy action, failing closed"}
		g.logAudit(a, verdict)
		return verdict
	}
}

// ask coalesces concurrent asks for the same host into a single
// channel round trip: the first caller makes the call, later callers
// for the same host while it's in flight wait on the same result.
func (g *Gate) ask(ctx context.Context, a action.Action, timeout time.Duration) action.Verdict {
	g.mu.Lock()
	if p, inFlight := g.pending[a.Host]; inFlight {
		g.mu.Unlock()
		select {
		case <-p.done:
			return p.result
		case <-ctx.Done():
			return action.Verdict{Decision: action.DecisionDeny, Reason: "request cancelled while waiting for coalesced ask"}
		}
	}

	limiter, ok := g.limiters[a.Host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(g.askRate)/60, 1)
		g.limiters[a.Host] = limiter
	}

	deadline := time.Now().Add(timeout)
	p := &pendingAsk{action: a, asked: time.Now(), deadline: deadline, done: make(chan struct{})}
	g.pending[a.Host] = p
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, a.Host)
		g.mu.Unlock()
	}()

	if !limiter.Allow() {
		verdict := action.Verdict{Decision: action.DecisionDeny, Reason: "ask rate limit exceeded for host, failing closed"}
		g.broadcast(p, verdict)
		return verdict
	}

	askCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	channelResult := make(chan action.Verdict, 1)
	go func() {
		approved, reason, err := g.channel.Ask(askCtx, a, deadline)
		switch {
		case err != nil:
			channelResult <- action.Verdict{Decision: action.DecisionDeny, Reason: "consent channel error, failing closed: " + err.Error()}
		case !approved:
			channelResult <- action.Verdict{Decision: action.DecisionDeny, Reason: reason}
		default:
			g.approve(a.Host)
			channelResult <- action.Verdict{Decision: action.DecisionAllow, Reason: reason}
		}
	}()

	select {
	case verdict := <-channelResult:
		g.broadcast(p, verdict)
		return verdict
	case <-p.done:
		// Resolved out of band via Resolve, e.g. an operator override
		// through the control API while the channel call was still in
		// flight.
		return p.result
	}
}

// broadcast settles p exactly once, waking every coalesced waiter with
// the same verdict. A later call (e.g. the channel goroutine finishing
// after a manual Resolve already settled it) is a no-op.
func (g *Gate) broadcast(p *pendingAsk, v action.Verdict) {
	p.once.Do(func() {
		p.result = v
		close(p.done)
	})
}

// PendingAsks lists every ask currently awaiting a decision, for
// operator visibility through the control API.
func (g *Gate) PendingAsks() []action.PendingAsk {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]action.PendingAsk, 0, len(g.pending))
	for host, p := range g.pending {
		out = append(out, action.PendingAsk{ID: host, Action: p.action, Asked: p.asked, Deadline: p.deadline})
	}
	return out
}

// Resolve manually settles a pending ask for host, for use when the
// configured consent channel is unreachable and an operator must step
// in through the control API. It has no effect if no ask is pending
// for that host.
func (g *Gate) Resolve(host string, approved bool, reason string) bool {
	g.mu.Lock()
	p, ok := g.pending[host]
	g.mu.Unlock()
	if !ok {
		return false
	}

	verdict := action.Verdict{Decision: action.DecisionDeny, Reason: reason}
	if approved {
		g.approve(host)
		verdict = action.Verdict{Decision: action.DecisionAllow, Reason: reason}
	}

	resolved := false
	p.once.Do(func() {
		p.result = verdict
		close(p.done)
		resolved = true
	})
	return resolved
}

// approve records the host as approved until now+TTL, and inserts its
// www twin under the same expiry, resolving Open Question 2 as
// applying universally rather than only to registered public
// suffixes.
func (g *Gate) approve(host string) {
	expires := time.Now().Add(g.ttl)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.approved[host] = expires
	g.approved[twin(host)] = expires
}

// cacheAllows checks the host cache with lazy expiry: an expired
// entry is treated as absent and removed, with no background sweeper.
func (g *Gate) cacheAllows(host string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	expires, ok := g.approved[host]
	if !ok {
		return false
	}
	if !time.Now().Before(expires) {
		delete(g.approved, host)
		return false
	}
	return true
}

// twin returns the www-prefixed/unprefixed counterpart of host.
func twin(host string) string {
	if strings.HasPrefix(host, "www.") {
		return strings.TrimPrefix(host, "www.")
	}
	return "www." + host
}

func (g *Gate) logAudit(a action.Action, v action.Verdict) {
	if g.audit == nil {
		return
	}
	if err := g.audit.Log(action.AuditEntry{Action: a, Verdict: v}); err != nil {
		g.logger.Printf("audit write failed: %v", err)
	}
}
