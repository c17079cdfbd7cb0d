package policy

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentbgp/agentbgpd/internal/eventbus"
	"github.com/agentbgp/agentbgpd/internal/metrics"
	"github.com/agentbgp/agentbgpd/internal/model"
	"go.uber.org/zap"
)

// Decision is one entry in the bounded decision history.
type Decision struct {
	PolicyName string
	AgentID    model.AgentID
	Outcome    Outcome
	At         time.Time
	Duration   time.Duration
}

// Stats tracks per-policy counters and overall decision timing.
type Stats struct {
	mu               sync.RWMutex
	decisionsByPolicy map[string]int
	outcomeTotals     map[Outcome]int
	totalDecisions    int64
	totalDuration     time.Duration
	history           []Decision
	historySize       int
	historyNext       int
}

func newStats(historySize int) *Stats {
	if historySize <= 0 {
		historySize = 1000
	}
	return &Stats{
		decisionsByPolicy: make(map[string]int),
		outcomeTotals:     make(map[Outcome]int),
		history:           make([]Decision, 0, historySize),
		historySize:       historySize,
	}
}

func (s *Stats) record(d Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisionsByPolicy[d.PolicyName]++
	s.outcomeTotals[d.Outcome]++
	s.totalDecisions++
	s.totalDuration += d.Duration
	if len(s.history) < s.historySize {
		s.history = append(s.history, d)
	} else {
		s.history[s.historyNext] = d
		s.historyNext = (s.historyNext + 1) % s.historySize
	}
}

// resetPolicy clears the named policy's accumulated counter, used when a
// policy definition is replaced under the same name.
func (s *Stats) resetPolicy(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.decisionsByPolicy, name)
}

// DecisionsByPolicy returns a snapshot of per-policy decision counts.
func (s *Stats) DecisionsByPolicy() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.decisionsByPolicy))
	for k, v := range s.decisionsByPolicy {
		out[k] = v
	}
	return out
}

// OutcomeTotals returns a snapshot of totals by outcome class.
func (s *Stats) OutcomeTotals() map[Outcome]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Outcome]int, len(s.outcomeTotals))
	for k, v := range s.outcomeTotals {
		out[k] = v
	}
	return out
}

// AverageDecisionTime returns the rolling average across every decision
// recorded since the engine started (not windowed to the ring buffer).
func (s *Stats) AverageDecisionTime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.totalDecisions == 0 {
		return 0
	}
	return time.Duration(int64(s.totalDuration) / s.totalDecisions)
}

// History returns up to limit of the most recent decisions, newest first.
func (s *Stats) History(limit int) []Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Decision, 0, limit)
	// history is a ring buffer; walk backwards from the most recently
	// written slot.
	idx := s.historyNext - 1
	for i := 0; i < limit; i++ {
		if idx < 0 {
			idx = len(s.history) - 1
		}
		out = append(out, s.history[idx])
		idx--
	}
	return out
}

// Engine holds an ordered, copy-on-write policy list. Installed policies
// are immutable values; mutating means replacing the whole slice under
// lock, so readers never observe a half-updated list.
type Engine struct {
	mu       sync.RWMutex
	policies []Policy
	stats    *Stats
	logger   *zap.Logger
	now      func() time.Time
	bus      eventbus.Bus // nil: decisions are recorded in Stats only, not published
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithHistorySize overrides the default decision-history ring buffer size.
func WithHistorySize(n int) Option {
	return func(e *Engine) { e.stats = newStats(n) }
}

// WithClock overrides the time source the engine uses for match evaluation
// and decision timestamps; used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEventBus publishes a KindPolicyDecision event for every decision the
// engine records, in addition to the in-memory Stats ring buffer. Callers
// that persist decision history (e.g. into Postgres) subscribe to this
// kind rather than polling Stats.
func WithEventBus(bus eventbus.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

func NewEngine(logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		stats:  newStats(1000),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stats exposes the engine's statistics collector.
func (e *Engine) Stats() *Stats { return e.stats }

// AddPolicy validates and inserts/replaces a policy by name. Replacing a
// same-named policy resets its accumulated statistics: a policy is
// identified by its current definition, and a changed definition is a new
// decision surface worth measuring from zero.
func (e *Engine) AddPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := make([]Policy, 0, len(e.policies)+1)
	replaced := false
	for _, existing := range e.policies {
		if existing.Name == p.Name {
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	next = append(next, p)
	sortPolicies(next)
	e.policies = next
	if replaced {
		e.stats.resetPolicy(p.Name)
	}
	return nil
}

// RemovePolicy deletes a policy by name. Returns false if it was not
// found.
func (e *Engine) RemovePolicy(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := make([]Policy, 0, len(e.policies))
	found := false
	for _, p := range e.policies {
		if p.Name == name {
			found = true
			continue
		}
		next = append(next, p)
	}
	e.policies = next
	return found
}

// Toggle enables/disables a policy by name without affecting its
// position or statistics.
func (e *Engine) Toggle(name string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.policies {
		if e.policies[i].Name == name {
			next := append([]Policy(nil), e.policies...)
			next[i].Enabled = enabled
			e.policies = next
			return true
		}
	}
	return false
}

// List returns a snapshot of the current policy list, in evaluation
// order.
func (e *Engine) List() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Policy(nil), e.policies...)
}

func sortPolicies(p []Policy) {
	sort.SliceStable(p, func(i, j int) bool { return p[i].Priority > p[j].Priority })
}

// Evaluate walks the enabled policies in priority order. The first
// matching policy determines the outcome, except that a "modify" action
// falls through as "accept with modifications" without consulting further
// policies — once modify fires, the route is admitted. If nothing
// matches, the default is accept-unchanged.
func (e *Engine) Evaluate(route model.Route) (Outcome, model.Route) {
	start := time.Now()
	now := e.now()

	e.mu.RLock()
	policies := e.policies
	e.mu.RUnlock()

	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		if !p.Match.Matches(route, now) {
			continue
		}
		switch p.Action.Action {
		case ActionReject:
			e.finish(p.Name, route.AgentID, OutcomeRejected, start)
			e.logMatch(p, route, OutcomeRejected)
			return OutcomeRejected, route
		case ActionModify:
			modified := p.Action.Modify.Apply(route)
			e.finish(p.Name, route.AgentID, OutcomeModified, start)
			e.logMatch(p, route, OutcomeModified)
			return OutcomeModified, modified
		case ActionAccept:
			e.finish(p.Name, route.AgentID, OutcomeAccepted, start)
			e.logMatch(p, route, OutcomeAccepted)
			return OutcomeAccepted, route
		}
	}
	e.finish("", route.AgentID, OutcomeAccepted, start)
	return OutcomeAccepted, route
}

func (e *Engine) finish(policyName string, agentID model.AgentID, outcome Outcome, start time.Time) {
	elapsed := time.Since(start)
	d := Decision{
		PolicyName: policyName,
		AgentID:    agentID,
		Outcome:    outcome,
		At:         start,
		Duration:   elapsed,
	}
	e.stats.record(d)
	label := policyName
	if label == "" {
		label = "default-accept"
	}
	metrics.PolicyDecisionsTotal.WithLabelValues(label, string(outcome)).Inc()
	metrics.PolicyDecisionDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Kind: eventbus.KindPolicyDecision, At: start, AgentID: agentID, Payload: d})
	}
}

func (e *Engine) logMatch(p Policy, route model.Route, outcome Outcome) {
	if e.logger == nil {
		return
	}
	if p.Action.Modify.LogDecision {
		e.logger.Info("policy decision",
			zap.String("policy", p.Name),
			zap.String("agent_id", string(route.AgentID)),
			zap.String("outcome", string(outcome)),
		)
	}
	if p.Action.Modify.AlertOnMatch {
		e.logger.Warn("policy alert",
			zap.String("policy", p.Name),
			zap.String("agent_id", string(route.AgentID)),
		)
	}
}

// Import atomically replaces the whole policy list from a JSON array. On
// any parse or validation failure the existing policies are left
// untouched.
func (e *Engine) Import(data []byte) error {
	var incoming []Policy
	if err := json.Unmarshal(data, &incoming); err != nil {
		return fmt.Errorf("policy: import parse failed: %w", err)
	}
	for _, p := range incoming {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy: import rejected: %w", err)
		}
	}
	sortPolicies(incoming)
	e.mu.Lock()
	e.policies = incoming
	e.mu.Unlock()
	return nil
}

// Export serializes the current policy list as JSON.
func (e *Engine) Export() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return json.MarshalIndent(e.policies, "", "  ")
}
