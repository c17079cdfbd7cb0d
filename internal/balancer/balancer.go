// Package balancer implements the Multi-Path Load Balancer (C8): a pool
// of candidate paths for one agent, per-path health tracking, and the six
// named selection strategies.
package balancer

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/agentbgp/agentbgpd/internal/metrics"
	"github.com/agentbgp/agentbgpd/internal/model"
)

// DefaultMaxPaths is the default cap on candidates taken from Loc-RIB
// alternatives.
const DefaultMaxPaths = 4

// responseTimeAlpha is the EWMA smoothing factor for response time.
const responseTimeAlpha = 0.2

// Status is a candidate's health classification.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// PathHealth is the runtime health of one candidate path.
type PathHealth struct {
	ResponseTime   time.Duration
	SuccessRate    float64
	CurrentConns   int
	TotalRequests  int
	FailedRequests int
	Status         Status
}

// classify recomputes Status from the current ResponseTime/SuccessRate
// per configured health thresholds.
func (h *PathHealth) classify() Status {
	switch {
	case h.SuccessRate < 0.5 || h.ResponseTime > 10*time.Second:
		return StatusUnhealthy
	case h.SuccessRate < 0.8 || h.ResponseTime > 5*time.Second:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Candidate is one path in the pool: the route it carries, its weight
// (from policy's loadBalance hint, default 1.0), and its live health.
type Candidate struct {
	AgentID model.AgentID
	Route   model.Route
	Weight  float64

	mu     sync.Mutex
	health PathHealth
}

func newCandidate(route model.Route, weight float64) *Candidate {
	if weight <= 0 {
		weight = 1.0
	}
	return &Candidate{
		AgentID: route.AgentID,
		Route:   route,
		Weight:  weight,
		health:  PathHealth{SuccessRate: 1.0, Status: StatusHealthy},
	}
}

// Health returns a snapshot of the candidate's current health.
func (c *Candidate) Health() PathHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// Decision records one Select outcome, kept in the bounded rolling
// history.
type Decision struct {
	At       time.Time
	AgentID  model.AgentID
	Strategy Name
	Selected model.ASN
	NumPool  int
}

// Name identifies a selection strategy.
type Name string

const (
	RoundRobin      Name = "round-robin"
	CapabilityAware Name = "capability-aware"
	LatencyBased    Name = "latency-based"
	Weighted        Name = "weighted"
	LeastConns      Name = "least-connections"
	Random          Name = "random"
)

// Strategy picks one candidate from a non-empty, already health-filtered
// pool.
type Strategy interface {
	Select(candidates []*Candidate, requiredCaps []model.Capability) (*Candidate, error)
}

var ErrNoCandidates = errors.New("balancer: no healthy-or-degraded candidates")

// Pool holds the candidate set for one agent and its rolling decision
// history.
type Pool struct {
	agentID  model.AgentID
	maxPaths int
	rng      *rand.Rand

	mu         sync.Mutex
	candidates []*Candidate
	rrIndex    int

	histMu  sync.Mutex
	history []Decision
	histCap int
}

// NewPool constructs an empty pool for agentID. maxPaths<=0 uses
// DefaultMaxPaths; historySize<=0 uses 1000.
func NewPool(agentID model.AgentID, maxPaths, historySize int) *Pool {
	if maxPaths <= 0 {
		maxPaths = DefaultMaxPaths
	}
	if historySize <= 0 {
		historySize = 1000
	}
	return &Pool{
		agentID:  agentID,
		maxPaths: maxPaths,
		rng:      rand.New(rand.NewSource(1)),
		histCap:  historySize,
	}
}

// SetCandidates replaces the pool's candidate set from Loc-RIB
// alternatives, truncated to maxPaths. Existing health state is
// preserved for routes that persist across calls (matched by AgentID is
// meaningless here since all candidates share one AgentID; matched by
// next hop instead).
func (p *Pool) SetCandidates(routes []model.Route, weights map[string]float64) {
	if len(routes) > p.maxPaths {
		routes = routes[:p.maxPaths]
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	existing := make(map[string]*Candidate, len(p.candidates))
	for _, c := range p.candidates {
		existing[c.Route.NextHop] = c
	}

	next := make([]*Candidate, 0, len(routes))
	for _, r := range routes {
		weight := weights[r.NextHop]
		if old, ok := existing[r.NextHop]; ok {
			old.Route = r
			if weight > 0 {
				old.Weight = weight
			}
			next = append(next, old)
			continue
		}
		next = append(next, newCandidate(r, weight))
	}
	p.candidates = next
	if p.rrIndex >= len(next) {
		p.rrIndex = 0
	}
}

// healthyOrDegraded returns candidates whose status is not unhealthy.
func (p *Pool) healthyOrDegraded() []*Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Candidate, 0, len(p.candidates))
	for _, c := range p.candidates {
		if c.Health().Status != StatusUnhealthy {
			out = append(out, c)
		}
	}
	return out
}

// Select picks a candidate using the named strategy, records the
// decision, and increments the chosen candidate's connection count.
func (p *Pool) Select(strategy Name, requiredCaps []model.Capability) (*Candidate, error) {
	pool := p.healthyOrDegraded()
	if len(pool) == 0 {
		metrics.BalancerSelectionsTotal.WithLabelValues(string(p.agentID), string(strategy), "no_candidates").Inc()
		return nil, ErrNoCandidates
	}

	impl := strategyFor(strategy, p)
	chosen, err := impl.Select(pool, requiredCaps)
	if err != nil {
		metrics.BalancerSelectionsTotal.WithLabelValues(string(p.agentID), string(strategy), "error").Inc()
		return nil, err
	}
	metrics.BalancerSelectionsTotal.WithLabelValues(string(p.agentID), string(strategy), "ok").Inc()

	chosen.mu.Lock()
	chosen.health.CurrentConns++
	chosen.health.TotalRequests++
	chosen.mu.Unlock()

	p.record(Decision{
		At:       time.Now(),
		AgentID:  p.agentID,
		Strategy: strategy,
		Selected: lastHop(chosen.Route),
		NumPool:  len(pool),
	})
	return chosen, nil
}

func lastHop(r model.Route) model.ASN {
	if len(r.ASPath) == 0 {
		return 0
	}
	return r.ASPath[len(r.ASPath)-1]
}

func strategyFor(name Name, p *Pool) Strategy {
	switch name {
	case CapabilityAware:
		return capabilityAwareStrategy{}
	case LatencyBased:
		return latencyBasedStrategy{}
	case Weighted:
		return weightedStrategy{rng: p.rng}
	case LeastConns:
		return leastConnsStrategy{}
	case Random:
		return randomStrategy{rng: p.rng}
	default:
		return roundRobinStrategy{pool: p}
	}
}

// ReportCompletion records a completed request's outcome: decrements
// CurrentConns, folds success/elapsed into SuccessRate and the
// response-time EWMA, and reclassifies status. Returns true if the
// status transitioned, for callers that want to emit a health-change
// event.
func (p *Pool) ReportCompletion(candidate *Candidate, success bool, elapsed time.Duration) (transitioned bool, from, to Status) {
	candidate.mu.Lock()
	defer candidate.mu.Unlock()

	h := &candidate.health
	from = h.Status
	if h.CurrentConns > 0 {
		h.CurrentConns--
	}
	if !success {
		h.FailedRequests++
	}
	if h.TotalRequests > 0 {
		h.SuccessRate = float64(h.TotalRequests-h.FailedRequests) / float64(h.TotalRequests)
	}
	if h.ResponseTime == 0 {
		h.ResponseTime = elapsed
	} else {
		h.ResponseTime = time.Duration(responseTimeAlpha*float64(elapsed) + (1-responseTimeAlpha)*float64(h.ResponseTime))
	}
	to = h.classify()
	h.Status = to
	metrics.BalancerPathHealth.WithLabelValues(string(candidate.AgentID), candidate.Route.NextHop).Set(float64(to))
	return from != to, from, to
}

func (p *Pool) record(d Decision) {
	p.histMu.Lock()
	defer p.histMu.Unlock()
	p.history = append(p.history, d)
	if len(p.history) > p.histCap {
		p.history = p.history[len(p.history)-p.histCap:]
	}
}

// History returns a copy of the rolling decision history.
func (p *Pool) History() []Decision {
	p.histMu.Lock()
	defer p.histMu.Unlock()
	return append([]Decision(nil), p.history...)
}

// CandidateByNextHop finds a pool member by its route's next hop, for
// callers that selected a path and later need to report its outcome.
func (p *Pool) CandidateByNextHop(nextHop string) (*Candidate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.candidates {
		if c.Route.NextHop == nextHop {
			return c, true
		}
	}
	return nil, false
}

// --- strategy implementations ---

type roundRobinStrategy struct{ pool *Pool }

func (s roundRobinStrategy) Select(candidates []*Candidate, _ []model.Capability) (*Candidate, error) {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	idx := s.pool.rrIndex % len(candidates)
	s.pool.rrIndex = (s.pool.rrIndex + 1) % len(candidates)
	return candidates[idx], nil
}

type capabilityAwareStrategy struct{}

func (capabilityAwareStrategy) Select(candidates []*Candidate, required []model.Capability) (*Candidate, error) {
	best := candidates[0]
	bestScore := capabilityScore(best.Route, required)
	for _, c := range candidates[1:] {
		if score := capabilityScore(c.Route, required); score > bestScore {
			best, bestScore = c, score
		}
	}
	return best, nil
}

// capabilityScore implements a 0.7/0.3 blend of
// required-match ratio and offered-match ratio.
func capabilityScore(route model.Route, required []model.Capability) float64 {
	if len(required) == 0 {
		return 1.0
	}
	matched := 0
	for _, c := range required {
		if route.HasCapability(c) {
			matched++
		}
	}
	offered := len(route.Capabilities)
	if offered == 0 {
		offered = 1
	}
	return 0.7*(float64(matched)/float64(len(required))) + 0.3*(float64(matched)/float64(offered))
}

type latencyBasedStrategy struct{}

func (latencyBasedStrategy) Select(candidates []*Candidate, _ []model.Capability) (*Candidate, error) {
	best := candidates[0]
	bestRT := best.Health().ResponseTime
	for _, c := range candidates[1:] {
		if rt := c.Health().ResponseTime; rt < bestRT {
			best, bestRT = c, rt
		}
	}
	return best, nil
}

type weightedStrategy struct{ rng *rand.Rand }

func (s weightedStrategy) Select(candidates []*Candidate, _ []model.Capability) (*Candidate, error) {
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, c := range candidates {
		h := c.Health()
		degradedFactor := 1.0
		if h.Status == StatusDegraded {
			degradedFactor = 0.5
		}
		successRate := h.SuccessRate
		if successRate <= 0 {
			successRate = 0.01
		}
		weights[i] = c.Weight * successRate * degradedFactor
		total += weights[i]
	}
	if total <= 0 {
		return candidates[0], nil
	}
	draw := s.rng.Float64() * total
	cursor := 0.0
	for i, w := range weights {
		cursor += w
		if draw <= cursor {
			return candidates[i], nil
		}
	}
	return candidates[len(candidates)-1], nil
}

type leastConnsStrategy struct{}

func (leastConnsStrategy) Select(candidates []*Candidate, _ []model.Capability) (*Candidate, error) {
	best := candidates[0]
	bestConns := best.Health().CurrentConns
	for _, c := range candidates[1:] {
		if conns := c.Health().CurrentConns; conns < bestConns {
			best, bestConns = c, conns
		}
	}
	return best, nil
}

type randomStrategy struct{ rng *rand.Rand }

func (s randomStrategy) Select(candidates []*Candidate, _ []model.Capability) (*Candidate, error) {
	return candidates[s.rng.Intn(len(candidates))], nil
}

// SnapshotByResponseTime returns the pool's current candidates ordered by
// latency, for diagnostics endpoints that want to show path ranking
// without affecting Select's round-robin cursor or health state.
func (p *Pool) SnapshotByResponseTime() []*Candidate {
	p.mu.Lock()
	out := append([]*Candidate(nil), p.candidates...)
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Health().ResponseTime < out[j].Health().ResponseTime
	})
	return out
}
