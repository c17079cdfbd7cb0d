// Package discovery implements the Discovery Manager (C6): the
// capability/ASN/agent indexes built from routes observed in the network,
// ingress filtering, staleness sweeping, and the cache-then-broadcast
// capability lookup.
package discovery

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentbgp/agentbgpd/internal/eventbus"
	"github.com/agentbgp/agentbgpd/internal/metrics"
	"github.com/agentbgp/agentbgpd/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultStaleThreshold and DefaultSweepInterval are the package defaults.
const (
	DefaultStaleThreshold = 5 * time.Minute
	DefaultSweepInterval  = 30 * time.Second
	DefaultHopTTL         = 5
	DefaultLookupTimeout  = 5 * time.Second
)

// NetworkAgentRecord is one learned agent's current best-known state.
type NetworkAgentRecord struct {
	AgentID      model.AgentID
	Capabilities []model.Capability
	OriginASN    model.ASN
	Health       model.HealthStatus
	LocalPref    int
	MED          int
	ASPathLength int
	NextHop      string
	LastUpdated  time.Time
}

// Config configures filtering and timing for a Manager.
type Config struct {
	LocalASN         model.ASN
	HealthThreshold  model.HealthStatus // drop routes with health below this
	CapabilityFilter []string           // case-insensitive substrings; empty = no filter
	StaleThreshold   time.Duration
	SweepInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.HealthThreshold == model.HealthUnknown {
		c.HealthThreshold = model.HealthUnhealthy
	}
	return c
}

// Manager maintains the network-wide capability/ASN/agent indexes.
type Manager struct {
	cfg    Config
	bus    eventbus.Bus
	logger *zap.Logger

	mu           sync.RWMutex
	byAgent      map[model.AgentID]NetworkAgentRecord
	byCapability map[model.Capability]map[model.AgentID]struct{}
	byASN        map[model.ASN]map[model.AgentID]struct{}

	stopCh chan struct{}
}

func New(cfg Config, bus eventbus.Bus, logger *zap.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:          cfg,
		bus:          bus,
		logger:       logger,
		byAgent:      make(map[model.AgentID]NetworkAgentRecord),
		byCapability: make(map[model.Capability]map[model.AgentID]struct{}),
		byASN:        make(map[model.ASN]map[model.AgentID]struct{}),
		stopCh:       make(chan struct{}),
	}
}

// Ingest consumes a route learned from the network (typically via the
// eventbus routeUpdate event) and updates the indexes, applying the
// ingress filters applied on discovery ingest.
func (m *Manager) Ingest(route model.Route) {
	if len(route.ASPath) == 0 {
		return // malformed: empty asPath
	}
	originASN := route.ASPath[len(route.ASPath)-1]
	if originASN == m.cfg.LocalASN {
		return // locally originated, drop
	}
	if route.AgentID == "" || len(route.Capabilities) == 0 {
		return // malformed
	}
	health := route.Health()
	if health < m.cfg.HealthThreshold {
		return
	}
	if len(m.cfg.CapabilityFilter) > 0 && !matchesAnyFilter(route, m.cfg.CapabilityFilter) {
		return
	}

	record := NetworkAgentRecord{
		AgentID:      route.AgentID,
		Capabilities: route.SortedCapabilities(),
		OriginASN:    originASN,
		Health:       health,
		LocalPref:    route.LocalPref,
		MED:          route.MED,
		ASPathLength: len(route.ASPath),
		NextHop:      route.NextHop,
		LastUpdated:  time.Now(),
	}

	m.mu.Lock()
	existing, existed := m.byAgent[route.AgentID]
	m.removeFromIndexesLocked(route.AgentID, existing)
	m.byAgent[route.AgentID] = record
	m.addToIndexesLocked(record)
	known := len(m.byAgent)
	m.mu.Unlock()
	metrics.DiscoveryAgentsKnown.WithLabelValues().Set(float64(known))

	switch {
	case !existed:
		m.publish(eventbus.KindAgentDiscovered, record)
	case changed(existing, record):
		m.publish(eventbus.KindCapabilityChanged, record)
	}
}

// changed reports whether the capability set, health, or any routing
// metric differs between two records.
func changed(a, b NetworkAgentRecord) bool {
	if a.Health != b.Health || a.LocalPref != b.LocalPref || a.MED != b.MED || a.ASPathLength != b.ASPathLength {
		return true
	}
	if len(a.Capabilities) != len(b.Capabilities) {
		return true
	}
	for i := range a.Capabilities {
		if a.Capabilities[i] != b.Capabilities[i] {
			return true
		}
	}
	return false
}

func matchesAnyFilter(route model.Route, filters []string) bool {
	for _, f := range filters {
		f = strings.ToLower(f)
		for c := range route.Capabilities {
			if strings.Contains(strings.ToLower(string(c)), f) {
				return true
			}
		}
	}
	return false
}

// Withdraw removes agentID from the indexes, e.g. on a withdrawal or peer
// loss, and emits agentLost.
func (m *Manager) Withdraw(agentID model.AgentID) {
	m.mu.Lock()
	existing, ok := m.byAgent[agentID]
	if ok {
		m.removeFromIndexesLocked(agentID, existing)
		delete(m.byAgent, agentID)
	}
	known := len(m.byAgent)
	m.mu.Unlock()
	if ok {
		metrics.DiscoveryAgentsKnown.WithLabelValues().Set(float64(known))
		m.publish(eventbus.KindAgentLost, existing)
	}
}

func (m *Manager) addToIndexesLocked(r NetworkAgentRecord) {
	for _, c := range r.Capabilities {
		c = c.Normalize()
		if m.byCapability[c] == nil {
			m.byCapability[c] = make(map[model.AgentID]struct{})
		}
		m.byCapability[c][r.AgentID] = struct{}{}
	}
	if m.byASN[r.OriginASN] == nil {
		m.byASN[r.OriginASN] = make(map[model.AgentID]struct{})
	}
	m.byASN[r.OriginASN][r.AgentID] = struct{}{}
}

func (m *Manager) removeFromIndexesLocked(agentID model.AgentID, r NetworkAgentRecord) {
	for _, c := range r.Capabilities {
		c = c.Normalize()
		if set, ok := m.byCapability[c]; ok {
			delete(set, agentID)
			if len(set) == 0 {
				delete(m.byCapability, c)
			}
		}
	}
	if set, ok := m.byASN[r.OriginASN]; ok {
		delete(set, agentID)
		if len(set) == 0 {
			delete(m.byASN, r.OriginASN)
		}
	}
}

func (m *Manager) publish(kind eventbus.Kind, record NetworkAgentRecord) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Kind: kind, At: time.Now(), AgentID: record.AgentID, Payload: record})
}

// LookupOptions configures DiscoverByCapability.
type LookupOptions struct {
	MaxResults   int
	HealthFilter model.HealthStatus
	Timeout      time.Duration
	Broadcast    bool
	// RequestBroadcast, when Broadcast is true, is invoked once to fan a
	// discoveryRequest out to every Established peer. Kept as an
	// injected function so this package never imports session.
	RequestBroadcast func(ctx context.Context, requestID string, capability model.Capability, hopTTL int) error
}

// DiscoverByCapability implements a three-step lookup: consult
// the cache, optionally broadcast and wait for responses, then sort and
// truncate.
func (m *Manager) DiscoverByCapability(ctx context.Context, capability model.Capability, opts LookupOptions) []NetworkAgentRecord {
	start := time.Now()
	broadcasted := false
	defer func() {
		metrics.DiscoveryLookupDuration.WithLabelValues(string(capability)).Observe(time.Since(start).Seconds())
		metrics.DiscoveryLookupsTotal.WithLabelValues(string(capability), strconv.FormatBool(broadcasted)).Inc()
	}()

	if opts.MaxResults <= 0 {
		opts.MaxResults = 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultLookupTimeout
	}

	results := m.cached(capability, opts.HealthFilter)

	if len(results) < opts.MaxResults && opts.Broadcast && opts.RequestBroadcast != nil {
		broadcasted = true
		waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
		requestID := newRequestID()
		g, gctx := errgroup.WithContext(waitCtx)
		g.Go(func() error {
			return opts.RequestBroadcast(gctx, requestID, capability, DefaultHopTTL)
		})
		_ = g.Wait() // broadcast publication failures don't block returning cached results
		<-waitCtx.Done()
		results = m.cached(capability, opts.HealthFilter)
	}

	sortRecords(results)
	if len(results) > opts.MaxResults {
		results = results[:opts.MaxResults]
	}
	return results
}

func (m *Manager) cached(capability model.Capability, healthFilter model.HealthStatus) []NetworkAgentRecord {
	capability = capability.Normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byCapability[capability]
	out := make([]NetworkAgentRecord, 0, len(ids))
	for id := range ids {
		r := m.byAgent[id]
		if r.Health >= healthFilter {
			out = append(out, r)
		}
	}
	return out
}

// sortRecords orders by higher LocalPref, then shorter ASPathLength, then
// lower MED, then more-recent LastUpdated.
func sortRecords(records []NetworkAgentRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.LocalPref != b.LocalPref {
			return a.LocalPref > b.LocalPref
		}
		if a.ASPathLength != b.ASPathLength {
			return a.ASPathLength < b.ASPathLength
		}
		if a.MED != b.MED {
			return a.MED < b.MED
		}
		return a.LastUpdated.After(b.LastUpdated)
	})
}

var requestCounter uint64

// newRequestID generates a discovery request id. Avoids math/rand and
// time-based entropy so output stays deterministic across a process's
// successive calls, which is all the correlation with discoveryResponse
// events needs.
func newRequestID() string {
	requestCounter++
	return "disc-" + itoa(requestCounter)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// StartSweeper runs the staleness sweep loop: records whose LastUpdated is
// older than StaleThreshold are removed and emit agentLost.
func (m *Manager) StartSweeper() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweepOnce()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) sweepOnce() {
	cutoff := time.Now().Add(-m.cfg.StaleThreshold)
	m.mu.Lock()
	var stale []model.AgentID
	for id, r := range m.byAgent {
		if r.LastUpdated.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	var staleRecords []NetworkAgentRecord
	for _, id := range stale {
		r := m.byAgent[id]
		m.removeFromIndexesLocked(id, r)
		delete(m.byAgent, id)
		staleRecords = append(staleRecords, r)
	}
	known := len(m.byAgent)
	m.mu.Unlock()

	if len(staleRecords) > 0 {
		metrics.DiscoveryAgentsKnown.WithLabelValues().Set(float64(known))
	}
	for _, r := range staleRecords {
		m.publish(eventbus.KindAgentLost, r)
	}
}

// Stop terminates the sweeper loop.
func (m *Manager) Stop() {
	close(m.stopCh)
}

// Get returns a copy of one agent's learned record.
func (m *Manager) Get(agentID model.AgentID) (NetworkAgentRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byAgent[agentID]
	return r, ok
}

// ByASN returns every learned agent id originated by asn.
func (m *Manager) ByASN(asn model.ASN) []model.AgentID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byASN[asn]
	out := make([]model.AgentID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
