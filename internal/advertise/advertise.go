// Package advertise implements the Advertisement Manager (C5): the
// registry of locally originated agents, the derived Route fields computed
// from agent health and staleness, and the periodic refresher that
// reconciles against dynamic callbacks.
package advertise

import (
	"sort"
	"sync"
	"time"

	"github.com/agentbgp/agentbgpd/internal/model"
	"go.uber.org/zap"
)

// LocalAgent is one locally originated agent record.
type LocalAgent struct {
	AgentID      model.AgentID
	Capabilities []model.Capability
	Version      string
	Description  string
	Metadata     map[string]string
	HealthStatus model.HealthStatus
	LastSeen     time.Time
	LocalPref    int // 0 means "use the manager default"
}

// DynamicCallback supplies current state for a dynamically registered
// agent. ok=false means "no such agent" and causes the refresher to
// unregister it.
type DynamicCallback func() (LocalAgent, bool)

// Manager holds the local agent set and produces Route records for them.
type Manager struct {
	mu          sync.RWMutex
	agents      map[model.AgentID]LocalAgent
	dynamic     map[model.AgentID]DynamicCallback
	localASN    model.ASN
	localURL    string
	defaultPref int
	logger      *zap.Logger

	onAdvertise func(model.AgentID, model.Route)
	onWithdraw  func(model.AgentID)

	stopCh chan struct{}
}

// New constructs a Manager for an AS originating routes at localURL.
// onAdvertise/onWithdraw are called for every local change (the
// session-established full-table push goes through AdvertiseAllTo, which
// returns routes instead of calling onAdvertise); wiring them to session.Manager's
// AdvertiseLocal/WithdrawLocal is the caller's job, kept decoupled here so
// this package has no import-cycle dependency on session.
func New(localASN model.ASN, localURL string, defaultLocalPref int, logger *zap.Logger, onAdvertise func(model.AgentID, model.Route), onWithdraw func(model.AgentID)) *Manager {
	if defaultLocalPref == 0 {
		defaultLocalPref = 100
	}
	return &Manager{
		agents:      make(map[model.AgentID]LocalAgent),
		dynamic:     make(map[model.AgentID]DynamicCallback),
		localASN:    localASN,
		localURL:    localURL,
		defaultPref: defaultLocalPref,
		logger:      logger,
		onAdvertise: onAdvertise,
		onWithdraw:  onWithdraw,
		stopCh:      make(chan struct{}),
	}
}

// Register adds a new local agent and advertises it to every Established
// peer.
func (m *Manager) Register(agent LocalAgent) {
	if agent.LastSeen.IsZero() {
		agent.LastSeen = time.Now()
	}
	m.mu.Lock()
	m.agents[agent.AgentID] = agent
	m.mu.Unlock()
	m.advertise(agent)
}

// Update applies a partial update (zero-value fields left unchanged,
// capabilities/metadata replaced wholesale when non-nil) and
// re-advertises.
func (m *Manager) Update(agentID model.AgentID, patch LocalAgent) bool {
	m.mu.Lock()
	existing, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if patch.Capabilities != nil {
		existing.Capabilities = patch.Capabilities
	}
	if patch.Version != "" {
		existing.Version = patch.Version
	}
	if patch.Description != "" {
		existing.Description = patch.Description
	}
	if patch.Metadata != nil {
		existing.Metadata = patch.Metadata
	}
	if patch.HealthStatus != model.HealthUnknown {
		existing.HealthStatus = patch.HealthStatus
	}
	if patch.LocalPref != 0 {
		existing.LocalPref = patch.LocalPref
	}
	existing.LastSeen = time.Now()
	m.agents[agentID] = existing
	m.mu.Unlock()
	m.advertise(existing)
	return true
}

// Unregister removes a local agent and withdraws it from every
// Established peer.
func (m *Manager) Unregister(agentID model.AgentID) bool {
	m.mu.Lock()
	_, ok := m.agents[agentID]
	delete(m.agents, agentID)
	delete(m.dynamic, agentID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	if m.onWithdraw != nil {
		m.onWithdraw(agentID)
	}
	return true
}

// RegisterDynamic registers an agent whose live state is obtained from
// callback on every refresh cycle.
func (m *Manager) RegisterDynamic(agent LocalAgent, callback DynamicCallback) {
	m.Register(agent)
	m.mu.Lock()
	m.dynamic[agent.AgentID] = callback
	m.mu.Unlock()
}

// Get returns a copy of one local agent record.
func (m *Manager) Get(agentID model.AgentID) (LocalAgent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	return a, ok
}

// List returns every local agent, sorted by AgentID for deterministic
// output.
func (m *Manager) List() []LocalAgent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]LocalAgent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// AdvertiseAllTo is called on session-established: it returns the current
// route for every local agent and does not call onAdvertise. The caller
// hands the result to session.Manager.AdvertiseAllTo, which scopes the
// resulting UPDATE to just the newly-established peer (AdvertiseLocal
// already fans out to every Established peer; a brand-new peer still needs
// every existing route since it missed prior deltas).
func (m *Manager) AdvertiseAllTo() []model.Route {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Route, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, m.toRoute(a))
	}
	return out
}

func (m *Manager) advertise(agent LocalAgent) {
	route := m.toRoute(agent)
	if m.onAdvertise != nil {
		m.onAdvertise(agent.AgentID, route)
	}
}

// toRoute derives a Route from a LocalAgent using the health/MED/staleness formulas.
func (m *Manager) toRoute(a LocalAgent) model.Route {
	r := model.NewRoute(a.AgentID)
	r.ASPath = []model.ASN{m.localASN}
	r.NextHop = m.localURL
	r.LocalPref = a.LocalPref
	if r.LocalPref == 0 {
		r.LocalPref = m.defaultPref
	}
	r.MED = healthMED(a.HealthStatus) + stalenessPenalty(a.LastSeen)
	r.OriginTime = a.LastSeen

	for _, c := range a.Capabilities {
		c = c.Normalize()
		r.Capabilities[c] = struct{}{}
		r.Communities[model.NewCommunity("capability", string(c))] = struct{}{}
	}
	r.Communities[model.NewCommunity("health", a.HealthStatus.String())] = struct{}{}
	r.Communities[model.NewCommunity("as", m.localASN.String())] = struct{}{}

	if a.Version != "" {
		r.PathAttributes[model.AttrAgentVersion] = a.Version
	}
	if a.Description != "" {
		r.PathAttributes[model.AttrAgentDesc] = a.Description
	}
	if len(a.Metadata) > 0 {
		r.PathAttributes[model.AttrAgentMetadata] = encodeMetadata(a.Metadata)
	}
	r.PathAttributes[model.AttrAdvertiseTime] = time.Now().UTC().Format(time.RFC3339)
	r.PathAttributes[model.AttrAdvertiserASN] = m.localASN.String()
	return r
}

func encodeMetadata(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += k + "=" + meta[k]
	}
	return out
}

// healthMED maps health status to a MED contribution.
func healthMED(status model.HealthStatus) int {
	switch status {
	case model.HealthHealthy:
		return 0
	case model.HealthDegraded:
		return 50
	case model.HealthUnhealthy:
		return 100
	default:
		return 25
	}
}

// stalenessPenalty adds MED proportional to time since lastSeen, floored
// by the minute and capped at +50.
func stalenessPenalty(lastSeen time.Time) int {
	if lastSeen.IsZero() {
		return 0
	}
	minutes := int(time.Since(lastSeen) / time.Minute)
	if minutes > 50 {
		return 50
	}
	if minutes < 0 {
		return 0
	}
	return minutes
}

// StartRefresher runs the periodic reconciliation loop (default 5m): for
// every dynamically registered agent, invoke its callback and either
// re-advertise the returned state or unregister if the callback reports
// the agent no longer exists.
func (m *Manager) StartRefresher(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.refreshOnce()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) refreshOnce() {
	m.mu.RLock()
	callbacks := make(map[model.AgentID]DynamicCallback, len(m.dynamic))
	for id, cb := range m.dynamic {
		callbacks[id] = cb
	}
	m.mu.RUnlock()

	for agentID, cb := range callbacks {
		state, ok := cb()
		if !ok {
			m.Unregister(agentID)
			if m.logger != nil {
				m.logger.Info("refresher unregistered missing agent", zap.String("agent_id", string(agentID)))
			}
			continue
		}
		state.AgentID = agentID
		m.Register(state)
	}
}

// Stop terminates the refresher loop.
func (m *Manager) Stop() {
	close(m.stopCh)
}
