package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/agentbgp/agentbgpd/internal/decision"
	"github.com/agentbgp/agentbgpd/internal/eventbus"
	"github.com/agentbgp/agentbgpd/internal/message"
	"github.com/agentbgp/agentbgpd/internal/metrics"
	"github.com/agentbgp/agentbgpd/internal/model"
	"github.com/agentbgp/agentbgpd/internal/policy"
	"github.com/agentbgp/agentbgpd/internal/reflector"
	"github.com/agentbgp/agentbgpd/internal/rib"
	"go.uber.org/zap"
)

// recordTransition updates the transition counter and the per-peer state
// gauge. Called with the FSM's old and new status whenever a transition
// actually takes effect.
func recordTransition(asn model.ASN, from, to model.PeerStatus) {
	metrics.SessionTransitionsTotal.WithLabelValues(asn.String(), from.String(), to.String()).Inc()
	if from != to {
		metrics.SessionState.WithLabelValues(asn.String(), from.String()).Set(0)
	}
	metrics.SessionState.WithLabelValues(asn.String(), to.String()).Set(1)
}

// Default timers.
const (
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultHoldTime          = 90 * time.Second
	DefaultConnectRetryTime  = 30 * time.Second
)

// Config carries the timers and local identity the Manager needs.
type Config struct {
	LocalASN          model.ASN
	RouterID          string
	KeepaliveInterval time.Duration
	HoldTime          time.Duration
	ConnectRetryTime  time.Duration
}

func (c Config) withDefaults() Config {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.HoldTime <= 0 {
		c.HoldTime = DefaultHoldTime
	}
	if c.ConnectRetryTime <= 0 {
		c.ConnectRetryTime = DefaultConnectRetryTime
	}
	return c
}

// Validate enforces the configuration-error class: hold time
// must be at least 3x the keepalive interval.
func (c Config) Validate() error {
	if c.HoldTime < 3*c.KeepaliveInterval {
		return fmt.Errorf("session: hold time (%s) must be >= 3x keepalive interval (%s)", c.HoldTime, c.KeepaliveInterval)
	}
	if c.LocalASN == 0 {
		return fmt.Errorf("session: local ASN must be non-zero")
	}
	return nil
}

// peerSession is the mutable per-peer state, owned exclusively by its own
// goroutine (the inbox loop). External callers only ever reach it through
// channel sends, which is what gives per-peer FIFO ordering regardless of
// how many goroutines call into the Manager concurrently.
type peerSession struct {
	mgr *Manager

	mu   sync.Mutex
	info model.Peer

	codec message.Codec // nil: no outbound transport wired (control-plane-driven or test peer)

	inbox  chan func()
	stopCh chan struct{}

	holdTimer       *time.Timer
	keepaliveTicker *time.Ticker
	attempts        int
}

// Manager owns the peer set and wires session events into the RIB,
// policy engine, decision process, and event bus, per C4's responsibility.
type Manager struct {
	cfg Config

	table       *rib.Table
	importPol   *policy.Engine
	exportPol   *policy.Engine
	decisionEng *decision.Engine
	bus         eventbus.Bus
	logger      *zap.Logger

	refl *reflector.Manager // nil: no reflection, transit re-advertises to every other Established peer

	mu    sync.RWMutex
	peers map[model.ASN]*peerSession
}

// SetReflector wires the route reflector used to compute transit targets
// for routes learned from one peer and re-advertised to others. Left
// unset, transit re-advertisement falls back to a plain full mesh (every
// other Established peer).
func (m *Manager) SetReflector(refl *reflector.Manager) {
	m.refl = refl
}

// NewManager constructs a session Manager. importPol filters/modifies
// routes on ingress into Adj-RIB-In; exportPol is run (via
// policy.Engine.ExportFor) when building Adj-RIB-Out.
func NewManager(cfg Config, table *rib.Table, importPol, exportPol *policy.Engine, decisionEng *decision.Engine, bus eventbus.Bus, logger *zap.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:         cfg,
		table:       table,
		importPol:   importPol,
		exportPol:   exportPol,
		decisionEng: decisionEng,
		bus:         bus,
		logger:      logger,
		peers:       make(map[model.ASN]*peerSession),
	}, nil
}

// AddPeer registers a new peer in Idle and immediately drives it to
// Connect, attempting OPEN negotiation if a codec is supplied. A nil
// codec means this peer's session is driven entirely by inbound calls
// from the control plane (e.g. a peer behind an HTTP adapter that posts
// OPEN/UPDATE/KEEPALIVE to us) — AddPeer still marks it Connect and
// ReceiveOpen promotes it to Established.
func (m *Manager) AddPeer(asn model.ASN, address string, codec message.Codec) (*model.Peer, error) {
	m.mu.Lock()
	if _, exists := m.peers[asn]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: peer %s already exists", asn)
	}
	ps := &peerSession{
		mgr:    m,
		info:   model.Peer{ASN: asn, Address: address, Status: model.Idle},
		codec:  codec,
		inbox:  make(chan func(), 64),
		stopCh: make(chan struct{}),
	}
	m.peers[asn] = ps
	m.mu.Unlock()

	go ps.run()

	ps.mu.Lock()
	from := ps.info.Status
	ps.info.Status, _ = transition(ps.info.Status, EventAddPeer)
	to := ps.info.Status
	ps.mu.Unlock()
	recordTransition(asn, from, to)

	if codec != nil {
		go ps.attemptConnect()
	}

	info := ps.snapshot()
	return &info, nil
}

// RemovePeer tears a peer down: sends NOTIFICATION on a best-effort basis,
// drops its Adj-RIB-In/Out contributions, and recomputes affected Loc-RIB
// entries.
func (m *Manager) RemovePeer(asn model.ASN) error {
	m.mu.Lock()
	ps, ok := m.peers[asn]
	if ok {
		delete(m.peers, asn)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: unknown peer %s", asn)
	}

	if ps.codec != nil {
		_ = ps.codec.SendNotification(message.NewNotification(m.cfg.LocalASN, "peer removed"))
	}
	ps.teardown("removePeer")
	close(ps.stopCh)

	_, affected := m.table.DropAllFromPeer(asn)
	for _, agentID := range affected {
		if best, ok := m.decisionEng.Recompute(agentID); ok {
			m.bus.Publish(eventbus.Event{Kind: eventbus.KindRouteUpdate, At: time.Now(), AgentID: agentID, Payload: best})
			m.advertiseTransit(asn, "", agentID, best, true)
		} else {
			m.bus.Publish(eventbus.Event{Kind: eventbus.KindRouteUpdate, At: time.Now(), AgentID: agentID})
			m.advertiseTransit(asn, "", agentID, model.Route{}, false)
		}
	}

	m.table.DropAllForPeer(asn)
	m.bus.Publish(eventbus.Event{Kind: eventbus.KindPeerRemoved, At: time.Now(), Peer: asn})
	return nil
}

// Peer returns a snapshot of one peer's state.
func (m *Manager) Peer(asn model.ASN) (model.Peer, bool) {
	m.mu.RLock()
	ps, ok := m.peers[asn]
	m.mu.RUnlock()
	if !ok {
		return model.Peer{}, false
	}
	return ps.snapshot(), true
}

// Peers returns a snapshot of every peer's state.
func (m *Manager) Peers() []model.Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Peer, 0, len(m.peers))
	for _, ps := range m.peers {
		out = append(out, ps.snapshot())
	}
	return out
}

func (m *Manager) peerOrErr(asn model.ASN) (*peerSession, error) {
	m.mu.RLock()
	ps, ok := m.peers[asn]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session: unknown peer %s", asn)
	}
	return ps, nil
}

// ReceiveOpen handles an inbound OPEN from senderASN (control-plane
// "POST /open" or a Connect-state peer's ack), negotiating hold time and
// capabilities, and promoting the session to Established.
func (m *Manager) ReceiveOpen(senderASN model.ASN, open message.Open) (message.Open, error) {
	ps, err := m.peerOrErr(senderASN)
	if err != nil {
		return message.Open{}, err
	}
	ack := message.NewOpen(m.cfg.LocalASN, m.cfg.HoldTime, m.cfg.RouterID)
	done := make(chan error, 1)
	ps.inbox <- func() {
		done <- ps.handleOpenAck(open)
	}
	if err := <-done; err != nil {
		return message.Open{}, err
	}
	return ack, nil
}

// HandleUpdate processes an UPDATE from senderASN: withdrawals are
// removed from Adj-RIB-In first, then advertisements are run through
// import policy and written in; every touched agent id is then
// recomputed by the decision process. Processing for one peer is
// serialized through that peer's inbox, giving per-peer FIFO and
// per-agent causality for route updates touching the same agent id.
func (m *Manager) HandleUpdate(senderASN model.ASN, update message.Update) error {
	ps, err := m.peerOrErr(senderASN)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	ps.inbox <- func() {
		done <- m.processUpdate(ps, update)
	}
	return <-done
}

func (m *Manager) processUpdate(ps *peerSession, update message.Update) error {
	ps.mu.Lock()
	if ps.info.Status != model.Established {
		ps.mu.Unlock()
		return fmt.Errorf("session: peer %s is not established", ps.info.ASN)
	}
	ps.resetHoldLocked()
	ps.info.LastUpdate = time.Now()
	ps.info.RoutesReceived += len(update.AdvertisedRoutes) + len(update.WithdrawnRoutes)
	asn := ps.info.ASN
	address := ps.info.Address
	ps.mu.Unlock()

	touched := make(map[model.AgentID]struct{})

	for _, agentID := range update.WithdrawnRoutes {
		if m.table.WithdrawFromPeer(asn, agentID) {
			touched[agentID] = struct{}{}
		}
	}

	for _, wr := range update.AdvertisedRoutes {
		route := wr.ToRoute()
		if route.AgentID == "" || route.HasLoop() || len(route.ASPath) > rib.MaxASPathLength {
			// Malformed/looped route: drop silently with a metric, per
			// the "do not poison RIB" failure policy.
			continue
		}
		outcome, accepted := m.importPol.Evaluate(route)
		if outcome == policy.OutcomeRejected {
			continue
		}
		m.table.InsertFromPeer(asn, accepted)
		touched[accepted.AgentID] = struct{}{}
	}

	for agentID := range touched {
		if best, ok := m.decisionEng.Recompute(agentID); ok {
			m.bus.Publish(eventbus.Event{Kind: eventbus.KindRouteUpdate, At: time.Now(), Peer: asn, AgentID: agentID, Payload: best})
			m.advertiseTransit(asn, address, agentID, best, true)
		} else {
			m.bus.Publish(eventbus.Event{Kind: eventbus.KindRouteUpdate, At: time.Now(), Peer: asn, AgentID: agentID})
			m.advertiseTransit(asn, address, agentID, model.Route{}, false)
		}
	}
	return nil
}

// transitTargets returns the Established peers (other than source) that a
// route learned from source should be re-advertised to. With no reflector
// configured this is every other Established peer (plain full-mesh
// transit); with one configured, the RFC 4456 matrix decides.
func (m *Manager) transitTargets(source model.ASN) []*peerSession {
	established := m.established()
	candidates := make([]model.ASN, 0, len(established))
	byASN := make(map[model.ASN]*peerSession, len(established))
	for _, ps := range established {
		if ps.info.ASN == source {
			continue
		}
		candidates = append(candidates, ps.info.ASN)
		byASN[ps.info.ASN] = ps
	}
	if m.refl == nil {
		out := make([]*peerSession, 0, len(candidates))
		for _, asn := range candidates {
			out = append(out, byASN[asn])
		}
		return out
	}
	out := make([]*peerSession, 0, len(candidates))
	for _, asn := range m.refl.Targets(source, candidates) {
		if ps, ok := byASN[asn]; ok {
			out = append(out, ps)
		}
	}
	return out
}

// advertiseTransit re-exports a Loc-RIB change learned from source to
// every peer transitTargets allows: this is what makes a learned best
// path actually propagate onward instead of terminating at the speaker
// that first installed it. ok=false means the agent id's best path was
// withdrawn rather than replaced.
func (m *Manager) advertiseTransit(source model.ASN, sourceAddress string, agentID model.AgentID, best model.Route, ok bool) {
	targets := m.transitTargets(source)
	if len(targets) == 0 {
		return
	}
	var refl policy.ReflectorInfo
	if m.refl != nil {
		refl = m.refl.ReflectorInfo(sourceAddress)
	}
	for _, ps := range targets {
		if !ok {
			m.table.RemoveForPeer(ps.info.ASN, agentID)
			ps.send(message.Update{
				Type:            message.TypeUpdate,
				Timestamp:       time.Now(),
				SenderASN:       m.cfg.LocalASN,
				WithdrawnRoutes: []model.AgentID{agentID},
			})
			continue
		}
		exported, exportOK := m.exportPol.ExportFor(best, m.cfg.LocalASN, ps.info.ASN, refl)
		if !exportOK {
			m.table.RemoveForPeer(ps.info.ASN, agentID)
			continue
		}
		m.table.InsertForPeer(ps.info.ASN, exported)
		ps.send(message.Update{
			Type:             message.TypeUpdate,
			Timestamp:        time.Now(),
			SenderASN:        m.cfg.LocalASN,
			AdvertisedRoutes: []message.WireRoute{message.FromRoute(exported)},
		})
	}
}

// HandleKeepalive refreshes the hold timer for senderASN.
func (m *Manager) HandleKeepalive(senderASN model.ASN) error {
	ps, err := m.peerOrErr(senderASN)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	ps.inbox <- func() {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		if ps.info.Status != model.Established {
			done <- fmt.Errorf("session: peer %s is not established", senderASN)
			return
		}
		ps.resetHoldLocked()
		done <- nil
	}
	if err := <-done; err != nil {
		return err
	}
	metrics.KeepalivesTotal.WithLabelValues(senderASN.String(), "received").Inc()
	return nil
}

// HandleNotification logs a peer-reported NOTIFICATION and tears the
// session down.
func (m *Manager) HandleNotification(senderASN model.ASN, reason string) error {
	ps, err := m.peerOrErr(senderASN)
	if err != nil {
		return err
	}
	if m.logger != nil {
		m.logger.Warn("received NOTIFICATION", zap.String("peer", senderASN.String()), zap.String("reason", reason))
	}
	m.dropSession(ps, "sessionError: peer notification")
	return nil
}

// AdvertiseLocal runs export policy for route toward every Established
// peer and writes the result into each peer's Adj-RIB-Out, sending an
// UPDATE where a codec is wired.
func (m *Manager) AdvertiseLocal(route model.Route, reflector func(peerASN model.ASN) policy.ReflectorInfo) {
	for _, ps := range m.established() {
		refl := policy.ReflectorInfo{}
		if reflector != nil {
			refl = reflector(ps.info.ASN)
		}
		exported, ok := m.exportPol.ExportFor(route, m.cfg.LocalASN, ps.info.ASN, refl)
		if !ok {
			m.table.RemoveForPeer(ps.info.ASN, route.AgentID)
			continue
		}
		m.table.InsertForPeer(ps.info.ASN, exported)
		ps.send(message.Update{
			Type:             message.TypeUpdate,
			Timestamp:        time.Now(),
			SenderASN:        m.cfg.LocalASN,
			AdvertisedRoutes: []message.WireRoute{message.FromRoute(exported)},
		})
	}
}

// WithdrawLocal sends a withdrawal for agentID to every Established peer
// and clears their Adj-RIB-Out entry.
func (m *Manager) WithdrawLocal(agentID model.AgentID) {
	for _, ps := range m.established() {
		m.table.RemoveForPeer(ps.info.ASN, agentID)
		ps.send(message.Update{
			Type:            message.TypeUpdate,
			Timestamp:       time.Now(),
			SenderASN:       m.cfg.LocalASN,
			WithdrawnRoutes: []model.AgentID{agentID},
		})
	}
}

// AdvertiseAllTo pushes every route in routes to the single peer asn as
// one UPDATE, scoped to that peer's export policy and Adj-RIB-Out. Used
// on session-established so a newly joined peer gets the full local
// table immediately rather than waiting for the next incremental change
// or refresher tick.
func (m *Manager) AdvertiseAllTo(asn model.ASN, routes []model.Route, reflector func(peerASN model.ASN) policy.ReflectorInfo) {
	ps, err := m.peerOrErr(asn)
	if err != nil {
		return
	}
	ps.mu.Lock()
	established := ps.info.Status == model.Established
	ps.mu.Unlock()
	if !established {
		return
	}

	refl := policy.ReflectorInfo{}
	if reflector != nil {
		refl = reflector(asn)
	}

	advertised := make([]message.WireRoute, 0, len(routes))
	for _, route := range routes {
		exported, ok := m.exportPol.ExportFor(route, m.cfg.LocalASN, asn, refl)
		if !ok {
			continue
		}
		m.table.InsertForPeer(asn, exported)
		advertised = append(advertised, message.FromRoute(exported))
	}
	if len(advertised) == 0 {
		return
	}
	ps.send(message.Update{
		Type:             message.TypeUpdate,
		Timestamp:        time.Now(),
		SenderASN:        m.cfg.LocalASN,
		AdvertisedRoutes: advertised,
	})
}

func (m *Manager) established() []*peerSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*peerSession
	for _, ps := range m.peers {
		ps.mu.Lock()
		established := ps.info.Status == model.Established
		ps.mu.Unlock()
		if established {
			out = append(out, ps)
		}
	}
	return out
}

func (ps *peerSession) send(update message.Update) {
	if ps.codec == nil {
		return
	}
	if err := ps.codec.SendUpdate(update); err != nil {
		ps.mgr.logger.Error("send UPDATE failed", zap.String("peer", ps.info.ASN.String()), zap.Error(err))
		ps.mgr.dropSession(ps, "sessionError: send failure")
		return
	}
	ps.mu.Lock()
	ps.info.RoutesSent += len(update.AdvertisedRoutes) + len(update.WithdrawnRoutes)
	ps.mu.Unlock()
}

func (ps *peerSession) snapshot() model.Peer {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.info
}

// run is the single goroutine that owns all mutable FSM transitions and
// timer bookkeeping for this peer, processing inbox closures strictly in
// arrival order.
func (ps *peerSession) run() {
	for {
		select {
		case fn, ok := <-ps.inbox:
			if !ok {
				return
			}
			fn()
		case <-ps.stopCh:
			return
		}
	}
}

func (ps *peerSession) handleOpenAck(open message.Open) error {
	ps.mu.Lock()
	if open.ASN != ps.info.ASN {
		ps.mu.Unlock()
		return fmt.Errorf("session: OPEN ASN mismatch: expected %s, got %s", ps.info.ASN, open.ASN)
	}
	if ps.info.Status == model.Established {
		ps.mu.Unlock()
		return nil
	}
	holdTime := message.NegotiateHoldTime(ps.mgr.cfg.HoldTime, time.Duration(open.HoldTime)*time.Second)
	from := ps.info.Status
	next, err := transition(ps.info.Status, EventOpenAck)
	if err != nil {
		ps.mu.Unlock()
		return err
	}
	ps.info.Status = next
	ps.info.LastUpdate = time.Now()
	ps.attempts = 0
	ps.armTimersLocked(holdTime)
	asn := ps.info.ASN
	ps.mu.Unlock()

	recordTransition(asn, from, next)
	ps.mgr.bus.Publish(eventbus.Event{Kind: eventbus.KindSessionEstablished, At: time.Now(), Peer: asn})
	return nil
}

// armTimersLocked starts (or restarts) the hold timer and keepalive
// ticker. Caller holds ps.mu. A negotiated hold time of 0 disables
// keepalives entirely.
func (ps *peerSession) armTimersLocked(holdTime time.Duration) {
	if ps.holdTimer != nil {
		ps.holdTimer.Stop()
	}
	if ps.keepaliveTicker != nil {
		ps.keepaliveTicker.Stop()
	}
	if holdTime <= 0 {
		ps.holdTimer = nil
		ps.keepaliveTicker = nil
		return
	}
	ps.holdTimer = time.AfterFunc(holdTime, func() { ps.onHoldExpired() })
	interval := ps.mgr.cfg.KeepaliveInterval
	if interval >= holdTime {
		interval = holdTime / 3
	}
	ps.keepaliveTicker = time.NewTicker(interval)
	go ps.keepaliveLoop(ps.keepaliveTicker)
}

func (ps *peerSession) keepaliveLoop(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
			if ps.codec != nil {
				if err := ps.codec.SendKeepalive(message.NewKeepalive(ps.mgr.cfg.LocalASN)); err != nil {
					ps.mgr.dropSession(ps, "sessionError: keepalive send failure")
					return
				}
				metrics.KeepalivesTotal.WithLabelValues(ps.info.ASN.String(), "sent").Inc()
			}
		case <-ps.stopCh:
			return
		}
	}
}

func (ps *peerSession) resetHoldLocked() {
	if ps.holdTimer != nil {
		ps.holdTimer.Stop()
		holdTime := ps.mgr.cfg.HoldTime
		ps.holdTimer = time.AfterFunc(holdTime, func() { ps.onHoldExpired() })
	}
}

func (ps *peerSession) onHoldExpired() {
	ps.mgr.dropSession(ps, "sessionError: hold-timer")
}

// dropSession moves a peer from Established to Idle: drops its
// Adj-RIB-In routes, recomputes affected Loc-RIB entries, and publishes
// sessionError.
func (m *Manager) dropSession(ps *peerSession, reason string) {
	ps.mu.Lock()
	if ps.info.Status != model.Established {
		ps.mu.Unlock()
		return
	}
	from := ps.info.Status
	next, _ := transition(ps.info.Status, EventHoldExpired)
	ps.info.Status = next
	ps.mu.Unlock()
	recordTransition(ps.info.ASN, from, next)
	ps.teardown(reason)

	_, affected := m.table.DropAllFromPeer(ps.info.ASN)
	for _, agentID := range affected {
		if best, ok := m.decisionEng.Recompute(agentID); ok {
			m.bus.Publish(eventbus.Event{Kind: eventbus.KindRouteUpdate, At: time.Now(), AgentID: agentID, Payload: best})
			m.advertiseTransit(ps.info.ASN, "", agentID, best, true)
		} else {
			m.bus.Publish(eventbus.Event{Kind: eventbus.KindRouteUpdate, At: time.Now(), AgentID: agentID})
			m.advertiseTransit(ps.info.ASN, "", agentID, model.Route{}, false)
		}
	}

	m.bus.Publish(eventbus.Event{Kind: eventbus.KindSessionError, At: time.Now(), Peer: ps.info.ASN, Payload: reason})

	if ps.codec != nil {
		go ps.attemptConnectWithBackoff()
	}
}

func (ps *peerSession) teardown(reason string) {
	ps.mu.Lock()
	if ps.holdTimer != nil {
		ps.holdTimer.Stop()
	}
	if ps.keepaliveTicker != nil {
		ps.keepaliveTicker.Stop()
	}
	ps.mu.Unlock()
	_ = reason
}

// attemptConnect performs one OPEN negotiation attempt over the peer's
// codec.
func (ps *peerSession) attemptConnect() {
	open := message.NewOpen(ps.mgr.cfg.LocalASN, ps.mgr.cfg.HoldTime, ps.mgr.cfg.RouterID)
	ack, err := ps.codec.SendOpen(open)
	if err != nil {
		ps.mgr.logger.Warn("OPEN attempt failed", zap.String("peer", ps.info.ASN.String()), zap.Error(err))
		ps.recordFailure()
		return
	}
	done := make(chan error, 1)
	ps.inbox <- func() { done <- ps.handleOpenAck(ack) }
	if err := <-done; err != nil {
		ps.recordFailure()
	}
}

func (ps *peerSession) recordFailure() {
	ps.mu.Lock()
	from := ps.info.Status
	next, _ := transition(ps.info.Status, EventConnectFailure)
	ps.info.Status = next
	ps.attempts++
	asn := ps.info.ASN
	ps.mu.Unlock()
	recordTransition(asn, from, next)
	go ps.attemptConnectWithBackoff()
}

// attemptConnectWithBackoff waits a monotonically non-decreasing interval
// (exponential, capped) scaled by the number of consecutive failed
// attempts, then retries. Back-off kicks in after three failed attempts,
// doubling up to an 8x ceiling — see DESIGN.md.
func (ps *peerSession) attemptConnectWithBackoff() {
	ps.mu.Lock()
	attempts := ps.attempts
	base := ps.mgr.cfg.ConnectRetryTime
	status := ps.info.Status
	ps.mu.Unlock()
	if status == model.Established {
		return
	}

	wait := base
	if attempts > 3 {
		mult := math.Pow(2, math.Min(float64(attempts-3), 3))
		wait = time.Duration(float64(base) * mult)
	}

	select {
	case <-time.After(wait):
	case <-ps.stopCh:
		return
	}

	ps.mu.Lock()
	if ps.info.Status == model.Established {
		ps.mu.Unlock()
		return
	}
	from := ps.info.Status
	next, _ := transition(model.Idle, EventRetryTimer)
	ps.info.Status = next
	asn := ps.info.ASN
	ps.mu.Unlock()
	recordTransition(asn, from, next)

	ps.attemptConnect()
}

// Shutdown cascades: stop timers, close peer sessions (best-effort
// NOTIFICATION), clear RIBs are the caller's responsibility (the
// advertise/discovery managers own their own state), and return once
// every peer goroutine has exited or ctx's deadline passes.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	peers := make([]*peerSession, 0, len(m.peers))
	for asn, ps := range m.peers {
		peers = append(peers, ps)
		delete(m.peers, asn)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, ps := range peers {
			if ps.codec != nil {
				_ = ps.codec.SendNotification(message.NewNotification(m.cfg.LocalASN, "shutdown"))
			}
			ps.teardown("shutdown")
			close(ps.stopCh)
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
