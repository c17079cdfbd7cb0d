// Package rib implements the three-table Routing Information Base:
// Adj-RIB-In, Loc-RIB, and Adj-RIB-Out. Tables are flat (ASN, AgentID)
// keyed stores rather than nested maps-of-maps, per the "prefer flat keyed
// stores" design note — this keeps locking and iteration simple and lets
// each table be sharded independently if it ever needs to be.
package rib

import (
	"regexp"
	"sync"
	"time"

	"github.com/agentbgp/agentbgpd/internal/metrics"
	"github.com/agentbgp/agentbgpd/internal/model"
)

// MaxASPathLength is the default AS-path length bound.
const MaxASPathLength = 10

// StaleAfter is how old a route can get before validate() flags it as a
// staleness candidate. It does not trigger deletion; the discovery
// sweeper owns that.
const StaleAfter = 24 * time.Hour

type peerAgentKey struct {
	asn model.ASN
	id  model.AgentID
}

// Violation describes a consistency problem surfaced by Validate.
type Violation struct {
	Kind    string // "duplicate-as", "path-too-long", "stale"
	AgentID model.AgentID
	Peer    model.ASN // zero value if not peer-scoped (Loc-RIB)
	Detail  string
}

// Table is the Adj-RIB-In / Loc-RIB / Adj-RIB-Out store for one local
// speaker. Each of the three maps is guarded by its own lock so that a
// write to Adj-RIB-In for peer A never blocks a read of Adj-RIB-Out for
// peer B.
type Table struct {
	inMu  sync.RWMutex
	in    map[peerAgentKey]model.Route

	locMu sync.RWMutex
	loc   map[model.AgentID]model.Route

	outMu sync.RWMutex
	out   map[peerAgentKey]model.Route
}

func New() *Table {
	return &Table{
		in:  make(map[peerAgentKey]model.Route),
		loc: make(map[model.AgentID]model.Route),
		out: make(map[peerAgentKey]model.Route),
	}
}

// InsertFromPeer overwrites any prior route for (peer, agentId) without
// merging, per C1's contract.
func (t *Table) InsertFromPeer(peer model.ASN, route model.Route) {
	t.inMu.Lock()
	key := peerAgentKey{peer, route.AgentID}
	_, existed := t.in[key]
	t.in[key] = route.Clone()
	t.inMu.Unlock()
	if !existed {
		metrics.RIBRoutes.WithLabelValues("adj-rib-in", peer.String()).Inc()
	}
}

// WithdrawFromPeer removes a single agent id learned from peer. Returns
// true if a route was present.
func (t *Table) WithdrawFromPeer(peer model.ASN, agentID model.AgentID) bool {
	t.inMu.Lock()
	defer t.inMu.Unlock()
	key := peerAgentKey{peer, agentID}
	if _, ok := t.in[key]; !ok {
		return false
	}
	delete(t.in, key)
	metrics.RIBRoutes.WithLabelValues("adj-rib-in", peer.String()).Dec()
	return true
}

// DropAllFromPeer removes every Adj-RIB-In entry learned from peer and
// returns the count removed and the set of affected agent ids (so the
// caller can trigger decision-process recomputation for each).
func (t *Table) DropAllFromPeer(peer model.ASN) (int, []model.AgentID) {
	t.inMu.Lock()
	defer t.inMu.Unlock()
	var affected []model.AgentID
	n := 0
	for key := range t.in {
		if key.asn == peer {
			affected = append(affected, key.id)
			delete(t.in, key)
			n++
		}
	}
	if n > 0 {
		metrics.RIBRoutes.WithLabelValues("adj-rib-in", peer.String()).Sub(float64(n))
	}
	return n, affected
}

// AlternativesFor returns a snapshot of every Adj-RIB-In route for
// agentID, across all peers.
func (t *Table) AlternativesFor(agentID model.AgentID) []model.Route {
	t.inMu.RLock()
	defer t.inMu.RUnlock()
	var out []model.Route
	for key, r := range t.in {
		if key.id == agentID {
			out = append(out, r.Clone())
		}
	}
	return out
}

// AllAdjRibIn returns a snapshot of the whole Adj-RIB-In, keyed by peer
// ASN then agent id.
func (t *Table) AllAdjRibIn() map[model.ASN]map[model.AgentID]model.Route {
	t.inMu.RLock()
	defer t.inMu.RUnlock()
	out := make(map[model.ASN]map[model.AgentID]model.Route)
	for key, r := range t.in {
		if out[key.asn] == nil {
			out[key.asn] = make(map[model.AgentID]model.Route)
		}
		out[key.asn][key.id] = r.Clone()
	}
	return out
}

// InstallBest writes route as the Loc-RIB entry for its agent id.
func (t *Table) InstallBest(route model.Route) {
	t.locMu.Lock()
	_, existed := t.loc[route.AgentID]
	t.loc[route.AgentID] = route.Clone()
	t.locMu.Unlock()
	if !existed {
		metrics.RIBRoutes.WithLabelValues("loc-rib", "").Inc()
	}
}

// RemoveBest deletes the Loc-RIB entry for agentID, if any.
func (t *Table) RemoveBest(agentID model.AgentID) {
	t.locMu.Lock()
	_, existed := t.loc[agentID]
	delete(t.loc, agentID)
	t.locMu.Unlock()
	if existed {
		metrics.RIBRoutes.WithLabelValues("loc-rib", "").Dec()
	}
}

// LookupBest returns the installed best route for agentID.
func (t *Table) LookupBest(agentID model.AgentID) (model.Route, bool) {
	t.locMu.RLock()
	defer t.locMu.RUnlock()
	r, ok := t.loc[agentID]
	if !ok {
		return model.Route{}, false
	}
	return r.Clone(), true
}

// ListAllBest returns a snapshot of the whole Loc-RIB.
func (t *Table) ListAllBest() []model.Route {
	t.locMu.RLock()
	defer t.locMu.RUnlock()
	out := make([]model.Route, 0, len(t.loc))
	for _, r := range t.loc {
		out = append(out, r.Clone())
	}
	return out
}

// InsertForPeer writes the post-export-policy route into Adj-RIB-Out for
// peer.
func (t *Table) InsertForPeer(peer model.ASN, route model.Route) {
	t.outMu.Lock()
	key := peerAgentKey{peer, route.AgentID}
	_, existed := t.out[key]
	t.out[key] = route.Clone()
	t.outMu.Unlock()
	if !existed {
		metrics.RIBRoutes.WithLabelValues("adj-rib-out", peer.String()).Inc()
	}
}

// RemoveForPeer deletes a single Adj-RIB-Out entry.
func (t *Table) RemoveForPeer(peer model.ASN, agentID model.AgentID) {
	t.outMu.Lock()
	key := peerAgentKey{peer, agentID}
	_, existed := t.out[key]
	delete(t.out, key)
	t.outMu.Unlock()
	if existed {
		metrics.RIBRoutes.WithLabelValues("adj-rib-out", peer.String()).Dec()
	}
}

// DropAllForPeer removes every Adj-RIB-Out entry for peer, e.g. on
// session teardown.
func (t *Table) DropAllForPeer(peer model.ASN) {
	t.outMu.Lock()
	n := 0
	for key := range t.out {
		if key.asn == peer {
			delete(t.out, key)
			n++
		}
	}
	t.outMu.Unlock()
	if n > 0 {
		metrics.RIBRoutes.WithLabelValues("adj-rib-out", peer.String()).Sub(float64(n))
	}
}

// ListForPeer returns a snapshot of Adj-RIB-Out for a single peer.
func (t *Table) ListForPeer(peer model.ASN) []model.Route {
	t.outMu.RLock()
	defer t.outMu.RUnlock()
	var out []model.Route
	for key, r := range t.out {
		if key.asn == peer {
			out = append(out, r.Clone())
		}
	}
	return out
}

// ByCapability returns Loc-RIB routes advertising cap (case-insensitive).
func (t *Table) ByCapability(cap model.Capability) []model.Route {
	cap = cap.Normalize()
	t.locMu.RLock()
	defer t.locMu.RUnlock()
	var out []model.Route
	for _, r := range t.loc {
		if r.HasCapability(cap) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// ByCapabilityPattern returns Loc-RIB routes with at least one capability
// matching the given regular expression (case-insensitive).
func (t *Table) ByCapabilityPattern(pattern *regexp.Regexp) []model.Route {
	t.locMu.RLock()
	defer t.locMu.RUnlock()
	var out []model.Route
	for _, r := range t.loc {
		for c := range r.Capabilities {
			if pattern.MatchString(string(c)) {
				out = append(out, r.Clone())
				break
			}
		}
	}
	return out
}

// ByASPathContains returns Loc-RIB routes whose AS path includes asn.
func (t *Table) ByASPathContains(asn model.ASN) []model.Route {
	t.locMu.RLock()
	defer t.locMu.RUnlock()
	var out []model.Route
	for _, r := range t.loc {
		if r.ContainsASN(asn) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// ByCommunity returns Loc-RIB routes carrying community c.
func (t *Table) ByCommunity(c model.Community) []model.Route {
	t.locMu.RLock()
	defer t.locMu.RUnlock()
	var out []model.Route
	for _, r := range t.loc {
		if r.HasCommunity(c) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Validate surfaces AS-path loops and length violations across every
// table and flags routes older than StaleAfter; it never deletes anything.
func (t *Table) Validate() []Violation {
	var out []Violation
	now := time.Now()

	check := func(peer model.ASN, r model.Route) {
		if r.HasLoop() {
			out = append(out, Violation{Kind: "duplicate-as", AgentID: r.AgentID, Peer: peer, Detail: "as-path contains a duplicate ASN"})
		}
		if len(r.ASPath) > MaxASPathLength {
			out = append(out, Violation{Kind: "path-too-long", AgentID: r.AgentID, Peer: peer, Detail: "as-path exceeds MAX_AS_PATH_LENGTH"})
		}
		if now.Sub(r.OriginTime) > StaleAfter {
			out = append(out, Violation{Kind: "stale", AgentID: r.AgentID, Peer: peer, Detail: "route older than staleness threshold"})
		}
	}

	t.inMu.RLock()
	for key, r := range t.in {
		check(key.asn, r)
	}
	t.inMu.RUnlock()

	t.locMu.RLock()
	for _, r := range t.loc {
		check(0, r)
	}
	t.locMu.RUnlock()

	t.outMu.RLock()
	for key, r := range t.out {
		check(key.asn, r)
	}
	t.outMu.RUnlock()

	return out
}
