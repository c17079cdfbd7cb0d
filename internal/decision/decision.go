// Package decision implements the BGP-style best-path selection the
// session package runs after policy has filtered the candidates for one agent id.
package decision

import (
	"sort"

	"github.com/agentbgp/agentbgpd/internal/metrics"
	"github.com/agentbgp/agentbgpd/internal/model"
	"github.com/agentbgp/agentbgpd/internal/rib"
	"golang.org/x/sync/singleflight"
)

// Best applies the ordered tie-break to candidates and
// returns the winner. Returns false if candidates is empty.
//
//  1. Highest LocalPref.
//  2. Shortest AS path.
//  3. Lowest MED.
//  4. Lexicographically lowest NextHop.
//  5. Lowest AS path[0] (most recent advertiser).
func Best(candidates []model.Route) (model.Route, bool) {
	if len(candidates) == 0 {
		return model.Route{}, false
	}
	sorted := append([]model.Route(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.LocalPref != b.LocalPref {
			return a.LocalPref > b.LocalPref
		}
		if len(a.ASPath) != len(b.ASPath) {
			return len(a.ASPath) < len(b.ASPath)
		}
		if a.MED != b.MED {
			return a.MED < b.MED
		}
		if a.NextHop != b.NextHop {
			return a.NextHop < b.NextHop
		}
		aHop, bHop := lastHop(a), lastHop(b)
		return aHop < bHop
	})
	return sorted[0], true
}

func lastHop(r model.Route) model.ASN {
	if len(r.ASPath) == 0 {
		return 0
	}
	return r.ASPath[0]
}

// Beats reports whether a strictly beats b under the same ordering Best
// uses. Used by property tests to assert no alternative beats the
// installed route.
func Beats(a, b model.Route) bool {
	if a.LocalPref != b.LocalPref {
		return a.LocalPref > b.LocalPref
	}
	if len(a.ASPath) != len(b.ASPath) {
		return len(a.ASPath) < len(b.ASPath)
	}
	if a.MED != b.MED {
		return a.MED < b.MED
	}
	if a.NextHop != b.NextHop {
		return a.NextHop < b.NextHop
	}
	return lastHop(a) < lastHop(b)
}

// Engine glues Best to a rib.Table: Recompute reads a consistent snapshot
// of Adj-RIB-In for one agent id, installs the winner (or removes any
// prior Loc-RIB entry if there are no candidates left), and preserves the
// winner's OriginTime from whichever Adj-RIB-In copy it was installed
// from.
//
// Concurrent recomputations for the same agent id are collapsed by a
// singleflight.Group: an UPDATE burst that touches the same agent from
// several peers at once triggers one actual recompute, not one per
// trigger, while every caller still observes the resulting Loc-RIB state.
type Engine struct {
	table *rib.Table
	group singleflight.Group
}

func NewEngine(table *rib.Table) *Engine {
	return &Engine{table: table}
}

// Recompute re-evaluates the best path for agentID against the current
// Adj-RIB-In contents (post import-policy, which the caller is
// responsible for having already applied when writing Adj-RIB-In).
func (e *Engine) Recompute(agentID model.AgentID) (model.Route, bool) {
	v, _, _ := e.group.Do(string(agentID), func() (any, error) {
		prev, hadPrev := e.table.LookupBest(agentID)
		candidates := e.table.AlternativesFor(agentID)
		best, ok := Best(candidates)
		if !ok {
			e.table.RemoveBest(agentID)
			if hadPrev {
				metrics.BestPathChangesTotal.WithLabelValues(string(agentID)).Inc()
			}
			return result{ok: false}, nil
		}
		e.table.InstallBest(best)
		if !hadPrev || prev.NextHop != best.NextHop {
			metrics.BestPathChangesTotal.WithLabelValues(string(agentID)).Inc()
		}
		return result{route: best, ok: true}, nil
	})
	r := v.(result)
	return r.route, r.ok
}

type result struct {
	route model.Route
	ok    bool
}
