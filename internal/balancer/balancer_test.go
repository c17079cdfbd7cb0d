package balancer

import (
	"testing"
	"time"

	"github.com/agentbgp/agentbgpd/internal/model"
)

func routeVia(asn model.ASN, capabilities ...string) model.Route {
	r := model.NewRoute("coder")
	r.ASPath = []model.ASN{asn}
	r.NextHop = asn.String()
	r.Capabilities = make(map[model.Capability]struct{})
	for _, c := range capabilities {
		r.Capabilities[model.Capability(c)] = struct{}{}
	}
	return r
}

func TestSetCandidates_TruncatesToMaxPaths(t *testing.T) {
	p := NewPool("coder", 2, 0)
	p.SetCandidates([]model.Route{routeVia(1), routeVia(2), routeVia(3)}, nil)
	if got := len(p.healthyOrDegraded()); got != 2 {
		t.Fatalf("expected candidates truncated to 2, got %d", got)
	}
}

func TestSetCandidates_PreservesHealthAcrossRefresh(t *testing.T) {
	p := NewPool("coder", 4, 0)
	p.SetCandidates([]model.Route{routeVia(1)}, nil)
	c, err := p.Select(RoundRobin, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	p.ReportCompletion(c, true, 10*time.Millisecond)

	p.SetCandidates([]model.Route{routeVia(1)}, nil)
	pool := p.healthyOrDegraded()
	if len(pool) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(pool))
	}
	if pool[0].Health().TotalRequests != 1 {
		t.Errorf("expected health state preserved across SetCandidates refresh, got %+v", pool[0].Health())
	}
}

func TestSelect_RoundRobinCyclesCandidates(t *testing.T) {
	p := NewPool("coder", 4, 0)
	p.SetCandidates([]model.Route{routeVia(1), routeVia(2)}, nil)

	first, _ := p.Select(RoundRobin, nil)
	second, _ := p.Select(RoundRobin, nil)
	third, _ := p.Select(RoundRobin, nil)

	if first.Route.NextHop == second.Route.NextHop {
		t.Error("expected round-robin to alternate candidates")
	}
	if first.Route.NextHop != third.Route.NextHop {
		t.Error("expected round-robin to wrap back to the first candidate")
	}
}

func TestSelect_LeastConnectionsPrefersFewerConns(t *testing.T) {
	p := NewPool("coder", 4, 0)
	p.SetCandidates([]model.Route{routeVia(1), routeVia(2)}, nil)

	// Drive up connections on candidate 1 by selecting it directly via
	// round robin (first pick), leaving 2 as the least-loaded.
	busy, _ := p.Select(RoundRobin, nil)
	_ = busy

	chosen, err := p.Select(LeastConns, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if chosen.Route.NextHop == busy.Route.NextHop {
		t.Errorf("expected least-connections to avoid the busier candidate, got %s", chosen.Route.NextHop)
	}
}

func TestSelect_CapabilityAwarePrefersBetterMatch(t *testing.T) {
	p := NewPool("coder", 4, 0)
	p.SetCandidates([]model.Route{
		routeVia(1, "coding"),
		routeVia(2, "coding", "review"),
	}, nil)

	chosen, err := p.Select(CapabilityAware, []model.Capability{"coding", "review"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if chosen.Route.NextHop != "2" {
		t.Errorf("expected candidate offering both capabilities to win, got %s", chosen.Route.NextHop)
	}
}

func TestSelect_LatencyBasedPrefersLowerResponseTime(t *testing.T) {
	p := NewPool("coder", 4, 0)
	p.SetCandidates([]model.Route{routeVia(1), routeVia(2)}, nil)
	pool := p.healthyOrDegraded()
	for _, c := range pool {
		if c.Route.NextHop == "1" {
			c.health.ResponseTime = 500 * time.Millisecond
		} else {
			c.health.ResponseTime = 50 * time.Millisecond
		}
	}

	chosen, err := p.Select(LatencyBased, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if chosen.Route.NextHop != "2" {
		t.Errorf("expected lower-latency candidate 2, got %s", chosen.Route.NextHop)
	}
}

func TestSelect_NoCandidatesReturnsError(t *testing.T) {
	p := NewPool("coder", 4, 0)
	if _, err := p.Select(RoundRobin, nil); err != ErrNoCandidates {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestReportCompletion_TransitionsToUnhealthyBelowSuccessRateThreshold(t *testing.T) {
	p := NewPool("coder", 4, 0)
	p.SetCandidates([]model.Route{routeVia(1)}, nil)
	c, _ := p.Select(RoundRobin, nil)
	p.ReportCompletion(c, true, time.Millisecond)

	// Drive TotalRequests/FailedRequests directly (bypassing Select,
	// which would stop returning this candidate once it turns
	// unhealthy) to push success rate below 0.5.
	for i := 0; i < 5; i++ {
		c.mu.Lock()
		c.health.TotalRequests++
		c.mu.Unlock()
		p.ReportCompletion(c, false, time.Millisecond)
	}

	if got := c.Health().Status; got != StatusUnhealthy {
		t.Errorf("expected unhealthy after majority failures, got %s", got)
	}
}

func TestReportCompletion_DecrementsCurrentConns(t *testing.T) {
	p := NewPool("coder", 4, 0)
	p.SetCandidates([]model.Route{routeVia(1)}, nil)
	c, _ := p.Select(RoundRobin, nil)
	if c.Health().CurrentConns != 1 {
		t.Fatalf("expected 1 current conn after select, got %d", c.Health().CurrentConns)
	}
	p.ReportCompletion(c, true, time.Millisecond)
	if c.Health().CurrentConns != 0 {
		t.Errorf("expected 0 current conns after completion, got %d", c.Health().CurrentConns)
	}
}

func TestHistory_BoundedAtConfiguredSize(t *testing.T) {
	p := NewPool("coder", 4, 3)
	p.SetCandidates([]model.Route{routeVia(1)}, nil)
	for i := 0; i < 10; i++ {
		p.Select(RoundRobin, nil)
	}
	if got := len(p.History()); got != 3 {
		t.Errorf("expected history capped at 3, got %d", got)
	}
}
