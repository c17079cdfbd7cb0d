package advertise

import (
	"testing"
	"time"

	"github.com/agentbgp/agentbgpd/internal/model"
	"go.uber.org/zap"
)

func TestRegister_DerivesRouteFields(t *testing.T) {
	var got model.Route
	mgr := New(65000, "http://local:9000", 100, zap.NewNop(), func(id model.AgentID, r model.Route) { got = r }, nil)

	mgr.Register(LocalAgent{
		AgentID:      "coder",
		Capabilities: []model.Capability{"Coding", "Review"},
		HealthStatus: model.HealthDegraded,
		LastSeen:     time.Now(),
	})

	if len(got.ASPath) != 1 || got.ASPath[0] != 65000 {
		t.Fatalf("unexpected as path: %v", got.ASPath)
	}
	if got.NextHop != "http://local:9000" {
		t.Fatalf("unexpected next hop: %s", got.NextHop)
	}
	if got.MED != 50 {
		t.Fatalf("expected MED 50 for degraded health, got %d", got.MED)
	}
	if !got.HasCapability("coding") {
		t.Error("expected capability 'coding' present case-insensitively")
	}
	if !got.HasCommunity(model.NewCommunity("health", "degraded")) {
		t.Error("expected health:degraded community")
	}
	if !got.HasCommunity(model.NewCommunity("capability", "review")) {
		t.Error("expected capability:review community")
	}
}

func TestUnregister_Withdraws(t *testing.T) {
	var withdrawn model.AgentID
	mgr := New(65000, "http://local", 100, zap.NewNop(), func(model.AgentID, model.Route) {}, func(id model.AgentID) { withdrawn = id })
	mgr.Register(LocalAgent{AgentID: "coder"})

	if !mgr.Unregister("coder") {
		t.Fatal("expected Unregister to report the agent existed")
	}
	if withdrawn != "coder" {
		t.Fatalf("expected withdraw callback for coder, got %q", withdrawn)
	}
	if _, ok := mgr.Get("coder"); ok {
		t.Error("expected coder to be gone after Unregister")
	}
}

func TestRefresher_UnregistersMissingAgent(t *testing.T) {
	mgr := New(65000, "http://local", 100, zap.NewNop(), func(model.AgentID, model.Route) {}, nil)
	mgr.RegisterDynamic(LocalAgent{AgentID: "ephemeral"}, func() (LocalAgent, bool) {
		return LocalAgent{}, false
	})

	mgr.refreshOnce()

	if _, ok := mgr.Get("ephemeral"); ok {
		t.Error("expected ephemeral agent to be unregistered when callback reports absence")
	}
}

func TestStalenessPenalty_Caps(t *testing.T) {
	if p := stalenessPenalty(time.Now().Add(-time.Hour)); p != 50 {
		t.Errorf("expected staleness penalty capped at 50, got %d", p)
	}
	if p := stalenessPenalty(time.Now()); p != 0 {
		t.Errorf("expected zero penalty for fresh lastSeen, got %d", p)
	}
}
