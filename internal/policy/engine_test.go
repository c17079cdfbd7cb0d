package policy

import (
	"testing"

	"go.uber.org/zap"
)

func TestEngine_Evaluate_DefaultAcceptWhenNothingMatches(t *testing.T) {
	e := NewEngine(zap.NewNop())
	outcome, route := e.Evaluate(testRoute())
	if outcome != OutcomeAccepted {
		t.Fatalf("expected default accept, got %s", outcome)
	}
	if route.AgentID != "coder" {
		t.Fatal("expected route returned unchanged")
	}
}

func TestEngine_Evaluate_HighestPriorityWins(t *testing.T) {
	e := NewEngine(zap.NewNop())
	if err := e.AddPolicy(Policy{Name: "low", Enabled: true, Priority: 1, Action: PolicyAction{Action: ActionReject}}); err != nil {
		t.Fatal(err)
	}
	if err := e.AddPolicy(Policy{Name: "high", Enabled: true, Priority: 10, Action: PolicyAction{Action: ActionAccept}}); err != nil {
		t.Fatal(err)
	}

	outcome, _ := e.Evaluate(testRoute())
	if outcome != OutcomeAccepted {
		t.Fatalf("expected the higher-priority accept policy to win, got %s", outcome)
	}
}

func TestEngine_Evaluate_ModifyShortCircuits(t *testing.T) {
	e := NewEngine(zap.NewNop())
	pref := 5
	if err := e.AddPolicy(Policy{
		Name: "modify-first", Enabled: true, Priority: 10,
		Action: PolicyAction{Action: ActionModify, Modify: ModifyAction{SetLocalPref: &pref}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.AddPolicy(Policy{Name: "reject-second", Enabled: true, Priority: 5, Action: PolicyAction{Action: ActionReject}}); err != nil {
		t.Fatal(err)
	}

	outcome, route := e.Evaluate(testRoute())
	if outcome != OutcomeModified {
		t.Fatalf("expected modify to win and short-circuit, got %s", outcome)
	}
	if route.LocalPref != 5 {
		t.Fatalf("expected local pref 5, got %d", route.LocalPref)
	}
}

func TestEngine_Evaluate_DisabledPolicyIgnored(t *testing.T) {
	e := NewEngine(zap.NewNop())
	if err := e.AddPolicy(Policy{Name: "off", Enabled: false, Priority: 100, Action: PolicyAction{Action: ActionReject}}); err != nil {
		t.Fatal(err)
	}
	outcome, _ := e.Evaluate(testRoute())
	if outcome != OutcomeAccepted {
		t.Fatalf("expected disabled policy to be skipped, got %s", outcome)
	}
}

func TestEngine_AddPolicy_ReplacingSameNameResetsStats(t *testing.T) {
	e := NewEngine(zap.NewNop())
	if err := e.AddPolicy(Policy{Name: "gate", Enabled: true, Priority: 1, Action: PolicyAction{Action: ActionAccept}}); err != nil {
		t.Fatal(err)
	}

	e.Evaluate(testRoute())
	e.Evaluate(testRoute())
	if got := e.Stats().DecisionsByPolicy()["gate"]; got != 2 {
		t.Fatalf("expected 2 decisions recorded for gate, got %d", got)
	}

	if err := e.AddPolicy(Policy{Name: "gate", Enabled: true, Priority: 1, Action: PolicyAction{Action: ActionReject}}); err != nil {
		t.Fatal(err)
	}
	if got := e.Stats().DecisionsByPolicy()["gate"]; got != 0 {
		t.Fatalf("expected stats reset after replacing policy by name, got %d", got)
	}

	outcome, _ := e.Evaluate(testRoute())
	if outcome != OutcomeRejected {
		t.Fatal("expected the replaced definition to take effect")
	}
	if got := e.Stats().DecisionsByPolicy()["gate"]; got != 1 {
		t.Fatalf("expected 1 decision recorded after replacement, got %d", got)
	}
}

func TestEngine_RemovePolicy(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.AddPolicy(Policy{Name: "gate", Enabled: true, Priority: 1, Action: PolicyAction{Action: ActionReject}})
	if !e.RemovePolicy("gate") {
		t.Fatal("expected RemovePolicy to report found")
	}
	if e.RemovePolicy("gate") {
		t.Fatal("expected second RemovePolicy to report not found")
	}
	outcome, _ := e.Evaluate(testRoute())
	if outcome != OutcomeAccepted {
		t.Fatal("expected default accept once the rejecting policy is removed")
	}
}

func TestEngine_ImportExportRoundTrip(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.AddPolicy(Policy{Name: "a", Enabled: true, Priority: 1, Action: PolicyAction{Action: ActionAccept}})

	data, err := e.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	e2 := NewEngine(zap.NewNop())
	if err := e2.Import(data); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(e2.List()) != 1 || e2.List()[0].Name != "a" {
		t.Fatalf("expected imported policy list to match exported, got %+v", e2.List())
	}
}

func TestEngine_Import_RejectsInvalidLeavesExistingUntouched(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.AddPolicy(Policy{Name: "a", Enabled: true, Priority: 1, Action: PolicyAction{Action: ActionAccept}})

	bad := []byte(`[{"Name":"","Action":{"Action":"accept"}}]`)
	if err := e.Import(bad); err == nil {
		t.Fatal("expected Import to reject a policy with no name")
	}
	if len(e.List()) != 1 || e.List()[0].Name != "a" {
		t.Fatal("expected existing policies to be left untouched on rejected import")
	}
}

func TestEngine_Toggle(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.AddPolicy(Policy{Name: "gate", Enabled: true, Priority: 1, Action: PolicyAction{Action: ActionReject}})

	if !e.Toggle("gate", false) {
		t.Fatal("expected Toggle to find gate")
	}
	outcome, _ := e.Evaluate(testRoute())
	if outcome != OutcomeAccepted {
		t.Fatal("expected disabling gate to fall through to default accept")
	}
	if e.Toggle("missing", true) {
		t.Fatal("expected Toggle on an unknown policy to report false")
	}
}
