package policy

import (
	"testing"
	"time"

	"github.com/agentbgp/agentbgpd/internal/model"
)

func testRoute() model.Route {
	r := model.NewRoute("coder")
	r.ASPath = []model.ASN{65002, 65001}
	r.Capabilities["coding"] = struct{}{}
	return r
}

func TestPolicy_Validate(t *testing.T) {
	cases := []struct {
		name    string
		p       Policy
		wantErr bool
	}{
		{"missing name", Policy{Action: PolicyAction{Action: ActionAccept}}, true},
		{"unknown action", Policy{Name: "p", Action: PolicyAction{Action: "bogus"}}, true},
		{"bad time window", Policy{Name: "p", Action: PolicyAction{Action: ActionAccept}, Match: Match{TimeStart: "25:00"}}, true},
		{"valid", Policy{Name: "p", Action: PolicyAction{Action: ActionAccept}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected an error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestMatch_RequiredCapability(t *testing.T) {
	m := Match{Capabilities: []model.Capability{"coding"}}
	if !m.Matches(testRoute(), time.Now()) {
		t.Fatal("expected match on required capability")
	}
	m = Match{Capabilities: []model.Capability{"design"}}
	if m.Matches(testRoute(), time.Now()) {
		t.Fatal("expected no match for missing required capability")
	}
}

func TestMatch_ASNRange(t *testing.T) {
	min := model.ASN(65000)
	max := model.ASN(65001)
	m := Match{ASNRangeMin: &min, ASNRangeMax: &max}
	if !m.Matches(testRoute(), time.Now()) {
		t.Fatal("expected match: 65001 is within [65000,65001]")
	}

	min2 := model.ASN(65010)
	m2 := Match{ASNRangeMin: &min2}
	if m2.Matches(testRoute(), time.Now()) {
		t.Fatal("expected no match: no asn >= 65010 in path")
	}
}

func TestMatch_HealthStatus(t *testing.T) {
	unhealthy := model.HealthUnhealthy
	m := Match{HealthStatus: &unhealthy}

	r := testRoute()
	if m.Matches(r, time.Now()) {
		t.Fatal("expected no match: route defaults to healthy")
	}

	r.Communities["health:unhealthy"] = struct{}{}
	if !m.Matches(r, time.Now()) {
		t.Fatal("expected match once health:unhealthy community is present")
	}
}

func TestWithinWindow_WrapsAcrossMidnight(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := base.Add(23 * time.Hour) // 23:00
	early := base.Add(1 * time.Hour) // 01:00
	midday := base.Add(12 * time.Hour)

	if !withinWindow("22:00", "02:00", late) {
		t.Error("expected 23:00 to be within wrapping window 22:00-02:00")
	}
	if !withinWindow("22:00", "02:00", early) {
		t.Error("expected 01:00 to be within wrapping window 22:00-02:00")
	}
	if withinWindow("22:00", "02:00", midday) {
		t.Error("expected midday to fall outside wrapping window 22:00-02:00")
	}
}

func TestModifyAction_Apply(t *testing.T) {
	pref := 50
	addMed := 10
	m := ModifyAction{
		SetLocalPref: &pref,
		AddMED:       &addMed,
		AddCommunity: []model.Community{"quarantine:unhealthy"},
	}
	r := testRoute()
	r.MED = 5

	out := m.Apply(r)
	if out.LocalPref != 50 {
		t.Errorf("expected local pref 50, got %d", out.LocalPref)
	}
	if out.MED != 15 {
		t.Errorf("expected med 15, got %d", out.MED)
	}
	if !out.HasCommunity("quarantine:unhealthy") {
		t.Error("expected quarantine community added")
	}
	// Apply must not mutate the caller's route.
	if r.LocalPref == 50 {
		t.Error("expected original route left unmodified")
	}
}

func TestDefaultPolicies_QuarantinesUnhealthyAndAcceptsElse(t *testing.T) {
	policies := DefaultPolicies()
	if len(policies) != 2 {
		t.Fatalf("expected 2 default policies, got %d", len(policies))
	}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			t.Errorf("default policy %q failed validation: %v", p.Name, err)
		}
	}

	quarantine := policies[0]
	if quarantine.Action.Action != ActionModify {
		t.Fatal("expected quarantine-unhealthy to modify rather than reject")
	}

	fallback := policies[1]
	if fallback.Action.Action != ActionAccept || fallback.Priority != 0 {
		t.Fatal("expected default-accept as the lowest-priority catch-all")
	}
}
