package store

import "testing"

func TestPartitionNameRe_Valid(t *testing.T) {
	names := []string{"decision_history_20250115", "discovery_audit_20250115"}
	for _, name := range names {
		if !partitionNameRe.MatchString(name) {
			t.Errorf("expected %q to match partitionNameRe", name)
		}
	}
}

func TestPartitionNameRe_Invalid(t *testing.T) {
	invalid := []string{
		"decision_history_abc",
		"route_events_20250115",
		"decision_history_2025011",
		"",
	}
	for _, name := range invalid {
		if partitionNameRe.MatchString(name) {
			t.Errorf("expected %q to NOT match partitionNameRe", name)
		}
	}
}

func TestPartitionNameRe_InjectionAttempt(t *testing.T) {
	name := "decision_history_20250115; DROP TABLE x"
	if partitionNameRe.MatchString(name) {
		t.Errorf("expected %q to NOT match partitionNameRe (SQL injection attempt)", name)
	}
}
