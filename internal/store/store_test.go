package store

import (
	"testing"
	"time"

	"github.com/agentbgp/agentbgpd/internal/model"
)

func TestDecisionID_Deterministic(t *testing.T) {
	at := time.Unix(1700000000, 0)
	r := &DecisionRow{PolicyName: "prefer-healthy", AgentID: "coder", Outcome: "accept", At: at}

	id1 := decisionID(r)
	id2 := decisionID(r)
	if len(id1) != 32 {
		t.Fatalf("expected 32-byte digest, got %d", len(id1))
	}
	for i := range id1 {
		if id1[i] != id2[i] {
			t.Fatal("decisionID not deterministic for identical rows")
		}
	}
}

func TestDecisionID_DiffersOnOutcome(t *testing.T) {
	at := time.Unix(1700000000, 0)
	accept := &DecisionRow{PolicyName: "prefer-healthy", AgentID: "coder", Outcome: "accept", At: at}
	reject := &DecisionRow{PolicyName: "prefer-healthy", AgentID: "coder", Outcome: "reject", At: at}

	if string(decisionID(accept)) == string(decisionID(reject)) {
		t.Fatal("expected different outcomes to produce different decision ids")
	}
}

func TestAuditID_DiffersOnKind(t *testing.T) {
	at := time.Unix(1700000000, 0)
	discovered := &AuditRow{Kind: "agentDiscovered", AgentID: "coder", OriginASN: model.ASN(65001), At: at}
	lost := &AuditRow{Kind: "agentLost", AgentID: "coder", OriginASN: model.ASN(65001), At: at}

	if string(auditID(discovered)) == string(auditID(lost)) {
		t.Fatal("expected different kinds to produce different audit ids")
	}
}
