package session

import (
	"testing"

	"github.com/agentbgp/agentbgpd/internal/model"
)

func TestTransition_ValidPaths(t *testing.T) {
	cases := []struct {
		name  string
		from  model.PeerStatus
		event Event
		want  model.PeerStatus
	}{
		{"idle to connect on addPeer", model.Idle, EventAddPeer, model.Connect},
		{"idle to connect on retry timer", model.Idle, EventRetryTimer, model.Connect},
		{"connect to established on open ack", model.Connect, EventOpenAck, model.Established},
		{"active to established on open ack", model.Active, EventOpenAck, model.Established},
		{"connect to idle on connect failure", model.Connect, EventConnectFailure, model.Idle},
		{"established stays established on message", model.Established, EventMessageRecv, model.Established},
		{"established to idle on hold expiry", model.Established, EventHoldExpired, model.Idle},
		{"established to idle on send error", model.Established, EventSendError, model.Idle},
		{"established to idle on remove peer", model.Established, EventRemovePeer, model.Idle},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := transition(tc.from, tc.event)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("transition(%s, %s) = %s, want %s", tc.from, tc.event, got, tc.want)
			}
		})
	}
}

func TestTransition_InvalidPaths(t *testing.T) {
	cases := []struct {
		name  string
		from  model.PeerStatus
		event Event
	}{
		{"idle cannot receive open ack", model.Idle, EventOpenAck},
		{"established cannot receive add peer", model.Established, EventAddPeer},
		{"connect cannot receive hold expired", model.Connect, EventHoldExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := transition(tc.from, tc.event); err == nil {
				t.Errorf("transition(%s, %s) expected error, got nil", tc.from, tc.event)
			}
		})
	}
}
