// Package session implements the per-peer state machine, timers, and
// message flow: OPEN/KEEPALIVE/UPDATE/NOTIFICATION
// handling, hold-timer expiry, and reconnect with a monotonically
// non-decreasing back-off after repeated connect failures.
package session

import (
	"fmt"

	"github.com/agentbgp/agentbgpd/internal/model"
)

// Event names the FSM transitions.
type Event string

const (
	EventAddPeer        Event = "addPeer"
	EventRetryTimer     Event = "retryTimer"
	EventOpenAck        Event = "openAck"
	EventConnectFailure Event = "connectFailure"
	EventMessageRecv    Event = "messageRecv"
	EventHoldExpired    Event = "holdExpired"
	EventSendError      Event = "sendError"
	EventRemovePeer     Event = "removePeer"
)

// transition applies event to the current state and returns the next
// state. It is a pure function so it can be unit tested independently of
// timers and network I/O.
func transition(current model.PeerStatus, event Event) (model.PeerStatus, error) {
	switch current {
	case model.Idle:
		switch event {
		case EventAddPeer, EventRetryTimer:
			return model.Connect, nil
		}
	case model.Connect, model.Active:
		switch event {
		case EventOpenAck:
			return model.Established, nil
		case EventConnectFailure:
			return model.Idle, nil
		}
	case model.Established:
		switch event {
		case EventMessageRecv:
			return model.Established, nil
		case EventHoldExpired, EventSendError, EventRemovePeer:
			return model.Idle, nil
		}
	}
	return current, fmt.Errorf("session: invalid transition %s from state %s", event, current)
}
