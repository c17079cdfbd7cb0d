// Package eventbus implements a cyclic event wiring design: session,
// policy, advertisement and discovery communicate through named events
// rather than observer callbacks on shared mutable state.
// Two transports satisfy the same Bus interface: an in-process channel bus
// (the default) and a Kafka-backed bus for deployments that want the same
// event stream fanned out to external consumers.
package eventbus

import (
	"time"

	"github.com/agentbgp/agentbgpd/internal/model"
)

// Kind names the event types published on the bus.
type Kind string

const (
	KindSessionEstablished Kind = "sessionEstablished"
	KindSessionError       Kind = "sessionError"
	KindRouteUpdate        Kind = "routeUpdate"
	KindPeerRemoved        Kind = "peerRemoved"
	KindAgentDiscovered    Kind = "agentDiscovered"
	KindAgentLost          Kind = "agentLost"
	KindCapabilityChanged  Kind = "capabilityChanged"
	KindDiscoveryRequest   Kind = "discoveryRequest"
	KindDiscoveryResponse  Kind = "discoveryResponse"
	KindPolicyDecision     Kind = "policyDecision"
	KindShutdown           Kind = "shutdown"
)

// Event is the envelope published on the bus. Payload is kind-specific;
// subscribers type-assert based on Kind.
type Event struct {
	Kind      Kind
	At        time.Time
	Peer      model.ASN
	AgentID   model.AgentID
	RequestID string
	Payload   any
}

// Bus is a non-blocking publish / buffered-subscribe event channel.
// Handlers are expected to be non-blocking or bounded per the
// suspension-points design note — a slow subscriber only ever risks
// dropping from its own buffered channel, never blocking the publisher.
type Bus interface {
	Publish(Event)
	Subscribe(kind Kind) <-chan Event
	Close()
}

// New returns the in-process channel bus. Transport selection (this vs.
// Kafka) is done by the caller based on config, per DOMAIN STACK.
func New() Bus {
	return newChanBus()
}
