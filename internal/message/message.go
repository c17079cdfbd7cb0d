// Package message defines the JSON-shaped control messages exchanged
// between peers: OPEN, UPDATE, KEEPALIVE, NOTIFICATION, ROUTE_REFRESH.
// Serialization onto any particular transport (HTTP, a raw socket) is
// deliberately outside this package's concern — it only defines the
// shapes and a small Codec abstraction the session layer programs
// against.
package message

import (
	"time"

	"github.com/agentbgp/agentbgpd/internal/model"
)

// WireRoute is the JSON form of model.Route.
type WireRoute struct {
	AgentID        model.AgentID     `json:"agentId"`
	Capabilities   []string          `json:"capabilities"`
	ASPath         []model.ASN       `json:"asPath"`
	NextHop        string            `json:"nextHop"`
	LocalPref      int               `json:"localPref"`
	MED            int               `json:"med"`
	Communities    []string          `json:"communities"`
	OriginTime     time.Time         `json:"originTime"`
	PathAttributes map[string]string `json:"pathAttributes,omitempty"`
}

// ToRoute converts a wire route into the internal model.
func (w WireRoute) ToRoute() model.Route {
	r := model.NewRoute(w.AgentID)
	r.ASPath = append([]model.ASN(nil), w.ASPath...)
	r.NextHop = w.NextHop
	r.LocalPref = w.LocalPref
	r.MED = w.MED
	r.OriginTime = w.OriginTime
	for _, c := range w.Capabilities {
		r.Capabilities[model.Capability(c).Normalize()] = struct{}{}
	}
	for _, c := range w.Communities {
		r.Communities[model.Community(c)] = struct{}{}
	}
	for k, v := range w.PathAttributes {
		r.PathAttributes[k] = v
	}
	return r
}

// FromRoute converts an internal route into its wire form.
func FromRoute(r model.Route) WireRoute {
	caps := r.SortedCapabilities()
	capStrs := make([]string, len(caps))
	for i, c := range caps {
		capStrs[i] = string(c)
	}
	comms := r.SortedCommunities()
	commStrs := make([]string, len(comms))
	for i, c := range comms {
		commStrs[i] = string(c)
	}
	return WireRoute{
		AgentID:        r.AgentID,
		Capabilities:   capStrs,
		ASPath:         append([]model.ASN(nil), r.ASPath...),
		NextHop:        r.NextHop,
		LocalPref:      r.LocalPref,
		MED:            r.MED,
		Communities:    commStrs,
		OriginTime:     r.OriginTime,
		PathAttributes: r.PathAttributes,
	}
}

// Type discriminates the message kinds on the wire.
type Type string

const (
	TypeOpen         Type = "OPEN"
	TypeUpdate       Type = "UPDATE"
	TypeKeepalive    Type = "KEEPALIVE"
	TypeNotification Type = "NOTIFICATION"
	TypeRouteRefresh Type = "ROUTE_REFRESH"
)

// Open capabilities advertised at minimum by every implementation.
const (
	CapAgentRouting = "agent-routing"
	CapPathVector   = "path-vector"
)

type Open struct {
	Type         Type        `json:"type"`
	Version      int         `json:"version"`
	ASN          model.ASN   `json:"asn"`
	HoldTime     int         `json:"holdTime"`
	RouterID     string      `json:"routerId"`
	Capabilities []string    `json:"capabilities"`
}

func NewOpen(asn model.ASN, holdTime time.Duration, routerID string, capabilities ...string) Open {
	if len(capabilities) == 0 {
		capabilities = []string{CapAgentRouting, CapPathVector}
	}
	return Open{
		Type:         TypeOpen,
		Version:      1,
		ASN:          asn,
		HoldTime:     int(holdTime / time.Second),
		RouterID:     routerID,
		Capabilities: capabilities,
	}
}

// NegotiateHoldTime returns min(local, remote); a remote hold time of 0
// disables keepalives.
func NegotiateHoldTime(local, remote time.Duration) time.Duration {
	if remote == 0 {
		return 0
	}
	if remote < local {
		return remote
	}
	return local
}

// NegotiateCapabilities returns the intersection of local and remote
// capability sets.
func NegotiateCapabilities(local, remote []string) []string {
	remoteSet := make(map[string]struct{}, len(remote))
	for _, c := range remote {
		remoteSet[c] = struct{}{}
	}
	var out []string
	for _, c := range local {
		if _, ok := remoteSet[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

type Update struct {
	Type             Type        `json:"type"`
	Timestamp        time.Time   `json:"timestamp"`
	SenderASN        model.ASN   `json:"senderASN"`
	AdvertisedRoutes []WireRoute `json:"advertisedRoutes,omitempty"`
	WithdrawnRoutes  []model.AgentID `json:"withdrawnRoutes,omitempty"`
}

func NewUpdate(senderASN model.ASN) Update {
	return Update{Type: TypeUpdate, Timestamp: time.Now(), SenderASN: senderASN}
}

// IsNoOp reports whether the update carries neither advertisements nor
// withdrawals.
func (u Update) IsNoOp() bool {
	return len(u.AdvertisedRoutes) == 0 && len(u.WithdrawnRoutes) == 0
}

type Keepalive struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SenderASN model.ASN `json:"senderASN"`
}

func NewKeepalive(senderASN model.ASN) Keepalive {
	return Keepalive{Type: TypeKeepalive, Timestamp: time.Now(), SenderASN: senderASN}
}

type Notification struct {
	Type      Type      `json:"type"`
	SenderASN model.ASN `json:"senderASN"`
	Reason    string    `json:"reason"`
}

func NewNotification(senderASN model.ASN, reason string) Notification {
	return Notification{Type: TypeNotification, SenderASN: senderASN, Reason: reason}
}

type RouteRefresh struct {
	Type      Type      `json:"type"`
	SenderASN model.ASN `json:"senderASN"`
}

// Codec is implemented by whatever transport carries these messages
// between peers (HTTP request/response bodies, a framed socket, an
// in-process channel for tests). The core only ever programs against
// this interface.
type Codec interface {
	SendUpdate(Update) error
	SendKeepalive(Keepalive) error
	SendNotification(Notification) error
	SendOpen(Open) (Open, error) // returns the peer's OPEN ack
}
