package policy

import (
	"github.com/agentbgp/agentbgpd/internal/model"
)

// ReflectorInfo carries the local reflector identity used to stamp
// originatorId/clusterId on reflected routes. Zero value means "not
// acting as a reflector for this peer".
type ReflectorInfo struct {
	Active        bool
	OriginatorID  string // the peer address that originated the route in this AS
	ClusterID     string
}

const communityReflected = model.Community("rr:reflected")

// ExportFor runs export policy for route toward peer: it applies the
// engine's ordinary Evaluate, then (if the route survives) enforces
// loop prevention, AS-prepend, and route-reflector attribute stamping.
// Returns ok=false if the route must not be advertised to this peer.
func (e *Engine) ExportFor(route model.Route, localASN, peerASN model.ASN, reflect ReflectorInfo) (model.Route, bool) {
	outcome, route := e.Evaluate(route)
	if outcome == OutcomeRejected {
		return model.Route{}, false
	}

	// (a) do not advertise to a peer whose ASN already appears in
	// asPath (loop prevention).
	if route.ContainsASN(peerASN) {
		return model.Route{}, false
	}

	// (b) prepend local ASN to asPath on egress.
	route = route.Clone()
	route.ASPath = append([]model.ASN{localASN}, route.ASPath...)

	// (c) route-reflector stamping.
	if reflect.Active {
		if _, ok := route.PathAttributes[model.AttrOriginatorID]; !ok && reflect.OriginatorID != "" {
			route.PathAttributes[model.AttrOriginatorID] = reflect.OriginatorID
		}
		if _, ok := route.PathAttributes[model.AttrClusterID]; !ok && reflect.ClusterID != "" {
			route.PathAttributes[model.AttrClusterID] = reflect.ClusterID
		}
		route.Communities[communityReflected] = struct{}{}
	}

	return route, true
}
