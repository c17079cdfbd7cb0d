package controlplane

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/agentbgp/agentbgpd/internal/model"
)

// peerView is the JSON-friendly projection of model.Peer: Status as a
// string rather than the underlying int, and the ASN spelled out for
// clients that don't special-case numeric path keys.
type peerView struct {
	ASN            model.ASN `json:"asn"`
	Address        string    `json:"address"`
	Status         string    `json:"status"`
	LastUpdate     string    `json:"lastUpdate,omitempty"`
	RoutesReceived int       `json:"routesReceived"`
	RoutesSent     int       `json:"routesSent"`
}

func toPeerView(p model.Peer) peerView {
	v := peerView{
		ASN:            p.ASN,
		Address:        p.Address,
		Status:         p.Status.String(),
		RoutesReceived: p.RoutesReceived,
		RoutesSent:     p.RoutesSent,
	}
	if !p.LastUpdate.IsZero() {
		v.LastUpdate = p.LastUpdate.Format("2006-01-02T15:04:05Z07:00")
	}
	return v
}

type addPeerRequest struct {
	ASN     model.ASN `json:"asn"`
	Address string    `json:"address"`
}

// agentView is the JSON-friendly projection of a discovered or locally
// originated agent.
type agentView struct {
	AgentID      model.AgentID `json:"agentId"`
	Capabilities []string      `json:"capabilities"`
	OriginASN    model.ASN     `json:"originAsn"`
	Health       string        `json:"health"`
	LocalPref    int           `json:"localPref"`
	MED          int           `json:"med"`
	NextHop      string        `json:"nextHop,omitempty"`
}

func toAgentView(r discoveryRecord) agentView {
	return agentView{
		AgentID:      r.AgentID,
		Capabilities: r.Capabilities,
		OriginASN:    r.OriginASN,
		Health:       r.Health,
		LocalPref:    r.LocalPref,
		MED:          r.MED,
		NextHop:      r.NextHop,
	}
}

// discoveryRecord is the shape shared by discovery.NetworkAgentRecord and
// locally originated advertise.LocalAgent, so listAgents can emit one view
// type regardless of source.
type discoveryRecord struct {
	AgentID      model.AgentID
	Capabilities []string
	OriginASN    model.ASN
	Health       string
	LocalPref    int
	MED          int
	NextHop      string
}

type advertiseRequest struct {
	AgentID      model.AgentID     `json:"agentId"`
	Capabilities []string          `json:"capabilities"`
	Version      string            `json:"version"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata"`
	LocalPref    int               `json:"localPref"`
}

func pathASN(r *http.Request, key string) (model.ASN, error) {
	raw := r.PathValue(key)
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid asn %q: %w", raw, err)
	}
	return model.ASN(n), nil
}
