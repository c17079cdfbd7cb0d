package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentbgp/agentbgpd/internal/advertise"
	"github.com/agentbgp/agentbgpd/internal/discovery"
	"github.com/agentbgp/agentbgpd/internal/model"
)

// listAgents answers GET /agents?capability=X. With a capability, it
// queries the discovery manager (which may broadcast network-wide if the
// local cache doesn't satisfy it); without one, it lists this AS's own
// locally originated agents.
func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")
	if capability == "" {
		out := make([]agentView, 0)
		for _, a := range s.agents.List() {
			out = append(out, toAgentView(fromLocalAgent(a)))
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), discovery.DefaultLookupTimeout)
	defer cancel()
	records := s.discovery.DiscoverByCapability(ctx, model.Capability(capability), discovery.LookupOptions{})
	out := make([]agentView, 0, len(records))
	for _, rec := range records {
		out = append(out, toAgentView(fromNetworkRecord(rec)))
	}
	writeJSON(w, http.StatusOK, out)
}

func fromLocalAgent(a advertise.LocalAgent) discoveryRecord {
	caps := make([]string, len(a.Capabilities))
	for i, c := range a.Capabilities {
		caps[i] = string(c)
	}
	return discoveryRecord{
		AgentID:      a.AgentID,
		Capabilities: caps,
		Health:       a.HealthStatus.String(),
		LocalPref:    a.LocalPref,
	}
}

func fromNetworkRecord(rec discovery.NetworkAgentRecord) discoveryRecord {
	caps := make([]string, len(rec.Capabilities))
	for i, c := range rec.Capabilities {
		caps[i] = string(c)
	}
	return discoveryRecord{
		AgentID:      rec.AgentID,
		Capabilities: caps,
		OriginASN:    rec.OriginASN,
		Health:       rec.Health.String(),
		LocalPref:    rec.LocalPref,
		MED:          rec.MED,
		NextHop:      rec.NextHop,
	}
}

func (s *Server) advertiseAgent(w http.ResponseWriter, r *http.Request) {
	var req advertiseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caps := make([]model.Capability, len(req.Capabilities))
	for i, c := range req.Capabilities {
		caps[i] = model.Capability(c)
	}
	s.agents.Register(advertise.LocalAgent{
		AgentID:      req.AgentID,
		Capabilities: caps,
		Version:      req.Version,
		Description:  req.Description,
		Metadata:     req.Metadata,
		HealthStatus: model.HealthHealthy,
		LastSeen:     time.Now(),
		LocalPref:    req.LocalPref,
	})
	w.WriteHeader(http.StatusAccepted)
}
