package controlplane

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"

	"github.com/agentbgp/agentbgpd/internal/message"
	"github.com/agentbgp/agentbgpd/internal/model"
)

// listRoutes returns the Loc-RIB, optionally filtered by one of
// capability (exact, case-insensitive), capabilityPattern (regex), asn
// (AS-path membership), or community.
func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var routes []model.Route
	switch {
	case q.Get("capability") != "":
		routes = s.table.ByCapability(model.Capability(q.Get("capability")))
	case q.Get("capabilityPattern") != "":
		pattern, err := regexp.Compile(q.Get("capabilityPattern"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		routes = s.table.ByCapabilityPattern(pattern)
	case q.Get("asn") != "":
		n, err := strconv.ParseUint(q.Get("asn"), 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		routes = s.table.ByASPathContains(model.ASN(n))
	case q.Get("community") != "":
		routes = s.table.ByCommunity(model.Community(q.Get("community")))
	default:
		routes = s.table.ListAllBest()
	}

	out := make([]message.WireRoute, 0, len(routes))
	for _, route := range routes {
		out = append(out, message.FromRoute(route))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) updateRoutes(w http.ResponseWriter, r *http.Request) {
	var update message.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sessions.HandleUpdate(update.SenderASN, update); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type withdrawRequest struct {
	SenderASN model.ASN       `json:"senderAsn"`
	AgentIDs  []model.AgentID `json:"agentIds"`
}

func (s *Server) withdrawRoutes(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	update := message.NewUpdate(req.SenderASN)
	update.WithdrawnRoutes = req.AgentIDs
	if err := s.sessions.HandleUpdate(req.SenderASN, update); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
