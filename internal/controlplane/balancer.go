package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/agentbgp/agentbgpd/internal/balancer"
	"github.com/agentbgp/agentbgpd/internal/model"
)

type selectRequest struct {
	Strategy     string   `json:"strategy"`
	Capabilities []string `json:"capabilities"`
}

type selectResponse struct {
	NextHop  string        `json:"nextHop"`
	ASPath   []model.ASN   `json:"asPath"`
	Strategy balancer.Name `json:"strategy"`
	PoolSize int           `json:"poolSize"`
}

// selectAgentPath answers POST /agents/{id}/select: pick one of the
// agent's known paths using a named strategy, refreshing the pool's
// candidates from the current Loc-RIB alternatives first.
func (s *Server) selectAgentPath(w http.ResponseWriter, r *http.Request) {
	agentID := model.AgentID(r.PathValue("id"))

	var req selectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	strategy := balancer.Name(req.Strategy)
	if strategy == "" {
		strategy = balancer.CapabilityAware
	}
	caps := make([]model.Capability, len(req.Capabilities))
	for i, c := range req.Capabilities {
		caps[i] = model.Capability(c)
	}

	pool := s.poolFor(agentID)
	chosen, err := pool.Select(strategy, caps)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	poolSize := 0
	if hist := pool.History(); len(hist) > 0 {
		poolSize = hist[len(hist)-1].NumPool
	}
	writeJSON(w, http.StatusOK, selectResponse{
		NextHop:  chosen.Route.NextHop,
		ASPath:   chosen.Route.ASPath,
		Strategy: strategy,
		PoolSize: poolSize,
	})
}

type completeRequest struct {
	NextHop   string `json:"nextHop"`
	Success   bool   `json:"success"`
	ElapsedMS int64  `json:"elapsedMs"`
}

// reportPathCompletion answers POST /agents/{id}/complete: folds a
// finished request's outcome back into the chosen path's health.
func (s *Server) reportPathCompletion(w http.ResponseWriter, r *http.Request) {
	agentID := model.AgentID(r.PathValue("id"))

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	pool := s.poolFor(agentID)
	candidate, ok := pool.CandidateByNextHop(req.NextHop)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no such candidate path"))
		return
	}
	transitioned, from, to := pool.ReportCompletion(candidate, req.Success, time.Duration(req.ElapsedMS)*time.Millisecond)
	writeJSON(w, http.StatusOK, map[string]any{
		"transitioned": transitioned,
		"from":         from.String(),
		"to":           to.String(),
	})
}
