package controlplane

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/agentbgp/agentbgpd/internal/message"
	"github.com/agentbgp/agentbgpd/internal/policy"
)

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.importPol.List())
}

func (s *Server) addPolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if name := r.PathValue("name"); name != "" {
		p.Name = name
	}
	if err := s.importPol.AddPolicy(p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) removePolicy(w http.ResponseWriter, r *http.Request) {
	if !s.importPol.RemovePolicy(r.PathValue("name")) {
		writeError(w, http.StatusNotFound, errNotFound("policy"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) togglePolicy(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.importPol.Toggle(r.PathValue("name"), req.Enabled) {
		writeError(w, http.StatusNotFound, errNotFound("policy"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) policyStats(w http.ResponseWriter, r *http.Request) {
	stats := s.importPol.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"decisionsByPolicy": stats.DecisionsByPolicy(),
		"outcomeTotals":     stats.OutcomeTotals(),
		"averageDecisionMs": float64(stats.AverageDecisionTime().Microseconds()) / 1000.0,
	})
}

func (s *Server) policyDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.importPol.Stats().History(limit))
}

func (s *Server) importPolicies(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.importPol.Import(data); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) exportPolicies(w http.ResponseWriter, r *http.Request) {
	data, err := s.importPol.Export()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type testPolicyRequest struct {
	Routes []message.WireRoute `json:"routes"`
}

type testPolicyResult struct {
	Outcome policy.Outcome    `json:"outcome"`
	Route   message.WireRoute `json:"route"`
}

func (s *Server) testPolicy(w http.ResponseWriter, r *http.Request) {
	var req testPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	results := make([]testPolicyResult, 0, len(req.Routes))
	for _, wr := range req.Routes {
		outcome, result := s.importPol.Evaluate(wr.ToRoute())
		results = append(results, testPolicyResult{Outcome: outcome, Route: message.FromRoute(result)})
	}
	writeJSON(w, http.StatusOK, results)
}

type notFoundError string

func (e notFoundError) Error() string { return string(e) + " not found" }

func errNotFound(what string) error { return notFoundError(what) }
