// Package controlplane implements the HTTP control surface: peer
// management, route/session inspection, agent advertisement and
// discovery, and policy CRUD, on top of a plain http.ServeMux the way
// internal/http/server.go builds /healthz and /readyz — no framework,
// JSON in and out.
package controlplane

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentbgp/agentbgpd/internal/advertise"
	"github.com/agentbgp/agentbgpd/internal/balancer"
	"github.com/agentbgp/agentbgpd/internal/discovery"
	"github.com/agentbgp/agentbgpd/internal/model"
	"github.com/agentbgp/agentbgpd/internal/policy"
	"github.com/agentbgp/agentbgpd/internal/reflector"
	"github.com/agentbgp/agentbgpd/internal/rib"
	"github.com/agentbgp/agentbgpd/internal/session"
)

// DBChecker abstracts the store pool for readiness probing; nil means no
// store is configured and the check is skipped rather than failed.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// Server wires every core package into the HTTP control surface.
type Server struct {
	srv *http.Server

	sessions  *session.Manager
	table     *rib.Table
	importPol *policy.Engine
	exportPol *policy.Engine
	agents    *advertise.Manager
	discovery *discovery.Manager
	reflect   *reflector.Manager
	localASN  model.ASN

	dbChecker DBChecker
	logger    *zap.Logger

	poolMu sync.Mutex
	pools  map[model.AgentID]*balancer.Pool
}

// Deps collects the components a Server routes requests to. Any field may
// be left zero-valued for a reduced deployment (e.g. reflect is nil on a
// non-reflector speaker); handlers degrade accordingly.
type Deps struct {
	LocalASN  model.ASN
	Sessions  *session.Manager
	Table     *rib.Table
	ImportPol *policy.Engine
	ExportPol *policy.Engine
	Agents    *advertise.Manager
	Discovery *discovery.Manager
	Reflect   *reflector.Manager
	StorePool *pgxpool.Pool
	Logger    *zap.Logger
}

func NewServer(addr string, d Deps) *Server {
	s := &Server{
		sessions:  d.Sessions,
		table:     d.Table,
		importPol: d.ImportPol,
		exportPol: d.ExportPol,
		agents:    d.Agents,
		discovery: d.Discovery,
		reflect:   d.Reflect,
		localASN:  d.LocalASN,
		logger:    d.Logger,
		pools:     make(map[model.AgentID]*balancer.Pool),
	}
	if d.StorePool != nil {
		s.dbChecker = d.StorePool
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("GET /peers", s.listPeers)
	mux.HandleFunc("POST /peers", s.addPeer)
	mux.HandleFunc("DELETE /peers/{asn}", s.removePeer)

	mux.HandleFunc("GET /routes", s.listRoutes)
	mux.HandleFunc("POST /routes/update", s.updateRoutes)
	mux.HandleFunc("POST /routes/withdraw", s.withdrawRoutes)

	mux.HandleFunc("GET /sessions", s.listSessions)
	mux.HandleFunc("POST /sessions/{asn}/keepalive", s.sessionKeepalive)
	mux.HandleFunc("POST /open", s.handleOpen)
	mux.HandleFunc("POST /notification", s.handleNotification)

	mux.HandleFunc("GET /agents", s.listAgents)
	mux.HandleFunc("POST /agents/advertise", s.advertiseAgent)
	mux.HandleFunc("POST /agents/{id}/select", s.selectAgentPath)
	mux.HandleFunc("POST /agents/{id}/complete", s.reportPathCompletion)

	mux.HandleFunc("GET /policies", s.listPolicies)
	mux.HandleFunc("POST /policies", s.addPolicy)
	mux.HandleFunc("PUT /policies/{name}", s.addPolicy)
	mux.HandleFunc("DELETE /policies/{name}", s.removePolicy)
	mux.HandleFunc("POST /policies/{name}/toggle", s.togglePolicy)
	mux.HandleFunc("GET /policies/stats", s.policyStats)
	mux.HandleFunc("GET /policies/decisions", s.policyDecisions)
	mux.HandleFunc("POST /policies/import", s.importPolicies)
	mux.HandleFunc("GET /policies/export", s.exportPolicies)
	mux.HandleFunc("POST /policies/test", s.testPolicy)

	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["store"] = "error"
			allOK = false
		} else {
			checks["store"] = "ok"
		}
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, map[string]any{"status": status, "checks": checks})
}

// poolFor returns (creating if necessary) the balancer pool for agentID,
// refreshed from the current Adj-RIB-In alternatives.
func (s *Server) poolFor(agentID model.AgentID) *balancer.Pool {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	p, ok := s.pools[agentID]
	if !ok {
		p = balancer.NewPool(agentID, balancer.DefaultMaxPaths, 0)
		s.pools[agentID] = p
	}
	p.SetCandidates(s.table.AlternativesFor(agentID), nil)
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
