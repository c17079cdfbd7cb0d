package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/agentbgp/agentbgpd/internal/advertise"
	"github.com/agentbgp/agentbgpd/internal/decision"
	"github.com/agentbgp/agentbgpd/internal/discovery"
	"github.com/agentbgp/agentbgpd/internal/eventbus"
	"github.com/agentbgp/agentbgpd/internal/model"
	"github.com/agentbgp/agentbgpd/internal/policy"
	"github.com/agentbgp/agentbgpd/internal/rib"
	"github.com/agentbgp/agentbgpd/internal/session"
)

// mockDBChecker implements DBChecker for testing.
type mockDBChecker struct {
	err error
}

func (m *mockDBChecker) Ping(_ context.Context) error { return m.err }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := zap.NewNop()
	table := rib.New()
	importPol := policy.NewEngine(logger)
	exportPol := policy.NewEngine(logger)
	bus := eventbus.New()
	decisionEng := decision.NewEngine(table)

	sessions, err := session.NewManager(session.Config{
		LocalASN: 65001,
		RouterID: "10.0.0.1",
	}, table, importPol, exportPol, decisionEng, bus, logger)
	if err != nil {
		t.Fatalf("session.NewManager: %v", err)
	}

	agents := advertise.New(65001, "http://localhost:9000", 100, logger, nil, nil)
	disco := discovery.New(discovery.Config{LocalASN: 65001}, bus, logger)

	return NewServer(":0", Deps{
		LocalASN:  65001,
		Sessions:  sessions,
		Table:     table,
		ImportPol: importPol,
		ExportPol: exportPol,
		Agents:    agents,
		Discovery: disco,
		Logger:    logger,
	})
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthz_AlwaysOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	decodeJSON(t, w, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", body["status"])
	}
}

func TestReadyz_NoStoreConfigured(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	// No dbChecker wired: readiness can't fail on a check that was never
	// configured.
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestReadyz_StoreDown(t *testing.T) {
	s := newTestServer(t)
	s.dbChecker = &mockDBChecker{err: context.DeadlineExceeded}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
	var body map[string]any
	decodeJSON(t, w, &body)
	if body["status"] != "not_ready" {
		t.Errorf("expected not_ready, got %v", body["status"])
	}
}

func TestAddPeer_ThenList(t *testing.T) {
	s := newTestServer(t)

	body := `{"asn": 65002, "address": "10.0.0.2:179"}`
	req := httptest.NewRequest(http.MethodPost, "/peers", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.addPeer(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/peers", nil)
	listW := httptest.NewRecorder()
	s.listPeers(listW, listReq)

	var peers []peerView
	decodeJSON(t, listW, &peers)
	if len(peers) != 1 || peers[0].ASN != 65002 {
		t.Fatalf("expected one peer with ASN 65002, got %+v", peers)
	}
}

func TestAddPeer_DuplicateConflict(t *testing.T) {
	s := newTestServer(t)
	body := `{"asn": 65002, "address": "10.0.0.2:179"}`

	first := httptest.NewRequest(http.MethodPost, "/peers", strings.NewReader(body))
	s.addPeer(httptest.NewRecorder(), first)

	second := httptest.NewRequest(http.MethodPost, "/peers", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.addPeer(w, second)

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on duplicate peer, got %d", w.Code)
	}
}

func TestRemovePeer_NotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/peers/65099", nil)
	req.SetPathValue("asn", "65099")
	w := httptest.NewRecorder()

	s.removePeer(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestListRoutes_EmptyTable(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/routes", nil)
	w := httptest.NewRecorder()

	s.listRoutes(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var routes []map[string]any
	decodeJSON(t, w, &routes)
	if len(routes) != 0 {
		t.Errorf("expected empty route list, got %d entries", len(routes))
	}
}

func TestListRoutes_InvalidCapabilityPattern(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/routes?capabilityPattern=[", nil)
	w := httptest.NewRecorder()

	s.listRoutes(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid regex, got %d", w.Code)
	}
}

func TestAdvertiseAndListAgents(t *testing.T) {
	s := newTestServer(t)

	adReq := httptest.NewRequest(http.MethodPost, "/agents/advertise",
		strings.NewReader(`{"agentId":"summarizer-1","capabilities":["text.summarize"]}`))
	w := httptest.NewRecorder()
	s.advertiseAgent(w, adReq)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/agents", nil)
	listW := httptest.NewRecorder()
	s.listAgents(listW, listReq)

	var agents []agentView
	decodeJSON(t, listW, &agents)
	if len(agents) != 1 || agents[0].AgentID != "summarizer-1" {
		t.Fatalf("expected one local agent, got %+v", agents)
	}
}

func TestPolicyLifecycle(t *testing.T) {
	s := newTestServer(t)

	addReq := httptest.NewRequest(http.MethodPost, "/policies",
		strings.NewReader(`{"name":"deny-all","priority":1,"action":{"action":"reject"}}`))
	w := httptest.NewRecorder()
	s.addPolicy(w, addReq)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/policies", nil)
	listW := httptest.NewRecorder()
	s.listPolicies(listW, listReq)
	var policies []policy.Policy
	decodeJSON(t, listW, &policies)
	if len(policies) != 1 || policies[0].Name != "deny-all" {
		t.Fatalf("expected one policy named deny-all, got %+v", policies)
	}

	toggleReq := httptest.NewRequest(http.MethodPost, "/policies/deny-all/toggle",
		strings.NewReader(`{"enabled":false}`))
	toggleReq.SetPathValue("name", "deny-all")
	toggleW := httptest.NewRecorder()
	s.togglePolicy(toggleW, toggleReq)
	if toggleW.Code != http.StatusNoContent {
		t.Errorf("expected 204 on toggle, got %d", toggleW.Code)
	}

	removeReq := httptest.NewRequest(http.MethodDelete, "/policies/deny-all", nil)
	removeReq.SetPathValue("name", "deny-all")
	removeW := httptest.NewRecorder()
	s.removePolicy(removeW, removeReq)
	if removeW.Code != http.StatusNoContent {
		t.Errorf("expected 204 on remove, got %d", removeW.Code)
	}

	missingReq := httptest.NewRequest(http.MethodDelete, "/policies/deny-all", nil)
	missingReq.SetPathValue("name", "deny-all")
	missingW := httptest.NewRecorder()
	s.removePolicy(missingW, missingReq)
	if missingW.Code != http.StatusNotFound {
		t.Errorf("expected 404 removing an already-removed policy, got %d", missingW.Code)
	}
}

func TestTestPolicy_EvaluatesABatch(t *testing.T) {
	s := newTestServer(t)

	addReq := httptest.NewRequest(http.MethodPost, "/policies",
		strings.NewReader(`{"name":"deny-all","enabled":true,"priority":1,"action":{"action":"reject"}}`))
	s.addPolicy(httptest.NewRecorder(), addReq)

	body := `{"routes":[{"agentId":"summarizer-1"},{"agentId":"coder-1"}]}`
	req := httptest.NewRequest(http.MethodPost, "/policies/test", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.testPolicy(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var results []testPolicyResult
	decodeJSON(t, w, &results)
	if len(results) != 2 {
		t.Fatalf("expected one result per route, got %d", len(results))
	}
	for _, r := range results {
		if r.Outcome != policy.OutcomeRejected {
			t.Errorf("expected deny-all to reject every route, got %s for %s", r.Outcome, r.Route.AgentID)
		}
	}
}

func TestSelectAgentPath_NoCandidates(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/agents/summarizer-1/select", strings.NewReader(`{}`))
	req.SetPathValue("id", "summarizer-1")
	w := httptest.NewRecorder()

	s.selectAgentPath(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 with no candidates in Loc-RIB, got %d", w.Code)
	}
}

func TestSelectAgentPath_AndReportCompletion(t *testing.T) {
	s := newTestServer(t)

	route := model.Route{
		AgentID:      "summarizer-1",
		NextHop:      "10.0.0.2",
		ASPath:       []model.ASN{65002},
		Capabilities: map[model.Capability]struct{}{"text.summarize": {}},
	}
	s.table.InsertFromPeer(65002, route)

	selReq := httptest.NewRequest(http.MethodPost, "/agents/summarizer-1/select",
		strings.NewReader(`{"strategy":"round-robin"}`))
	selReq.SetPathValue("id", "summarizer-1")
	selW := httptest.NewRecorder()
	s.selectAgentPath(selW, selReq)

	if selW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", selW.Code, selW.Body.String())
	}
	var sel selectResponse
	decodeJSON(t, selW, &sel)
	if sel.NextHop != "10.0.0.2" {
		t.Fatalf("expected nextHop 10.0.0.2, got %q", sel.NextHop)
	}

	compReq := httptest.NewRequest(http.MethodPost, "/agents/summarizer-1/complete",
		strings.NewReader(`{"nextHop":"10.0.0.2","success":true,"elapsedMs":50}`))
	compReq.SetPathValue("id", "summarizer-1")
	compW := httptest.NewRecorder()
	s.reportPathCompletion(compW, compReq)

	if compW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", compW.Code, compW.Body.String())
	}
}

func TestReportPathCompletion_UnknownNextHop(t *testing.T) {
	s := newTestServer(t)
	route := model.Route{AgentID: "summarizer-1", NextHop: "10.0.0.2", ASPath: []model.ASN{65002}}
	s.table.InsertFromPeer(65002, route)
	// Seed the pool so it exists before completion is reported against it.
	s.poolFor("summarizer-1")

	req := httptest.NewRequest(http.MethodPost, "/agents/summarizer-1/complete",
		strings.NewReader(`{"nextHop":"10.0.0.99","success":false,"elapsedMs":10}`))
	req.SetPathValue("id", "summarizer-1")
	w := httptest.NewRecorder()

	s.reportPathCompletion(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown next hop, got %d", w.Code)
	}
}
