package controlplane

import (
	"encoding/json"
	"net/http"

	"github.com/agentbgp/agentbgpd/internal/message"
)

// listSessions mirrors listPeers: the FSM state lives on the same
// model.Peer record, just addressed under the protocol-facing name the
// REST surface uses for it.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	s.listPeers(w, r)
}

func (s *Server) sessionKeepalive(w http.ResponseWriter, r *http.Request) {
	asn, err := pathASN(r, "asn")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sessions.HandleKeepalive(asn); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var open message.Open
	if err := json.NewDecoder(r.Body).Decode(&open); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ack, err := s.sessions.ReceiveOpen(open.ASN, open)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	var n message.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sessions.HandleNotification(n.SenderASN, n.Reason); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
