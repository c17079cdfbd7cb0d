package controlplane

import (
	"encoding/json"
	"net/http"
)

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	peers := s.sessions.Peers()
	out := make([]peerView, 0, len(peers))
	for _, p := range peers {
		out = append(out, toPeerView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) addPeer(w http.ResponseWriter, r *http.Request) {
	var req addPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Peers added via the control plane carry no outbound transport; they
	// reach Established once the remote side POSTs its own OPEN to us.
	peer, err := s.sessions.AddPeer(req.ASN, req.Address, nil)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPeerView(*peer))
}

func (s *Server) removePeer(w http.ResponseWriter, r *http.Request) {
	asn, err := pathASN(r, "asn")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sessions.RemovePeer(asn); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
