// Package reflector implements the Route Reflector (C7): RFC-4456
// classification of peers into ibgp-client / ibgp-non-client / ebgp roles
// and the RFC 4456 reflection target matrix.
package reflector

import (
	"sync"

	"github.com/agentbgp/agentbgpd/internal/model"
	"github.com/agentbgp/agentbgpd/internal/policy"
)

// Role is a peer's classification for reflection purposes.
type Role string

const (
	RoleIBGPClient    Role = "ibgp-client"
	RoleIBGPNonClient Role = "ibgp-non-client"
	RoleEBGP          Role = "ebgp"
)

// ClassifyPeer classifies a peer relative to the local AS: a different ASN
// is always ebgp; a same-ASN peer is ibgp-client or ibgp-non-client
// depending on its configured reflector-client flag.
func ClassifyPeer(localASN, peerASN model.ASN, isReflectorClient bool) Role {
	if peerASN != localASN {
		return RoleEBGP
	}
	if isReflectorClient {
		return RoleIBGPClient
	}
	return RoleIBGPNonClient
}

// reflectionMatrix implements the RFC 4456 reflection table: for each
// source role, which roles it reflects to.
var reflectionMatrix = map[Role]map[Role]bool{
	RoleEBGP:          {RoleIBGPClient: true, RoleIBGPNonClient: true},
	RoleIBGPClient:    {RoleEBGP: true, RoleIBGPNonClient: true},
	RoleIBGPNonClient: {RoleIBGPClient: true},
}

// PeerInfo is the minimal peer shape TargetsFor needs: identity, role, and
// the address used to stamp originatorId when this peer is the route's
// original source.
type PeerInfo struct {
	ASN     model.ASN
	Role    Role
	Address string
}

// TargetsFor returns the ASNs source should reflect to, per the RFC 4456
// matrix, excluding source itself.
func TargetsFor(source PeerInfo, peers []PeerInfo) []model.ASN {
	allowed := reflectionMatrix[source.Role]
	if allowed == nil {
		return nil
	}
	out := make([]model.ASN, 0, len(peers))
	for _, p := range peers {
		if p.ASN == source.ASN {
			continue
		}
		if allowed[p.Role] {
			out = append(out, p.ASN)
		}
	}
	return out
}

// Config describes the local reflector's static identity and per-peer
// reflector-client membership.
type Config struct {
	ClusterID string
	// Clients lists the ASNs of peers configured as reflector clients.
	// Any iBGP peer (same ASN as the session's local AS) not in this set
	// is ibgp-non-client.
	Clients []model.ASN
}

// Manager tracks per-peer reflector-client membership and produces the
// ReflectorInfo used by policy.Engine.ExportFor to stamp reflected routes.
type Manager struct {
	localASN  model.ASN
	clusterID string

	mu      sync.RWMutex
	clients map[model.ASN]bool
}

func New(localASN model.ASN, cfg Config) *Manager {
	m := &Manager{
		localASN:  localASN,
		clusterID: cfg.ClusterID,
		clients:   make(map[model.ASN]bool, len(cfg.Clients)),
	}
	for _, asn := range cfg.Clients {
		m.clients[asn] = true
	}
	return m
}

// SetClient marks or unmarks peerASN as a reflector client.
func (m *Manager) SetClient(peerASN model.ASN, isClient bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if isClient {
		m.clients[peerASN] = true
	} else {
		delete(m.clients, peerASN)
	}
}

// Classify returns peerASN's role relative to this reflector.
func (m *Manager) Classify(peerASN model.ASN) Role {
	m.mu.RLock()
	isClient := m.clients[peerASN]
	m.mu.RUnlock()
	return ClassifyPeer(m.localASN, peerASN, isClient)
}

// Targets returns every peer (from candidates) that a route received from
// sourceASN should be reflected to.
func (m *Manager) Targets(sourceASN model.ASN, candidates []model.ASN) []model.ASN {
	source := PeerInfo{ASN: sourceASN, Role: m.Classify(sourceASN)}
	peers := make([]PeerInfo, 0, len(candidates))
	for _, asn := range candidates {
		peers = append(peers, PeerInfo{ASN: asn, Role: m.Classify(asn)})
	}
	return TargetsFor(source, peers)
}

// ReflectorInfo returns the stamping identity to pass to
// policy.Engine.ExportFor for a route whose originating peer address is
// originatorAddress. Active is always true: any AS running a Manager acts
// as a reflector for its iBGP mesh.
func (m *Manager) ReflectorInfo(originatorAddress string) policy.ReflectorInfo {
	return policy.ReflectorInfo{
		Active:       true,
		OriginatorID: originatorAddress,
		ClusterID:    m.clusterID,
	}
}
