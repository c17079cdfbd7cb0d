package reflector

import (
	"reflect"
	"sort"
	"testing"

	"github.com/agentbgp/agentbgpd/internal/model"
)

func TestClassifyPeer(t *testing.T) {
	if got := ClassifyPeer(65000, 65001, false); got != RoleEBGP {
		t.Errorf("different ASN should classify ebgp, got %s", got)
	}
	if got := ClassifyPeer(65000, 65000, true); got != RoleIBGPClient {
		t.Errorf("same ASN + client flag should classify ibgp-client, got %s", got)
	}
	if got := ClassifyPeer(65000, 65000, false); got != RoleIBGPNonClient {
		t.Errorf("same ASN without client flag should classify ibgp-non-client, got %s", got)
	}
}

func sortedASNs(asns []model.ASN) []model.ASN {
	out := append([]model.ASN(nil), asns...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestTargetsFor_MatchesRFC4456Matrix(t *testing.T) {
	peers := []PeerInfo{
		{ASN: 10, Role: RoleEBGP},
		{ASN: 20, Role: RoleIBGPClient},
		{ASN: 21, Role: RoleIBGPClient},
		{ASN: 30, Role: RoleIBGPNonClient},
	}

	cases := []struct {
		name   string
		source PeerInfo
		want   []model.ASN
	}{
		{
			name:   "ebgp reflects to all ibgp",
			source: PeerInfo{ASN: 10, Role: RoleEBGP},
			want:   []model.ASN{20, 21, 30},
		},
		{
			name:   "ibgp-client reflects to ebgp and non-client",
			source: PeerInfo{ASN: 20, Role: RoleIBGPClient},
			want:   []model.ASN{10, 21, 30},
		},
		{
			name:   "ibgp-non-client reflects to clients only",
			source: PeerInfo{ASN: 30, Role: RoleIBGPNonClient},
			want:   []model.ASN{20, 21},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := sortedASNs(TargetsFor(tc.source, peers))
			want := sortedASNs(tc.want)
			if !reflect.DeepEqual(got, want) {
				t.Errorf("TargetsFor(%v) = %v, want %v", tc.source, got, want)
			}
		})
	}
}

func TestTargetsFor_ExcludesSourceItself(t *testing.T) {
	peers := []PeerInfo{
		{ASN: 20, Role: RoleIBGPClient},
	}
	got := TargetsFor(PeerInfo{ASN: 20, Role: RoleIBGPClient}, peers)
	if len(got) != 0 {
		t.Errorf("expected source to be excluded from its own target set, got %v", got)
	}
}

func TestManager_TargetsReflectsClientConfig(t *testing.T) {
	// Local AS 65000 has one iBGP peer (65000, configured as a reflector
	// client) and is also peered eBGP with AS 99999. A route arriving
	// from a third, unrelated eBGP peer (AS 10) should reflect only to
	// the iBGP client, not to the other eBGP peer.
	mgr := New(65000, Config{ClusterID: "cluster-a", Clients: []model.ASN{65000}})

	got := sortedASNs(mgr.Targets(10, []model.ASN{65000, 99999}))
	want := sortedASNs([]model.ASN{65000})
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Targets from ebgp source = %v, want %v", got, want)
	}
}

func TestManager_ReflectorInfoStampsClusterID(t *testing.T) {
	mgr := New(65000, Config{ClusterID: "cluster-a"})
	info := mgr.ReflectorInfo("http://peer1")
	if !info.Active || info.ClusterID != "cluster-a" || info.OriginatorID != "http://peer1" {
		t.Errorf("unexpected reflector info: %+v", info)
	}
}
