package decision

import (
	"testing"

	"github.com/agentbgp/agentbgpd/internal/model"
	"github.com/agentbgp/agentbgpd/internal/rib"
)

func route(localPref, med int, asPath []model.ASN, nextHop string) model.Route {
	return model.Route{
		AgentID:   "coder",
		LocalPref: localPref,
		MED:       med,
		ASPath:    asPath,
		NextHop:   nextHop,
	}
}

func TestBest_EmptyCandidates(t *testing.T) {
	if _, ok := Best(nil); ok {
		t.Fatal("expected ok=false for no candidates")
	}
}

func TestBest_TieBreakOrder(t *testing.T) {
	cases := []struct {
		name string
		in   []model.Route
		want string
	}{
		{
			name: "highest local pref wins",
			in: []model.Route{
				route(100, 0, []model.ASN{65001}, "a"),
				route(200, 0, []model.ASN{65001}, "b"),
			},
			want: "b",
		},
		{
			name: "shortest as path wins when local pref ties",
			in: []model.Route{
				route(100, 0, []model.ASN{65001, 65002}, "a"),
				route(100, 0, []model.ASN{65001}, "b"),
			},
			want: "b",
		},
		{
			name: "lowest med wins when path length ties",
			in: []model.Route{
				route(100, 20, []model.ASN{65001}, "a"),
				route(100, 10, []model.ASN{65001}, "b"),
			},
			want: "b",
		},
		{
			name: "lowest next hop wins when med ties",
			in: []model.Route{
				route(100, 0, []model.ASN{65001}, "z"),
				route(100, 0, []model.ASN{65001}, "a"),
			},
			want: "a",
		},
		{
			name: "lowest leftmost asn is the final tie-break",
			in: []model.Route{
				route(100, 0, []model.ASN{65002}, "a"),
				route(100, 0, []model.ASN{65001}, "a"),
			},
			want: "65001-a",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			best, ok := Best(tc.in)
			if !ok {
				t.Fatal("expected a winner")
			}
			got := best.NextHop
			if tc.want == "65001-a" {
				if best.ASPath[0] != 65001 || best.NextHop != "a" {
					t.Fatalf("unexpected winner %+v", best)
				}
				return
			}
			if got != tc.want {
				t.Fatalf("expected next hop %s, got %s", tc.want, got)
			}
		})
	}
}

func TestBeats_AgreesWithBest(t *testing.T) {
	a := route(200, 0, []model.ASN{65001}, "a")
	b := route(100, 0, []model.ASN{65001}, "b")
	if !Beats(a, b) {
		t.Fatal("expected a to beat b on local pref")
	}
	if Beats(b, a) {
		t.Fatal("expected b not to beat a")
	}
}

func TestEngine_RecomputeInstallsAndRemoves(t *testing.T) {
	table := rib.New()
	eng := NewEngine(table)

	if _, ok := eng.Recompute("coder"); ok {
		t.Fatal("expected no winner before any Adj-RIB-In entries exist")
	}

	table.InsertFromPeer(65001, route(100, 0, []model.ASN{65001}, "http://a1"))
	best, ok := eng.Recompute("coder")
	if !ok || best.NextHop != "http://a1" {
		t.Fatalf("expected a1 installed, got %+v ok=%v", best, ok)
	}
	if _, ok := table.LookupBest("coder"); !ok {
		t.Fatal("expected Loc-RIB entry after Recompute")
	}

	table.WithdrawFromPeer(65001, "coder")
	if _, ok := eng.Recompute("coder"); ok {
		t.Fatal("expected winner removed once last alternative withdrawn")
	}
	if _, ok := table.LookupBest("coder"); ok {
		t.Fatal("expected Loc-RIB entry removed")
	}
}
