// Package policy implements the deterministic match/modify/filter engine
// that import and export paths run every route through, including the
// route-reflector attribute stamping rules.
package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentbgp/agentbgpd/internal/model"
)

// Action is the outcome a matching policy requests.
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
	ActionModify Action = "modify"
)

// Outcome is what Evaluate actually did with a route.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeModified Outcome = "modified"
)

// Match is the conjunction of clauses a policy tests against a route.
// Unspecified (zero-value/nil) clauses are trivially true.
type Match struct {
	AgentIDs          []model.AgentID   // exact/set membership on agentId
	Capabilities      []model.Capability // required-all
	CapabilitiesAny   []model.Capability // any-of
	ASNs              []model.ASN        // any of these appears in asPath
	ASNRangeMin       *model.ASN
	ASNRangeMax       *model.ASN
	HealthStatus      *model.HealthStatus
	LocalPrefMin      *int
	LocalPrefMax      *int
	MEDMin            *int
	MEDMax            *int
	ASPathLengthMin   *int
	ASPathLengthMax   *int
	DaysOfWeek        []time.Weekday
	TimeStart         string // "HH:MM"
	TimeEnd           string // "HH:MM"; TimeStart > TimeEnd wraps across midnight
}

// ModifyAction carries the field overrides a "modify" action applies, plus
// hints consumed by other components.
type ModifyAction struct {
	SetLocalPref *int
	SetMED       *int
	AddMED       *int
	AddCommunity []model.Community
	DelCommunity []model.Community

	MaxAlternatives  *int
	LoadBalanceMethod string
	RateLimit        *int
	PreferASN        []model.ASN
	AvoidASN         []model.ASN
	LogDecision      bool
	AlertOnMatch     bool
	MetricsTag       string
}

// PolicyAction is the action half of a policy.
type PolicyAction struct {
	Action Action
	Modify ModifyAction
}

// Policy is one entry in the engine's ordered list.
type Policy struct {
	Name     string
	Enabled  bool
	Priority int
	Match    Match
	Action   PolicyAction
}

// Validate rejects entries missing a name, a recognized action, or with a
// nonsensical time window. Priority has no invalid range; it is a plain
// int, so "non-numeric priority" only applies at the JSON-import boundary
// (encoding/json already enforces that a non-numeric value fails to
// unmarshal).
func (p Policy) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("policy: name is required")
	}
	switch p.Action.Action {
	case ActionAccept, ActionReject, ActionModify:
	default:
		return fmt.Errorf("policy %q: unrecognized action %q", p.Name, p.Action.Action)
	}
	if p.Match.TimeStart != "" {
		if _, err := parseHHMM(p.Match.TimeStart); err != nil {
			return fmt.Errorf("policy %q: invalid match.timeStart: %w", p.Name, err)
		}
	}
	if p.Match.TimeEnd != "" {
		if _, err := parseHHMM(p.Match.TimeEnd); err != nil {
			return fmt.Errorf("policy %q: invalid match.timeEnd: %w", p.Name, err)
		}
	}
	return nil
}

func parseHHMM(s string) (minutes int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// Matches reports whether route satisfies every specified clause, with
// `now` as the evaluation instant for the time-of-day/day-of-week clauses.
func (m Match) Matches(route model.Route, now time.Time) bool {
	if len(m.AgentIDs) > 0 && !containsAgentID(m.AgentIDs, route.AgentID) {
		return false
	}
	if len(m.Capabilities) > 0 {
		for _, c := range m.Capabilities {
			if !route.HasCapability(c) {
				return false
			}
		}
	}
	if len(m.CapabilitiesAny) > 0 {
		any := false
		for _, c := range m.CapabilitiesAny {
			if route.HasCapability(c) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	if len(m.ASNs) > 0 {
		any := false
		for _, asn := range m.ASNs {
			if route.ContainsASN(asn) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	if m.ASNRangeMin != nil || m.ASNRangeMax != nil {
		any := false
		for _, asn := range route.ASPath {
			if m.ASNRangeMin != nil && asn < *m.ASNRangeMin {
				continue
			}
			if m.ASNRangeMax != nil && asn > *m.ASNRangeMax {
				continue
			}
			any = true
			break
		}
		if !any {
			return false
		}
	}
	if m.HealthStatus != nil && route.Health() != *m.HealthStatus {
		return false
	}
	if m.LocalPrefMin != nil && route.LocalPref < *m.LocalPrefMin {
		return false
	}
	if m.LocalPrefMax != nil && route.LocalPref > *m.LocalPrefMax {
		return false
	}
	if m.MEDMin != nil && route.MED < *m.MEDMin {
		return false
	}
	if m.MEDMax != nil && route.MED > *m.MEDMax {
		return false
	}
	if m.ASPathLengthMin != nil && len(route.ASPath) < *m.ASPathLengthMin {
		return false
	}
	if m.ASPathLengthMax != nil && len(route.ASPath) > *m.ASPathLengthMax {
		return false
	}
	if len(m.DaysOfWeek) > 0 && !containsWeekday(m.DaysOfWeek, now.Weekday()) {
		return false
	}
	if m.TimeStart != "" && m.TimeEnd != "" {
		if !withinWindow(m.TimeStart, m.TimeEnd, now) {
			return false
		}
	}
	return true
}

func containsAgentID(ids []model.AgentID, id model.AgentID) bool {
	for _, a := range ids {
		if a == id {
			return true
		}
	}
	return false
}

func containsWeekday(days []time.Weekday, d time.Weekday) bool {
	for _, w := range days {
		if w == d {
			return true
		}
	}
	return false
}

// withinWindow treats both ends as inclusive, to the minute, and supports
// wrap-around across midnight: if start > end, the window is
// [start, 24:00) U [00:00, end].
func withinWindow(start, end string, now time.Time) bool {
	startMin, err := parseHHMM(start)
	if err != nil {
		return false
	}
	endMin, err := parseHHMM(end)
	if err != nil {
		return false
	}
	nowMin := now.Hour()*60 + now.Minute()
	if startMin <= endMin {
		return nowMin >= startMin && nowMin <= endMin
	}
	return nowMin >= startMin || nowMin <= endMin
}

// Apply mutates a clone of route per the modify action's overrides.
func (m ModifyAction) Apply(route model.Route) model.Route {
	out := route.Clone()
	if m.SetLocalPref != nil {
		out.LocalPref = *m.SetLocalPref
	}
	if m.SetMED != nil {
		out.MED = *m.SetMED
	} else if m.AddMED != nil {
		out.MED += *m.AddMED
	}
	for _, c := range m.AddCommunity {
		out.Communities[c] = struct{}{}
	}
	for _, c := range m.DelCommunity {
		delete(out.Communities, c)
	}
	return out
}

// DefaultPolicies returns the built-in policy set loaded when no
// static-policy file path is configured. It quarantines
// unhealthy agents rather than dropping their routes outright, so an
// operator can still see them via GET /routes, and otherwise accepts
// everything unchanged.
func DefaultPolicies() []Policy {
	unhealthy := model.HealthUnhealthy
	quarantinePref := 10
	return []Policy{
		{
			Name:     "quarantine-unhealthy",
			Enabled:  true,
			Priority: 100,
			Match: Match{
				HealthStatus: &unhealthy,
			},
			Action: PolicyAction{
				Action: ActionModify,
				Modify: ModifyAction{
					SetLocalPref: &quarantinePref,
					AddCommunity: []model.Community{"quarantine:unhealthy"},
				},
			},
		},
		{
			Name:     "default-accept",
			Enabled:  true,
			Priority: 0,
			Action:   PolicyAction{Action: ActionAccept},
		},
	}
}
