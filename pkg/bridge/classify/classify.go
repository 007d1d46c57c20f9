// Package classify maps channel metadata to a role. The policy is a pure
// function of a channel snapshot: calling it twice on the same input yields
// the same role, so both the live event path and the reconciliation poller
// can classify without coordinating.
package classify

import (
	"strings"

	"github.com/galaxtel/audiobridge/pkg/ari"
)

// Role is the classified responsibility of a channel.
type Role int

const (
	// RoleUnknown channels are tracked but never recorded; they are
	// re-evaluated on subsequent events.
	RoleUnknown Role = iota
	// RoleAgent channels are directly recordable: they entered the
	// application on their own or live in an application-owned bridge.
	RoleAgent
	// RoleCarrier channels are trunk legs created by a blind dial; they
	// usually sit inside an externally managed bridge.
	RoleCarrier
	// RoleConference channels carry an in-progress conference room
	// reference and belong in that conference, not under direct recording.
	RoleConference
	// RoleSnoop channels are our own monitoring shadows. Never recorded
	// again; re-snooping a snoop would chain forever.
	RoleSnoop
)

func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	case RoleCarrier:
		return "carrier"
	case RoleConference:
		return "conference"
	case RoleSnoop:
		return "snoop"
	default:
		return "unknown"
	}
}

// ConferenceVariables are checked, in order, for an explicit room number.
// The list mirrors what VICIdial-style dialplans actually set.
var ConferenceVariables = []string{
	"MEETME_ROOMNUM",
	"CONFBRIDGE",
	"MEETME_ROOM",
	"CONFERENCE",
	"VICIDIAL_CONF",
	"CONFBRIDGE_NUM",
	"MEETME_CONF",
}

// Input is the channel snapshot the classifier operates on. Variables holds
// any pre-fetched channel variables (the classifier itself never performs
// I/O). InOwnBridge reports whether the channel already resides in one of
// the application's own bridges.
type Input struct {
	ID          string
	Name        string
	Dialplan    ari.DialplanCEP
	Variables   map[string]string
	InOwnBridge bool

	// CarrierPrefix is the configured trunk naming prefix, e.g. "SIP/galax".
	CarrierPrefix string
}

// Classify applies the role policy in priority order: snoop shadow, explicit
// conference reference, carrier trunk pattern, directly recordable, unknown.
// A direct entrant carrying no carrier or conference markers is an agent;
// unknown is reserved for channels whose intent has not settled yet.
func Classify(in Input) Role {
	if strings.HasPrefix(in.Name, "Snoop/") {
		return RoleSnoop
	}
	if _, ok := ConferenceRoom(in); ok {
		return RoleConference
	}
	if in.CarrierPrefix != "" && (strings.HasPrefix(in.Name, in.CarrierPrefix) || strings.Contains(in.ID, in.CarrierPrefix)) {
		return RoleCarrier
	}
	if in.InOwnBridge || strings.HasPrefix(in.Name, "Local/") {
		return RoleAgent
	}
	// Conference-bound but the room has not resolved yet; a later snapshot
	// carries the room variable or the bridge membership that settles it.
	dpContext := strings.ToLower(in.Dialplan.Context)
	if strings.Contains(dpContext, "conf") || strings.Contains(dpContext, "meetme") {
		return RoleUnknown
	}
	// Every Asterisk channel name is TECH/resource; anything with a tech
	// prefix that matched no marker above entered the application directly.
	if strings.Contains(in.Name, "/") {
		return RoleAgent
	}
	return RoleUnknown
}

// ConferenceRoom resolves an in-progress conference room reference from the
// snapshot. Resolution order: explicit variables, the Local/<room>@ name
// pattern, then a numeric extension inside a conference dialplan context.
// Room numbers are numeric with at least six digits.
func ConferenceRoom(in Input) (string, bool) {
	for _, name := range ConferenceVariables {
		if v := strings.TrimSpace(in.Variables[name]); v != "" {
			return v, true
		}
	}

	if room, ok := roomFromLocalName(in.Name); ok {
		return room, true
	}

	dpContext := strings.ToLower(in.Dialplan.Context)
	if strings.Contains(dpContext, "conf") || strings.Contains(dpContext, "meetme") {
		if isRoomNumber(in.Dialplan.Exten) {
			return in.Dialplan.Exten, true
		}
	}

	// Some dialplans encode the room in the context itself, e.g. "8600051@default".
	if at := strings.Index(in.Dialplan.Context, "@"); at > 0 {
		if candidate := in.Dialplan.Context[:at]; isRoomNumber(candidate) {
			return candidate, true
		}
	}

	return "", false
}

// roomFromLocalName extracts the room from names like
// "Local/8600051@default-00000038;1".
func roomFromLocalName(name string) (string, bool) {
	if !strings.HasPrefix(name, "Local/") || !strings.Contains(name, "@") {
		return "", false
	}
	rest := strings.TrimPrefix(name, "Local/")
	candidate, _, ok := strings.Cut(rest, "@")
	if !ok || !isRoomNumber(candidate) {
		return "", false
	}
	return candidate, true
}

func isRoomNumber(s string) bool {
	if len(s) < 6 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
