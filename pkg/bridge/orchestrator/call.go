// Package orchestrator owns the per-call state machine: it consumes channel
// lifecycle events from the control plane (live stream and reconciliation
// poller alike), classifies channels, picks a recording strategy, and drives
// the snoop and conference machinery. All transitions for one call are
// serialized behind that call's mutex; different calls proceed in parallel.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/galaxtel/audiobridge/pkg/ari"
	"github.com/galaxtel/audiobridge/pkg/bridge/classify"
)

// State is the lifecycle position of a call.
type State int

const (
	StateDetected State = iota
	StateClassified
	StateRecordingStarting
	StateRecording
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDetected:
		return "detected"
	case StateClassified:
		return "classified"
	case StateRecordingStarting:
		return "recording_starting"
	case StateRecording:
		return "recording"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// terminal reports whether no further transitions are allowed.
func (s State) terminal() bool { return s == StateEnded || s == StateFailed }

// Strategy is how a call's audio gets captured.
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategyDirect
	StrategyViaSnoop
	StrategyConferenceRedirect
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyViaSnoop:
		return "via_snoop"
	case StrategyConferenceRedirect:
		return "conference_redirect"
	default:
		return "none"
	}
}

// ConferenceBinding ties a carrier channel to the conference room it was
// moved into. Discarded when the call ends.
type ConferenceBinding struct {
	Room      string
	CallID    string
	ChannelID string
}

// Call is one tracked call. Fields are guarded by mu; the orchestrator locks
// it for the whole handling of any event touching the call.
type Call struct {
	mu sync.Mutex

	ID    string
	state State

	role     classify.Role
	strategy Strategy

	// channels holds each monitored channel's last snapshot, so bridge
	// events can re-classify without refetching the channel. Snoop shadows
	// live in snoops, keyed by the channel they monitor; they never appear
	// in channels.
	channels map[string]ari.Channel
	snoops   map[string]string

	primaryChannel string
	caller         string
	callee         string
	startTime      time.Time

	sessionID     string
	recordingName string
	binding       *ConferenceBinding

	// pendingCarrier is a carrier channel waiting for bridge conditions to
	// settle before a strategy can run.
	pendingCarrier string

	captureCancel context.CancelFunc
	captureDone   chan struct{}
}

func newCall(id string) *Call {
	return &Call{
		ID:        id,
		state:     StateDetected,
		channels:  make(map[string]ari.Channel),
		snoops:    make(map[string]string),
		startTime: time.Now().UTC(),
	}
}

// transition advances the state machine. Terminal states absorb everything;
// moving backwards (a duplicate trigger) is a no-op. Returns whether the
// state actually changed.
func (c *Call) transition(to State) bool {
	if c.state.terminal() {
		return false
	}
	if to == StateFailed {
		c.state = StateFailed
		return true
	}
	if to <= c.state {
		return false
	}
	c.state = to
	return true
}

// State returns the current lifecycle state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Registry tracks live calls keyed by call id, with a channel-id index so
// end events (which only carry a channel) find their call. Access to a
// call's fields still requires that call's own mutex.
type Registry struct {
	mu        sync.Mutex
	calls     map[string]*Call
	byChannel map[string]*Call
}

func NewRegistry() *Registry {
	return &Registry{
		calls:     make(map[string]*Call),
		byChannel: make(map[string]*Call),
	}
}

// Resolve returns the call that owns channelID if one is already indexed;
// otherwise it fetches or creates the call for callID and indexes the
// channel to it, all under one lock. The live event stream and the
// reconciliation poller may resolve different call ids for the same channel,
// so ownership must be decided atomically by channel id.
func (r *Registry) Resolve(channelID, callID string) (c *Call, created, knownChannel bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byChannel[channelID]; ok {
		return c, false, true
	}
	c, ok := r.calls[callID]
	if !ok {
		c = newCall(callID)
		r.calls[callID] = c
		created = true
	}
	r.byChannel[channelID] = c
	return c, created, false
}

// Get returns the call for id if tracked.
func (r *Registry) Get(id string) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	return c, ok
}

// ByChannel resolves the call owning a monitored channel.
func (r *Registry) ByChannel(channelID string) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byChannel[channelID]
	return c, ok
}

// HasChannel reports whether a channel id is tracked by any call.
func (r *Registry) HasChannel(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byChannel[channelID]
	return ok
}

// TrackedChannels snapshots every monitored channel id and its call id.
func (r *Registry) TrackedChannels() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.byChannel))
	for ch, c := range r.byChannel {
		out[ch] = c.ID
	}
	return out
}

// Calls snapshots every tracked call.
func (r *Registry) Calls() []*Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Call, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c)
	}
	return out
}

// Remove drops the call and all of its channel index entries.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return
	}
	delete(r.calls, id)
	for ch, owner := range r.byChannel {
		if owner == c {
			delete(r.byChannel, ch)
		}
	}
}

// Len reports how many calls are tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
