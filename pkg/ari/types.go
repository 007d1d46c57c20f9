package ari

import "time"

// CallerID is the caller/connected party descriptor on a channel.
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// DialplanCEP locates a channel in the dialplan (context, extension, priority).
type DialplanCEP struct {
	Context  string `json:"context"`
	Exten    string `json:"exten"`
	Priority int64  `json:"priority"`
}

// Channel is one leg of a call as reported by the control plane.
type Channel struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	State        string      `json:"state"`
	Caller       CallerID    `json:"caller"`
	Connected    CallerID    `json:"connected"`
	Dialplan     DialplanCEP `json:"dialplan"`
	CreationTime time.Time   `json:"creationtime"`
}

// Bridge joins two or more channels. BridgeClass "basic" marks bridges
// created by the dialplan's Dial(), "stasis" marks application-owned ones.
type Bridge struct {
	ID          string   `json:"id"`
	Technology  string   `json:"technology"`
	BridgeType  string   `json:"bridge_type"`
	BridgeClass string   `json:"bridge_class"`
	Channels    []string `json:"channels"`
}

// LiveRecording describes an in-progress recording resource.
type LiveRecording struct {
	Name            string `json:"name"`
	Format          string `json:"format"`
	State           string `json:"state"`
	TargetURI       string `json:"target_uri"`
	DurationSeconds int64  `json:"duration,omitempty"`
}

// Recording states reported by the control plane.
const (
	RecordingStateQueued    = "queued"
	RecordingStateRecording = "recording"
	RecordingStateDone      = "done"
	RecordingStateFailed    = "failed"
)

// Event is a single lifecycle notification from the events stream. Only the
// fields the monitor consumes are decoded; unknown event types pass through
// with Type set so callers can ignore them.
type Event struct {
	Type        string         `json:"type"`
	Application string         `json:"application"`
	Args        []string       `json:"args"`
	Timestamp   time.Time      `json:"timestamp"`
	Channel     *Channel       `json:"channel,omitempty"`
	Bridge      *Bridge        `json:"bridge,omitempty"`
	Recording   *LiveRecording `json:"recording,omitempty"`
}

// Event types the monitor reacts to.
const (
	EventStasisStart          = "StasisStart"
	EventStasisEnd            = "StasisEnd"
	EventChannelCreated       = "ChannelCreated"
	EventChannelDestroyed     = "ChannelDestroyed"
	EventChannelStateChange   = "ChannelStateChange"
	EventChannelEnteredBridge = "ChannelEnteredBridge"
	EventChannelLeftBridge    = "ChannelLeftBridge"
	EventBridgeCreated        = "BridgeCreated"
	EventBridgeDestroyed      = "BridgeDestroyed"
	EventRecordingStarted     = "RecordingStarted"
	EventRecordingFinished    = "RecordingFinished"
	EventRecordingFailed      = "RecordingFailed"
)
