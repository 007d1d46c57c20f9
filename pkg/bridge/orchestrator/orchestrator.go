package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/galaxtel/audiobridge/pkg/ari"
	"github.com/galaxtel/audiobridge/pkg/bridge/audio"
	"github.com/galaxtel/audiobridge/pkg/bridge/classify"
	"github.com/galaxtel/audiobridge/pkg/bridge/store"
)

// controlPlane is the slice of the ARI client the orchestrator drives.
type controlPlane interface {
	Channels(ctx context.Context) ([]ari.Channel, error)
	ChannelVariable(ctx context.Context, channelID, name string) (string, error)
	SetChannelVariable(ctx context.Context, channelID, name, value string) error
	ChannelBridge(ctx context.Context, channelID string) (ari.Bridge, error)
	CreateSnoop(ctx context.Context, channelID string, opts ari.SnoopOptions) (string, error)
	StartRecording(ctx context.Context, channelID, name, format string) error
	StopRecording(ctx context.Context, name string) error
	RecordingState(ctx context.Context, name string) (ari.LiveRecording, error)
	LiveRecordingBytes(ctx context.Context, name string) ([]byte, error)
	ContinueToDialplan(ctx context.Context, channelID, dpContext, exten string, priority int) error
	Hangup(ctx context.Context, channelID string) error
}

// audioPipeline captures recording bytes and drains uploads.
type audioPipeline interface {
	Capture(ctx context.Context, rec audio.Recorder, callID, streamID, recordingName string) error
	Flush(ctx context.Context, callID string) error
}

// chunkHub releases live subscribers when a call ends.
type chunkHub interface {
	CloseCall(callID string)
}

// callStore persists call and recording-session rows.
type callStore interface {
	UpsertCall(ctx context.Context, c store.Call) error
	UpdateCallStatus(ctx context.Context, callID, status string, endTime *time.Time) error
	UpsertRecordingSession(ctx context.Context, rs store.RecordingSession) error
}

// Config tunes the orchestrator.
type Config struct {
	AppName           string
	CarrierPrefix     string
	ConferenceContext string

	RecordingFormat        string
	RecordingStartAttempts int
	RecordingStartBackoff  time.Duration
	RecordingStartTimeout  time.Duration
	SnoopCreateTimeout     time.Duration
	ConferenceMoveTimeout  time.Duration

	// DrainTimeout bounds how long call teardown waits for in-flight
	// chunk uploads.
	DrainTimeout time.Duration
}

// Orchestrator coordinates call lifecycle, recording strategy, and teardown.
type Orchestrator struct {
	cfg      Config
	cp       controlPlane
	pipeline audioPipeline
	hub      chunkHub
	db       callStore
	reg      *Registry
	log      *slog.Logger

	stopping atomic.Bool
}

func New(cfg Config, cp controlPlane, pipeline audioPipeline, h chunkHub, db callStore, logger *slog.Logger) *Orchestrator {
	if cfg.RecordingFormat == "" {
		cfg.RecordingFormat = "wav"
	}
	if cfg.RecordingStartAttempts <= 0 {
		cfg.RecordingStartAttempts = 3
	}
	if cfg.RecordingStartBackoff <= 0 {
		cfg.RecordingStartBackoff = 500 * time.Millisecond
	}
	if cfg.RecordingStartTimeout <= 0 {
		cfg.RecordingStartTimeout = 10 * time.Second
	}
	if cfg.SnoopCreateTimeout <= 0 {
		cfg.SnoopCreateTimeout = 5 * time.Second
	}
	if cfg.ConferenceMoveTimeout <= 0 {
		cfg.ConferenceMoveTimeout = 5 * time.Second
	}
	if cfg.ConferenceContext == "" {
		cfg.ConferenceContext = "default"
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	return &Orchestrator{
		cfg:      cfg,
		cp:       cp,
		pipeline: pipeline,
		hub:      h,
		db:       db,
		reg:      NewRegistry(),
		log:      logger,
	}
}

// Registry exposes the call registry to the reconciliation poller.
func (o *Orchestrator) Registry() *Registry { return o.reg }

// Stop cancels every running capture loop and waits for the loops to exit.
// After Stop returns no capture feeds the audio pipeline, so the pipeline
// can be closed without racing an in-flight chunk. No new captures start
// once Stop has been called.
func (o *Orchestrator) Stop() {
	o.stopping.Store(true)
	var done []chan struct{}
	for _, call := range o.reg.Calls() {
		call.mu.Lock()
		if call.captureCancel != nil {
			call.captureCancel()
			call.captureCancel = nil
		}
		if call.captureDone != nil {
			done = append(done, call.captureDone)
		}
		call.mu.Unlock()
	}
	for _, ch := range done {
		<-ch
	}
}

// HandleEvent is the single entry point for lifecycle notifications; both
// the live event stream and the reconciliation poller feed it, so duplicate
// and out-of-order triggers must already be safe here.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev ari.Event) {
	if ev.Application != "" && ev.Application != o.cfg.AppName {
		return
	}

	switch ev.Type {
	case ari.EventStasisStart:
		if ev.Channel == nil {
			return
		}
		if strings.HasPrefix(ev.Channel.Name, "Snoop/") {
			// Our own monitoring shadows enter the application too.
			// They are recorded directly by id and never re-classified.
			return
		}
		o.handleChannelStart(ctx, resolveCallID(ev), *ev.Channel)

	case ari.EventStasisEnd, ari.EventChannelDestroyed:
		if ev.Channel == nil {
			return
		}
		o.handleChannelEnd(ctx, ev.Channel.ID)

	case ari.EventChannelEnteredBridge:
		if ev.Channel == nil {
			return
		}
		o.handleBridgeChange(ctx, ev.Channel.ID)

	case ari.EventChannelLeftBridge, ari.EventBridgeDestroyed:
		o.retriggerPending(ctx, ev)

	case ari.EventRecordingFailed:
		if ev.Recording == nil {
			return
		}
		o.handleRecordingFailed(ctx, ev.Recording.Name)
	}
}

// resolveCallID picks the call identifier for a starting channel. Dialplans
// pass it through the application arguments (second argument preferred);
// channels that arrive without arguments fall back to their own identity.
func resolveCallID(ev ari.Event) string {
	if len(ev.Args) >= 2 && ev.Args[1] != "" {
		return ev.Args[1]
	}
	if len(ev.Args) >= 1 && ev.Args[0] != "" {
		return ev.Args[0]
	}
	if ev.Channel != nil {
		if ev.Channel.Name != "" {
			return ev.Channel.Name
		}
		return ev.Channel.ID
	}
	return ""
}

func (o *Orchestrator) handleChannelStart(ctx context.Context, callID string, ch ari.Channel) {
	if callID == "" || ch.ID == "" {
		return
	}

	call, created, knownChannel := o.reg.Resolve(ch.ID, callID)
	call.mu.Lock()
	defer call.mu.Unlock()

	if call.state.terminal() {
		return
	}
	if knownChannel && call.state >= StateClassified {
		// Duplicate channel-entered trigger (live stream and poller racing).
		return
	}

	call.channels[ch.ID] = ch
	if call.primaryChannel == "" {
		call.primaryChannel = ch.ID
		call.caller = ch.Caller.Number
		call.callee = ch.Connected.Number
	}

	if created {
		if err := o.db.UpsertCall(ctx, store.Call{
			CallID:       call.ID,
			ChannelID:    ch.ID,
			CallerNumber: call.caller,
			CalleeNumber: call.callee,
			Status:       StateDetected.String(),
			StartTime:    &call.startTime,
		}); err != nil {
			o.log.Error("call persist failed", "call_id", call.ID, "error", err)
		}
		o.log.Info("call detected", "call_id", call.ID, "channel_id", ch.ID, "channel", ch.Name)
	}

	o.classifyAndStart(ctx, call, ch)
}

// classifyAndStart runs with call.mu held.
func (o *Orchestrator) classifyAndStart(ctx context.Context, call *Call, ch ari.Channel) {
	in := o.snapshot(ctx, ch)
	role := classify.Classify(in)
	if role == classify.RoleSnoop {
		return
	}
	if role == classify.RoleUnknown {
		// Stays Detected; the next event touching the channel (duplicate
		// start, bridge membership, poll) classifies it again.
		call.role = role
		o.log.Info("channel role unknown, tracking only", "call_id", call.ID, "channel_id", ch.ID, "channel", ch.Name)
		return
	}

	if call.transition(StateClassified) {
		call.role = role
		o.persistStatus(ctx, call, nil)
		o.log.Info("channel classified",
			"call_id", call.ID, "channel_id", ch.ID, "role", role.String())
	} else if call.state > StateClassified {
		return
	}

	switch role {
	case classify.RoleConference:
		o.startConferenceRedirect(ctx, call, ch, in)
	case classify.RoleCarrier:
		if in.InOwnBridge || o.inExternalBridge(ctx, ch.ID) {
			o.startViaSnoop(ctx, call, ch.ID)
		} else {
			// Not bridged yet; wait for the bridge-entered event.
			call.pendingCarrier = ch.ID
			o.log.Info("carrier waiting for bridge", "call_id", call.ID, "channel_id", ch.ID)
		}
	case classify.RoleAgent:
		o.startDirect(ctx, call, ch.ID)
	}
}

// snapshot gathers the classifier input for a channel. Variable reads that
// fail are treated as unset; classification must still proceed.
func (o *Orchestrator) snapshot(ctx context.Context, ch ari.Channel) classify.Input {
	vars := make(map[string]string, len(classify.ConferenceVariables))
	for _, name := range classify.ConferenceVariables {
		v, err := o.cp.ChannelVariable(ctx, ch.ID, name)
		if err != nil {
			continue
		}
		if v != "" {
			vars[name] = v
		}
	}

	inOwn := false
	if b, err := o.cp.ChannelBridge(ctx, ch.ID); err == nil {
		inOwn = b.BridgeClass == "stasis"
	}

	return classify.Input{
		ID:            ch.ID,
		Name:          ch.Name,
		Dialplan:      ch.Dialplan,
		Variables:     vars,
		InOwnBridge:   inOwn,
		CarrierPrefix: o.cfg.CarrierPrefix,
	}
}

func (o *Orchestrator) inExternalBridge(ctx context.Context, channelID string) bool {
	b, err := o.cp.ChannelBridge(ctx, channelID)
	return err == nil && b.BridgeClass != "stasis"
}

// startDirect records the channel itself.
func (o *Orchestrator) startDirect(ctx context.Context, call *Call, channelID string) {
	call.strategy = StrategyDirect
	o.startRecording(ctx, call, channelID)
}

// startViaSnoop creates (or reuses) a monitoring shadow for the channel and
// records the shadow. Snoop creation failure is a recording-start failure.
func (o *Orchestrator) startViaSnoop(ctx context.Context, call *Call, channelID string) {
	call.strategy = StrategyViaSnoop
	call.pendingCarrier = ""

	snoopID, err := o.startSnoop(ctx, call, channelID)
	if err != nil {
		o.log.Error("snoop creation failed", "call_id", call.ID, "channel_id", channelID, "error", err)
		o.fail(ctx, call, channelID)
		return
	}
	o.startRecording(ctx, call, snoopID)
}

// startSnoop guarantees at most one active snoop per monitored channel; a
// second request returns the existing shadow.
func (o *Orchestrator) startSnoop(ctx context.Context, call *Call, channelID string) (string, error) {
	if id, ok := call.snoops[channelID]; ok {
		return id, nil
	}
	cctx, cancel := context.WithTimeout(ctx, o.cfg.SnoopCreateTimeout)
	defer cancel()
	id, err := o.cp.CreateSnoop(cctx, channelID, ari.SnoopOptions{
		App:     o.cfg.AppName,
		Spy:     "both",
		Whisper: "none",
	})
	if err != nil {
		return "", fmt.Errorf("orchestrator: snoop %s: %w", channelID, err)
	}
	call.snoops[channelID] = id
	o.log.Info("snoop created", "call_id", call.ID, "channel_id", channelID, "snoop_id", id)
	return id, nil
}

// startConferenceRedirect moves the channel into its resolved conference
// room; the conferencing subsystem owns the audio from there. An
// unresolvable room falls back to ViaSnoop rather than leaving the call
// unmonitored.
func (o *Orchestrator) startConferenceRedirect(ctx context.Context, call *Call, ch ari.Channel, in classify.Input) {
	room, ok := classify.ConferenceRoom(in)
	if !ok {
		o.log.Warn("conference room unresolved, falling back to snoop", "call_id", call.ID, "channel_id", ch.ID)
		o.startViaSnoop(ctx, call, ch.ID)
		return
	}

	call.strategy = StrategyConferenceRedirect
	if call.state.terminal() || call.state >= StateRecording {
		return
	}
	call.transition(StateRecordingStarting)
	call.sessionID = uuid.NewString()
	o.persistSession(ctx, call, "starting", ch.ID)

	mctx, cancel := context.WithTimeout(ctx, o.cfg.ConferenceMoveTimeout)
	err := o.cp.ContinueToDialplan(mctx, ch.ID, o.cfg.ConferenceContext, room, 1)
	cancel()
	if err != nil {
		o.log.Warn("conference move failed, falling back to snoop",
			"call_id", call.ID, "channel_id", ch.ID, "room", room, "error", err)
		o.persistSession(ctx, call, "failed", ch.ID)
		o.startViaSnoop(ctx, call, ch.ID)
		return
	}

	// The owning call-center system keys "call is live" off DIALSTATUS.
	if err := o.cp.SetChannelVariable(ctx, ch.ID, "DIALSTATUS", "ANSWER"); err != nil {
		o.log.Warn("dialstatus update failed", "call_id", call.ID, "channel_id", ch.ID, "error", err)
	}

	call.binding = &ConferenceBinding{Room: room, CallID: call.ID, ChannelID: ch.ID}
	call.transition(StateRecording)
	o.persistSession(ctx, call, "active", ch.ID)
	o.persistStatus(ctx, call, nil)
	o.log.Info("channel moved to conference", "call_id", call.ID, "channel_id", ch.ID, "room", room)
}

// startRecording starts and confirms a live recording on the target channel
// with bounded retries, then launches the capture loop. Runs with call.mu
// held.
func (o *Orchestrator) startRecording(ctx context.Context, call *Call, targetID string) {
	if call.state.terminal() || call.state >= StateRecording {
		return
	}
	call.transition(StateRecordingStarting)
	call.sessionID = uuid.NewString()
	call.recordingName = "rec-" + call.ID + "-" + call.sessionID[:8]
	o.persistStatus(ctx, call, nil)
	o.persistSession(ctx, call, "starting", targetID)

	backoff := retry.WithMaxRetries(uint64(o.cfg.RecordingStartAttempts-1), retry.NewExponential(o.cfg.RecordingStartBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, o.cfg.RecordingStartTimeout)
		defer cancel()
		if err := o.cp.StartRecording(actx, targetID, call.recordingName, o.cfg.RecordingFormat); err != nil {
			return retry.RetryableError(err)
		}
		if err := o.confirmRecording(actx, call.recordingName); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		o.log.Error("recording start failed",
			"call_id", call.ID, "target_id", targetID, "recording", call.recordingName, "error", err)
		o.fail(ctx, call, targetID)
		return
	}

	call.transition(StateRecording)
	o.persistSession(ctx, call, "active", targetID)
	o.persistStatus(ctx, call, nil)
	o.log.Info("recording active",
		"call_id", call.ID, "target_id", targetID, "recording", call.recordingName, "strategy", call.strategy.String())

	if o.stopping.Load() {
		return
	}
	capCtx, cancel := context.WithCancel(context.Background())
	call.captureCancel = cancel
	done := make(chan struct{})
	call.captureDone = done
	callID, streamID := call.ID, call.recordingName
	go func() {
		defer close(done)
		if err := o.pipeline.Capture(capCtx, o.cp, callID, streamID, streamID); err != nil && !errors.Is(err, context.Canceled) {
			o.log.Warn("capture loop ended", "call_id", callID, "recording", streamID, "error", err)
		}
	}()
}

// confirmRecording polls until the control plane reports the recording live.
func (o *Orchestrator) confirmRecording(ctx context.Context, name string) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		lr, err := o.cp.RecordingState(ctx, name)
		if err == nil {
			switch lr.State {
			case ari.RecordingStateRecording:
				return nil
			case ari.RecordingStateFailed:
				return fmt.Errorf("orchestrator: recording %s reported failed", name)
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("orchestrator: recording %s not confirmed: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// handleBridgeChange re-evaluates a channel after it enters a bridge: a
// carrier that was waiting for bridge conditions gets its snoop now, and a
// channel that classified unknown gets a fresh look with the new bridge
// membership in its snapshot.
func (o *Orchestrator) handleBridgeChange(ctx context.Context, channelID string) {
	call, ok := o.reg.ByChannel(channelID)
	if !ok {
		return
	}
	call.mu.Lock()
	defer call.mu.Unlock()
	if call.state.terminal() || call.state >= StateRecordingStarting {
		return
	}
	if call.pendingCarrier == channelID {
		o.startViaSnoop(ctx, call, channelID)
		return
	}
	if ch, ok := call.channels[channelID]; ok {
		o.classifyAndStart(ctx, call, ch)
	}
}

// retriggerPending re-runs strategy selection for carriers whose external
// bridge went away before a snoop could attach.
func (o *Orchestrator) retriggerPending(ctx context.Context, ev ari.Event) {
	var channelID string
	if ev.Channel != nil {
		channelID = ev.Channel.ID
	}
	if channelID == "" {
		return
	}
	call, ok := o.reg.ByChannel(channelID)
	if !ok {
		return
	}
	call.mu.Lock()
	defer call.mu.Unlock()
	if call.state.terminal() || call.pendingCarrier != channelID {
		return
	}
	o.startViaSnoop(ctx, call, channelID)
}

// handleRecordingFailed reacts to an asynchronous recording failure from the
// control plane after the start was confirmed.
func (o *Orchestrator) handleRecordingFailed(ctx context.Context, recordingName string) {
	for _, call := range o.reg.Calls() {
		call.mu.Lock()
		if call.recordingName == recordingName && !call.state.terminal() {
			o.log.Error("recording failed mid-call", "call_id", call.ID, "recording", recordingName)
			o.fail(ctx, call, call.primaryChannel)
			call.mu.Unlock()
			return
		}
		call.mu.Unlock()
	}
}

func (o *Orchestrator) handleChannelEnd(ctx context.Context, channelID string) {
	call, ok := o.reg.ByChannel(channelID)
	if !ok {
		o.dropOrphanSnoop(channelID)
		return
	}
	call.mu.Lock()
	defer call.mu.Unlock()

	delete(call.channels, channelID)
	if len(call.channels) > 0 {
		return
	}
	o.endCall(ctx, call)
}

// dropOrphanSnoop clears snoop bookkeeping when a shadow channel ends on its
// own; the monitored call keeps going.
func (o *Orchestrator) dropOrphanSnoop(channelID string) {
	for _, call := range o.reg.Calls() {
		call.mu.Lock()
		for monitored, snoopID := range call.snoops {
			if snoopID == channelID {
				delete(call.snoops, monitored)
			}
		}
		call.mu.Unlock()
	}
}

// endCall runs with call.mu held.
func (o *Orchestrator) endCall(ctx context.Context, call *Call) {
	if !call.transition(StateEnded) {
		return
	}
	o.log.Info("call ended", "call_id", call.ID)
	o.teardown(ctx, call, StateEnded)
}

// fail runs with call.mu held.
func (o *Orchestrator) fail(ctx context.Context, call *Call, channelID string) {
	if !call.transition(StateFailed) {
		return
	}
	if call.sessionID != "" {
		o.persistSession(ctx, call, "failed", channelID)
	}
	o.log.Error("call failed", "call_id", call.ID, "channel_id", channelID)
	o.teardown(ctx, call, StateFailed)
}

// teardown releases everything the call owns: the capture loop, the live
// recording, snoop shadows, and the conference binding. In-flight chunk
// uploads drain in the background rather than being cancelled. Runs with
// call.mu held.
func (o *Orchestrator) teardown(ctx context.Context, call *Call, final State) {
	if call.captureCancel != nil {
		call.captureCancel()
		call.captureCancel = nil
	}

	if call.recordingName != "" {
		if err := o.cp.StopRecording(ctx, call.recordingName); err != nil && !errors.Is(err, ari.ErrNotFound) {
			o.log.Warn("recording stop failed", "call_id", call.ID, "recording", call.recordingName, "error", err)
		}
	}
	for monitored, snoopID := range call.snoops {
		if err := o.cp.Hangup(ctx, snoopID); err != nil {
			o.log.Warn("snoop hangup failed", "call_id", call.ID, "snoop_id", snoopID, "error", err)
		}
		delete(call.snoops, monitored)
	}
	call.binding = nil

	now := time.Now().UTC()
	if err := o.db.UpdateCallStatus(ctx, call.ID, final.String(), &now); err != nil {
		o.log.Error("final status persist failed", "call_id", call.ID, "error", err)
	}
	if call.sessionID != "" && final == StateEnded {
		o.persistSession(ctx, call, "stopped", call.primaryChannel)
	}

	captureDone := call.captureDone
	callID := call.ID
	o.reg.Remove(callID)

	go func() {
		if captureDone != nil {
			<-captureDone
		}
		fctx, cancel := context.WithTimeout(context.Background(), o.cfg.DrainTimeout)
		defer cancel()
		if err := o.pipeline.Flush(fctx, callID); err != nil {
			o.log.Warn("upload drain incomplete", "call_id", callID, "error", err)
		}
		o.hub.CloseCall(callID)
	}()
}

func (o *Orchestrator) persistStatus(ctx context.Context, call *Call, endTime *time.Time) {
	if err := o.db.UpdateCallStatus(ctx, call.ID, call.state.String(), endTime); err != nil {
		o.log.Error("status persist failed", "call_id", call.ID, "status", call.state.String(), "error", err)
	}
}

func (o *Orchestrator) persistSession(ctx context.Context, call *Call, status, targetID string) {
	if err := o.db.UpsertRecordingSession(ctx, store.RecordingSession{
		SessionID:       call.sessionID,
		CallID:          call.ID,
		Strategy:        call.strategy.String(),
		Status:          status,
		TargetChannelID: targetID,
		CreatedAt:       time.Now().UTC(),
	}); err != nil {
		o.log.Error("session persist failed", "call_id", call.ID, "session_id", call.sessionID, "error", err)
	}
}
