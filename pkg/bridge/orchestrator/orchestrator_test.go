package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/galaxtel/audiobridge/pkg/ari"
	"github.com/galaxtel/audiobridge/pkg/bridge/audio"
	"github.com/galaxtel/audiobridge/pkg/bridge/hub"
	"github.com/galaxtel/audiobridge/pkg/bridge/store"
)

type fakeControlPlane struct {
	mu sync.Mutex

	channels []ari.Channel
	vars     map[string]map[string]string
	bridges  map[string]ari.Bridge

	snoopErr    error
	snoopSeq    int
	recState    string
	recBytes    []byte
	startErrs   []error
	continueErr error

	startedRecordings []string
	stoppedRecordings []string
	hangups           []string
	continues         []string
	setVars           []string
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{
		vars:     make(map[string]map[string]string),
		bridges:  make(map[string]ari.Bridge),
		recState: ari.RecordingStateRecording,
	}
}

func (f *fakeControlPlane) Channels(context.Context) ([]ari.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ari.Channel(nil), f.channels...), nil
}

func (f *fakeControlPlane) ChannelVariable(_ context.Context, channelID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vars[channelID][name], nil
}

func (f *fakeControlPlane) SetChannelVariable(_ context.Context, channelID, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setVars = append(f.setVars, channelID+":"+name+"="+value)
	return nil
}

func (f *fakeControlPlane) ChannelBridge(_ context.Context, channelID string) (ari.Bridge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bridges[channelID]
	if !ok {
		return ari.Bridge{}, ari.ErrNotFound
	}
	return b, nil
}

func (f *fakeControlPlane) CreateSnoop(_ context.Context, channelID string, _ ari.SnoopOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snoopErr != nil {
		return "", f.snoopErr
	}
	f.snoopSeq++
	return fmt.Sprintf("snoop-%d", f.snoopSeq), nil
}

func (f *fakeControlPlane) StartRecording(_ context.Context, channelID, name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		if err != nil {
			return err
		}
	}
	f.startedRecordings = append(f.startedRecordings, channelID+":"+name)
	return nil
}

func (f *fakeControlPlane) StopRecording(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stoppedRecordings = append(f.stoppedRecordings, name)
	return nil
}

func (f *fakeControlPlane) RecordingState(_ context.Context, name string) (ari.LiveRecording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ari.LiveRecording{Name: name, State: f.recState}, nil
}

func (f *fakeControlPlane) LiveRecordingBytes(context.Context, string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.recBytes...), nil
}

func (f *fakeControlPlane) ContinueToDialplan(_ context.Context, channelID, dpContext, exten string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.continueErr != nil {
		return f.continueErr
	}
	f.continues = append(f.continues, channelID+":"+exten+"@"+dpContext)
	return nil
}

func (f *fakeControlPlane) Hangup(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, channelID)
	return nil
}

func (f *fakeControlPlane) snapshotStarted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.startedRecordings...)
}

type fakeStore struct {
	mu       sync.Mutex
	calls    map[string]store.Call
	statuses map[string][]string
	sessions map[string]store.RecordingSession
	streams  []store.Stream
	chunks   []store.Chunk
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		calls:    make(map[string]store.Call),
		statuses: make(map[string][]string),
		sessions: make(map[string]store.RecordingSession),
	}
}

func (f *fakeStore) UpsertCall(_ context.Context, c store.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[c.CallID] = c
	return nil
}

func (f *fakeStore) UpdateCallStatus(_ context.Context, callID, status string, _ *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[callID] = append(f.statuses[callID], status)
	return nil
}

func (f *fakeStore) UpsertRecordingSession(_ context.Context, rs store.RecordingSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[rs.SessionID] = rs
	return nil
}

func (f *fakeStore) UpsertStream(_ context.Context, st store.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, st)
	return nil
}

func (f *fakeStore) UpsertChunk(_ context.Context, c store.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, c)
	return nil
}

func (f *fakeStore) lastStatus(callID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ss := f.statuses[callID]
	if len(ss) == 0 {
		return ""
	}
	return ss[len(ss)-1]
}

func (f *fakeStore) chunkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks)
}

func (f *fakeStore) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make(map[string]struct{})
	for id := range f.sessions {
		ids[id] = struct{}{}
	}
	return len(ids)
}

type fakeObjects struct{ mu sync.Mutex }

func (f *fakeObjects) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	return "https://cdn.test/" + key, nil
}

type harness struct {
	cp   *fakeControlPlane
	db   *fakeStore
	hub  *hub.Hub
	pipe *audio.Pipeline
	orch *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	cp := newFakeControlPlane()
	db := newFakeStore()
	h := hub.New(hub.Config{SubscriberQueue: 64}, logger)
	pipe := audio.New(audio.Config{
		ChunkSize:         4,
		SampleRate:        8000,
		Channels:          1,
		Format:            "pcm",
		CaptureInterval:   time.Millisecond,
		UploadWorkers:     2,
		UploadMaxAttempts: 2,
		UploadBackoff:     time.Millisecond,
	}, &fakeObjects{}, db, h, nil, func(callID string, index uint64) string {
		return fmt.Sprintf("%s/chunk_%d.raw", callID, index)
	}, logger)
	t.Cleanup(pipe.Close)

	orch := New(Config{
		AppName:                "audiobridge",
		CarrierPrefix:          "SIP/galax",
		ConferenceContext:      "default",
		RecordingFormat:        "wav",
		RecordingStartAttempts: 3,
		RecordingStartBackoff:  time.Millisecond,
		RecordingStartTimeout:  2 * time.Second,
		SnoopCreateTimeout:     time.Second,
		ConferenceMoveTimeout:  time.Second,
		DrainTimeout:           2 * time.Second,
	}, cp, pipe, h, db, logger)

	return &harness{cp: cp, db: db, hub: h, pipe: pipe, orch: orch}
}

func startEvent(callID string, ch ari.Channel) ari.Event {
	return ari.Event{
		Type:        ari.EventStasisStart,
		Application: "audiobridge",
		Args:        []string{ch.ID, callID},
		Timestamp:   time.Now(),
		Channel:     &ch,
	}
}

func endEvent(channelID string) ari.Event {
	return ari.Event{
		Type:        ari.EventStasisEnd,
		Application: "audiobridge",
		Timestamp:   time.Now(),
		Channel:     &ari.Channel{ID: channelID},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDuplicateStartCreatesOneRecordingSession(t *testing.T) {
	h := newHarness(t)
	ch := ari.Channel{ID: "chan-1", Name: "SIP/1001-abc"}
	h.cp.bridges["chan-1"] = ari.Bridge{ID: "b1", BridgeClass: "stasis"}

	ev := startEvent("call-1", ch)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.orch.HandleEvent(context.Background(), ev)
		}()
	}
	wg.Wait()

	if got := h.db.sessionCount(); got != 1 {
		t.Fatalf("expected exactly one recording session, got %d", got)
	}
	if got := len(h.cp.snapshotStarted()); got != 1 {
		t.Fatalf("expected one recording start, got %d", got)
	}

	h.orch.HandleEvent(context.Background(), endEvent("chan-1"))
	waitFor(t, "call torn down", func() bool { return h.orch.Registry().Len() == 0 })
}

func TestCarrierSnoopEndToEnd(t *testing.T) {
	h := newHarness(t)
	ch := ari.Channel{ID: "chan-c1", Name: "SIP/galax-00000042"}
	h.cp.bridges["chan-c1"] = ari.Bridge{ID: "ext-1", BridgeClass: "basic"}
	h.cp.mu.Lock()
	h.cp.recBytes = make([]byte, 40)
	h.cp.mu.Unlock()

	sub := h.hub.Subscribe("call-c1")
	h.orch.HandleEvent(context.Background(), startEvent("call-c1", ch))

	started := h.cp.snapshotStarted()
	if len(started) != 1 {
		t.Fatalf("expected one recording start, got %v", started)
	}
	if started[0][:len("snoop-1:")] != "snoop-1:" {
		t.Fatalf("recording should target the snoop channel, got %q", started[0])
	}

	// 40 bytes at chunk size 4 yield exactly ten chunks, indices 0..9.
	var received []hub.Chunk
	for len(received) < 10 {
		select {
		case c, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscriber closed early after %d chunks", len(received))
			}
			received = append(received, c)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d chunks", len(received))
		}
	}
	for i, c := range received {
		if c.Index != uint64(i) {
			t.Fatalf("chunk %d arrived with index %d", i, c.Index)
		}
	}

	h.orch.HandleEvent(context.Background(), endEvent("chan-c1"))

	waitFor(t, "subscriber channel closed", func() bool {
		select {
		case _, ok := <-sub.C:
			return !ok
		default:
			return false
		}
	})

	h.cp.mu.Lock()
	hangups := append([]string(nil), h.cp.hangups...)
	stopped := append([]string(nil), h.cp.stoppedRecordings...)
	h.cp.mu.Unlock()
	if len(hangups) != 1 || hangups[0] != "snoop-1" {
		t.Fatalf("expected snoop hangup, got %v", hangups)
	}
	if len(stopped) != 1 {
		t.Fatalf("expected recording stopped, got %v", stopped)
	}

	h.db.mu.Lock()
	chunkCount := len(h.db.chunks)
	h.db.mu.Unlock()
	if chunkCount != 10 {
		t.Fatalf("expected 10 stored chunk records, got %d", chunkCount)
	}
	if got := h.db.lastStatus("call-c1"); got != "ended" {
		t.Fatalf("expected final status ended, got %q", got)
	}
}

func TestConferenceRedirect(t *testing.T) {
	h := newHarness(t)
	ch := ari.Channel{ID: "chan-m1", Name: "SIP/galax-00000099"}
	h.cp.vars["chan-m1"] = map[string]string{"MEETME_ROOMNUM": "8600051"}

	h.orch.HandleEvent(context.Background(), startEvent("call-m1", ch))

	h.cp.mu.Lock()
	continues := append([]string(nil), h.cp.continues...)
	setVars := append([]string(nil), h.cp.setVars...)
	h.cp.mu.Unlock()
	if len(continues) != 1 || continues[0] != "chan-m1:8600051@default" {
		t.Fatalf("expected conference move, got %v", continues)
	}
	if len(setVars) != 1 || setVars[0] != "chan-m1:DIALSTATUS=ANSWER" {
		t.Fatalf("expected DIALSTATUS update, got %v", setVars)
	}

	call, ok := h.orch.Registry().Get("call-m1")
	if !ok {
		t.Fatalf("call not tracked")
	}
	if call.State() != StateRecording {
		t.Fatalf("expected recording state, got %s", call.State())
	}
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	for _, s := range h.db.sessions {
		if s.Strategy != "conference_redirect" || s.Status != "active" {
			t.Fatalf("unexpected session %+v", s)
		}
	}
}

func TestConferenceMoveFailureFallsBackToSnoop(t *testing.T) {
	h := newHarness(t)
	ch := ari.Channel{ID: "chan-m2", Name: "SIP/galax-00000100"}
	h.cp.vars["chan-m2"] = map[string]string{"MEETME_ROOMNUM": "8600052"}
	h.cp.continueErr = errors.New("channel gone from dialplan")

	h.orch.HandleEvent(context.Background(), startEvent("call-m2", ch))

	started := h.cp.snapshotStarted()
	if len(started) != 1 || started[0][:len("snoop-1:")] != "snoop-1:" {
		t.Fatalf("expected snoop recording fallback, got %v", started)
	}
	call, _ := h.orch.Registry().Get("call-m2")
	if call.State() != StateRecording {
		t.Fatalf("expected recording after fallback, got %s", call.State())
	}
}

func TestSnoopCreationFailureFailsCall(t *testing.T) {
	h := newHarness(t)
	ch := ari.Channel{ID: "chan-c2", Name: "SIP/galax-00000043"}
	h.cp.bridges["chan-c2"] = ari.Bridge{ID: "ext-2", BridgeClass: "basic"}
	h.cp.snoopErr = errors.New("allocation failed")

	h.orch.HandleEvent(context.Background(), startEvent("call-c2", ch))

	if got := h.db.lastStatus("call-c2"); got != "failed" {
		t.Fatalf("expected failed status, got %q", got)
	}
	waitFor(t, "failed call removed", func() bool { return h.orch.Registry().Len() == 0 })
}

func TestUnknownChannelTrackedWithoutRecording(t *testing.T) {
	h := newHarness(t)
	// Conference-bound but the room is not resolvable yet.
	ch := ari.Channel{
		ID:       "chan-u1",
		Name:     "SIP/1002-00000061",
		Dialplan: ari.DialplanCEP{Context: "meetme-entry", Exten: "s"},
	}

	h.orch.HandleEvent(context.Background(), startEvent("call-u1", ch))

	if got := h.cp.snapshotStarted(); len(got) != 0 {
		t.Fatalf("unknown channel must not be recorded, got %v", got)
	}
	call, ok := h.orch.Registry().Get("call-u1")
	if !ok {
		t.Fatalf("unknown channel should stay tracked")
	}
	if got := call.State(); got != StateDetected {
		t.Fatalf("unknown channel state = %v, must stay detected for re-evaluation", got)
	}
}

func TestUnknownChannelReclassifiedWhenBridged(t *testing.T) {
	h := newHarness(t)
	ch := ari.Channel{
		ID:       "chan-u2",
		Name:     "SIP/1003-00000062",
		Dialplan: ari.DialplanCEP{Context: "meetme-entry", Exten: "s"},
	}

	h.orch.HandleEvent(context.Background(), startEvent("call-u2", ch))
	if got := h.cp.snapshotStarted(); len(got) != 0 {
		t.Fatalf("unknown channel must not be recorded yet, got %v", got)
	}

	// A duplicate start while nothing changed must stay a no-op.
	h.orch.HandleEvent(context.Background(), startEvent("call-u2", ch))
	if got := h.cp.snapshotStarted(); len(got) != 0 {
		t.Fatalf("duplicate start must not record an unknown channel, got %v", got)
	}

	// Entering an application-owned bridge settles the role.
	h.cp.mu.Lock()
	h.cp.bridges["chan-u2"] = ari.Bridge{ID: "b-u2", BridgeClass: "stasis"}
	h.cp.mu.Unlock()
	h.orch.HandleEvent(context.Background(), ari.Event{
		Type:        ari.EventChannelEnteredBridge,
		Application: "audiobridge",
		Channel:     &ari.Channel{ID: "chan-u2"},
		Bridge:      &ari.Bridge{ID: "b-u2", BridgeClass: "stasis"},
	})

	waitFor(t, "recording start after re-classification", func() bool {
		return len(h.cp.snapshotStarted()) == 1
	})
	call, _ := h.orch.Registry().Get("call-u2")
	if got := call.State(); got != StateRecording {
		t.Fatalf("re-classified channel state = %v, want recording", got)
	}
}

func TestUnknownChannelReclassifiedWhenRoomVariableAppears(t *testing.T) {
	h := newHarness(t)
	ch := ari.Channel{
		ID:       "chan-u3",
		Name:     "SIP/1004-00000063",
		Dialplan: ari.DialplanCEP{Context: "meetme-entry", Exten: "s"},
	}

	h.orch.HandleEvent(context.Background(), startEvent("call-u3", ch))
	if got := len(h.cp.continues); got != 0 {
		t.Fatalf("no conference move expected yet, got %d", got)
	}

	// The dialplan sets the room after entry; the next start event (for
	// example from the reconciliation poller) must pick it up.
	h.cp.mu.Lock()
	h.cp.vars["chan-u3"] = map[string]string{"MEETME_ROOMNUM": "8600051"}
	h.cp.mu.Unlock()
	h.orch.HandleEvent(context.Background(), startEvent("call-u3", ch))

	if got := len(h.cp.continues); got != 1 || h.cp.continues[0] != "chan-u3:8600051@default" {
		t.Fatalf("conference move = %v, want chan-u3:8600051@default", h.cp.continues)
	}
}

func TestCarrierWaitsForBridgeThenSnoops(t *testing.T) {
	h := newHarness(t)
	ch := ari.Channel{ID: "chan-c3", Name: "SIP/galax-00000044"}

	h.orch.HandleEvent(context.Background(), startEvent("call-c3", ch))
	if got := h.cp.snapshotStarted(); len(got) != 0 {
		t.Fatalf("carrier without a bridge should wait, got %v", got)
	}

	h.cp.mu.Lock()
	h.cp.bridges["chan-c3"] = ari.Bridge{ID: "ext-3", BridgeClass: "basic"}
	h.cp.mu.Unlock()
	h.orch.HandleEvent(context.Background(), ari.Event{
		Type:        ari.EventChannelEnteredBridge,
		Application: "audiobridge",
		Channel:     &ari.Channel{ID: "chan-c3"},
		Bridge:      &ari.Bridge{ID: "ext-3", BridgeClass: "basic"},
	})

	started := h.cp.snapshotStarted()
	if len(started) != 1 || started[0][:len("snoop-1:")] != "snoop-1:" {
		t.Fatalf("expected snoop recording after bridge entry, got %v", started)
	}
}

func TestRecordingStartRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t)
	ch := ari.Channel{ID: "chan-r1", Name: "SIP/1002-abc"}
	h.cp.bridges["chan-r1"] = ari.Bridge{ID: "b2", BridgeClass: "stasis"}
	h.cp.startErrs = []error{errors.New("busy"), errors.New("busy"), nil}

	h.orch.HandleEvent(context.Background(), startEvent("call-r1", ch))

	if got := len(h.cp.snapshotStarted()); got != 1 {
		t.Fatalf("expected recording active after retries, got %d starts", got)
	}
	call, _ := h.orch.Registry().Get("call-r1")
	if call.State() != StateRecording {
		t.Fatalf("expected recording state, got %s", call.State())
	}
}

func TestRecordingStartExhaustionFailsCall(t *testing.T) {
	h := newHarness(t)
	ch := ari.Channel{ID: "chan-r2", Name: "SIP/1003-abc"}
	h.cp.bridges["chan-r2"] = ari.Bridge{ID: "b3", BridgeClass: "stasis"}
	h.cp.startErrs = []error{errors.New("busy"), errors.New("busy"), errors.New("busy")}

	h.orch.HandleEvent(context.Background(), startEvent("call-r2", ch))

	if got := h.db.lastStatus("call-r2"); got != "failed" {
		t.Fatalf("expected failed status, got %q", got)
	}
}

func TestEventsFromOtherApplicationsIgnored(t *testing.T) {
	h := newHarness(t)
	ch := ari.Channel{ID: "chan-x1", Name: "SIP/1004-abc"}
	ev := startEvent("call-x1", ch)
	ev.Application = "some-other-app"

	h.orch.HandleEvent(context.Background(), ev)

	if h.orch.Registry().Len() != 0 {
		t.Fatalf("foreign application events must be ignored")
	}
}

func TestTransitionNeverLeavesTerminalStates(t *testing.T) {
	c := newCall("call-t1")
	c.transition(StateClassified)
	c.transition(StateRecording)
	if !c.transition(StateEnded) {
		t.Fatalf("expected transition to ended")
	}
	for _, to := range []State{StateDetected, StateClassified, StateRecordingStarting, StateRecording, StateFailed} {
		if c.transition(to) {
			t.Fatalf("ended call must not move to %s", to)
		}
	}
	if c.state != StateEnded {
		t.Fatalf("state regressed to %s", c.state)
	}

	f := newCall("call-t2")
	f.transition(StateFailed)
	if f.transition(StateRecording) || f.state != StateFailed {
		t.Fatalf("failed call must stay failed")
	}
}

func TestDuplicateTransitionIsNoOp(t *testing.T) {
	c := newCall("call-t3")
	if !c.transition(StateClassified) {
		t.Fatalf("first transition should apply")
	}
	if c.transition(StateClassified) {
		t.Fatalf("repeat transition should be a no-op")
	}
	if c.transition(StateDetected) {
		t.Fatalf("backwards transition should be a no-op")
	}
}

func TestStopHaltsCapturesBeforePipelineClose(t *testing.T) {
	h := newHarness(t)
	ch := ari.Channel{ID: "chan-sd1", Name: "SIP/1001-00000070"}
	h.cp.bridges["chan-sd1"] = ari.Bridge{ID: "b-sd1", BridgeClass: "stasis"}

	// Keep the recording growing so the capture loop stays busy.
	stopGrow := make(chan struct{})
	defer close(stopGrow)
	go func() {
		for {
			select {
			case <-stopGrow:
				return
			case <-time.After(time.Millisecond):
				h.cp.mu.Lock()
				h.cp.recBytes = append(h.cp.recBytes, make([]byte, 4)...)
				h.cp.mu.Unlock()
			}
		}
	}()

	h.orch.HandleEvent(context.Background(), startEvent("call-sd1", ch))
	waitFor(t, "capture producing chunks", func() bool {
		return h.db.chunkCount() > 0
	})

	// Stop must not return until every capture loop has exited; closing
	// the pipeline right after would otherwise race a chunk in flight.
	h.orch.Stop()
	h.pipe.Close()

	ended := h.db.chunkCount()
	time.Sleep(20 * time.Millisecond)
	if got := h.db.chunkCount(); got != ended {
		t.Fatalf("chunks kept flowing after Stop: %d -> %d", ended, got)
	}
}
