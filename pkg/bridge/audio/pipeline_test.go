package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/galaxtel/audiobridge/pkg/ari"
	"github.com/galaxtel/audiobridge/pkg/bridge/hub"
	"github.com/galaxtel/audiobridge/pkg/bridge/store"
)

type fakeObjects struct {
	mu    sync.Mutex
	puts  map[string]int
	fail  map[string]error
	calls int
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{puts: make(map[string]int), fail: make(map[string]error)}
}

func (f *fakeObjects) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.fail[key]; ok {
		return "", err
	}
	f.puts[key] = len(data)
	return "https://cdn.test/" + key, nil
}

type fakeMeta struct {
	mu      sync.Mutex
	streams []store.Stream
	chunks  []store.Chunk
}

func (f *fakeMeta) UpsertStream(_ context.Context, st store.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, st)
	return nil
}

func (f *fakeMeta) UpsertChunk(_ context.Context, c store.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, c)
	return nil
}

func (f *fakeMeta) chunkByIndex(index uint64) (store.Chunk, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.chunks {
		if c.ChunkIndex == index {
			return c, true
		}
	}
	return store.Chunk{}, false
}

type fakePublisher struct {
	mu     sync.Mutex
	chunks []hub.Chunk
}

func (f *fakePublisher) Publish(c hub.Chunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, c)
}

func testKeyFor(callID string, index uint64) string {
	return fmt.Sprintf("%s/chunk_%d.raw", callID, index)
}

func newTestPipeline(objects objectStore, meta *fakeMeta, pub *fakePublisher, canRetry retryable) *Pipeline {
	return New(Config{
		ChunkSize:         4,
		SampleRate:        8000,
		Channels:          1,
		Format:            "pcm",
		CaptureInterval:   time.Millisecond,
		UploadWorkers:     2,
		UploadMaxAttempts: 2,
		UploadBackoff:     time.Millisecond,
	}, objects, meta, pub, canRetry, testKeyFor, slog.New(slog.DiscardHandler))
}

func TestIngestSequencesPerStream(t *testing.T) {
	objects := newFakeObjects()
	meta := &fakeMeta{}
	pub := &fakePublisher{}
	p := newTestPipeline(objects, meta, pub, nil)
	defer p.Close()

	now := time.Now()
	for i := 0; i < 3; i++ {
		c := p.Ingest("call-1", "stream-a", []byte{byte(i)}, now)
		if c.Index != uint64(i) {
			t.Fatalf("stream-a chunk %d got index %d", i, c.Index)
		}
	}
	// A second stream on the same call starts its own sequence.
	if c := p.Ingest("call-1", "stream-b", []byte{9}, now); c.Index != 0 {
		t.Fatalf("stream-b first chunk got index %d", c.Index)
	}
	if c := p.Ingest("call-2", "stream-a", []byte{9}, now); c.Index != 0 {
		t.Fatalf("call-2 first chunk got index %d", c.Index)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Flush(ctx, "call-1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestFailedUploadMarksIncompleteAndKeepsSequence(t *testing.T) {
	objects := newFakeObjects()
	objects.fail["call-1/chunk_2.raw"] = errors.New("access denied")
	meta := &fakeMeta{}
	pub := &fakePublisher{}
	p := newTestPipeline(objects, meta, pub, func(error) bool { return false })
	defer p.Close()

	now := time.Now()
	for i := 0; i < 5; i++ {
		p.Ingest("call-1", "stream-a", []byte{byte(i), byte(i), byte(i), byte(i)}, now)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Flush(ctx, "call-1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	bad, ok := meta.chunkByIndex(2)
	if !ok {
		t.Fatalf("chunk 2 metadata missing")
	}
	if !bad.Incomplete || bad.StorageRef != "" {
		t.Fatalf("chunk 2 should be incomplete with no ref, got %+v", bad)
	}
	for _, i := range []uint64{0, 1, 3, 4} {
		c, ok := meta.chunkByIndex(i)
		if !ok {
			t.Fatalf("chunk %d metadata missing", i)
		}
		if c.Incomplete || c.StorageRef == "" {
			t.Fatalf("chunk %d should be complete, got %+v", i, c)
		}
	}
	// Subscribers still saw every chunk in order, including the one whose
	// upload failed.
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.chunks) != 5 {
		t.Fatalf("expected 5 published chunks, got %d", len(pub.chunks))
	}
	for i, c := range pub.chunks {
		if c.Index != uint64(i) {
			t.Fatalf("published chunk %d has index %d", i, c.Index)
		}
	}
}

func TestRetryableUploadEventuallySucceeds(t *testing.T) {
	objects := newFakeObjects()
	meta := &fakeMeta{}
	pub := &fakePublisher{}

	var attempts int
	var mu sync.Mutex
	flaky := &flakyObjects{inner: objects, failFirst: 1, attempts: &attempts, mu: &mu}
	p := newTestPipeline(flaky, meta, pub, func(error) bool { return true })
	defer p.Close()

	p.Ingest("call-1", "stream-a", []byte{1, 2, 3, 4}, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Flush(ctx, "call-1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	c, ok := meta.chunkByIndex(0)
	if !ok || c.Incomplete {
		t.Fatalf("expected completed chunk after retry, got %+v ok=%v", c, ok)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", attempts)
	}
}

type flakyObjects struct {
	inner     *fakeObjects
	failFirst int
	attempts  *int
	mu        *sync.Mutex
}

func (f *flakyObjects) Put(ctx context.Context, key string, data []byte, ct string) (string, error) {
	f.mu.Lock()
	*f.attempts++
	n := *f.attempts
	f.mu.Unlock()
	if n <= f.failFirst {
		return "", errors.New("transient")
	}
	return f.inner.Put(ctx, key, data, ct)
}

type scriptedRecorder struct {
	mu    sync.Mutex
	reads [][]byte
	pos   int
	state string
}

func (r *scriptedRecorder) LiveRecordingBytes(_ context.Context, _ string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pos < len(r.reads) {
		data := r.reads[r.pos]
		r.pos++
		return data, nil
	}
	return r.reads[len(r.reads)-1], nil
}

func (r *scriptedRecorder) RecordingState(_ context.Context, name string) (ari.LiveRecording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ari.LiveRecording{Name: name, State: r.state}, nil
}

func TestCaptureSlicesGrowingRecording(t *testing.T) {
	objects := newFakeObjects()
	meta := &fakeMeta{}
	pub := &fakePublisher{}
	p := newTestPipeline(objects, meta, pub, nil)
	defer p.Close()

	// The recording grows by six bytes per read; chunk size is four, so the
	// loop emits full chunks and carries the remainder forward.
	grow := func(n int) []byte {
		out := make([]byte, n)
		for i := range out {
			out[i] = byte(i)
		}
		return out
	}
	rec := &scriptedRecorder{
		reads: [][]byte{grow(6), grow(12), grow(18)},
		state: ari.RecordingStateRecording,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := p.Capture(ctx, rec, "call-1", "stream-a", "rec-call-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	fctx, fcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer fcancel()
	if err := p.Flush(fctx, "call-1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	// 18 bytes total: four full chunks of four plus a two-byte tail flushed
	// at cancellation.
	if len(pub.chunks) != 5 {
		t.Fatalf("expected 5 chunks, got %d", len(pub.chunks))
	}
	var total int
	for i, c := range pub.chunks {
		if c.Index != uint64(i) {
			t.Fatalf("chunk %d has index %d", i, c.Index)
		}
		total += len(c.Payload)
	}
	if total != 18 {
		t.Fatalf("expected 18 bytes captured, got %d", total)
	}
}

func TestCaptureStopsWhenRecordingDone(t *testing.T) {
	objects := newFakeObjects()
	meta := &fakeMeta{}
	pub := &fakePublisher{}
	p := newTestPipeline(objects, meta, pub, nil)
	defer p.Close()

	// Enough growth to pass the state-check threshold, then the recording
	// reports done.
	big := make([]byte, 4*stateCheckEvery)
	rec := &scriptedRecorder{
		reads: [][]byte{big},
		state: ari.RecordingStateDone,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Capture(ctx, rec, "call-1", "stream-a", "rec-call-1"); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("capture should have stopped before the deadline")
	}
}
