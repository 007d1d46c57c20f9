// Package audio turns live recording bytes into sequenced chunks, fans them
// out to websocket subscribers, and uploads them to object storage.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/galaxtel/audiobridge/pkg/bridge/hub"
	"github.com/galaxtel/audiobridge/pkg/bridge/store"
)

// objectStore uploads chunk payloads and returns a reference URL.
type objectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// metaStore persists stream and chunk metadata.
type metaStore interface {
	UpsertStream(ctx context.Context, st store.Stream) error
	UpsertChunk(ctx context.Context, c store.Chunk) error
}

// publisher hands chunks to live subscribers without blocking.
type publisher interface {
	Publish(c hub.Chunk)
}

// retryable decides whether an upload error is transient.
type retryable func(error) bool

// Config tunes the pipeline.
type Config struct {
	ChunkSize         int
	SampleRate        int
	Channels          int
	Format            string
	CaptureInterval   time.Duration
	UploadWorkers     int
	UploadMaxAttempts int
	UploadBackoff     time.Duration
}

type uploadJob struct {
	chunk hub.Chunk
	done  *sync.WaitGroup
}

// Pipeline assigns per-stream sequence numbers, publishes chunks to the hub,
// and drives a bounded pool of upload workers. Sequence numbers are strictly
// increasing per (call, stream) and never reused, even when an upload fails.
type Pipeline struct {
	cfg      Config
	log      *slog.Logger
	objects  objectStore
	meta     metaStore
	hub      publisher
	canRetry retryable
	keyFor   func(callID string, index uint64) string

	mu      sync.Mutex
	seq     map[string]uint64
	pending map[string]*sync.WaitGroup

	jobs      chan uploadJob
	workerWG  sync.WaitGroup
	closeOnce sync.Once
}

// New builds a pipeline and starts its upload workers.
func New(cfg Config, objects objectStore, meta metaStore, h publisher, canRetry retryable, keyFor func(string, uint64) string, logger *slog.Logger) *Pipeline {
	if cfg.UploadWorkers <= 0 {
		cfg.UploadWorkers = 4
	}
	if cfg.UploadMaxAttempts <= 0 {
		cfg.UploadMaxAttempts = 3
	}
	if cfg.UploadBackoff <= 0 {
		cfg.UploadBackoff = 250 * time.Millisecond
	}
	p := &Pipeline{
		cfg:      cfg,
		log:      logger,
		objects:  objects,
		meta:     meta,
		hub:      h,
		canRetry: canRetry,
		keyFor:   keyFor,
		seq:      make(map[string]uint64),
		pending:  make(map[string]*sync.WaitGroup),
		jobs:     make(chan uploadJob, cfg.UploadWorkers*4),
	}
	for i := 0; i < cfg.UploadWorkers; i++ {
		p.workerWG.Add(1)
		go p.worker()
	}
	return p
}

// StartStream records the stream descriptor before any chunks flow.
func (p *Pipeline) StartStream(ctx context.Context, callID, streamID string) error {
	err := p.meta.UpsertStream(ctx, store.Stream{
		CallID:     callID,
		StreamID:   streamID,
		Format:     p.cfg.Format,
		SampleRate: p.cfg.SampleRate,
		Channels:   p.cfg.Channels,
		StartTime:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("audio: start stream %s: %w", streamID, err)
	}
	return nil
}

// Ingest accepts one captured payload: it assigns the next sequence number,
// publishes the chunk to live subscribers immediately, and queues the upload.
// Publication never waits on storage.
func (p *Pipeline) Ingest(callID, streamID string, payload []byte, capturedAt time.Time) hub.Chunk {
	key := callID + "|" + streamID

	p.mu.Lock()
	index := p.seq[key]
	p.seq[key] = index + 1
	wg, ok := p.pending[callID]
	if !ok {
		wg = &sync.WaitGroup{}
		p.pending[callID] = wg
	}
	wg.Add(1)
	p.mu.Unlock()

	c := hub.Chunk{
		CallID:     callID,
		StreamID:   streamID,
		Index:      index,
		Payload:    payload,
		CapturedAt: capturedAt,
	}
	p.hub.Publish(c)
	p.jobs <- uploadJob{chunk: c, done: wg}
	return c
}

// Flush waits for all queued uploads belonging to the call, up to the
// context deadline.
func (p *Pipeline) Flush(ctx context.Context, callID string) error {
	p.mu.Lock()
	wg := p.pending[callID]
	p.mu.Unlock()
	if wg == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.mu.Lock()
		delete(p.pending, callID)
		p.mu.Unlock()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audio: flush %s: %w", callID, ctx.Err())
	}
}

// Close stops the worker pool after the queue drains. Callers must stop
// ingesting first. Safe to call more than once.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() { close(p.jobs) })
	p.workerWG.Wait()
}

func (p *Pipeline) worker() {
	defer p.workerWG.Done()
	for job := range p.jobs {
		p.upload(job.chunk)
		job.done.Done()
	}
}

// upload pushes one chunk to object storage with capped retries. A chunk
// whose upload ultimately fails is recorded as incomplete; the sequence
// number stays consumed so later chunks keep their positions.
func (p *Pipeline) upload(c hub.Chunk) {
	ctx := context.Background()
	key := p.keyFor(c.CallID, c.Index)

	var ref string
	backoff := retry.WithMaxRetries(uint64(p.cfg.UploadMaxAttempts-1), retry.NewExponential(p.cfg.UploadBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var putErr error
		ref, putErr = p.objects.Put(ctx, key, c.Payload, "application/octet-stream")
		if putErr == nil {
			return nil
		}
		if p.canRetry != nil && p.canRetry(putErr) {
			return retry.RetryableError(putErr)
		}
		return putErr
	})

	meta := store.Chunk{
		CallID:     c.CallID,
		StreamID:   c.StreamID,
		ChunkIndex: c.Index,
		Size:       len(c.Payload),
		StorageRef: ref,
		CapturedAt: c.CapturedAt,
	}
	if err != nil {
		p.log.Warn("chunk upload failed",
			"call_id", c.CallID, "stream_id", c.StreamID, "chunk_index", c.Index, "error", err)
		meta.StorageRef = ""
		meta.Incomplete = true
	}
	if dbErr := p.meta.UpsertChunk(ctx, meta); dbErr != nil {
		p.log.Error("chunk metadata write failed",
			"call_id", c.CallID, "chunk_index", c.Index, "error", dbErr)
	}
}
