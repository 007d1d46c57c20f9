// Package hub fans captured audio chunks out to live subscribers keyed by
// call id. Delivery is best-effort: each subscriber owns a bounded queue and
// a slow consumer loses chunks instead of back-pressuring the producer.
package hub

import (
	"log/slog"
	"sync"
	"time"
)

// Chunk is one sequence-numbered audio segment offered to subscribers.
type Chunk struct {
	CallID     string
	StreamID   string
	Index      uint64
	Payload    []byte
	CapturedAt time.Time
}

// Subscriber receives chunks for one call. C is closed when the subscriber
// is unsubscribed or the call ends.
type Subscriber struct {
	C <-chan Chunk

	callID string
	ch     chan Chunk
	once   sync.Once

	mu      sync.Mutex
	dropped uint64
}

// Dropped reports how many chunks this subscriber lost to a full queue.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Config tunes the hub.
type Config struct {
	// SubscriberQueue bounds each subscriber's pending chunks. Zero means 64.
	SubscriberQueue int
	// ReplayChunks keeps that many most-recent chunks per call and flushes
	// them to late subscribers. Zero (the default) disables replay.
	ReplayChunks int
}

// Hub is the per-call broadcast registry.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]map[*Subscriber]struct{}
	replay map[string][]Chunk
}

func New(cfg Config, logger *slog.Logger) *Hub {
	if cfg.SubscriberQueue <= 0 {
		cfg.SubscriberQueue = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]map[*Subscriber]struct{}),
		replay: make(map[string][]Chunk),
	}
}

// Subscribe registers a live subscriber for callID. If a replay buffer is
// configured, buffered chunks are queued before any live delivery so the
// subscriber sees one ordered sequence.
func (h *Hub) Subscribe(callID string) *Subscriber {
	sub := &Subscriber{
		callID: callID,
		ch:     make(chan Chunk, h.cfg.SubscriberQueue),
	}
	sub.C = sub.ch

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[callID] == nil {
		h.subs[callID] = make(map[*Subscriber]struct{})
	}
	h.subs[callID][sub] = struct{}{}
	for _, c := range h.replay[callID] {
		h.offer(sub, c)
	}
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call
// more than once and after CloseCall.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if set, ok := h.subs[sub.callID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.callID)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// Publish offers a chunk to every subscriber of the chunk's call without
// blocking. Subscribers with full queues drop the chunk.
func (h *Hub) Publish(c Chunk) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cfg.ReplayChunks > 0 {
		buf := append(h.replay[c.CallID], c)
		if excess := len(buf) - h.cfg.ReplayChunks; excess > 0 {
			// Copy into a fresh slice; re-slicing would pin the old
			// backing array (and every dropped payload) for the call's
			// lifetime.
			trimmed := make([]Chunk, h.cfg.ReplayChunks)
			copy(trimmed, buf[excess:])
			buf = trimmed
		}
		h.replay[c.CallID] = buf
	}

	for sub := range h.subs[c.CallID] {
		h.offer(sub, c)
	}
}

// offer enqueues without blocking; h.mu must be held.
func (h *Hub) offer(sub *Subscriber, c Chunk) {
	select {
	case sub.ch <- c:
	default:
		sub.mu.Lock()
		sub.dropped++
		dropped := sub.dropped
		sub.mu.Unlock()
		if dropped == 1 || dropped%100 == 0 {
			h.logger.Warn("slow subscriber dropping chunks",
				"call_id", c.CallID, "dropped", dropped)
		}
	}
}

// CloseCall releases everything owned for callID: all subscriber channels
// close and the replay buffer is discarded. Part of deterministic call
// teardown; subscribers learn the stream ended by their channel closing.
func (h *Hub) CloseCall(callID string) {
	h.mu.Lock()
	set := h.subs[callID]
	delete(h.subs, callID)
	delete(h.replay, callID)
	h.mu.Unlock()

	for sub := range set {
		sub.close()
	}
}

// SubscriberCount reports the number of live subscribers for a call.
func (h *Hub) SubscriberCount(callID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[callID])
}
