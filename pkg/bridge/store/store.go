// Package store persists call, stream, recording-session and chunk metadata
// to Postgres. Every write is an idempotent upsert keyed on the natural id,
// so the live event path and the reconciliation poller can both write the
// same rows without conflict.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by point lookups for missing rows.
var ErrNotFound = errors.New("store: not found")

// Call is the persisted call record.
type Call struct {
	CallID       string     `json:"call_id"`
	ChannelID    string     `json:"channel_id,omitempty"`
	CallerNumber string     `json:"caller_number,omitempty"`
	CalleeNumber string     `json:"callee_number,omitempty"`
	CampaignID   string     `json:"campaign_id,omitempty"`
	Status       string     `json:"status"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Duration     *int64     `json:"duration,omitempty"`
}

// Stream is the persisted audio stream descriptor for a call.
type Stream struct {
	CallID     string    `json:"call_id"`
	StreamID   string    `json:"stream_id"`
	Format     string    `json:"format"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	StartTime  time.Time `json:"start_time"`
}

// RecordingSession is the persisted recording attempt for a call.
type RecordingSession struct {
	SessionID       string    `json:"session_id"`
	CallID          string    `json:"call_id"`
	Strategy        string    `json:"strategy"`
	Status          string    `json:"status"`
	TargetChannelID string    `json:"target_channel_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// Chunk is the persisted metadata for one captured audio segment. Incomplete
// marks chunks whose payload never reached durable storage.
type Chunk struct {
	CallID     string    `json:"call_id"`
	StreamID   string    `json:"stream_id"`
	ChunkIndex uint64    `json:"chunk_index"`
	Size       int       `json:"size"`
	StorageRef string    `json:"storage_ref,omitempty"`
	Incomplete bool      `json:"incomplete"`
	CapturedAt time.Time `json:"captured_at"`
}

// querier is the subset of pgxpool.Pool the store uses; tests substitute a
// fake.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps a pgx connection pool.
type Store struct {
	db   querier
	pool *pgxpool.Pool
}

// New opens a connection pool against the given database URL.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: pool, pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// UpsertCall inserts or refreshes a call row keyed on call_id.
func (s *Store) UpsertCall(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (call_id, channel_id, caller_number, callee_number, campaign_id, status, start_time, end_time, duration, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (call_id) DO UPDATE SET
  channel_id   = COALESCE(NULLIF(EXCLUDED.channel_id, ''), calls.channel_id),
  caller_number = COALESCE(NULLIF(EXCLUDED.caller_number, ''), calls.caller_number),
  callee_number = COALESCE(NULLIF(EXCLUDED.callee_number, ''), calls.callee_number),
  campaign_id  = COALESCE(NULLIF(EXCLUDED.campaign_id, ''), calls.campaign_id),
  status       = EXCLUDED.status,
  start_time   = COALESCE(calls.start_time, EXCLUDED.start_time),
  end_time     = COALESCE(EXCLUDED.end_time, calls.end_time),
  duration     = COALESCE(EXCLUDED.duration, calls.duration),
  updated_at   = now()`
	_, err := s.db.Exec(ctx, q, c.CallID, c.ChannelID, c.CallerNumber, c.CalleeNumber, c.CampaignID, c.Status, c.StartTime, c.EndTime, c.Duration)
	if err != nil {
		return fmt.Errorf("store: upsert call %s: %w", c.CallID, err)
	}
	return nil
}

// UpdateCallStatus moves a call to a new status, setting the end time and
// duration when the status is terminal.
func (s *Store) UpdateCallStatus(ctx context.Context, callID, status string, endTime *time.Time) error {
	const q = `
UPDATE calls SET
  status = $2,
  end_time = COALESCE($3, end_time),
  duration = CASE WHEN $3::timestamptz IS NOT NULL AND start_time IS NOT NULL
                  THEN EXTRACT(EPOCH FROM ($3::timestamptz - start_time))::bigint
                  ELSE duration END,
  updated_at = now()
WHERE call_id = $1`
	_, err := s.db.Exec(ctx, q, callID, status, endTime)
	if err != nil {
		return fmt.Errorf("store: update call %s status: %w", callID, err)
	}
	return nil
}

// UpsertStream records stream metadata once recording goes active.
func (s *Store) UpsertStream(ctx context.Context, st Stream) error {
	const q = `
INSERT INTO audio_streams (call_id, stream_id, format, sample_rate, channels, start_time, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (stream_id) DO UPDATE SET
  format = EXCLUDED.format,
  sample_rate = EXCLUDED.sample_rate,
  channels = EXCLUDED.channels,
  updated_at = now()`
	_, err := s.db.Exec(ctx, q, st.CallID, st.StreamID, st.Format, st.SampleRate, st.Channels, st.StartTime)
	if err != nil {
		return fmt.Errorf("store: upsert stream %s: %w", st.StreamID, err)
	}
	return nil
}

// UpsertRecordingSession records a recording attempt and its current status.
func (s *Store) UpsertRecordingSession(ctx context.Context, rs RecordingSession) error {
	const q = `
INSERT INTO recording_sessions (session_id, call_id, strategy, status, target_channel_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id) DO UPDATE SET
  status = EXCLUDED.status,
  target_channel_id = EXCLUDED.target_channel_id`
	_, err := s.db.Exec(ctx, q, rs.SessionID, rs.CallID, rs.Strategy, rs.Status, rs.TargetChannelID, rs.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert recording session %s: %w", rs.SessionID, err)
	}
	return nil
}

// UpsertChunk records chunk metadata. Re-writing the same (call, stream,
// index) refreshes the storage reference so upload retries stay idempotent.
func (s *Store) UpsertChunk(ctx context.Context, c Chunk) error {
	const q = `
INSERT INTO audio_chunks (call_id, stream_id, chunk_index, size, storage_ref, incomplete, captured_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (call_id, stream_id, chunk_index) DO UPDATE SET
  size = EXCLUDED.size,
  storage_ref = EXCLUDED.storage_ref,
  incomplete = EXCLUDED.incomplete`
	_, err := s.db.Exec(ctx, q, c.CallID, c.StreamID, c.ChunkIndex, c.Size, c.StorageRef, c.Incomplete, c.CapturedAt)
	if err != nil {
		return fmt.Errorf("store: upsert chunk %s/%s/%d: %w", c.CallID, c.StreamID, c.ChunkIndex, err)
	}
	return nil
}

// ListCalls returns the most recent calls, newest first.
func (s *Store) ListCalls(ctx context.Context, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT call_id, COALESCE(channel_id, ''), COALESCE(caller_number, ''), COALESCE(callee_number, ''),
       COALESCE(campaign_id, ''), status, start_time, end_time, duration
FROM calls ORDER BY created_at DESC LIMIT $1`
	rows, err := s.db.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list calls: %w", err)
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		var c Call
		if err := rows.Scan(&c.CallID, &c.ChannelID, &c.CallerNumber, &c.CalleeNumber, &c.CampaignID, &c.Status, &c.StartTime, &c.EndTime, &c.Duration); err != nil {
			return nil, fmt.Errorf("store: scan call: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list calls: %w", err)
	}
	return out, nil
}

// GetCall fetches one call by its id.
func (s *Store) GetCall(ctx context.Context, callID string) (Call, error) {
	const q = `
SELECT call_id, COALESCE(channel_id, ''), COALESCE(caller_number, ''), COALESCE(callee_number, ''),
       COALESCE(campaign_id, ''), status, start_time, end_time, duration
FROM calls WHERE call_id = $1`
	var c Call
	err := s.db.QueryRow(ctx, q, callID).Scan(&c.CallID, &c.ChannelID, &c.CallerNumber, &c.CalleeNumber, &c.CampaignID, &c.Status, &c.StartTime, &c.EndTime, &c.Duration)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, fmt.Errorf("store: get call %s: %w", callID, err)
	}
	return c, nil
}

// ListChunks returns chunk metadata for a call in sequence order.
func (s *Store) ListChunks(ctx context.Context, callID string) ([]Chunk, error) {
	const q = `
SELECT call_id, stream_id, chunk_index, size, COALESCE(storage_ref, ''), incomplete, captured_at
FROM audio_chunks WHERE call_id = $1 ORDER BY stream_id, chunk_index`
	rows, err := s.db.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("store: list chunks for %s: %w", callID, err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.CallID, &c.StreamID, &c.ChunkIndex, &c.Size, &c.StorageRef, &c.Incomplete, &c.CapturedAt); err != nil {
			return nil, fmt.Errorf("store: scan chunk: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list chunks for %s: %w", callID, err)
	}
	return out, nil
}
