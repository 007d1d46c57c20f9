package audio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/galaxtel/audiobridge/pkg/ari"
)

// Recorder reads back a live recording from the control plane.
type Recorder interface {
	LiveRecordingBytes(ctx context.Context, name string) ([]byte, error)
	RecordingState(ctx context.Context, name string) (ari.LiveRecording, error)
}

// stateCheckEvery is how many emitted chunks pass between recording state
// checks. State reads are an extra round trip, so they are rationed.
const stateCheckEvery = 10

// missTolerance is how many consecutive read failures the capture loop
// absorbs before giving up on the recording.
const missTolerance = 20

// Capture tails a live recording and feeds fixed-size chunks into the
// pipeline until the recording finishes, fails, or ctx is cancelled. The
// final partial chunk is flushed on exit.
func (p *Pipeline) Capture(ctx context.Context, rec Recorder, callID, streamID, recordingName string) error {
	if err := p.StartStream(ctx, callID, streamID); err != nil {
		return err
	}

	ticker := time.NewTicker(p.cfg.CaptureInterval)
	defer ticker.Stop()

	var (
		offset  int
		buf     []byte
		emitted int
		misses  int
	)

	flush := func() {
		if len(buf) > 0 {
			p.Ingest(callID, streamID, buf, time.Now().UTC())
			buf = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		case <-ticker.C:
		}

		data, err := rec.LiveRecordingBytes(ctx, recordingName)
		if err != nil {
			if errors.Is(err, ari.ErrNotFound) {
				// The stored file can lag the recording start; it also
				// disappears once the recording is torn down.
				misses++
				if misses > missTolerance {
					flush()
					return fmt.Errorf("audio: recording %s unreadable after %d attempts", recordingName, misses)
				}
				continue
			}
			p.log.Warn("live recording read failed", "recording", recordingName, "error", err)
			misses++
			if misses > missTolerance {
				flush()
				return fmt.Errorf("audio: capture %s: %w", recordingName, err)
			}
			continue
		}
		misses = 0

		if len(data) < offset {
			// The recording restarted underneath us; resync rather than
			// replay stale bytes.
			offset = len(data)
			continue
		}
		if len(data) > offset {
			buf = append(buf, data[offset:]...)
			offset = len(data)
		}

		for len(buf) >= p.cfg.ChunkSize {
			p.Ingest(callID, streamID, buf[:p.cfg.ChunkSize:p.cfg.ChunkSize], time.Now().UTC())
			buf = buf[p.cfg.ChunkSize:]
			emitted++
		}

		if emitted >= stateCheckEvery {
			emitted = 0
			lr, err := rec.RecordingState(ctx, recordingName)
			if err != nil {
				if errors.Is(err, ari.ErrNotFound) {
					flush()
					return nil
				}
				p.log.Warn("recording state check failed", "recording", recordingName, "error", err)
				continue
			}
			switch lr.State {
			case ari.RecordingStateDone:
				flush()
				return nil
			case ari.RecordingStateFailed:
				flush()
				return fmt.Errorf("audio: recording %s failed", recordingName)
			}
		}
	}
}
