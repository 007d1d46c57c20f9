package ari

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// StreamConfig configures the persistent events subscription.
type StreamConfig struct {
	// URL is the full events WebSocket URL, including the application and
	// subscribeAll parameters, for example
	// "ws://pbx:8088/ari/events?app=audio-bridge&subscribeAll=true".
	URL      string
	Username string
	Password string

	HandshakeTimeout time.Duration // zero means 10s
	ReadTimeout      time.Duration // per-message; zero disables
	PingInterval     time.Duration // zero means 20s

	// InitialBackoff and MaxBackoff bound the reconnect delay. Zero values
	// mean 1s and 60s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Stream maintains one persistent subscription to the control-plane event
// feed and owns reconnect with exponential backoff. Events are delivered
// synchronously to OnEvent in arrival order; OnConnect fires after every
// successful (re)connect so callers can trigger an out-of-cycle
// reconciliation poll to close the gap.
type Stream struct {
	cfg    StreamConfig
	logger *slog.Logger

	OnEvent   func(Event)
	OnConnect func()

	dial func(ctx context.Context) (streamConn, error)
}

type streamConn interface {
	ReadMessage() (int, []byte, error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// NewStream builds an event stream client. Run must be called to connect.
func NewStream(cfg StreamConfig, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stream{cfg: cfg, logger: logger}
	s.dial = s.dialWebSocket
	return s
}

// Run connects and reads events until ctx is canceled. Disconnects are
// retried forever with exponential backoff; Run only returns the ctx error.
func (s *Stream) Run(ctx context.Context) error {
	initial := s.cfg.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	maxBackoff := s.cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 60 * time.Second
	}

	backoff := initial
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn("event stream connect failed", "error", err, "retry_in", backoff.String())
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = initial
		s.logger.Info("event stream connected", "url", s.cfg.URL)
		if s.OnConnect != nil {
			s.OnConnect()
		}

		err = s.readLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("event stream disconnected", "error", err, "retry_in", backoff.String())
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (s *Stream) readLoop(ctx context.Context, conn streamConn) error {
	pingInterval := s.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
					return
				}
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("event stream: dropping undecodable frame", "error", err)
			continue
		}
		if ev.Type == "" {
			continue
		}
		if s.OnEvent != nil {
			s.OnEvent(ev)
		}
	}
}

func (s *Stream) dialWebSocket(ctx context.Context) (streamConn, error) {
	handshake := s.cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshake}

	var header http.Header
	if s.cfg.Username != "" {
		header = http.Header{}
		basic := &http.Request{Header: http.Header{}}
		basic.SetBasicAuth(s.cfg.Username, s.cfg.Password)
		header.Set("Authorization", basic.Header.Get("Authorization"))
	}

	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Join(err, errors.New("handshake status "+resp.Status))
		}
		return nil, err
	}
	return conn, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
