package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/galaxtel/audiobridge/pkg/bridge/config"
	"github.com/galaxtel/audiobridge/pkg/bridge/hub"
	"github.com/galaxtel/audiobridge/pkg/gateway/lifecycle"
)

// ChunkHub is the subscription surface the live handler needs.
type ChunkHub interface {
	Subscribe(callID string) *hub.Subscriber
	Unsubscribe(sub *hub.Subscriber)
}

// chunkHeader is the JSON frame written immediately before each binary
// payload frame; consumers pair them in order.
type chunkHeader struct {
	Type       string    `json:"type"`
	CallID     string    `json:"call_id"`
	StreamID   string    `json:"stream_id"`
	Index      uint64    `json:"index"`
	Size       int       `json:"size"`
	CapturedAt time.Time `json:"captured_at"`
}

// LiveHandler serves GET /v1/live/{callID}: a websocket that streams the
// call's audio chunks as they are captured. Each chunk is two frames, a JSON
// header then the raw payload. Delivery is best-effort; a subscriber that
// cannot keep up misses chunks rather than slowing the recording down.
type LiveHandler struct {
	Config    config.Config
	Hub       ChunkHub
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle.IsDraining() {
		writeError(w, http.StatusServiceUnavailable, "draining")
		return
	}
	callID := r.PathValue("callID")
	if callID == "" {
		writeError(w, http.StatusBadRequest, "call id required")
		return
	}

	upgrader := websocket.Upgrader{
		// Origin policy is enforced by the CORS middleware and the API key.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := h.Hub.Subscribe(callID)
	defer h.Hub.Unsubscribe(sub)

	h.Logger.Info("live subscriber connected", "call_id", callID, "remote", r.RemoteAddr)

	// Reader: consume control frames and detect disconnect. The only data
	// the client may send is an application-level ping.
	readerGone := make(chan struct{})
	clientPings := make(chan struct{}, 1)
	go func() {
		defer close(readerGone)
		conn.SetReadLimit(1 << 16)
		_ = conn.SetReadDeadline(time.Now().Add(h.pongWait()))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(h.pongWait()))
		})
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			var msg struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
				select {
				case clientPings <- struct{}{}:
				default:
				}
			}
		}
	}()

	pings := time.NewTicker(h.Config.WSPingInterval)
	defer pings.Stop()

	for {
		select {
		case <-readerGone:
			return
		case <-pings.C:
			if err := h.write(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		case <-clientPings:
			if err := h.write(conn, websocket.TextMessage, []byte(`{"type":"pong"}`)); err != nil {
				return
			}
		case c, ok := <-sub.C:
			if !ok {
				// Call ended; tell the client before closing.
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended")
				_ = h.write(conn, websocket.CloseMessage, msg)
				return
			}
			header, err := json.Marshal(chunkHeader{
				Type:       "chunk",
				CallID:     c.CallID,
				StreamID:   c.StreamID,
				Index:      c.Index,
				Size:       len(c.Payload),
				CapturedAt: c.CapturedAt,
			})
			if err != nil {
				h.Logger.Error("chunk header encode failed", "call_id", callID, "error", err)
				return
			}
			if err := h.write(conn, websocket.TextMessage, header); err != nil {
				return
			}
			if err := h.write(conn, websocket.BinaryMessage, c.Payload); err != nil {
				return
			}
		}
	}
}

func (h LiveHandler) write(conn *websocket.Conn, messageType int, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.Config.WSWriteTimeout))
	return conn.WriteMessage(messageType, data)
}

func (h LiveHandler) pongWait() time.Duration {
	return h.Config.WSPingInterval + h.Config.WSWriteTimeout + 10*time.Second
}
