package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"

	"github.com/meridian-pb/inventory/internal/fabric"
)

// clientBuffer bounds the per-client frame queue. A client that cannot keep
// up is disconnected rather than backpressuring the fabric.
const clientBuffer = 256

// Frame is one delta pushed to websocket subscribers. The msgpack payload is
// re-encoded as JSON for browser clients.
type Frame struct {
	Stream        string          `json:"stream"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Sequence      uint64          `json:"sequence"`
	Partition     int             `json:"partition"`
	WallTime      time.Time       `json:"wall_time"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type wsClient struct {
	frames chan []byte
	// streams filters delivery; nil means every stream.
	streams map[string]struct{}
}

func (c *wsClient) wants(stream string) bool {
	if c.streams == nil {
		return true
	}
	_, ok := c.streams[stream]
	return ok
}

// Hub fans delta events out to websocket subscribers. It is registered as a
// fabric consumer on the delta streams.
type Hub struct {
	log zerolog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log.With().Str("component", "ws_hub").Logger(),
		clients: make(map[*wsClient]struct{}),
	}
}

// Handle converts a fabric event into a JSON frame and broadcasts it. It
// never fails: a slow client is dropped, not retried.
func (h *Hub) Handle(_ context.Context, ev *fabric.Event) error {
	frame := Frame{
		Stream:        string(ev.Stream),
		Type:          ev.Type,
		CorrelationID: ev.CorrelationID,
		Sequence:      ev.Sequence,
		Partition:     ev.Partition,
		WallTime:      ev.WallTime,
	}
	if len(ev.Payload) > 0 {
		var payload interface{}
		if err := msgpack.Unmarshal(ev.Payload, &payload); err == nil {
			if raw, err := json.Marshal(payload); err == nil {
				frame.Payload = raw
			}
		}
	}

	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode frame")
		return nil
	}

	h.mu.Lock()
	for c := range h.clients {
		if !c.wants(frame.Stream) {
			continue
		}
		select {
		case c.frames <- data:
		default:
			// Buffer full: the reaper in handleStream closes the socket.
			close(c.frames)
			delete(h.clients, c)
		}
	}
	h.mu.Unlock()
	return nil
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.frames)
	}
	h.mu.Unlock()
}

// handleStream upgrades the connection and streams frames until the client
// disconnects or falls behind.
func (h *Hub) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}

	c := &wsClient{frames: make(chan []byte, clientBuffer)}
	if raw := r.URL.Query().Get("streams"); raw != "" {
		c.streams = make(map[string]struct{})
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.streams[name] = struct{}{}
			}
		}
	}
	h.register(c)
	defer h.unregister(c)

	h.log.Debug().Int("stream_filter", len(c.streams)).Msg("Websocket client connected")

	// The stream is one-way; CloseRead surfaces client disconnects.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case frame, ok := <-c.frames:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}
