// SPDX-License-Identifier: MIT

// Package ws carries the two WebSocket surfaces: the broadcast-only
// status fan-out for spectators and the authenticated per-player
// control channel.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/openclaw/clawd/internal/config"
	"github.com/openclaw/clawd/internal/game"
	"github.com/openclaw/clawd/internal/log"
	"github.com/openclaw/clawd/internal/metrics"
	"github.com/openclaw/clawd/internal/queue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The arcade page is served from arbitrary origins (embeds,
	// tunnels); token auth gates anything that matters.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type viewer struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (v *viewer) close() {
	v.once.Do(func() {
		close(v.done)
		_ = v.conn.Close()
	})
}

// Hub is the status fan-out. Broadcasts are serialized once and
// dispatched concurrently; a stalled viewer is evicted after its send
// timeout and never delays the others.
type Hub struct {
	settings func() config.Settings
	queue    *queue.Manager
	logger   zerolog.Logger

	mu      sync.Mutex
	viewers map[*viewer]struct{}
}

// NewHub creates an empty fan-out.
func NewHub(settings func() config.Settings, q *queue.Manager) *Hub {
	return &Hub{
		settings: settings,
		queue:    q,
		logger:   log.WithComponent("ws.status"),
		viewers:  make(map[*viewer]struct{}),
	}
}

// ServeHTTP accepts a viewer connection. Over-capacity connections are
// accepted and immediately closed 1013 so the client sees a reason.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	cfg := h.settings()

	h.mu.Lock()
	if len(h.viewers) >= cfg.MaxStatusViewers {
		h.mu.Unlock()
		closeWith(conn, websocket.CloseTryAgainLater, "viewer capacity reached")
		return
	}
	v := &viewer{
		conn: conn,
		send: make(chan []byte, 16),
		done: make(chan struct{}),
	}
	h.viewers[v] = struct{}{}
	n := len(h.viewers)
	h.mu.Unlock()

	metrics.Viewers.Set(float64(n))
	h.logger.Debug().Str("event", "status.viewer_joined").Int("viewers", n).Msg("viewer connected")

	go h.writePump(v)
	go h.readPump(v)
}

// writePump drains the viewer's send queue and emits periodic
// keepalive pings. Any write failure closes the connection.
func (h *Hub) writePump(v *viewer) {
	cfg := h.settings()
	keepalive := time.NewTicker(time.Duration(cfg.StatusKeepaliveInterval) * time.Second)
	defer keepalive.Stop()
	defer h.drop(v)

	for {
		select {
		case <-v.done:
			return
		case msg := <-v.send:
			_ = v.conn.SetWriteDeadline(time.Now().Add(cfg.StatusSendTimeout()))
			if err := v.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-keepalive.C:
			_ = v.conn.SetWriteDeadline(time.Now().Add(cfg.StatusSendTimeout()))
			if err := v.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; viewers are listen-only. It exists
// to notice the peer going away.
func (h *Hub) readPump(v *viewer) {
	defer h.drop(v)
	v.conn.SetReadLimit(512)
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(v *viewer) {
	v.close()
	h.mu.Lock()
	_, present := h.viewers[v]
	delete(h.viewers, v)
	n := len(h.viewers)
	h.mu.Unlock()
	if present {
		metrics.Viewers.Set(float64(n))
	}
}

// ViewerCount returns the number of connected viewers.
func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// Broadcast serializes the message once and dispatches it to every
// viewer concurrently. Viewers whose send queue stays full past the
// send timeout are collected and evicted in bulk afterwards. Per-viewer
// ordering is preserved by the send queue; cross-viewer ordering is
// not guaranteed.
func (h *Hub) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("event", "status.marshal_failed").Msg("dropping broadcast")
		return
	}

	h.mu.Lock()
	targets := make([]*viewer, 0, len(h.viewers))
	for v := range h.viewers {
		targets = append(targets, v)
	}
	h.mu.Unlock()

	cfg := h.settings()
	timeout := cfg.StatusSendTimeout()
	var (
		wg     sync.WaitGroup
		failMu sync.Mutex
		failed []*viewer
	)
	for _, v := range targets {
		wg.Add(1)
		go func(v *viewer) {
			defer wg.Done()
			t := time.NewTimer(timeout)
			defer t.Stop()
			select {
			case v.send <- data:
			case <-v.done:
			case <-t.C:
				failMu.Lock()
				failed = append(failed, v)
				failMu.Unlock()
			}
		}(v)
	}
	wg.Wait()

	for _, v := range failed {
		h.logger.Warn().Str("event", "status.viewer_evicted").Msg("viewer stalled, evicting")
		metrics.BroadcastEvictions.Inc()
		h.drop(v)
	}
	metrics.BroadcastsTotal.Inc()
}

// StateChanged implements game.StatusSink.
func (h *Hub) StateChanged(snap game.Snapshot) {
	h.Broadcast(statusStateUpdate{Type: "state_update", Snapshot: snap})
}

// QueueChanged implements game.StatusSink: pushes a fresh queue
// summary to all viewers.
func (h *Hub) QueueChanged() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	waiting, currentName, currentState, err := h.queue.QueueStatus(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Str("event", "status.queue_query_failed").Msg("skipping queue broadcast")
		return
	}
	metrics.QueueWaiting.Set(float64(waiting))
	h.Broadcast(statusQueueUpdate{
		Type:          "queue_update",
		QueueLength:   waiting,
		CurrentPlayer: currentName,
		CurrentState:  currentState,
	})
}

// TurnEnded implements game.StatusSink.
func (h *Hub) TurnEnded(playerName, result string, triesUsed int) {
	h.Broadcast(statusTurnEnd{
		Type:      "turn_end",
		Player:    playerName,
		Result:    result,
		TriesUsed: triesUsed,
	})
}

// Close evicts every viewer, for shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	targets := make([]*viewer, 0, len(h.viewers))
	for v := range h.viewers {
		targets = append(targets, v)
	}
	h.mu.Unlock()
	for _, v := range targets {
		h.drop(v)
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
