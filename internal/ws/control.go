// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/openclaw/clawd/internal/config"
	"github.com/openclaw/clawd/internal/game"
	"github.com/openclaw/clawd/internal/gpio"
	"github.com/openclaw/clawd/internal/log"
	"github.com/openclaw/clawd/internal/metrics"
	"github.com/openclaw/clawd/internal/persistence/sqlite"
	"github.com/openclaw/clawd/internal/queue"
)

// session is one authenticated control connection.
type session struct {
	entryID string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}

	closeOnce   sync.Once
	cleanupOnce sync.Once

	mu           sync.Mutex
	lastActivity time.Time

	keys *rate.Limiter
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *session) idle() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// terminate sends a close frame (when code is non-zero) and tears the
// connection down. Safe to call from any goroutine, any number of
// times.
func (s *session) terminate(code int, reason string) {
	s.closeOnce.Do(func() {
		if code != 0 {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = s.conn.Close()
		close(s.done)
	})
}

// Control is the authenticated per-player channel. It implements
// game.PlayerChannel; the machine is handed a reference after both are
// constructed.
type Control struct {
	settings func() config.Settings
	queue    *queue.Manager
	machine  *game.Machine
	gate     game.Hardware
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	grace    map[string]*time.Timer
	count    int // all channels, pre-auth included
}

// NewControl creates the control channel handler.
func NewControl(settings func() config.Settings, q *queue.Manager, gate game.Hardware) *Control {
	return &Control{
		settings: settings,
		queue:    q,
		gate:     gate,
		logger:   log.WithComponent("ws.control"),
		sessions: make(map[string]*session),
		grace:    make(map[string]*time.Timer),
	}
}

// SetMachine wires the state machine (late binding).
func (c *Control) SetMachine(m *game.Machine) { c.machine = m }

// ConnectionCount returns the number of registered player channels.
func (c *Control) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// ServeHTTP runs one control connection to completion.
func (c *Control) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	cfg := c.settings()

	c.mu.Lock()
	if c.count >= cfg.MaxControlConnections {
		c.mu.Unlock()
		closeWith(conn, websocket.CloseTryAgainLater, "control capacity reached")
		return
	}
	c.count++
	c.mu.Unlock()

	entry, ok := c.authenticate(conn, cfg)
	if !ok {
		c.release()
		return
	}

	s := &session{
		entryID:      entry.ID,
		conn:         conn,
		send:         make(chan []byte, 32),
		done:         make(chan struct{}),
		lastActivity: time.Now(),
		keys:         rate.NewLimiter(rate.Limit(cfg.CommandRateLimitHz), 1),
	}
	c.register(s)

	pos, _ := c.queue.WaitingRank(context.Background(), entry.ID)
	c.enqueue(s, authOK{Type: "auth_ok", State: entry.State, Position: pos})
	if c.machine != nil && c.machine.ActiveEntryID() == entry.ID {
		// Page refresh mid-turn: hand the player their state back.
		c.enqueue(s, stateUpdate{Type: "state_update", Snapshot: c.machine.Snapshot()})
	}

	go c.writePump(s)
	c.readLoop(s)
	c.cleanup(s)
}

// authenticate reads the first message under the pre-auth deadline and
// resolves its token. Failure closes 1008.
func (c *Control) authenticate(conn *websocket.Conn, cfg config.Settings) (*sqlite.Entry, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(time.Duration(cfg.ControlAuthTimeoutS) * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "auth required")
		return nil, false
	}

	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "auth" || msg.Token == "" {
		c.rejectAuth(conn, "auth message required")
		return nil, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entry, err := c.queue.GetByToken(ctx, queue.HashToken(msg.Token))
	if err != nil {
		c.rejectAuth(conn, "invalid token")
		return nil, false
	}
	if entry.State == sqlite.StateDone || entry.State == sqlite.StateCancelled {
		c.rejectAuth(conn, "session already finished")
		return nil, false
	}
	return entry, true
}

func (c *Control) rejectAuth(conn *websocket.Conn, reason string) {
	if data, err := json.Marshal(errorMessage{Type: "error", Message: reason}); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	closeWith(conn, websocket.ClosePolicyViolation, reason)
	c.logger.Info().Str("event", "control.auth_rejected").Str("reason", reason).Msg("control auth rejected")
}

// register installs the session, replacing any prior channel for the
// same entry and cancelling a pending reconnect grace timer.
func (c *Control) register(s *session) {
	c.mu.Lock()
	old := c.sessions[s.entryID]
	c.sessions[s.entryID] = s
	if t, ok := c.grace[s.entryID]; ok {
		t.Stop()
		delete(c.grace, s.entryID)
	}
	n := len(c.sessions)
	c.mu.Unlock()

	if old != nil {
		old.terminate(websocket.CloseNormalClosure, "replaced")
	}
	metrics.PlayerConnections.Set(float64(n))
	c.logger.Info().
		Str("event", "control.registered").
		Str("entry_id", s.entryID).
		Bool("replaced", old != nil).
		Msg("control channel registered")
}

func (c *Control) release() {
	c.mu.Lock()
	c.count--
	c.mu.Unlock()
}

// cleanup unregisters the session and kicks off disconnect handling.
// Runs exactly once per session regardless of which pump died first.
func (c *Control) cleanup(s *session) {
	s.cleanupOnce.Do(func() {
		s.terminate(0, "")
		c.mu.Lock()
		registered := c.sessions[s.entryID] == s
		if registered {
			delete(c.sessions, s.entryID)
		}
		n := len(c.sessions)
		c.count--
		c.mu.Unlock()

		if !registered {
			return
		}
		metrics.PlayerConnections.Set(float64(n))
		c.logger.Info().
			Str("event", "control.disconnected").
			Str("entry_id", s.entryID).
			Msg("control channel closed")

		if c.machine == nil || !c.machine.HandleDisconnect(s.entryID) {
			return
		}
		cfg := c.settings()
		grace := cfg.GracePeriod()
		entryID := s.entryID
		c.mu.Lock()
		if t, ok := c.grace[entryID]; ok {
			t.Stop()
		}
		c.grace[entryID] = time.AfterFunc(grace, func() {
			c.mu.Lock()
			delete(c.grace, entryID)
			c.mu.Unlock()
			c.machine.HandleDisconnectTimeout(context.Background(), entryID)
		})
		c.mu.Unlock()
	})
}

// readLoop processes inbound messages in arrival order until the
// connection dies. Oversized and malformed frames are silently
// dropped.
func (c *Control) readLoop(s *session) {
	cfg := c.settings()
	// The read deadline sits two ping intervals past the liveness
	// threshold: writePump's idle check runs on ping ticks, so the
	// tick after the threshold closes the connection with a proper
	// 1001 before the read side gives up.
	readWait := time.Duration(cfg.ControlLivenessS+2*cfg.ControlPingIntervalS) * time.Second
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.touch()
		if len(data) > cfg.ControlMaxMessageBytes {
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		metrics.ControlMessages.WithLabelValues(msg.Type).Inc()
		c.handleMessage(s, msg)
	}
}

func (c *Control) handleMessage(s *session, msg inboundMessage) {
	ctx := context.Background()
	if c.machine == nil && msg.Type != "latency_ping" {
		return
	}
	switch msg.Type {
	case "latency_ping":
		// Bypasses the command rate limit so clients can measure RTT.
		c.enqueue(s, pingMessage{Type: "latency_pong"})
	case "ready_confirm":
		c.machine.HandleReadyConfirm(ctx, s.entryID)
	case "keydown":
		if _, ok := gpio.Directions[msg.Key]; !ok {
			return
		}
		if !s.keys.Allow() {
			return
		}
		active := false
		if c.activeMoving(s.entryID) {
			active = c.gate.DirectionOn(msg.Key)
		}
		c.enqueue(s, controlAck{Type: "control_ack", Key: msg.Key, Active: active})
	case "keyup":
		if _, ok := gpio.Directions[msg.Key]; !ok {
			return
		}
		if c.activeMoving(s.entryID) {
			c.gate.DirectionOff(msg.Key)
		}
	case "drop_start":
		c.machine.HandleDropPress(ctx, s.entryID)
	case "drop_end":
		c.machine.HandleDropRelease(ctx, s.entryID)
	}
}

// activeMoving reports whether the entry is the active player with the
// machine in MOVING.
func (c *Control) activeMoving(entryID string) bool {
	if c.machine == nil {
		return false
	}
	snap := c.machine.Snapshot()
	return snap.EntryID == entryID && snap.State == game.StateMoving
}

// writePump drains the send queue, emits keepalive pings, and enforces
// the liveness threshold.
func (c *Control) writePump(s *session) {
	cfg := c.settings()
	liveness := time.Duration(cfg.ControlLivenessS) * time.Second
	ping := time.NewTicker(time.Duration(cfg.ControlPingIntervalS) * time.Second)
	defer ping.Stop()
	defer c.cleanup(s)

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.ControlSendTimeout()))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.terminate(0, "")
				return
			}
		case <-ping.C:
			if s.idle() > liveness {
				s.terminate(websocket.CloseGoingAway, "liveness timeout")
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.ControlSendTimeout()))
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
				s.terminate(0, "")
				return
			}
		}
	}
}

// enqueue serializes msg onto the session's send queue under a bounded
// timeout. A queue that stays full means a stalled socket: the session
// is closed so it can never hold up a caller.
func (c *Control) enqueue(s *session, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error().Err(err).Str("event", "control.marshal_failed").Msg("dropping outbound message")
		return
	}
	cfg := c.settings()
	t := time.NewTimer(cfg.ControlSendTimeout())
	defer t.Stop()
	select {
	case s.send <- data:
	case <-s.done:
	case <-t.C:
		c.logger.Warn().
			Str("event", "control.send_stalled").
			Str("entry_id", s.entryID).
			Msg("send queue stalled, evicting channel")
		s.terminate(websocket.CloseGoingAway, "send timeout")
	}
}

// game.PlayerChannel implementation.

// IsConnected reports whether the entry has a registered channel.
func (c *Control) IsConnected(entryID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[entryID]
	return ok
}

// SendReadyPrompt pushes the ready prompt to the promoted player.
func (c *Control) SendReadyPrompt(entryID string, timeoutSeconds int) {
	c.sendTo(entryID, readyPrompt{Type: "ready_prompt", TimeoutSeconds: timeoutSeconds})
}

// SendStateUpdate mirrors the machine snapshot to the active player.
func (c *Control) SendStateUpdate(entryID string, snap game.Snapshot) {
	c.sendTo(entryID, stateUpdate{Type: "state_update", Snapshot: snap})
}

// SendTurnEnd delivers the terminal result to the player.
func (c *Control) SendTurnEnd(entryID, result string, triesUsed int) {
	c.sendTo(entryID, turnEndMessage{Type: "turn_end", Result: result, TriesUsed: triesUsed})
}

func (c *Control) sendTo(entryID string, msg any) {
	c.mu.Lock()
	s := c.sessions[entryID]
	c.mu.Unlock()
	if s != nil {
		c.enqueue(s, msg)
	}
}

// Close tears down every session, for shutdown.
func (c *Control) Close() {
	c.mu.Lock()
	targets := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		targets = append(targets, s)
	}
	for _, t := range c.grace {
		t.Stop()
	}
	c.grace = make(map[string]*time.Timer)
	c.mu.Unlock()
	for _, s := range targets {
		s.terminate(websocket.CloseGoingAway, "server shutting down")
	}
}
