// SPDX-License-Identifier: MIT

// Package game owns the per-turn lifecycle: promotion of waiting
// players, the ready/moving/dropping cycle with its timers, win-sensor
// handling, and the recovery paths that keep the machine usable when a
// player, a socket, or the hardware misbehaves.
package game

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/clawd/internal/config"
	"github.com/openclaw/clawd/internal/log"
	"github.com/openclaw/clawd/internal/persistence/sqlite"
)

// Machine states.
type State string

const (
	StateIdle        State = "idle"
	StateReadyPrompt State = "ready_prompt"
	StateMoving      State = "moving"
	StateDropping    State = "dropping"
	StatePostDrop    State = "post_drop"
	StateTurnEnd     State = "turn_end"
)

// Hardware is the slice of the gpio gate the machine drives.
type Hardware interface {
	Pulse(name string) bool
	DirectionOn(direction string) bool
	DirectionOff(direction string) bool
	AllDirectionsOff()
	DropOn() bool
	DropOff() bool
	EmergencyStop()
	Unlock()
	RegisterWinCallback(fn func())
	UnregisterWinCallback()
	IsLocked() bool
}

// Queue is the slice of the queue manager the machine mutates.
type Queue interface {
	PeekNextWaiting(ctx context.Context) (*sqlite.Entry, error)
	GetByID(ctx context.Context, id string) (*sqlite.Entry, error)
	SetState(ctx context.Context, id, state string) error
	CompleteEntry(ctx context.Context, id, result string, triesUsed int) error
	SetTurnDeadlines(ctx context.Context, id string, tryMoveEnd, turnEnd time.Time) error
	WaitingCount(ctx context.Context) (int, error)
}

// PlayerChannel is the control-channel side the machine talks to. Wired
// after construction; all methods must be non-blocking or internally
// bounded.
type PlayerChannel interface {
	IsConnected(entryID string) bool
	SendReadyPrompt(entryID string, timeoutSeconds int)
	SendStateUpdate(entryID string, snap Snapshot)
	SendTurnEnd(entryID, result string, triesUsed int)
}

// StatusSink receives every externally visible game event for the
// viewer broadcast. Wired after construction.
type StatusSink interface {
	StateChanged(snap Snapshot)
	QueueChanged()
	TurnEnded(playerName, result string, triesUsed int)
}

// Snapshot is the externally visible machine state.
type Snapshot struct {
	State            State  `json:"state"`
	EntryID          string `json:"entry_id,omitempty"`
	PlayerName       string `json:"player_name,omitempty"`
	CurrentTry       int    `json:"current_try"`
	TriesPerPlayer   int    `json:"tries_per_player"`
	StateSecondsLeft int    `json:"state_seconds_left"`
	TurnSecondsLeft  int    `json:"turn_seconds_left"`
	Paused           bool   `json:"paused"`
}

// Candidate pre-flight wait: how long advance gives a promoted
// candidate's control socket to show up before the ghost check.
const (
	preflightWait = 2 * time.Second
	preflightPoll = 100 * time.Millisecond
)

// Machine is the single logical owner of the turn lifecycle. mu guards
// every field below it; advanceMu serializes candidate selection and is
// never held while mu is held.
type Machine struct {
	settings func() config.Settings
	queue    Queue
	gate     Hardware
	logger   zerolog.Logger

	mu             sync.Mutex
	state          State
	activeID       string
	activeName     string
	currentTry     int
	gen            uint64
	stateTimer     *time.Timer
	turnTimer      *time.Timer
	stateDeadline  time.Time
	turnDeadline   time.Time
	lastTransition time.Time
	paused         bool
	recovering     bool

	advanceMu sync.Mutex

	players PlayerChannel
	sink    StatusSink

	winCh chan struct{}
}

// NewMachine builds an idle machine. Wire the control channel and
// status sink with SetPlayers/SetSink, then call Start.
func NewMachine(settings func() config.Settings, q Queue, gate Hardware) *Machine {
	return &Machine{
		settings:       settings,
		queue:          q,
		gate:           gate,
		logger:         log.WithComponent("game"),
		state:          StateIdle,
		lastTransition: time.Now(),
		winCh:          make(chan struct{}, 1),
	}
}

// SetPlayers installs the control-channel side (late binding).
func (m *Machine) SetPlayers(p PlayerChannel) {
	m.mu.Lock()
	m.players = p
	m.mu.Unlock()
}

// SetSink installs the status broadcast sink (late binding).
func (m *Machine) SetSink(s StatusSink) {
	m.mu.Lock()
	m.sink = s
	m.mu.Unlock()
}

// Start launches the win-sensor bridge goroutine. The hardware
// callback (registered on entering DROPPING) only pokes a channel; all
// machine logic runs here.
func (m *Machine) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.winCh:
				m.handleWin(ctx)
			}
		}
	}()
}

// Snapshot returns the externally visible state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	cfg := m.settings()
	snap := Snapshot{
		State:          m.state,
		EntryID:        m.activeID,
		PlayerName:     m.activeName,
		CurrentTry:     m.currentTry,
		TriesPerPlayer: cfg.TriesPerPlayer,
		Paused:         m.paused,
	}
	now := time.Now()
	if !m.stateDeadline.IsZero() && m.stateDeadline.After(now) {
		snap.StateSecondsLeft = int(time.Until(m.stateDeadline).Seconds())
	}
	if !m.turnDeadline.IsZero() && m.turnDeadline.After(now) {
		snap.TurnSecondsLeft = int(time.Until(m.turnDeadline).Seconds())
	}
	return snap
}

// CurrentState returns the state variant alone.
func (m *Machine) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveEntryID returns the active entry id, or "".
func (m *Machine) ActiveEntryID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// Pause stops future promotions. The in-flight turn, if any, runs to
// its normal end.
func (m *Machine) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	m.logger.Info().Str("event", "game.paused").Msg("promotions paused")
	m.notifyState()
}

// Resume re-enables promotions and schedules an advance.
func (m *Machine) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.logger.Info().Str("event", "game.resumed").Msg("promotions resumed")
	m.notifyState()
	m.ScheduleAdvance(context.Background())
}

// IsPaused reports whether promotions are paused.
func (m *Machine) IsPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// cancelStateTimerLocked stops the running state timer and bumps the
// generation so an already-fired timer goroutine becomes a no-op.
// Caller holds mu.
func (m *Machine) cancelStateTimerLocked() {
	if m.stateTimer != nil {
		m.stateTimer.Stop()
		m.stateTimer = nil
	}
	m.gen++
	m.stateDeadline = time.Time{}
}

// transitionLocked cancels the state timer and moves to a new state.
// Caller holds mu.
func (m *Machine) transitionLocked(to State) {
	m.cancelStateTimerLocked()
	m.state = to
	m.lastTransition = time.Now()
}

// armStateTimerLocked schedules fn after d unless the machine has
// transitioned again in the meantime. Caller holds mu. fn runs on its
// own goroutine with mu released; a panic inside fn triggers force
// recovery rather than taking the process down.
func (m *Machine) armStateTimerLocked(d time.Duration, fn func(ctx context.Context)) {
	gen := m.gen
	m.stateDeadline = time.Now().Add(d)
	m.stateTimer = time.AfterFunc(d, func() {
		m.runTimer(gen, fn)
	})
}

func (m *Machine) runTimer(gen uint64, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("event", "game.timer_panic").
				Interface("panic", r).
				Msg("timer body panicked, forcing recovery")
			m.ForceRecover(context.Background(), "timer panic")
		}
	}()
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	fn(context.Background())
}

// notifyState broadcasts the current snapshot and mirrors it to the
// active player.
func (m *Machine) notifyState() {
	m.mu.Lock()
	snap := m.snapshotLocked()
	sink := m.sink
	players := m.players
	m.mu.Unlock()

	if sink != nil {
		sink.StateChanged(snap)
	}
	if players != nil && snap.EntryID != "" {
		players.SendStateUpdate(snap.EntryID, snap)
	}
}
