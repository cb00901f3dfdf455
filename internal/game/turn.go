// SPDX-License-Identifier: MIT

package game

import (
	"context"
	"errors"
	"time"

	"github.com/openclaw/clawd/internal/gpio"
	"github.com/openclaw/clawd/internal/metrics"
	"github.com/openclaw/clawd/internal/persistence/sqlite"
)

// HandleReadyConfirm transitions READY_PROMPT into the first try. Only
// the prompted player may confirm; anything else is ignored.
func (m *Machine) HandleReadyConfirm(ctx context.Context, entryID string) bool {
	m.mu.Lock()
	if m.state != StateReadyPrompt || m.activeID != entryID {
		m.mu.Unlock()
		return false
	}
	m.cancelStateTimerLocked()
	gen := m.gen
	cfg := m.settings()
	m.turnDeadline = time.Now().Add(cfg.TurnTime())
	if m.turnTimer != nil {
		m.turnTimer.Stop()
	}
	m.turnTimer = time.AfterFunc(cfg.TurnTime(), func() {
		m.turnExpired(context.Background(), entryID)
	})
	name := m.activeName
	m.mu.Unlock()

	if err := m.queue.SetState(ctx, entryID, sqlite.StateActive); err != nil {
		m.logger.Error().Err(err).
			Str("event", "game.activate_failed").
			Str("entry_id", entryID).
			Msg("failed to mark entry active")
	}
	m.logger.Info().
		Str("event", "game.turn_started").
		Str("entry_id", entryID).
		Str("player", name).
		Msg("player confirmed ready, turn started")

	m.startTry(ctx, gen, 1)
	return true
}

// startTry credits a coin (when configured), waits for the credit to
// settle, then enters MOVING for the given try. gen guards against the
// turn ending while the coin settled.
func (m *Machine) startTry(ctx context.Context, gen uint64, try int) {
	cfg := m.settings()
	if cfg.CoinEachTry {
		m.gate.Pulse(gpio.OutCoin)
		if d := cfg.CoinSettleDelay(); d > 0 {
			time.Sleep(d)
		}
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.transitionLocked(StateMoving)
	m.currentTry = try
	m.armStateTimerLocked(cfg.TryMoveTime(), m.moveTimeout)
	id := m.activeID
	tryMoveEnd := m.stateDeadline
	turnEnd := m.turnDeadline
	m.mu.Unlock()

	if err := m.queue.SetTurnDeadlines(ctx, id, tryMoveEnd, turnEnd); err != nil {
		m.logger.Warn().Err(err).
			Str("event", "game.deadlines_persist_failed").
			Str("entry_id", id).
			Msg("failed to persist turn deadlines")
	}
	m.logger.Info().
		Str("event", "game.try_started").
		Str("entry_id", id).
		Int("try", try).
		Msg("try started")
	m.notifyState()
}

// HandleDropPress drives MOVING into DROPPING for the active player.
func (m *Machine) HandleDropPress(ctx context.Context, entryID string) bool {
	m.mu.Lock()
	ok := m.state == StateMoving && m.activeID == entryID
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.enterDropping(ctx)
	return true
}

// HandleDropRelease drives DROPPING into POST_DROP for the active
// player.
func (m *Machine) HandleDropRelease(ctx context.Context, entryID string) bool {
	m.mu.Lock()
	ok := m.state == StateDropping && m.activeID == entryID
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.enterPostDrop(ctx)
	return true
}

func (m *Machine) moveTimeout(ctx context.Context) {
	m.logger.Info().
		Str("event", "game.move_timeout").
		Msg("move window elapsed, auto-dropping")
	m.enterDropping(ctx)
}

func (m *Machine) enterDropping(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateMoving {
		m.mu.Unlock()
		return
	}
	m.transitionLocked(StateDropping)
	cfg := m.settings()
	m.armStateTimerLocked(cfg.DropHoldMax(), m.dropHoldTimeout)
	m.mu.Unlock()

	m.gate.AllDirectionsOff()
	m.gate.RegisterWinCallback(m.pokeWin)
	m.gate.DropOn()

	m.logger.Info().Str("event", "game.dropping").Msg("drop engaged")
	m.notifyState()
}

func (m *Machine) dropHoldTimeout(ctx context.Context) {
	m.logger.Info().
		Str("event", "game.drop_hold_timeout").
		Msg("drop hold limit elapsed")
	m.enterPostDrop(ctx)
}

func (m *Machine) enterPostDrop(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateDropping {
		m.mu.Unlock()
		return
	}
	m.transitionLocked(StatePostDrop)
	cfg := m.settings()
	m.armStateTimerLocked(cfg.PostDropWait(), m.postDropTimeout)
	m.mu.Unlock()

	// Win callback stays registered; the claw may still score while
	// retracting.
	m.gate.DropOff()
	m.notifyState()
}

func (m *Machine) postDropTimeout(ctx context.Context) {
	m.mu.Lock()
	if m.state != StatePostDrop {
		m.mu.Unlock()
		return
	}
	cfg := m.settings()
	try := m.currentTry
	if try >= cfg.TriesPerPlayer {
		m.mu.Unlock()
		m.EndTurn(ctx, sqlite.ResultLoss)
		return
	}
	m.cancelStateTimerLocked()
	gen := m.gen
	m.mu.Unlock()
	m.startTry(ctx, gen, try+1)
}

func (m *Machine) readyTimeout(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateReadyPrompt {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.logger.Info().
		Str("event", "game.ready_timeout").
		Msg("ready prompt expired, skipping player")
	m.EndTurn(ctx, sqlite.ResultSkipped)
}

func (m *Machine) turnExpired(ctx context.Context, entryID string) {
	m.mu.Lock()
	ok := m.activeID == entryID && m.state != StateTurnEnd && m.state != StateIdle
	m.mu.Unlock()
	if !ok {
		return
	}
	m.logger.Info().
		Str("event", "game.turn_expired").
		Str("entry_id", entryID).
		Msg("hard turn limit elapsed")
	m.EndTurn(ctx, sqlite.ResultExpired)
}

// pokeWin runs on the hardware watcher goroutine. It only nudges the
// bridge channel; no machine locks are taken here.
func (m *Machine) pokeWin() {
	select {
	case m.winCh <- struct{}{}:
	default:
	}
}

func (m *Machine) handleWin(ctx context.Context) {
	if !m.settings().WinSensor {
		return
	}
	m.mu.Lock()
	if m.state != StateDropping && m.state != StatePostDrop {
		m.mu.Unlock()
		return
	}
	id := m.activeID
	m.mu.Unlock()

	m.logger.Info().
		Str("event", "game.win_detected").
		Str("entry_id", id).
		Msg("win sensor fired")
	m.EndTurn(ctx, sqlite.ResultWin)
}

// EndTurn finalizes the in-flight turn. The state is set to TURN_END
// and both timers are cancelled before any blocking call so a
// concurrently awoken timer observes a terminal state and returns. The
// hardware lock flag is cleared unconditionally: a stuck stop must
// never leave controls locked into the next turn.
func (m *Machine) EndTurn(ctx context.Context, result string) {
	m.mu.Lock()
	if m.state == StateTurnEnd || m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.transitionLocked(StateTurnEnd)
	if m.turnTimer != nil {
		m.turnTimer.Stop()
		m.turnTimer = nil
	}
	m.turnDeadline = time.Time{}
	id := m.activeID
	name := m.activeName
	tries := m.currentTry
	players := m.players
	sink := m.sink
	m.mu.Unlock()

	m.gate.UnregisterWinCallback()
	if prev == StateDropping {
		m.gate.DropOff()
	}
	m.safeStop()
	m.gate.Unlock()

	if id != "" {
		err := m.queue.CompleteEntry(ctx, id, result, tries)
		if err != nil && !errors.Is(err, sqlite.ErrEntryFinalized) {
			m.logger.Error().Err(err).
				Str("event", "game.complete_failed").
				Str("entry_id", id).
				Str("result", result).
				Msg("failed to finalize entry; resetting anyway")
		}
	}

	metrics.TurnsTotal.WithLabelValues(result).Inc()
	m.logger.Info().
		Str("event", "game.turn_end").
		Str("entry_id", id).
		Str("player", name).
		Str("result", result).
		Int("tries", tries).
		Msg("turn ended")

	if players != nil && id != "" {
		players.SendTurnEnd(id, result, tries)
	}
	if sink != nil {
		sink.TurnEnded(name, result, tries)
		sink.QueueChanged()
	}

	m.mu.Lock()
	m.transitionLocked(StateIdle)
	m.activeID = ""
	m.activeName = ""
	m.currentTry = 0
	m.mu.Unlock()

	m.notifyState()
	m.ScheduleAdvance(context.Background())
}

// safeStop invokes the hardware emergency stop under an outer timeout.
// A timeout is logged and cleanup continues.
func (m *Machine) safeStop() {
	done := make(chan struct{})
	go func() {
		m.gate.EmergencyStop()
		close(done)
	}()
	cfg := m.settings()
	select {
	case <-done:
	case <-time.After(cfg.EmergencyStopTimeout()):
		m.logger.Warn().
			Str("event", "game.estop_timeout").
			Msg("emergency stop did not finish in time; continuing cleanup")
	}
}

// ForceEnd finalizes the in-flight turn with an arbitrary result
// (admin kick, leave-while-active). Returns false when the entry is
// not the in-flight one.
func (m *Machine) ForceEnd(ctx context.Context, entryID, result string) bool {
	m.mu.Lock()
	ok := m.activeID == entryID && m.state != StateTurnEnd && m.state != StateIdle
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.EndTurn(ctx, result)
	return true
}

// HandleDisconnect is called when the active player's control socket
// closes. It releases held directions immediately and reports whether
// a reconnect grace period applies (only mid-turn; READY_PROMPT is
// governed by its own timeout).
func (m *Machine) HandleDisconnect(entryID string) bool {
	m.mu.Lock()
	active := m.activeID == entryID
	st := m.state
	m.mu.Unlock()
	if !active {
		return false
	}
	m.gate.AllDirectionsOff()
	return st == StateMoving || st == StateDropping || st == StatePostDrop
}

// HandleDisconnectTimeout ends the turn when the reconnect grace
// period elapsed without the player coming back.
func (m *Machine) HandleDisconnectTimeout(ctx context.Context, entryID string) {
	m.mu.Lock()
	active := m.activeID == entryID && m.state != StateTurnEnd && m.state != StateIdle
	m.mu.Unlock()
	if !active {
		return
	}
	m.logger.Info().
		Str("event", "game.disconnect_expired").
		Str("entry_id", entryID).
		Msg("player did not reconnect within grace, ending turn")
	m.EndTurn(ctx, sqlite.ResultExpired)
}
