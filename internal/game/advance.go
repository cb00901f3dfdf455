// SPDX-License-Identifier: MIT

package game

import (
	"context"
	"errors"
	"time"

	"github.com/openclaw/clawd/internal/persistence/sqlite"
)

// Slack added on top of turn+ready time before the stuck detector
// declares a non-idle state wedged.
const stuckBuffer = 60 * time.Second

// ScheduleAdvance queues an advance as a fire-and-forget task. End-turn
// and timer paths must never call Advance inline: advance holds its own
// mutex during candidate selection and those paths are often invoked
// from timers scheduled inside that selection. The caller's cancellation
// is detached so a finished HTTP request cannot abort a promotion
// already underway.
func (m *Machine) ScheduleAdvance(ctx context.Context) {
	go m.Advance(context.WithoutCancel(ctx))
}

// Advance promotes the next waiting candidate when the machine is idle.
// Candidate selection serializes on advanceMu; the pre-flight
// connection wait deliberately happens outside every lock. Ghost
// candidates (queued past the ghost age, never connected) are skipped
// and the next one is considered.
func (m *Machine) Advance(ctx context.Context) {
	m.advanceMu.Lock()
	defer m.advanceMu.Unlock()

	waited := ""
	for {
		m.mu.Lock()
		idle := m.state == StateIdle && m.activeID == "" && !m.paused
		players := m.players
		sink := m.sink
		m.mu.Unlock()
		if !idle {
			return
		}

		entry, err := m.queue.PeekNextWaiting(ctx)
		if err != nil {
			m.logger.Error().Err(err).
				Str("event", "game.peek_failed").
				Msg("failed to peek next waiting entry")
			return
		}
		if entry == nil {
			return
		}

		if players != nil && !players.IsConnected(entry.ID) {
			if waited != entry.ID {
				// The pre-flight wait runs outside advanceMu so it
				// never blocks a concurrent advance or end-turn; the
				// loop re-validates the candidate afterwards.
				m.advanceMu.Unlock()
				m.waitForConnection(ctx, players, entry.ID)
				m.advanceMu.Lock()
				waited = entry.ID
				continue
			}
			created, ok := sqlite.ParseTimestamp(entry.CreatedAt)
			cfg := m.settings()
			if ok && time.Since(created) > cfg.GhostPlayerAge() {
				m.logger.Info().
					Str("event", "game.ghost_skipped").
					Str("entry_id", entry.ID).
					Str("player", entry.Name).
					Msg("candidate never connected, skipping")
				if err := m.queue.CompleteEntry(ctx, entry.ID, sqlite.ResultSkipped, 0); err != nil {
					if errors.Is(err, sqlite.ErrEntryFinalized) {
						continue
					}
					m.logger.Error().Err(err).
						Str("event", "game.ghost_skip_failed").
						Str("entry_id", entry.ID).
						Msg("failed to skip ghost entry")
					return
				}
				if sink != nil {
					sink.QueueChanged()
				}
				continue
			}
			// Recent joiner: promote anyway, the ready timeout
			// will skip them if they never show up.
		}

		if m.promote(ctx, entry) {
			return
		}
		// Candidate was finalized underneath us; take the next one.
	}
}

// waitForConnection polls for the candidate's control socket for up to
// the pre-flight window.
func (m *Machine) waitForConnection(ctx context.Context, players PlayerChannel, entryID string) bool {
	deadline := time.Now().Add(preflightWait)
	for time.Now().Before(deadline) {
		if players.IsConnected(entryID) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(preflightPoll):
		}
	}
	return players.IsConnected(entryID)
}

// promote marks entry ready and moves the machine into READY_PROMPT.
// It reports false when the entry was finalized underneath the advance
// loop and the next candidate should be considered instead.
func (m *Machine) promote(ctx context.Context, entry *sqlite.Entry) bool {
	if err := m.queue.SetState(ctx, entry.ID, sqlite.StateReady); err != nil {
		if errors.Is(err, sqlite.ErrEntryFinalized) || errors.Is(err, sqlite.ErrNotFound) {
			m.logger.Info().
				Str("event", "game.promote_candidate_gone").
				Str("entry_id", entry.ID).
				Msg("candidate finalized before promotion, trying next")
			return false
		}
		m.logger.Error().Err(err).
			Str("event", "game.promote_failed").
			Str("entry_id", entry.ID).
			Msg("failed to mark entry ready")
		return true
	}

	m.mu.Lock()
	if m.state != StateIdle {
		// Raced with a concurrent promotion; hand the entry back.
		m.mu.Unlock()
		err := m.queue.SetState(ctx, entry.ID, sqlite.StateWaiting)
		if err != nil && !errors.Is(err, sqlite.ErrEntryFinalized) {
			m.logger.Error().Err(err).
				Str("event", "game.promote_rollback_failed").
				Str("entry_id", entry.ID).
				Msg("failed to return entry to waiting")
		}
		return true
	}
	m.transitionLocked(StateReadyPrompt)
	m.activeID = entry.ID
	m.activeName = entry.Name
	m.currentTry = 0
	cfg := m.settings()
	m.armStateTimerLocked(cfg.ReadyPrompt(), m.readyTimeout)
	players := m.players
	sink := m.sink
	m.mu.Unlock()

	m.logger.Info().
		Str("event", "game.ready_prompt").
		Str("entry_id", entry.ID).
		Str("player", entry.Name).
		Int64("position", entry.Position).
		Msg("candidate promoted, awaiting ready confirm")

	if players != nil {
		players.SendReadyPrompt(entry.ID, cfg.ReadyPromptSeconds)
	}
	if sink != nil {
		sink.QueueChanged()
	}
	m.notifyState()
	return true
}

// ForceRecover is the controlled reset path: safe the hardware, mark
// the active entry errored, return to IDLE, schedule an advance.
// Concurrent recovery attempts serialize on the re-entrancy flag.
func (m *Machine) ForceRecover(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.recovering {
		m.mu.Unlock()
		return
	}
	m.recovering = true
	m.transitionLocked(StateTurnEnd)
	if m.turnTimer != nil {
		m.turnTimer.Stop()
		m.turnTimer = nil
	}
	m.turnDeadline = time.Time{}
	id := m.activeID
	m.mu.Unlock()

	m.logger.Warn().
		Str("event", "game.force_recovery").
		Str("reason", reason).
		Str("entry_id", id).
		Msg("forcing state machine recovery")

	m.gate.UnregisterWinCallback()
	m.safeStop()
	m.gate.Unlock()

	if id != "" {
		// The store rejects completion of an entry that was finalized
		// in the meantime, so a lost race here is harmless.
		err := m.queue.CompleteEntry(ctx, id, sqlite.ResultError, 0)
		if err != nil && !errors.Is(err, sqlite.ErrEntryFinalized) && !errors.Is(err, sqlite.ErrNotFound) {
			m.logger.Error().Err(err).
				Str("event", "game.recovery_complete_failed").
				Str("entry_id", id).
				Msg("failed to finalize entry during recovery")
		}
	}

	m.mu.Lock()
	m.transitionLocked(StateIdle)
	m.activeID = ""
	m.activeName = ""
	m.currentTry = 0
	m.recovering = false
	m.mu.Unlock()

	m.notifyState()
	m.ScheduleAdvance(context.Background())
}

// CheckStuck inspects the machine for wedged states and repairs them.
// Called periodically by the supervisor.
func (m *Machine) CheckStuck(ctx context.Context) {
	m.mu.Lock()
	st := m.state
	id := m.activeID
	since := time.Since(m.lastTransition)
	paused := m.paused
	m.mu.Unlock()

	cfg := m.settings()

	switch {
	case st == StateIdle && id != "":
		// Partially applied promotion left a dangling id.
		m.logger.Warn().
			Str("event", "game.stuck_partial_advance").
			Str("entry_id", id).
			Msg("idle with dangling active id, clearing")
		m.mu.Lock()
		if m.state == StateIdle {
			m.activeID = ""
			m.activeName = ""
		}
		m.mu.Unlock()
		m.ScheduleAdvance(ctx)
		return
	case st == StateIdle:
		if paused {
			return
		}
		if n, err := m.queue.WaitingCount(ctx); err == nil && n > 0 {
			m.ScheduleAdvance(ctx)
		}
		return
	case st == StateTurnEnd:
		if since > time.Duration(cfg.TurnEndStuckTimeoutS)*time.Second {
			m.ForceRecover(ctx, "turn_end held too long")
		}
		return
	}

	if since > cfg.TurnTime()+cfg.ReadyPrompt()+stuckBuffer {
		m.ForceRecover(ctx, "state held past turn limit")
		return
	}

	// The store is authoritative; an externally terminated entry means
	// the in-memory turn is orphaned.
	if id != "" {
		entry, err := m.queue.GetByID(ctx, id)
		if err == nil && (entry.State == sqlite.StateDone || entry.State == sqlite.StateCancelled) {
			m.ForceRecover(ctx, "active entry externally terminated")
		}
	}
}
