// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/openclaw/clawd/internal/game"
	"github.com/openclaw/clawd/internal/persistence/sqlite"
	"github.com/openclaw/clawd/internal/queue"
)

type joinRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type joinResponse struct {
	Token                string `json:"token"`
	Position             int64  `json:"position"`
	EstimatedWaitSeconds int    `json:"estimated_wait_seconds"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, errors.New("invalid request body"))
		return
	}
	name, err := normalizeName(req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	email, err := normalizeEmail(req.Email)
	if err != nil {
		writeError(w, err)
		return
	}

	ip := s.clientIP(r)
	settings := s.cfg.Current()
	if ok, err := s.limiter.Allow(r.Context(), "ip:"+ip, "ip", settings.JoinRatePerIP); err != nil {
		writeInternal(w)
		return
	} else if !ok {
		writeTooManyRequests(w)
		return
	}
	if ok, err := s.limiter.Allow(r.Context(), "email:"+email, "email", settings.JoinRatePerEmail); err != nil {
		writeInternal(w)
		return
	} else if !ok {
		writeTooManyRequests(w)
		return
	}

	res, err := s.queue.Join(r.Context(), name, email, ip)
	if err != nil {
		if errors.Is(err, queue.ErrDuplicateEmail) {
			writeConflict(w, "email already in queue")
			return
		}
		s.logger.Error().Err(err).Str("event", "api.join_failed").Msg("join failed")
		writeInternal(w)
		return
	}

	rank, err := s.queue.WaitingRank(r.Context(), res.ID)
	if err != nil {
		rank = int(res.Position)
	}
	perTurn := settings.TurnTimeSeconds + settings.ReadyPromptSeconds
	estimated := (rank - 1) * perTurn
	if estimated < 0 {
		estimated = 0
	}

	// Viewers learn about the longer queue immediately; a scheduled
	// advance only broadcasts once a promotion happens.
	s.hub.QueueChanged()
	s.machine.ScheduleAdvance(r.Context())
	writeJSON(w, http.StatusOK, joinResponse{
		Token:                res.Token,
		Position:             res.Position,
		EstimatedWaitSeconds: estimated,
	})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.bearerEntry(w, r)
	if !ok {
		return
	}

	switch entry.State {
	case sqlite.StateActive:
		// Walking out mid-turn cancels the turn and safes the machine.
		if !s.machine.ForceEnd(r.Context(), entry.ID, sqlite.ResultCancelled) {
			// Machine no longer plays this entry; finalize directly.
			if err := s.queue.CompleteEntry(r.Context(), entry.ID, sqlite.ResultCancelled, entry.TriesUsed); err != nil {
				writeNotFound(w)
				return
			}
		}
	case sqlite.StateWaiting, sqlite.StateReady:
		if err := s.queue.Leave(r.Context(), entry.TokenHash); err != nil {
			writeNotFound(w)
			return
		}
	default:
		writeNotFound(w)
		return
	}

	s.hub.QueueChanged()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	waiting, currentName, currentState, err := s.queue.QueueStatus(r.Context())
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current_player":       currentName,
		"current_player_state": currentState,
		"queue_length":         waiting,
	})
}

type queueEntryView struct {
	Position int64  `json:"position"`
	Name     string `json:"name"`
	State    string `json:"state"`
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.ListQueue(r.Context())
	if err != nil {
		writeInternal(w)
		return
	}
	out := make([]queueEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, queueEntryView{Position: e.Position, Name: e.Name, State: e.State})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessionMe(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.bearerEntry(w, r)
	if !ok {
		return
	}
	settings := s.cfg.Current()
	rank, _ := s.queue.WaitingRank(r.Context(), entry.ID)

	currentTry := 0
	if snap := s.machine.Snapshot(); snap.EntryID == entry.ID {
		currentTry = snap.CurrentTry
	}
	triesLeft := settings.TriesPerPlayer - entry.TriesUsed - currentTry
	if triesLeft < 0 {
		triesLeft = 0
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":       entry.State,
		"position":    rank,
		"tries_left":  triesLeft,
		"current_try": currentTry,
	})
}

type historyView struct {
	Name        string `json:"name"`
	Result      string `json:"result"`
	TriesUsed   int    `json:"tries_used"`
	CompletedAt string `json:"completed_at"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.RecentResults(r.Context(), s.cfg.Current().HistoryLimit)
	if err != nil {
		writeInternal(w)
		return
	}
	out := make([]historyView, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyView{
			Name:        e.Name,
			Result:      e.Result,
			TriesUsed:   e.TriesUsed,
			CompletedAt: e.CompletedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks, healthy := s.checker.Run(r.Context())
	waiting, _, _, err := s.queue.QueueStatus(r.Context())
	if err != nil {
		healthy = false
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	snap := s.machine.Snapshot()
	writeJSON(w, code, map[string]any{
		"status":         status,
		"game_state":     snap.State,
		"gpio_locked":    s.gate.IsLocked(),
		"queue_length":   waiting,
		"viewer_count":   s.hub.ViewerCount(),
		"player_count":   s.control.ConnectionCount(),
		"paused":         snap.Paused,
		"uptime_seconds": int(s.checker.Uptime().Seconds()),
		"checks":         checks,
	})
}

// bearerEntry resolves the Authorization bearer token to its entry.
// Writes 401 on a missing/invalid token.
func (s *Server) bearerEntry(w http.ResponseWriter, r *http.Request) (*sqlite.Entry, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		writeUnauthorized(w)
		return nil, false
	}
	entry, err := s.queue.GetByToken(r.Context(), queue.HashToken(token))
	if err != nil {
		writeUnauthorized(w)
		return nil, false
	}
	return entry, true
}

// gameSnapshot is re-exported for the dashboard handler.
func (s *Server) gameSnapshot() game.Snapshot { return s.machine.Snapshot() }
