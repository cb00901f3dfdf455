// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/clawd/internal/persistence/sqlite"
)

func (s *Server) handleAdminAdvance(w http.ResponseWriter, r *http.Request) {
	s.machine.ScheduleAdvance(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAdminPause(w http.ResponseWriter, r *http.Request) {
	s.machine.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAdminResume(w http.ResponseWriter, r *http.Request) {
	s.machine.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAdminEmergencyStop(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn().Str("event", "api.admin_estop").Msg("admin triggered emergency stop")
	s.gate.EmergencyStop()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "locked": true})
}

func (s *Server) handleAdminUnlock(w http.ResponseWriter, r *http.Request) {
	s.gate.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "locked": false})
}

func (s *Server) handleAdminKick(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, errors.New("missing entry id"))
		return
	}

	// In-flight entries end through the machine so hardware is safed;
	// queued ones are finalized directly.
	if !s.machine.ForceEnd(r.Context(), id, sqlite.ResultAdminSkipped) {
		entry, err := s.queue.GetByID(r.Context(), id)
		if err != nil {
			writeNotFound(w)
			return
		}
		if entry.State == sqlite.StateDone || entry.State == sqlite.StateCancelled {
			writeConflict(w, "entry already finished")
			return
		}
		if err := s.queue.CompleteEntry(r.Context(), id, sqlite.ResultAdminSkipped, entry.TriesUsed); err != nil {
			if errors.Is(err, sqlite.ErrEntryFinalized) {
				writeConflict(w, "entry already finished")
				return
			}
			writeInternal(w)
			return
		}
		s.machine.ScheduleAdvance(r.Context())
	}

	s.logger.Info().Str("event", "api.admin_kick").Str("entry_id", id).Msg("entry kicked by admin")
	s.hub.QueueChanged()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAdminDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeInternal(w)
		return
	}
	snap := s.gameSnapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":          stats,
		"game":           snap,
		"gpio_locked":    s.gate.IsLocked(),
		"viewer_count":   s.hub.ViewerCount(),
		"player_count":   s.control.ConnectionCount(),
		"uptime_seconds": int(s.checker.Uptime().Seconds()),
	})
}

type adminQueueEntryView struct {
	ID         string `json:"id"`
	Position   int64  `json:"position"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	ClientAddr string `json:"client_addr"`
	State      string `json:"state"`
	TriesUsed  int    `json:"tries_used"`
	CreatedAt  string `json:"created_at"`
}

func (s *Server) handleAdminQueueDetails(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.ListQueue(r.Context())
	if err != nil {
		writeInternal(w)
		return
	}
	out := make([]adminQueueEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, adminQueueEntryView{
			ID:         e.ID,
			Position:   e.Position,
			Name:       e.Name,
			Email:      e.Email,
			ClientAddr: e.ClientAddr,
			State:      e.State,
			TriesUsed:  e.TriesUsed,
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminConfigGet(w http.ResponseWriter, r *http.Request) {
	settings := s.cfg.Current()
	writeJSON(w, http.StatusOK, settings.Map())
}

func (s *Server) handleAdminConfigPut(w http.ResponseWriter, r *http.Request) {
	var updates map[string]string
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&updates); err != nil {
		writeError(w, errors.New("invalid request body"))
		return
	}

	settings := s.cfg.Current()
	for key, raw := range updates {
		if err := settings.Set(key, raw); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.cfg.Update(settings); err != nil {
		writeError(w, err)
		return
	}

	s.logger.Info().
		Str("event", "api.config_updated").
		Int("keys", len(updates)).
		Msg("config updated by admin")
	writeJSON(w, http.StatusOK, settings.Map())
}
