// SPDX-License-Identifier: MIT

// Package queue implements player-domain operations over the embedded
// store: joining, leaving, promotion, completion, and the read queries
// the API and state machine need.
package queue

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openclaw/clawd/internal/log"
	"github.com/openclaw/clawd/internal/persistence/sqlite"
)

// Re-exported so callers don't import the store for constants.
var (
	ErrDuplicateEmail = sqlite.ErrDuplicateEmail
	ErrNotFound       = sqlite.ErrNotFound
	ErrEntryFinalized = sqlite.ErrEntryFinalized
)

// JoinResult is what a successful join hands back to the player. Token
// is the raw bearer credential; only its hash is persisted.
type JoinResult struct {
	ID       string
	Token    string
	Position int64
}

// Manager wraps the store with queue semantics.
type Manager struct {
	store  *sqlite.Store
	logger zerolog.Logger
}

// NewManager creates a queue manager over the given store.
func NewManager(store *sqlite.Store) *Manager {
	return &Manager{
		store:  store,
		logger: log.WithComponent("queue"),
	}
}

// HashToken returns the hex SHA-256 digest stored for a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("queue: token generation: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Join inserts a waiting entry. Name and email are expected normalized
// (trimmed, email lowercased) by the caller. Returns ErrDuplicateEmail
// when the email already holds a non-terminal entry.
func (m *Manager) Join(ctx context.Context, name, email, clientAddr string) (*JoinResult, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	entry := &sqlite.Entry{
		ID:         uuid.NewString(),
		TokenHash:  HashToken(token),
		Name:       name,
		Email:      email,
		ClientAddr: clientAddr,
	}
	if err := m.store.InsertJoin(ctx, entry); err != nil {
		return nil, err
	}

	m.logEvent(ctx, entry.ID, "join", map[string]any{"name": name, "position": entry.Position})
	m.logger.Info().
		Str("event", "queue.joined").
		Str("entry_id", entry.ID).
		Int64("position", entry.Position).
		Msg("player joined queue")

	return &JoinResult{ID: entry.ID, Token: token, Position: entry.Position}, nil
}

// Leave cancels a waiting/ready entry by token hash. Terminal and
// unknown tokens return ErrNotFound.
func (m *Manager) Leave(ctx context.Context, tokenHash string) error {
	id, err := m.store.CancelByToken(ctx, tokenHash)
	if err != nil {
		return err
	}
	m.logEvent(ctx, id, "leave", nil)
	m.logger.Info().Str("event", "queue.left").Str("entry_id", id).Msg("player left queue")
	return nil
}

// SetState moves an entry to a new non-terminal state. Entering active
// stamps activated_at. Writes against an already terminal entry return
// ErrEntryFinalized.
func (m *Manager) SetState(ctx context.Context, id, state string) error {
	if err := m.store.SetEntryState(ctx, id, state); err != nil {
		return err
	}
	m.logEvent(ctx, id, "state_"+state, nil)
	return nil
}

// CompleteEntry finalizes an entry with a terminal result. The first
// completion wins; a second one returns ErrEntryFinalized.
func (m *Manager) CompleteEntry(ctx context.Context, id, result string, triesUsed int) error {
	if err := m.store.CompleteEntry(ctx, id, result, triesUsed); err != nil {
		return err
	}
	m.logEvent(ctx, id, "turn_end", map[string]any{"result": result, "tries": triesUsed})
	return nil
}

// SetTurnDeadlines persists absolute deadlines for restart recovery.
func (m *Manager) SetTurnDeadlines(ctx context.Context, id string, tryMoveEnd, turnEnd time.Time) error {
	return m.store.SetTurnDeadlines(ctx, id, tryMoveEnd, turnEnd)
}

// PeekNextWaiting returns the lowest-position waiting entry, or nil.
func (m *Manager) PeekNextWaiting(ctx context.Context) (*sqlite.Entry, error) {
	return m.store.PeekNextWaiting(ctx)
}

// GetByID looks up one entry.
func (m *Manager) GetByID(ctx context.Context, id string) (*sqlite.Entry, error) {
	return m.store.GetByID(ctx, id)
}

// GetByToken looks up one entry by token hash.
func (m *Manager) GetByToken(ctx context.Context, tokenHash string) (*sqlite.Entry, error) {
	return m.store.GetByToken(ctx, tokenHash)
}

// ListQueue returns all non-terminal entries ordered active, ready,
// waiting by position.
func (m *Manager) ListQueue(ctx context.Context) ([]sqlite.Entry, error) {
	return m.store.ListActive(ctx)
}

// QueueStatus returns the broadcastable queue summary.
func (m *Manager) QueueStatus(ctx context.Context) (waiting int, currentName, currentState string, err error) {
	return m.store.QueueStatus(ctx)
}

// WaitingCount returns the number of waiting entries.
func (m *Manager) WaitingCount(ctx context.Context) (int, error) {
	return m.store.WaitingCount(ctx)
}

// WaitingRank returns the 1-based rank among non-terminal entries.
func (m *Manager) WaitingRank(ctx context.Context, id string) (int, error) {
	return m.store.WaitingRank(ctx, id)
}

// RecentResults returns the most recently completed turns.
func (m *Manager) RecentResults(ctx context.Context, limit int) ([]sqlite.Entry, error) {
	return m.store.RecentResults(ctx, limit)
}

// Stats aggregates counters for the admin dashboard.
func (m *Manager) Stats(ctx context.Context) (sqlite.Stats, error) {
	return m.store.QueueStats(ctx)
}

// CleanupStale expires entries orphaned by a previous process.
func (m *Manager) CleanupStale(ctx context.Context, grace time.Duration) error {
	n, err := m.store.CleanupStale(ctx, grace)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Info().
			Str("event", "queue.stale_cleanup").
			Int64("expired", n).
			Msg("expired stale entries from previous run")
	}
	return nil
}

func (m *Manager) logEvent(ctx context.Context, entryID, eventType string, detail map[string]any) {
	var det string
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			det = string(b)
		}
	}
	if err := m.store.LogEvent(ctx, entryID, eventType, det); err != nil {
		m.logger.Warn().Err(err).Str("event", "queue.event_log_failed").Msg("failed to record game event")
	}
}
