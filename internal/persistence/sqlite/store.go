// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Entry states.
const (
	StateWaiting   = "waiting"
	StateReady     = "ready"
	StateActive    = "active"
	StateDone      = "done"
	StateCancelled = "cancelled"
)

// Terminal results.
const (
	ResultWin          = "win"
	ResultLoss         = "loss"
	ResultSkipped      = "skipped"
	ResultExpired      = "expired"
	ResultAdminSkipped = "admin_skipped"
	ResultCancelled    = "cancelled"
	ResultError        = "error"
)

var (
	// ErrDuplicateEmail signals a join while the email already holds a
	// non-terminal entry.
	ErrDuplicateEmail = errors.New("email already has an active queue entry")
	// ErrNotFound signals a lookup that matched no row.
	ErrNotFound = errors.New("queue entry not found")
	// ErrEntryFinalized signals a state write against an entry that is
	// already terminal (or missing). Terminal entries are immutable.
	ErrEntryFinalized = errors.New("queue entry already finalized")
)

// Entry mirrors one queue_entries row. Optional columns are empty
// strings / zero values when NULL.
type Entry struct {
	ID           string
	TokenHash    string
	Name         string
	Email        string
	ClientAddr   string
	State        string
	Result       string
	TriesUsed    int
	Position     int64
	CreatedAt    string
	ActivatedAt  string
	CompletedAt  string
	TryMoveEndAt string
	TurnEndAt    string
}

// Stats aggregates counters for the admin dashboard.
type Stats struct {
	Waiting        int `json:"waiting"`
	Active         int `json:"active"`
	TotalCompleted int `json:"total_completed"`
	TotalWins      int `json:"total_wins"`
	TotalEntries   int `json:"total_entries"`
}

// Store wraps the database handle with a process-wide write mutex. A
// single process owns the file; the mutex keeps write transactions from
// piling up on SQLITE_BUSY.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens (creating if needed) the database at path and applies
// pending migrations.
func Open(path string, cfg Config) (*Store, error) {
	db, err := open(path, cfg)
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const entryColumns = `id, token_hash, name, email, client_addr, state,
	COALESCE(result, ''), tries_used, COALESCE(position, 0), created_at,
	COALESCE(activated_at, ''), COALESCE(completed_at, ''),
	COALESCE(try_move_end_at, ''), COALESCE(turn_end_at, '')`

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.TokenHash, &e.Name, &e.Email, &e.ClientAddr,
		&e.State, &e.Result, &e.TriesUsed, &e.Position, &e.CreatedAt,
		&e.ActivatedAt, &e.CompletedAt, &e.TryMoveEndAt, &e.TurnEndAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertJoin inserts a waiting entry with an atomically assigned
// position. Position is MAX(position) over all non-terminal entries + 1
// so positions never collide when the head of the queue advances.
func (s *Store) InsertJoin(ctx context.Context, e *Entry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin join: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM queue_entries WHERE email = ? AND state IN ('waiting', 'ready', 'active')",
		e.Email,
	).Scan(&existing)
	switch {
	case err == nil:
		return ErrDuplicateEmail
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("sqlite: duplicate check: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO queue_entries (id, token_hash, name, email, client_addr, state, position)
		 VALUES (?, ?, ?, ?, ?, 'waiting',
		         COALESCE((SELECT MAX(position) FROM queue_entries
		                   WHERE state IN ('waiting', 'ready', 'active')), 0) + 1)`,
		e.ID, e.TokenHash, e.Name, e.Email, e.ClientAddr,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert entry: %w", err)
	}

	if err := tx.QueryRowContext(ctx,
		"SELECT position FROM queue_entries WHERE id = ?", e.ID,
	).Scan(&e.Position); err != nil {
		return fmt.Errorf("sqlite: read back position: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit join: %w", err)
	}
	e.State = StateWaiting
	return nil
}

// CancelByToken cancels a waiting/ready entry and returns its id.
// Returns ErrNotFound when no such entry exists.
func (s *Store) CancelByToken(ctx context.Context, tokenHash string) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM queue_entries WHERE token_hash = ? AND state IN ('waiting', 'ready')",
		tokenHash,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: cancel lookup: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE queue_entries SET state = 'cancelled', completed_at = datetime('now')
		 WHERE id = ? AND state IN ('waiting', 'ready')`,
		id,
	)
	if err != nil {
		return "", fmt.Errorf("sqlite: cancel entry: %w", err)
	}
	return id, nil
}

// SetEntryState updates an entry's state, stamping activated_at when
// the entry becomes active. Terminal entries never move again; a write
// against one returns ErrEntryFinalized.
func (s *Store) SetEntryState(ctx context.Context, id, state string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var (
		res sql.Result
		err error
	)
	if state == StateActive {
		res, err = s.db.ExecContext(ctx,
			`UPDATE queue_entries SET state = ?, activated_at = datetime('now')
			 WHERE id = ? AND state NOT IN ('done', 'cancelled')`,
			state, id,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE queue_entries SET state = ? WHERE id = ? AND state NOT IN ('done', 'cancelled')",
			state, id,
		)
	}
	if err != nil {
		return fmt.Errorf("sqlite: set state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntryFinalized
	}
	return nil
}

// CompleteEntry finalizes an entry with a terminal result. The first
// completion wins; finalizing an already terminal entry returns
// ErrEntryFinalized and leaves the recorded result untouched.
func (s *Store) CompleteEntry(ctx context.Context, id, result string, triesUsed int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET state = 'done', result = ?, tries_used = ?,
		 completed_at = datetime('now')
		 WHERE id = ? AND state NOT IN ('done', 'cancelled')`,
		result, triesUsed, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: complete entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntryFinalized
	}
	return nil
}

// SetTurnDeadlines persists the absolute deadlines for restart recovery.
func (s *Store) SetTurnDeadlines(ctx context.Context, id string, tryMoveEnd, turnEnd time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE queue_entries SET try_move_end_at = ?, turn_end_at = ? WHERE id = ?",
		tryMoveEnd.UTC().Format(time.RFC3339), turnEnd.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: set deadlines: %w", err)
	}
	return nil
}

// PeekNextWaiting returns the waiting entry with the minimum position,
// or nil when the queue is empty.
func (s *Store) PeekNextWaiting(ctx context.Context) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM queue_entries WHERE state = 'waiting' ORDER BY position ASC LIMIT 1")
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: peek waiting: %w", err)
	}
	return e, nil
}

// GetByID fetches one entry. Returns ErrNotFound on a miss.
func (s *Store) GetByID(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM queue_entries WHERE id = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get by id: %w", err)
	}
	return e, nil
}

// GetByToken fetches one entry by token hash. Returns ErrNotFound on a miss.
func (s *Store) GetByToken(ctx context.Context, tokenHash string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM queue_entries WHERE token_hash = ?", tokenHash)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get by token: %w", err)
	}
	return e, nil
}

// ListActive returns all non-terminal entries ordered active, ready,
// then waiting by position.
func (s *Store) ListActive(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries
		 WHERE state IN ('waiting', 'ready', 'active')
		 ORDER BY CASE state WHEN 'active' THEN 0 WHEN 'ready' THEN 1 WHEN 'waiting' THEN 2 END,
		          position ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list active: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// QueueStatus returns the waiting count and the current (active or
// ready) player, if any.
func (s *Store) QueueStatus(ctx context.Context) (waiting int, currentName, currentState string, err error) {
	if err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_entries WHERE state = 'waiting'",
	).Scan(&waiting); err != nil {
		return 0, "", "", fmt.Errorf("sqlite: waiting count: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT name, state FROM queue_entries WHERE state IN ('active', 'ready') LIMIT 1",
	).Scan(&currentName, &currentState)
	if errors.Is(err, sql.ErrNoRows) {
		return waiting, "", "", nil
	}
	if err != nil {
		return 0, "", "", fmt.Errorf("sqlite: current player: %w", err)
	}
	return waiting, currentName, currentState, nil
}

// WaitingCount returns the number of waiting entries.
func (s *Store) WaitingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_entries WHERE state = 'waiting'").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: waiting count: %w", err)
	}
	return n, nil
}

// WaitingRank returns the 1-based rank of an entry among non-terminal
// entries by position. Subtract one to get the number of people ahead.
func (s *Store) WaitingRank(ctx context.Context, id string) (int, error) {
	var rank int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries
		 WHERE state IN ('waiting', 'ready', 'active')
		 AND position <= (SELECT position FROM queue_entries WHERE id = ?)`,
		id,
	).Scan(&rank)
	if err != nil {
		return 0, fmt.Errorf("sqlite: waiting rank: %w", err)
	}
	return rank, nil
}

// RecentResults returns the most recently completed turns.
func (s *Store) RecentResults(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries
		 WHERE state = 'done' AND result IS NOT NULL
		 ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent results: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// QueueStats aggregates counters for the admin dashboard.
func (s *Store) QueueStats(ctx context.Context) (Stats, error) {
	var st Stats
	queries := []struct {
		sql string
		dst *int
	}{
		{"SELECT COUNT(*) FROM queue_entries WHERE state = 'waiting'", &st.Waiting},
		{"SELECT COUNT(*) FROM queue_entries WHERE state IN ('active', 'ready')", &st.Active},
		{"SELECT COUNT(*) FROM queue_entries WHERE state = 'done'", &st.TotalCompleted},
		{"SELECT COUNT(*) FROM queue_entries WHERE state = 'done' AND result = 'win'", &st.TotalWins},
		{"SELECT COUNT(*) FROM queue_entries", &st.TotalEntries},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dst); err != nil {
			return Stats{}, fmt.Errorf("sqlite: stats: %w", err)
		}
	}
	return st, nil
}

// CleanupStale expires leftovers from a previous process: active
// entries older than the grace window, and every ready entry (its
// socket is gone, so it can never confirm).
func (s *Store) CleanupStale(ctx context.Context, grace time.Duration) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res1, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET state = 'done', result = 'expired',
		 completed_at = COALESCE(completed_at, datetime('now'))
		 WHERE state = 'active' AND activated_at IS NOT NULL
		 AND (julianday('now') - julianday(activated_at)) * 86400 > ?`,
		grace.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: expire stale active: %w", err)
	}
	res2, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET state = 'done', result = 'expired',
		 completed_at = COALESCE(completed_at, datetime('now'))
		 WHERE state = 'ready'`,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: expire stale ready: %w", err)
	}
	n1, _ := res1.RowsAffected()
	n2, _ := res2.RowsAffected()
	return n1 + n2, nil
}

// PruneEntries removes terminal entries and their events older than the
// retention horizon. Events go first so the cascade never races a
// concurrent reader.
func (s *Store) PruneEntries(ctx context.Context, retention time.Duration) (events, entries int64, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := fmt.Sprintf("-%d seconds", int64(retention.Seconds()))
	res1, err := s.db.ExecContext(ctx,
		`DELETE FROM game_events WHERE queue_entry_id IN (
		   SELECT id FROM queue_entries
		   WHERE state IN ('done', 'cancelled') AND completed_at < datetime('now', ?)
		 )`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("sqlite: prune events: %w", err)
	}
	res2, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_entries
		 WHERE state IN ('done', 'cancelled') AND completed_at < datetime('now', ?)`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("sqlite: prune entries: %w", err)
	}
	events, _ = res1.RowsAffected()
	entries, _ = res2.RowsAffected()
	return events, entries, nil
}

// LogEvent appends a game event for post-mortem analysis.
func (s *Store) LogEvent(ctx context.Context, entryID, eventType, detail string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var entry any
	if entryID != "" {
		entry = entryID
	}
	var det any
	if detail != "" {
		det = detail
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO game_events (queue_entry_id, event_type, detail) VALUES (?, ?, ?)",
		entry, eventType, det,
	)
	if err != nil {
		return fmt.Errorf("sqlite: log event: %w", err)
	}
	return nil
}

// RateLimitTake records one hit for key and reports whether it was
// admitted. The conditional INSERT checks and records atomically: zero
// rows affected means the key is over its limit inside the window.
func (s *Store) RateLimitTake(ctx context.Context, key string, window time.Duration, limit int) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := fmt.Sprintf("-%d seconds", int64(window.Seconds()))
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limits (key)
		 SELECT ? WHERE (SELECT COUNT(*) FROM rate_limits
		                 WHERE key = ? AND ts > datetime('now', ?)) < ?`,
		key, key, cutoff, limit,
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: rate limit take: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PruneRateLimits deletes rate-limit rows older than maxAge.
func (s *Store) PruneRateLimits(ctx context.Context, maxAge time.Duration) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM rate_limits WHERE ts < datetime('now', ?)",
		fmt.Sprintf("-%d seconds", int64(maxAge.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune rate limits: %w", err)
	}
	return res.RowsAffected()
}
