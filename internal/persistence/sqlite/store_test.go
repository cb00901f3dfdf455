// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), Config{
		BusyTimeout:  time.Second,
		MaxOpenConns: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertTestEntry(t *testing.T, s *Store, email string) *Entry {
	t.Helper()
	e := &Entry{
		ID:         uuid.NewString(),
		TokenHash:  uuid.NewString(),
		Name:       "Player",
		Email:      email,
		ClientAddr: "10.0.0.1",
	}
	require.NoError(t, s.InsertJoin(context.Background(), e))
	return e
}

func TestInsertJoinAssignsPositions(t *testing.T) {
	s := openTestStore(t)
	for i := 1; i <= 3; i++ {
		e := insertTestEntry(t, s, fmt.Sprintf("p%d@example.com", i))
		assert.Equal(t, int64(i), e.Position)
		assert.Equal(t, StateWaiting, e.State)
	}
}

func TestInsertJoinDuplicateEmail(t *testing.T) {
	s := openTestStore(t)
	insertTestEntry(t, s, "dup@example.com")

	e := &Entry{ID: uuid.NewString(), TokenHash: uuid.NewString(), Name: "Other", Email: "dup@example.com"}
	err := s.InsertJoin(context.Background(), e)
	require.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestPositionsNeverReused(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := insertTestEntry(t, s, "a@example.com")
	insertTestEntry(t, s, "b@example.com")

	// Finishing the head must not let the next join collide with the
	// survivor's position.
	require.NoError(t, s.CompleteEntry(ctx, first.ID, ResultLoss, 2))
	third := insertTestEntry(t, s, "c@example.com")
	assert.Equal(t, int64(3), third.Position)

	// A duplicate email is allowed again once the old entry is terminal.
	again := insertTestEntry(t, s, "a@example.com")
	assert.Equal(t, int64(4), again.Position)
}

func TestCancelByToken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := insertTestEntry(t, s, "leave@example.com")

	id, err := s.CancelByToken(ctx, e.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, e.ID, id)

	got, err := s.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.NotEmpty(t, got.CompletedAt)

	// Terminal entries are not cancellable.
	_, err = s.CancelByToken(ctx, e.TokenHash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelByTokenIgnoresActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := insertTestEntry(t, s, "active@example.com")
	require.NoError(t, s.SetEntryState(ctx, e.ID, StateActive))

	_, err := s.CancelByToken(ctx, e.TokenHash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteEntryFirstResultWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := insertTestEntry(t, s, "final@example.com")

	require.NoError(t, s.CompleteEntry(ctx, e.ID, ResultWin, 1))
	err := s.CompleteEntry(ctx, e.ID, ResultError, 0)
	require.ErrorIs(t, err, ErrEntryFinalized)

	got, err := s.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, got.State)
	assert.Equal(t, ResultWin, got.Result)
	assert.Equal(t, 1, got.TriesUsed)
}

func TestSetEntryStateRejectsTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	done := insertTestEntry(t, s, "done@example.com")
	require.NoError(t, s.CompleteEntry(ctx, done.ID, ResultLoss, 1))
	require.ErrorIs(t, s.SetEntryState(ctx, done.ID, StateReady), ErrEntryFinalized)
	require.ErrorIs(t, s.SetEntryState(ctx, done.ID, StateActive), ErrEntryFinalized)

	cancelled := insertTestEntry(t, s, "gone@example.com")
	_, err := s.CancelByToken(ctx, cancelled.TokenHash)
	require.NoError(t, err)
	require.ErrorIs(t, s.SetEntryState(ctx, cancelled.ID, StateWaiting), ErrEntryFinalized)

	got, err := s.GetByID(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, got.State)
	assert.Equal(t, ResultLoss, got.Result)

	// A missing id reads the same as a finalized one.
	require.ErrorIs(t, s.SetEntryState(ctx, "no-such-id", StateReady), ErrEntryFinalized)
}

func TestSetEntryStateStampsActivation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := insertTestEntry(t, s, "stamp@example.com")

	require.NoError(t, s.SetEntryState(ctx, e.ID, StateReady))
	got, err := s.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ActivatedAt)

	require.NoError(t, s.SetEntryState(ctx, e.ID, StateActive))
	got, err = s.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ActivatedAt)

	_, ok := ParseTimestamp(got.ActivatedAt)
	assert.True(t, ok, "activated_at should be parseable: %q", got.ActivatedAt)
}

func TestSetTurnDeadlinesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := insertTestEntry(t, s, "deadline@example.com")

	tryEnd := time.Now().Add(30 * time.Second).UTC().Truncate(time.Second)
	turnEnd := time.Now().Add(90 * time.Second).UTC().Truncate(time.Second)
	require.NoError(t, s.SetTurnDeadlines(ctx, e.ID, tryEnd, turnEnd))

	got, err := s.GetByID(ctx, e.ID)
	require.NoError(t, err)
	parsed, ok := ParseTimestamp(got.TryMoveEndAt)
	require.True(t, ok)
	assert.True(t, parsed.Equal(tryEnd))
	parsed, ok = ParseTimestamp(got.TurnEndAt)
	require.True(t, ok)
	assert.True(t, parsed.Equal(turnEnd))
}

func TestPeekNextWaitingOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	head, err := s.PeekNextWaiting(ctx)
	require.NoError(t, err)
	assert.Nil(t, head)

	a := insertTestEntry(t, s, "a@example.com")
	insertTestEntry(t, s, "b@example.com")

	head, err = s.PeekNextWaiting(ctx)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, a.ID, head.ID)

	// Promoting the head exposes the next waiter.
	require.NoError(t, s.SetEntryState(ctx, a.ID, StateReady))
	head, err = s.PeekNextWaiting(ctx)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "b@example.com", head.Email)
}

func TestQueueStatusAndRank(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := insertTestEntry(t, s, "a@example.com")
	b := insertTestEntry(t, s, "b@example.com")
	require.NoError(t, s.SetEntryState(ctx, a.ID, StateActive))

	waiting, name, state, err := s.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, waiting)
	assert.Equal(t, "Player", name)
	assert.Equal(t, StateActive, state)

	rank, err := s.WaitingRank(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rank)
}

func TestRecentResultsOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := insertTestEntry(t, s, "a@example.com")
	require.NoError(t, s.CompleteEntry(ctx, a.ID, ResultWin, 1))

	out, err := s.RecentResults(ctx, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, ResultWin, out[0].Result)
	assert.Equal(t, 1, out[0].TriesUsed)
	assert.NotEmpty(t, out[0].CompletedAt)
}

func TestQueueStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := insertTestEntry(t, s, "a@example.com")
	insertTestEntry(t, s, "b@example.com")
	require.NoError(t, s.CompleteEntry(ctx, a.ID, ResultWin, 2))

	st, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Waiting)
	assert.Equal(t, 1, st.TotalCompleted)
	assert.Equal(t, 1, st.TotalWins)
	assert.Equal(t, 2, st.TotalEntries)
}

func TestCleanupStale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ready := insertTestEntry(t, s, "ready@example.com")
	require.NoError(t, s.SetEntryState(ctx, ready.ID, StateReady))
	active := insertTestEntry(t, s, "active@example.com")
	require.NoError(t, s.SetEntryState(ctx, active.ID, StateActive))
	waiting := insertTestEntry(t, s, "waiting@example.com")

	// Generous grace: only the ready entry expires, its socket cannot
	// come back after a restart.
	n, err := s.CleanupStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetByID(ctx, ready.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, got.State)
	assert.Equal(t, ResultExpired, got.Result)

	got, err = s.GetByID(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)

	got, err = s.GetByID(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, got.State)

	// Negative grace forces the active entry past the window.
	n, err = s.CleanupStale(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	got, err = s.GetByID(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, got.State)
	assert.Equal(t, ResultExpired, got.Result)
}

func TestRateLimitTake(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := s.RateLimitTake(ctx, "ip:1.2.3.4", time.Minute, 2)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := s.RateLimitTake(ctx, "ip:1.2.3.4", time.Minute, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	// Keys are independent.
	ok, err = s.RateLimitTake(ctx, "ip:5.6.7.8", time.Minute, 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLogEventNullables(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := insertTestEntry(t, s, "events@example.com")

	require.NoError(t, s.LogEvent(ctx, e.ID, "join", `{"position":1}`))
	require.NoError(t, s.LogEvent(ctx, "", "estop", ""))
}

func TestPruneEntriesKeepsRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := insertTestEntry(t, s, "fresh@example.com")
	require.NoError(t, s.CompleteEntry(ctx, e.ID, ResultLoss, 1))

	events, entries, err := s.PruneEntries(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, events)
	assert.Zero(t, entries)

	_, err = s.GetByID(ctx, e.ID)
	assert.NoError(t, err)
}

func TestParseTimestampFormats(t *testing.T) {
	got, ok := ParseTimestamp("2026-01-02T15:04:05Z")
	require.True(t, ok)
	assert.Equal(t, 2026, got.Year())

	got, ok = ParseTimestamp("2026-01-02 15:04:05")
	require.True(t, ok)
	assert.Equal(t, 15, got.Hour())

	_, ok = ParseTimestamp("")
	assert.False(t, ok)
	_, ok = ParseTimestamp("not a time")
	assert.False(t, ok)
}
