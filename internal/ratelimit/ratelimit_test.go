// SPDX-License-Identifier: MIT

package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/openclaw/clawd/internal/config"
	"github.com/openclaw/clawd/internal/persistence/sqlite"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "rl_test.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	return New(func() config.Settings { return cfg }, store)
}

func TestAllowWithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "ip:10.0.0.1", "ip", 3)
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d should pass", i+1)
	}

	ok, err := l.Allow(ctx, "ip:10.0.0.1", "ip", 3)
	require.NoError(t, err)
	assert.False(t, ok, "fourth attempt must be rejected")
}

func TestKeysIndependent(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	ok, err := l.Allow(ctx, "ip:10.0.0.1", "ip", 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Allow(ctx, "ip:10.0.0.2", "ip", 1)
	require.NoError(t, err)
	assert.True(t, ok, "other keys keep their own budget")

	ok, err = l.Allow(ctx, "email:a@x", "email", 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDurableLayerSurvivesMemoryReset(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "rl_test.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	cfg := config.Default()
	settings := func() config.Settings { return cfg }
	ctx := context.Background()

	l := New(settings, store)
	ok, err := l.Allow(ctx, "ip:10.0.0.1", "ip", 1)
	require.NoError(t, err)
	require.True(t, ok)

	// Fresh limiter, same store: the memory cache is gone but the
	// conditional insert still counts the earlier attempt.
	l2 := New(settings, store)
	ok, err = l2.Allow(ctx, "ip:10.0.0.1", "ip", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunStopsOnCancel(t *testing.T) {
	l := newTestLimiter(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestSweepDropsStaleKeys(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	_, err := l.Allow(ctx, "ip:10.0.0.1", "ip", 5)
	require.NoError(t, err)

	l.mu.Lock()
	l.hits["ip:10.0.0.1"] = []time.Time{time.Now().Add(-24 * time.Hour)}
	l.mu.Unlock()

	l.Sweep()

	l.mu.Lock()
	_, present := l.hits["ip:10.0.0.1"]
	l.mu.Unlock()
	assert.False(t, present, "stale key must be swept")
}
