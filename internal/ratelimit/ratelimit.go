// SPDX-License-Identifier: MIT

// Package ratelimit is the dual admission limiter for public write
// endpoints: an in-memory sliding window as the fast path, backed by a
// conditional insert against the store as the source of truth.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/clawd/internal/config"
	"github.com/openclaw/clawd/internal/log"
	"github.com/openclaw/clawd/internal/metrics"
	"github.com/openclaw/clawd/internal/persistence/sqlite"
)

// Limiter consults both layers on each admission. Either rejection
// aborts. The memory layer is a cache only: a restart forgets it, but
// the store still counts.
type Limiter struct {
	settings func() config.Settings
	store    *sqlite.Store
	logger   zerolog.Logger

	mu   sync.Mutex
	hits map[string][]time.Time
}

// New creates a limiter over the store.
func New(settings func() config.Settings, store *sqlite.Store) *Limiter {
	return &Limiter{
		settings: settings,
		store:    store,
		logger:   log.WithComponent("ratelimit"),
		hits:     make(map[string][]time.Time),
	}
}

// Allow records an admission attempt for key and reports whether it is
// within limit. kind labels the rejection metric (ip, email).
func (l *Limiter) Allow(ctx context.Context, key, kind string, limit int) (bool, error) {
	window := time.Duration(l.settings().RateLimitWindowS) * time.Second
	now := time.Now()

	l.mu.Lock()
	recent := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if now.Sub(t) < window {
			recent = append(recent, t)
		}
	}
	if len(recent) >= limit {
		l.hits[key] = recent
		l.mu.Unlock()
		metrics.RateLimitExceeded.WithLabelValues("memory", kind).Inc()
		return false, nil
	}
	l.hits[key] = append(recent, now)
	l.mu.Unlock()

	ok, err := l.store.RateLimitTake(ctx, key, window, limit)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.RateLimitExceeded.WithLabelValues("store", kind).Inc()
		l.logger.Info().
			Str("event", "ratelimit.rejected").
			Str("key", key).
			Msg("admission rejected by durable limiter")
	}
	return ok, nil
}

// Sweep drops keys whose every timestamp fell out of the window,
// bounding memory on churny traffic.
func (l *Limiter) Sweep() {
	window := time.Duration(l.settings().RateLimitWindowS) * time.Second
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, times := range l.hits {
		recent := times[:0]
		for _, t := range times {
			if now.Sub(t) < window {
				recent = append(recent, t)
			}
		}
		if len(recent) == 0 {
			delete(l.hits, key)
			continue
		}
		l.hits[key] = recent
	}
}

// Run sweeps periodically until ctx is done.
func (l *Limiter) Run(ctx context.Context) error {
	interval := time.Duration(l.settings().RateLimitSweepS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Sweep()
		}
	}
}
