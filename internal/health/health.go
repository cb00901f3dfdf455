// SPDX-License-Identifier: MIT

// Package health is a small named-check registry feeding the public
// health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Checker runs registered checks with a shared timeout.
type Checker struct {
	mu      sync.Mutex
	checks  map[string]CheckFunc
	started time.Time
}

// NewChecker creates an empty checker; uptime counts from here.
func NewChecker() *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		started: time.Now(),
	}
}

// Register adds a named check. Re-registering replaces.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	c.checks[name] = fn
	c.mu.Unlock()
}

// Run executes every check and returns per-check status strings
// ("ok" or the error text) plus overall health.
func (c *Checker) Run(ctx context.Context) (map[string]string, bool) {
	c.mu.Lock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.Unlock()

	results := make(map[string]string, len(checks))
	healthy := true
	for name, fn := range checks {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := fn(cctx); err != nil {
			results[name] = err.Error()
			healthy = false
		} else {
			results[name] = "ok"
		}
		cancel()
	}
	return results, healthy
}

// Uptime returns how long the process has been serving.
func (c *Checker) Uptime() time.Duration {
	return time.Since(c.started)
}
