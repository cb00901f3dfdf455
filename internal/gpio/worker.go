// SPDX-License-Identifier: MIT

package gpio

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/clawd/internal/metrics"
)

var (
	// errDispatchTimeout marks a dispatch abandoned because the worker
	// did not finish in time.
	errDispatchTimeout = errors.New("gpio: dispatch timed out")
	// errWorkerBudget marks the replacement budget as exhausted; the
	// gate is considered failed until the process restarts.
	errWorkerBudget = errors.New("gpio: worker replacement budget exhausted")
)

type job struct {
	fn   func()
	done chan struct{}
}

// worker is a single goroutine draining a job channel. A stuck syscall
// blocks only this goroutine; the executor abandons it and starts a
// fresh one.
type worker struct {
	jobs chan job
}

func startWorker() *worker {
	w := &worker{jobs: make(chan job, 16)}
	go func() {
		for j := range w.jobs {
			func() {
				defer func() { _ = recover() }()
				j.fn()
			}()
			close(j.done)
		}
	}()
	return w
}

// executor owns the current worker and the replacement budget. All
// physical operations funnel through dispatch so concurrent logical
// requests serialize at the hardware boundary.
type executor struct {
	logger zerolog.Logger

	maxReplacements int
	window          time.Duration

	mu           sync.Mutex
	w            *worker
	replacements []time.Time
	failed       bool
}

func newExecutor(logger zerolog.Logger, maxReplacements int, window time.Duration) *executor {
	return &executor{
		logger:          logger,
		maxReplacements: maxReplacements,
		window:          window,
		w:               startWorker(),
	}
}

// dispatch runs fn on the worker, bounded by timeout. On timeout the
// worker is presumed stuck and replaced; the abandoned goroutine is not
// killed, it leaks until it returns or the process exits.
func (e *executor) dispatch(timeout time.Duration, fn func()) error {
	e.mu.Lock()
	if e.failed {
		e.mu.Unlock()
		metrics.GPIODispatchTotal.WithLabelValues("error").Inc()
		return errWorkerBudget
	}
	w := e.w
	e.mu.Unlock()

	j := job{fn: fn, done: make(chan struct{})}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case w.jobs <- j:
	case <-timer.C:
		// Queue backed up behind a stuck call.
		e.replace(w)
		metrics.GPIODispatchTotal.WithLabelValues("timeout").Inc()
		return errDispatchTimeout
	}

	select {
	case <-j.done:
		metrics.GPIODispatchTotal.WithLabelValues("ok").Inc()
		return nil
	case <-timer.C:
		e.replace(w)
		metrics.GPIODispatchTotal.WithLabelValues("timeout").Inc()
		return errDispatchTimeout
	}
}

// replace abandons old and installs a fresh worker, unless another
// dispatch already did. Replacements beyond the budget inside the
// window mark the executor failed so flapping hardware cannot spawn
// goroutines without bound.
func (e *executor) replace(old *worker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w != old || e.failed {
		return
	}

	now := time.Now()
	recent := e.replacements[:0]
	for _, t := range e.replacements {
		if now.Sub(t) < e.window {
			recent = append(recent, t)
		}
	}
	e.replacements = append(recent, now)

	if len(e.replacements) > e.maxReplacements {
		e.failed = true
		e.logger.Error().
			Str("event", "gpio.worker_budget_exhausted").
			Int("replacements", len(e.replacements)).
			Dur("window", e.window).
			Msg("too many worker replacements; gate marked failed")
		return
	}

	e.w = startWorker()
	metrics.GPIOWorkerReplacements.Inc()
	e.logger.Warn().
		Str("event", "gpio.worker_replaced").
		Msg("hardware worker replaced after stuck dispatch; old goroutine abandoned")
}

// Failed reports whether the replacement budget was exhausted.
func (e *executor) Failed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}
