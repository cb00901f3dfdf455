// SPDX-License-Identifier: MIT

package gpio

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRunsJob(t *testing.T) {
	e := newExecutor(zerolog.Nop(), 3, time.Minute)
	ran := false
	err := e.dispatch(time.Second, func() { ran = true })
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, e.Failed())
}

func TestDispatchTimeoutReplacesWorker(t *testing.T) {
	e := newExecutor(zerolog.Nop(), 3, time.Minute)
	release := make(chan struct{})

	err := e.dispatch(20*time.Millisecond, func() { <-release })
	require.ErrorIs(t, err, errDispatchTimeout)

	// Fresh worker serves the next call even though the old goroutine
	// is still parked.
	err = e.dispatch(time.Second, func() {})
	require.NoError(t, err)
	close(release)
}

func TestDispatchSurvivesPanic(t *testing.T) {
	e := newExecutor(zerolog.Nop(), 3, time.Minute)
	err := e.dispatch(time.Second, func() { panic("relay exploded") })
	require.NoError(t, err)

	err = e.dispatch(time.Second, func() {})
	require.NoError(t, err)
}

func TestReplacementBudgetExhaustion(t *testing.T) {
	e := newExecutor(zerolog.Nop(), 2, time.Minute)
	blocker := make(chan struct{})
	defer close(blocker)

	for i := 0; i < 3; i++ {
		err := e.dispatch(10*time.Millisecond, func() { <-blocker })
		require.ErrorIs(t, err, errDispatchTimeout)
	}
	assert.True(t, e.Failed())

	err := e.dispatch(time.Second, func() {})
	require.ErrorIs(t, err, errWorkerBudget)
}

func TestReplacementWindowSlides(t *testing.T) {
	e := newExecutor(zerolog.Nop(), 1, 30*time.Millisecond)
	blocker := make(chan struct{})
	defer close(blocker)

	err := e.dispatch(10*time.Millisecond, func() { <-blocker })
	require.ErrorIs(t, err, errDispatchTimeout)
	assert.False(t, e.Failed())

	// Outside the window the earlier replacement no longer counts.
	time.Sleep(40 * time.Millisecond)
	err = e.dispatch(10*time.Millisecond, func() { <-blocker })
	require.ErrorIs(t, err, errDispatchTimeout)
	assert.False(t, e.Failed())
}
