// SPDX-License-Identifier: MIT

package gpio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGateConfig() Config {
	return Config{
		Driver: DriverConfig{
			Chip: "gpiochip0",
			Outputs: map[string]int{
				OutCoin:  17,
				OutDrop:  27,
				OutNorth: 5,
				OutSouth: 6,
				OutEast:  24,
				OutWest:  25,
			},
			WinPin: 16,
		},
		CoinPulse:             time.Millisecond,
		DropPulse:             time.Millisecond,
		MinInterPulse:         50 * time.Millisecond,
		DirectionHoldMax:      time.Second,
		DropHoldMax:           time.Second,
		ConflictMode:          "ignore_new",
		OpTimeout:             time.Second,
		PulseTimeout:          time.Second,
		InitTimeout:           time.Second,
		MaxWorkerReplacements: 3,
		ReplacementWindow:     time.Minute,
	}
}

func newTestGate(t *testing.T, cfg Config) (*Gate, *MockDriver) {
	t.Helper()
	g := NewGate(cfg)
	mock := NewMockDriver()
	require.NoError(t, g.Init(mock))
	t.Cleanup(g.Cleanup)
	return g, mock
}

func TestPulseCooldown(t *testing.T) {
	g, _ := newTestGate(t, testGateConfig())

	assert.True(t, g.Pulse(OutCoin))
	assert.False(t, g.Pulse(OutCoin), "second pulse inside cooldown must be rejected")

	time.Sleep(60 * time.Millisecond)
	assert.True(t, g.Pulse(OutCoin))
}

func TestPulseUnknownOutput(t *testing.T) {
	g, _ := newTestGate(t, testGateConfig())
	assert.False(t, g.Pulse(OutNorth))
	assert.False(t, g.Pulse("lasers"))
}

func TestDirectionConflictIgnoreNew(t *testing.T) {
	g, mock := newTestGate(t, testGateConfig())

	require.True(t, g.DirectionOn(OutNorth))
	assert.False(t, g.DirectionOn(OutSouth), "opposite hold must be rejected in ignore_new mode")
	assert.True(t, mock.PinState(OutNorth))
	assert.False(t, mock.PinState(OutSouth))
	assert.Equal(t, []string{OutNorth}, g.ActiveDirections())

	// Orthogonal direction is fine.
	assert.True(t, g.DirectionOn(OutEast))
	assert.Equal(t, []string{OutEast, OutNorth}, g.ActiveDirections())
}

func TestDirectionConflictReplace(t *testing.T) {
	cfg := testGateConfig()
	cfg.ConflictMode = "replace"
	g, mock := newTestGate(t, cfg)

	require.True(t, g.DirectionOn(OutNorth))
	require.True(t, g.DirectionOn(OutSouth))
	assert.False(t, mock.PinState(OutNorth))
	assert.True(t, mock.PinState(OutSouth))
	assert.Equal(t, []string{OutSouth}, g.ActiveDirections())
}

func TestDirectionHoldSafetyTimer(t *testing.T) {
	cfg := testGateConfig()
	cfg.DirectionHoldMax = 30 * time.Millisecond
	g, mock := newTestGate(t, cfg)

	require.True(t, g.DirectionOn(OutWest))
	assert.Eventually(t, func() bool {
		return !mock.PinState(OutWest) && len(g.ActiveDirections()) == 0
	}, time.Second, 5*time.Millisecond, "hold must auto-release after the safety limit")
}

func TestDirectionOnIdempotent(t *testing.T) {
	g, _ := newTestGate(t, testGateConfig())
	require.True(t, g.DirectionOn(OutNorth))
	require.True(t, g.DirectionOn(OutNorth))
	assert.Equal(t, []string{OutNorth}, g.ActiveDirections())
}

func TestAllDirectionsOff(t *testing.T) {
	g, mock := newTestGate(t, testGateConfig())
	require.True(t, g.DirectionOn(OutNorth))
	require.True(t, g.DirectionOn(OutEast))

	g.AllDirectionsOff()
	assert.Empty(t, g.ActiveDirections())
	assert.False(t, mock.PinState(OutNorth))
	assert.False(t, mock.PinState(OutEast))
}

func TestDropHoldSafetyTimer(t *testing.T) {
	cfg := testGateConfig()
	cfg.DropHoldMax = 30 * time.Millisecond
	g, mock := newTestGate(t, cfg)

	require.True(t, g.DropOn())
	assert.True(t, mock.PinState(OutDrop))
	assert.Eventually(t, func() bool {
		return !mock.PinState(OutDrop)
	}, time.Second, 5*time.Millisecond, "drop must auto-release after the safety limit")
}

func TestEmergencyStop(t *testing.T) {
	g, mock := newTestGate(t, testGateConfig())
	require.True(t, g.DirectionOn(OutNorth))
	require.True(t, g.DropOn())

	g.EmergencyStop()
	assert.True(t, g.IsLocked())
	assert.Empty(t, g.ActiveDirections())
	assert.Empty(t, mock.ActivePins())

	// Everything activating is rejected while locked.
	assert.False(t, g.Pulse(OutCoin))
	assert.False(t, g.DirectionOn(OutEast))
	assert.False(t, g.DropOn())

	g.Unlock()
	assert.False(t, g.IsLocked())
	assert.True(t, g.DirectionOn(OutEast))
}

func TestWinCallback(t *testing.T) {
	g, mock := newTestGate(t, testGateConfig())

	fired := make(chan struct{}, 1)
	g.RegisterWinCallback(func() { fired <- struct{}{} })
	mock.TriggerWin()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("win callback not invoked")
	}

	g.UnregisterWinCallback()
	mock.TriggerWin()
	select {
	case <-fired:
		t.Fatal("callback fired after unregister")
	case <-time.After(20 * time.Millisecond):
	}
}
