// SPDX-License-Identifier: MIT

package gpio

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/clawd/internal/log"
	"github.com/openclaw/clawd/internal/metrics"
)

// Config carries every gate tunable.
type Config struct {
	Driver DriverConfig

	CoinPulse        time.Duration
	DropPulse        time.Duration
	MinInterPulse    time.Duration
	DirectionHoldMax time.Duration
	DropHoldMax      time.Duration
	ConflictMode     string // "ignore_new" or "replace"

	OpTimeout    time.Duration
	PulseTimeout time.Duration
	InitTimeout  time.Duration

	MaxWorkerReplacements int
	ReplacementWindow     time.Duration
}

// Gate owns exclusive access to the machine's relays and win sensor.
// Activating calls return false when rejected (lock engaged, cooldown,
// dispatch failure); rejection is never an error.
type Gate struct {
	cfg    Config
	logger zerolog.Logger
	exec   *executor

	mu        sync.Mutex
	outputs   map[string]Pin
	win       WinSensor
	holds     map[string]*time.Timer // direction -> safety release timer
	dropTimer *time.Timer
	lastPulse map[string]time.Time
	locked    bool
	winCB     func()
}

// NewGate creates a gate; Init must be called before use.
func NewGate(cfg Config) *Gate {
	logger := log.WithComponent("gpio")
	return &Gate{
		cfg:       cfg,
		logger:    logger,
		exec:      newExecutor(logger, cfg.MaxWorkerReplacements, cfg.ReplacementWindow),
		holds:     make(map[string]*time.Timer),
		lastPulse: make(map[string]time.Time),
	}
}

// Init opens all lines through the worker so a wedged chip cannot hang
// startup past the init timeout.
func (g *Gate) Init(driver Driver) error {
	var (
		outputs map[string]Pin
		win     WinSensor
		openErr error
	)
	err := g.exec.dispatch(g.cfg.InitTimeout, func() {
		outputs, win, openErr = driver.Open(g.cfg.Driver)
	})
	if err != nil {
		return err
	}
	if openErr != nil {
		return openErr
	}

	g.mu.Lock()
	g.outputs = outputs
	g.win = win
	g.mu.Unlock()

	win.SetHandler(g.onWinEdge)
	g.logger.Info().Str("event", "gpio.initialized").Int("outputs", len(outputs)).Msg("gpio gate initialized")
	return nil
}

// Cleanup forces everything off and closes the lines. Called on
// shutdown.
func (g *Gate) Cleanup() {
	g.EmergencyStop()
	g.mu.Lock()
	outputs := g.outputs
	win := g.win
	g.outputs = nil
	g.win = nil
	g.mu.Unlock()

	_ = g.exec.dispatch(g.cfg.InitTimeout, func() {
		for _, pin := range outputs {
			_ = pin.Close()
		}
		if win != nil {
			_ = win.Close()
		}
	})
	g.logger.Info().Str("event", "gpio.cleaned_up").Msg("gpio gate cleaned up")
}

// Pulse drives an output on for its configured duration, then off.
// Rejected while locked, for unknown pulse outputs, or inside the
// per-output cooldown.
func (g *Gate) Pulse(name string) bool {
	if name != OutCoin && name != OutDrop {
		return false
	}

	g.mu.Lock()
	if g.locked || g.outputs == nil {
		g.mu.Unlock()
		metrics.GPIODispatchTotal.WithLabelValues("rejected").Inc()
		return false
	}
	now := time.Now()
	if last, ok := g.lastPulse[name]; ok && now.Sub(last) < g.cfg.MinInterPulse {
		g.mu.Unlock()
		g.logger.Debug().Str("event", "gpio.pulse_cooldown").Str("output", name).Msg("pulse rejected by cooldown")
		metrics.GPIODispatchTotal.WithLabelValues("rejected").Inc()
		return false
	}
	g.lastPulse[name] = now
	pin := g.outputs[name]
	g.mu.Unlock()

	duration := g.cfg.CoinPulse
	if name == OutDrop {
		duration = g.cfg.DropPulse
	}
	err := g.exec.dispatch(g.cfg.PulseTimeout, func() {
		_ = pin.Set(true)
		time.Sleep(duration)
		_ = pin.Set(false)
	})
	if err != nil {
		g.logger.Error().Err(err).Str("event", "gpio.pulse_failed").Str("output", name).Msg("pulse dispatch failed")
		return false
	}
	g.logger.Info().Str("event", "gpio.pulse").Str("output", name).Dur("duration", duration).Msg("pulse fired")
	return true
}

// DirectionOn starts holding a direction. Opposing holds resolve by the
// configured policy. A safety timer force-releases the hold after the
// maximum window.
func (g *Gate) DirectionOn(direction string) bool {
	opposite, ok := Directions[direction]
	if !ok {
		return false
	}

	g.mu.Lock()
	if g.locked || g.outputs == nil {
		g.mu.Unlock()
		metrics.GPIODispatchTotal.WithLabelValues("rejected").Inc()
		return false
	}
	if _, held := g.holds[opposite]; held {
		if g.cfg.ConflictMode == "ignore_new" {
			g.mu.Unlock()
			return false
		}
		g.mu.Unlock()
		g.DirectionOff(opposite)
		g.mu.Lock()
	}
	if _, held := g.holds[direction]; held {
		g.mu.Unlock()
		return true
	}
	pin := g.outputs[direction]
	g.mu.Unlock()

	if err := g.exec.dispatch(g.cfg.OpTimeout, func() { _ = pin.Set(true) }); err != nil {
		return false
	}

	g.mu.Lock()
	g.holds[direction] = time.AfterFunc(g.cfg.DirectionHoldMax, func() {
		g.logger.Warn().Str("event", "gpio.hold_timeout").Str("direction", direction).Msg("hold safety limit reached, forcing off")
		g.DirectionOff(direction)
	})
	g.mu.Unlock()

	g.logger.Debug().Str("event", "gpio.direction_on").Str("direction", direction).Msg("direction engaged")
	return true
}

// DirectionOff releases a direction hold.
func (g *Gate) DirectionOff(direction string) bool {
	if _, ok := Directions[direction]; !ok {
		return false
	}

	g.mu.Lock()
	if t, held := g.holds[direction]; held {
		t.Stop()
		delete(g.holds, direction)
	}
	if g.outputs == nil {
		g.mu.Unlock()
		return false
	}
	pin := g.outputs[direction]
	g.mu.Unlock()

	if err := g.exec.dispatch(g.cfg.OpTimeout, func() { _ = pin.Set(false) }); err != nil {
		return false
	}
	g.logger.Debug().Str("event", "gpio.direction_off").Str("direction", direction).Msg("direction released")
	return true
}

// AllDirectionsOff releases every held direction.
func (g *Gate) AllDirectionsOff() {
	g.mu.Lock()
	held := make([]string, 0, len(g.holds))
	for d := range g.holds {
		held = append(held, d)
	}
	g.mu.Unlock()

	for _, d := range held {
		g.DirectionOff(d)
	}
}

// DropOn engages the drop relay as a hold with a safety auto-release.
func (g *Gate) DropOn() bool {
	g.mu.Lock()
	if g.locked || g.outputs == nil {
		g.mu.Unlock()
		metrics.GPIODispatchTotal.WithLabelValues("rejected").Inc()
		return false
	}
	pin := g.outputs[OutDrop]
	g.mu.Unlock()

	if err := g.exec.dispatch(g.cfg.OpTimeout, func() { _ = pin.Set(true) }); err != nil {
		return false
	}

	g.mu.Lock()
	if g.dropTimer != nil {
		g.dropTimer.Stop()
	}
	g.dropTimer = time.AfterFunc(g.cfg.DropHoldMax, func() {
		g.logger.Warn().Str("event", "gpio.drop_hold_timeout").Msg("drop hold safety limit reached, forcing off")
		g.DropOff()
	})
	g.mu.Unlock()

	g.logger.Debug().Str("event", "gpio.drop_on").Msg("drop relay engaged")
	return true
}

// DropOff releases the drop relay.
func (g *Gate) DropOff() bool {
	g.mu.Lock()
	if g.dropTimer != nil {
		g.dropTimer.Stop()
		g.dropTimer = nil
	}
	if g.outputs == nil {
		g.mu.Unlock()
		return false
	}
	pin := g.outputs[OutDrop]
	g.mu.Unlock()

	if err := g.exec.dispatch(g.cfg.OpTimeout, func() { _ = pin.Set(false) }); err != nil {
		return false
	}
	g.logger.Debug().Str("event", "gpio.drop_off").Msg("drop relay released")
	return true
}

// EmergencyStop sets the lock flag, cancels every hold timer, and
// drives all outputs off. Never fails; the lock flag stays set until
// Unlock is called.
func (g *Gate) EmergencyStop() {
	g.mu.Lock()
	g.locked = true
	for d, t := range g.holds {
		t.Stop()
		delete(g.holds, d)
	}
	if g.dropTimer != nil {
		g.dropTimer.Stop()
		g.dropTimer = nil
	}
	outputs := g.outputs
	g.mu.Unlock()

	if outputs == nil {
		return
	}
	err := g.exec.dispatch(g.cfg.OpTimeout, func() {
		for _, pin := range outputs {
			_ = pin.Set(false)
		}
	})
	if err != nil {
		g.logger.Error().Err(err).Str("event", "gpio.estop_failed").Msg("emergency stop dispatch failed; hardware may be in a bad state")
		return
	}
	g.logger.Warn().Str("event", "gpio.estop").Msg("emergency stop: all outputs off")
}

// Unlock clears the lock flag set by EmergencyStop.
func (g *Gate) Unlock() {
	g.mu.Lock()
	g.locked = false
	g.mu.Unlock()
	g.logger.Info().Str("event", "gpio.unlocked").Msg("controls unlocked")
}

// RegisterWinCallback installs fn for rising edges of the win sensor.
// fn runs on the sensor driver's goroutine and must not block.
func (g *Gate) RegisterWinCallback(fn func()) {
	g.mu.Lock()
	g.winCB = fn
	g.mu.Unlock()
}

// UnregisterWinCallback removes the win callback.
func (g *Gate) UnregisterWinCallback() {
	g.mu.Lock()
	g.winCB = nil
	g.mu.Unlock()
}

func (g *Gate) onWinEdge() {
	g.mu.Lock()
	cb := g.winCB
	g.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// ActiveDirections returns the currently held directions, sorted.
func (g *Gate) ActiveDirections() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.holds))
	for d := range g.holds {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// IsLocked reports whether the emergency lock is engaged.
func (g *Gate) IsLocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.locked
}

// Failed reports whether the worker replacement budget is exhausted.
func (g *Gate) Failed() bool { return g.exec.Failed() }
