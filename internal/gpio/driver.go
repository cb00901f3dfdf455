// SPDX-License-Identifier: MIT

// Package gpio is the hardware gate: it serializes every pin syscall
// through a single replaceable worker, enforces pulse cooldowns and
// hold safety limits, and exposes the win-sensor edge as a callback.
package gpio

import "time"

// Output names. "on" always means "relay engaged"; polarity inversion
// happens inside the driver.
const (
	OutCoin  = "coin"
	OutDrop  = "drop"
	OutNorth = "north"
	OutSouth = "south"
	OutEast  = "east"
	OutWest  = "west"
)

// Directions maps each direction to its opposite for conflict
// resolution.
var Directions = map[string]string{
	OutNorth: OutSouth,
	OutSouth: OutNorth,
	OutEast:  OutWest,
	OutWest:  OutEast,
}

// Pin is one physical output line.
type Pin interface {
	Set(on bool) error
	Close() error
}

// WinSensor delivers rising edges of the prize chute sensor. The
// handler runs on the driver's own goroutine; implementations must
// tolerate handler replacement at any time.
type WinSensor interface {
	SetHandler(fn func())
	Close() error
}

// DriverConfig names the chip and pin offsets for a driver.
type DriverConfig struct {
	Chip      string
	Outputs   map[string]int // output name -> line offset
	WinPin    int
	ActiveLow bool
	Debounce  time.Duration
}

// Driver opens the physical (or simulated) lines.
type Driver interface {
	Open(cfg DriverConfig) (map[string]Pin, WinSensor, error)
}
