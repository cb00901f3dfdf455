// SPDX-License-Identifier: MIT

package gpio

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// CdevDriver drives real lines through the Linux GPIO character
// device.
type CdevDriver struct{}

// NewCdevDriver returns the character-device driver.
func NewCdevDriver() *CdevDriver { return &CdevDriver{} }

// Open requests every output line and the win-sensor input. Outputs
// start driven off. On any failure all lines requested so far are
// released.
func (d *CdevDriver) Open(cfg DriverConfig) (map[string]Pin, WinSensor, error) {
	out := make(map[string]Pin, len(cfg.Outputs))
	closeAll := func() {
		for _, p := range out {
			_ = p.Close()
		}
	}

	for name, offset := range cfg.Outputs {
		opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
		if cfg.ActiveLow {
			opts = append(opts, gpiocdev.AsActiveLow)
		}
		line, err := gpiocdev.RequestLine(cfg.Chip, offset, opts...)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("gpio: request output %s (offset %d): %w", name, offset, err)
		}
		out[name] = &cdevPin{line: line}
	}

	sensor := &cdevSensor{}
	line, err := gpiocdev.RequestLine(cfg.Chip, cfg.WinPin,
		gpiocdev.AsInput,
		gpiocdev.WithPullDown,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithDebounce(cfg.Debounce),
		gpiocdev.WithEventHandler(sensor.handleEvent))
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("gpio: request win sensor (offset %d): %w", cfg.WinPin, err)
	}
	sensor.line = line

	return out, sensor, nil
}

type cdevPin struct {
	line *gpiocdev.Line
}

func (p *cdevPin) Set(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return p.line.SetValue(v)
}

func (p *cdevPin) Close() error { return p.line.Close() }

type cdevSensor struct {
	line *gpiocdev.Line

	mu sync.Mutex
	fn func()
}

func (s *cdevSensor) SetHandler(fn func()) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

func (s *cdevSensor) handleEvent(evt gpiocdev.LineEvent) {
	if evt.Type != gpiocdev.LineEventRisingEdge {
		return
	}
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *cdevSensor) Close() error { return s.line.Close() }
