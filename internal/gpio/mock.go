// SPDX-License-Identifier: MIT

package gpio

import "sync"

// MockDriver simulates lines in memory. Used on dev machines without a
// character device and throughout the tests.
type MockDriver struct {
	mu     sync.Mutex
	pins   map[string]*mockPin
	sensor *mockSensor
}

// NewMockDriver creates an empty mock; Open populates it.
func NewMockDriver() *MockDriver {
	return &MockDriver{pins: make(map[string]*mockPin)}
}

// Open satisfies Driver.
func (d *MockDriver) Open(cfg DriverConfig) (map[string]Pin, WinSensor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Pin, len(cfg.Outputs))
	for name := range cfg.Outputs {
		p := &mockPin{driver: d}
		d.pins[name] = p
		out[name] = p
	}
	d.sensor = &mockSensor{}
	return out, d.sensor, nil
}

// PinState reports the simulated level of an output.
func (d *MockDriver) PinState(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pins[name]
	if !ok {
		return false
	}
	return p.on
}

// ActivePins returns the names of outputs currently driven on.
func (d *MockDriver) ActivePins() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for name, p := range d.pins {
		if p.on {
			out = append(out, name)
		}
	}
	return out
}

// TriggerWin simulates a rising edge on the win sensor, invoking the
// registered handler synchronously on the caller's goroutine.
func (d *MockDriver) TriggerWin() {
	d.mu.Lock()
	s := d.sensor
	d.mu.Unlock()
	if s != nil {
		s.trigger()
	}
}

type mockPin struct {
	driver *MockDriver
	on     bool
}

func (p *mockPin) Set(on bool) error {
	p.driver.mu.Lock()
	defer p.driver.mu.Unlock()
	p.on = on
	return nil
}

func (p *mockPin) Close() error { return nil }

type mockSensor struct {
	mu sync.Mutex
	fn func()
}

func (s *mockSensor) SetHandler(fn func()) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

func (s *mockSensor) Close() error { return nil }

func (s *mockSensor) trigger() {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
