// Package gpio drives the board pins used by the external flash strobe.
package gpio

import (
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/ZeroCam/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "HIGH"
	}
	return "LOW"
}

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Driver defines the abstract interface for controlling GPIOs.
// A Raspberry Pi implementation backs real hardware; MockDriver
// stands in on development machines.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// NewDriver creates a GPIO driver. With mock set, no hardware is touched.
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	}
	return NewRPiRealDriver()
}

// Pulse drives pin to active for hold, then back to the opposite level.
func Pulse(d Driver, pin int, active Level, hold time.Duration) error {
	if err := d.WritePin(pin, active); err != nil {
		return fmt.Errorf("gpio: pulse pin %d: %w", pin, err)
	}
	if hold > 0 {
		time.Sleep(hold)
	}
	if err := d.WritePin(pin, !active); err != nil {
		return fmt.Errorf("gpio: release pin %d: %w", pin, err)
	}
	return nil
}

// MockDriver keeps pin state in memory and logs every access.
type MockDriver struct {
	mu     sync.Mutex
	levels map[int]Level
	writes int
}

// NewMockDriver returns an in-memory driver.
func NewMockDriver() *MockDriver {
	return &MockDriver{levels: make(map[int]Level)}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	m.levels[pin] = level
	m.writes++
	m.mu.Unlock()
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], nil
}

// Writes returns the number of WritePin calls.
func (m *MockDriver) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
