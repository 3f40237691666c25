package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/ZeroCam/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// MaxBCMPin is the highest GPIO line on the 40-pin header.
const MaxBCMPin = 27

// CheckPin reports an error for pins outside the 40-pin header.
func CheckPin(pin int) error {
	if pin < 0 || pin > MaxBCMPin {
		return fmt.Errorf("gpio: pin %d outside BCM 0-%d", pin, MaxBCMPin)
	}
	return nil
}

// RPiDriver drives the header through the memory-mapped GPIO registers
// (go-rpio). Lines are claimed on first use and handed back as inputs on
// Close, leaving the strobe lines floating rather than driven.
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
	mode map[int]PinMode
}

// NewRPiRealDriver maps the GPIO registers. It needs /dev/gpiomem or root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing Raspberry Pi GPIO (go-rpio)")
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("gpio: map registers: %w (not a Raspberry Pi, or no access to /dev/gpiomem)", err)
	}
	debug.Verbose("GPIO registers mapped")
	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
		mode: make(map[int]PinMode),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setupLocked(pin, mode)
}

func (r *RPiDriver) setupLocked(pin int, mode PinMode) error {
	if err := CheckPin(pin); err != nil {
		return err
	}
	debug.GPIO("SetupPin", pin, mode)
	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("gpio: unknown pin mode %d", mode)
	}
	r.pins[pin] = p
	r.mode[pin] = mode
	return nil
}

// WritePin drives pin, switching it to output first if needed.
func (r *RPiDriver) WritePin(pin int, level Level) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.mode[pin]; !ok || m != Output {
		if err := r.setupLocked(pin, Output); err != nil {
			return err
		}
	}
	debug.GPIO("WritePin", pin, level)
	if level == High {
		r.pins[pin].High()
	} else {
		r.pins[pin].Low()
	}
	return nil
}

// ReadPin samples pin. Unclaimed pins are claimed as inputs; output pins
// read back their driven level.
func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pins[pin]
	if !ok {
		if err := r.setupLocked(pin, Input); err != nil {
			return Low, err
		}
		p = r.pins[pin]
	}
	lvl := Level(p.Read() == rpio.High)
	debug.GPIO("ReadPin", pin, lvl)
	return lvl, nil
}

// Close releases every claimed line as an input and unmaps the registers.
func (r *RPiDriver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pin, p := range r.pins {
		if r.mode[pin] == Output {
			debug.Verbose("Releasing GPIO %d", pin)
		}
		p.Input()
	}
	r.pins = make(map[int]rpio.Pin)
	r.mode = make(map[int]PinMode)
	return rpio.Close()
}
