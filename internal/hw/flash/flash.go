// Package flash fires an external strobe wired to the board's GPIO header.
//
// The strobe is driven through two open-collector lines:
//   - ARM: charges/enables the strobe (active LOW)
//   - FIRE: triggers the discharge (active LOW)
//
// Fire sequence:
//  1. ARM to LOW
//  2. Wait for the strobe to become ready
//  3. FIRE to LOW, hold for the trigger pulse
//  4. FIRE and ARM back to HIGH
package flash

import (
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/ZeroCam/internal/debug"
	"github.com/cjeanneret/ZeroCam/internal/hw/gpio"
)

// Flash is fired for single-flash still captures.
type Flash interface {
	Fire() error
}

// None is a Flash that does nothing.
type None struct{}

func (None) Fire() error { return nil }

// GPIOStrobe drives a strobe through an ARM and a FIRE line.
type GPIOStrobe struct {
	mu        sync.Mutex
	gpio      gpio.Driver
	armPin    int
	firePin   int
	armDelay  time.Duration // strobe ready time
	fireHold  time.Duration // trigger pulse width
	fireCount int
}

// NewGPIOStrobe configures both lines as outputs, idle HIGH.
func NewGPIOStrobe(g gpio.Driver, armPin, firePin int, armDelay, fireHold time.Duration) (*GPIOStrobe, error) {
	if armPin == firePin {
		return nil, fmt.Errorf("flash: arm and fire share pin %d", armPin)
	}
	for _, pin := range []int{armPin, firePin} {
		if err := gpio.CheckPin(pin); err != nil {
			return nil, fmt.Errorf("flash: %w", err)
		}
		if err := g.SetupPin(pin, gpio.Output); err != nil {
			return nil, fmt.Errorf("flash: setup pin %d: %w", pin, err)
		}
		if err := g.WritePin(pin, gpio.High); err != nil {
			return nil, fmt.Errorf("flash: idle pin %d: %w", pin, err)
		}
	}
	return &GPIOStrobe{
		gpio:     g,
		armPin:   armPin,
		firePin:  firePin,
		armDelay: armDelay,
		fireHold: fireHold,
	}, nil
}

// Fire arms the strobe then pulses the trigger line. Concurrent calls are
// serialized.
func (s *GPIOStrobe) Fire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	debug.Verbose("Flash: arming (pin %d -> LOW)", s.armPin)
	if err := s.gpio.WritePin(s.armPin, gpio.Low); err != nil {
		return fmt.Errorf("flash: arm: %w", err)
	}
	time.Sleep(s.armDelay)

	debug.Verbose("Flash: firing (pin %d, %v)", s.firePin, s.fireHold)
	if err := gpio.Pulse(s.gpio, s.firePin, gpio.Low, s.fireHold); err != nil {
		_ = s.gpio.WritePin(s.armPin, gpio.High)
		return fmt.Errorf("flash: fire: %w", err)
	}

	if err := s.gpio.WritePin(s.armPin, gpio.High); err != nil {
		return fmt.Errorf("flash: disarm: %w", err)
	}
	s.fireCount++
	debug.Live("Flash: fired (#%d)", s.fireCount)
	return nil
}

// Fired returns how many times the strobe fired successfully.
func (s *GPIOStrobe) Fired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fireCount
}
