package capture

import (
	"context"
	"sync"
	"time"

	"github.com/cjeanneret/ZeroCam/internal/debug"
)

// Tracker counts in-flight captures. At most one capture is admitted at a
// time and the count never goes negative.
type Tracker struct {
	mu       sync.Mutex
	n        int
	gen      uint64
	idle     []func()
	onChange func(int)
}

// Ticket identifies one admitted capture. Tickets issued before a Reset
// no longer release anything.
type Ticket struct {
	gen uint64
}

// NewTracker creates a tracker. onChange, if set, receives every new count.
func NewTracker(onChange func(int)) *Tracker {
	return &Tracker{onChange: onChange}
}

// TryAcquire admits a capture if none is pending.
func (t *Tracker) TryAcquire() (Ticket, bool) {
	t.mu.Lock()
	if t.n > 0 {
		t.mu.Unlock()
		return Ticket{}, false
	}
	t.n++
	n, tk := t.n, Ticket{gen: t.gen}
	t.mu.Unlock()
	t.notify(n)
	return tk, true
}

// Release ends the capture admitted with tk. Functions queued with
// RunWhenIdle run once the count reaches zero.
func (t *Tracker) Release(tk Ticket) {
	t.mu.Lock()
	if tk.gen != t.gen {
		t.mu.Unlock()
		debug.Verbose("tracker: ignoring release of an abandoned capture")
		return
	}
	if t.n == 0 {
		t.mu.Unlock()
		debug.Warn("tracker: release without a pending capture")
		return
	}
	t.n--
	n := t.n
	var run []func()
	if n == 0 {
		run, t.idle = t.idle, nil
	}
	t.mu.Unlock()

	t.notify(n)
	for _, fn := range run {
		fn()
	}
}

// Count returns the number of pending captures.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// Pending reports whether a capture is in flight.
func (t *Tracker) Pending() bool { return t.Count() > 0 }

// RunWhenIdle runs fn now if nothing is pending, otherwise after the last
// Release. It reports whether fn ran immediately.
func (t *Tracker) RunWhenIdle(fn func()) bool {
	t.mu.Lock()
	if t.n > 0 {
		t.idle = append(t.idle, fn)
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()
	fn()
	return true
}

// WaitIdle polls every interval until nothing is pending. It gives up after
// timeout or when ctx is done, returning false.
func (t *Tracker) WaitIdle(ctx context.Context, interval, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if t.Count() == 0 {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Reset forces the count to zero, drops queued idle work and invalidates
// every outstanding ticket. It returns how many captures were abandoned.
func (t *Tracker) Reset() int {
	t.mu.Lock()
	n := t.n
	t.n = 0
	t.gen++
	t.idle = nil
	t.mu.Unlock()
	if n > 0 {
		t.notify(0)
	}
	return n
}

func (t *Tracker) notify(n int) {
	if t.onChange != nil {
		t.onChange(n)
	}
}
