package capture

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/ZeroCam/internal/debug"
)

// Worker runs posted functions one at a time, in posting order, on its own
// goroutine. It satisfies camera.Executor.
type Worker struct {
	name string

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewWorker starts a worker goroutine.
func NewWorker(name string) *Worker {
	w := &Worker{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Post queues fn. It returns false once the worker is closed.
func (w *Worker) Post(fn func()) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, fn)
	w.mu.Unlock()
	w.signal()
	return true
}

// Sync blocks until everything posted before it has run.
func (w *Worker) Sync() bool {
	ch := make(chan struct{})
	if !w.Post(func() { close(ch) }) {
		return false
	}
	<-ch
	return true
}

// Close stops accepting work, runs what is already queued and waits for
// the goroutine to exit. It must not be called from the worker itself.
func (w *Worker) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.signal()
	<-w.done
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 {
			if w.closed {
				w.mu.Unlock()
				return
			}
			w.mu.Unlock()
			<-w.wake
			w.mu.Lock()
		}
		fn := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.run(fn)
	}
}

func (w *Worker) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			debug.Error(fmt.Errorf("%s: callback panic: %v", w.name, r))
		}
	}()
	fn()
}
