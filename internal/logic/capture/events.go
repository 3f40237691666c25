package capture

import (
	"sync"
	"time"
)

// EventKind names a pipeline notification.
type EventKind string

const (
	EventState          EventKind = "state"
	EventCaptureStarted EventKind = "capture_started"
	EventPreviewReady   EventKind = "preview_ready"
	EventBenchmark      EventKind = "benchmark"
	EventComplete       EventKind = "complete"
	EventMessage        EventKind = "message"
)

// Event is a notification published on the dispatcher goroutine.
type Event struct {
	Kind      EventKind `json:"kind"`
	Time      time.Time `json:"time"`
	CaptureID string    `json:"capture_id,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	State     string    `json:"state,omitempty"`
	Location  string    `json:"location,omitempty"`
	ShutterMs int64     `json:"shutter_ms,omitempty"`
	SaveMs    int64     `json:"save_ms,omitempty"`
	Thumb     bool      `json:"thumbnail,omitempty"`
	Message   string    `json:"message,omitempty"`
	Failed    bool      `json:"failed,omitempty"`
}

type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Event)
}

func (s *subscribers) add(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(Event))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) snapshot() []func(Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]func(Event), 0, len(s.fns))
	for _, fn := range s.fns {
		out = append(out, fn)
	}
	return out
}
