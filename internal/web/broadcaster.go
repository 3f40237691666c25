package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/ZeroCam/internal/logic/capture"
)

// subscriberBuffer is how many payloads a slow client may lag behind.
const subscriberBuffer = 64

// StatusEvent is a mirrored log line sent to stream clients.
type StatusEvent struct {
	Kind  string `json:"kind"`
	Time  string `json:"t"`
	Level string `json:"l,omitempty"`
	Msg   string `json:"msg"`
}

// Broadcaster fans JSON payloads out to SSE and websocket clients.
// Payloads are either pipeline events (capture.Event) or log lines
// (StatusEvent, kind "log").
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewBroadcaster creates a broadcaster with no clients.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast payloads and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *Broadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of connected subscribers.
func (b *Broadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish forwards a pipeline event. It has the signature expected by
// capture.Controller.Subscribe.
func (b *Broadcaster) Publish(ev capture.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	b.send(string(data))
}

// Broadcast sends a log line to all subscribed clients.
// Messages are sent as JSON: {"kind":"log","t":"...","l":"info","msg":"..."}
func (b *Broadcaster) Broadcast(level, msg string) {
	evt := StatusEvent{
		Kind:  "log",
		Time:  time.Now().Format(time.RFC3339),
		Level: level,
		Msg:   msg,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	b.send(string(data))
}

// send never blocks; slow clients miss payloads.
func (b *Broadcaster) send(payload string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Writer returns an io.Writer that broadcasts each write as an "info" log
// line, for debug.SetOutput.
func (b *Broadcaster) Writer() *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *Broadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.b.Broadcast("info", msg)
	}
	return len(p), nil
}
