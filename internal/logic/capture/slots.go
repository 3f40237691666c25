package capture

import (
	"sync"
	"time"

	"github.com/cjeanneret/ZeroCam/internal/hw/camera"
)

// ZSLSlot retains the most recent zero-shutter-lag frame. Putting a new
// frame closes the one it replaces.
type ZSLSlot struct {
	mu      sync.Mutex
	img     *camera.Image
	onEvict func()
}

// NewZSLSlot creates an empty slot. onEvict runs whenever a retained frame
// is replaced before anyone took it.
func NewZSLSlot(onEvict func()) *ZSLSlot {
	return &ZSLSlot{onEvict: onEvict}
}

// Put stores img, closing the previous frame.
func (s *ZSLSlot) Put(img *camera.Image) {
	s.mu.Lock()
	old := s.img
	s.img = img
	s.mu.Unlock()
	if old != nil {
		old.Close()
		if s.onEvict != nil {
			s.onEvict()
		}
	}
}

// Take removes and returns the retained frame, or nil.
func (s *ZSLSlot) Take() *camera.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	img := s.img
	s.img = nil
	return img
}

// Has reports whether a frame is retained.
func (s *ZSLSlot) Has() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.img != nil
}

// Clear closes and drops the retained frame.
func (s *ZSLSlot) Clear() {
	if img := s.Take(); img != nil {
		img.Close()
	}
}

// ResultSlot hands capture metadata from the device callbacks to the
// goroutine saving the matching RAW frame, keyed by request tag.
type ResultSlot struct {
	mu      sync.Mutex
	results map[string]*camera.Result
}

func NewResultSlot() *ResultSlot {
	return &ResultSlot{results: make(map[string]*camera.Result)}
}

// Put stores res under its tag. Untagged results are ignored.
func (s *ResultSlot) Put(res *camera.Result) {
	if res == nil || res.Tag == "" {
		return
	}
	s.mu.Lock()
	s.results[res.Tag] = res
	s.mu.Unlock()
}

// Take removes the result stored under tag.
func (s *ResultSlot) Take(tag string) *camera.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.results[tag]
	delete(s.results, tag)
	return res
}

// Poll checks for tag up to attempts times, sleeping interval between
// checks.
func (s *ResultSlot) Poll(tag string, attempts int, interval time.Duration) (*camera.Result, bool) {
	for i := 0; i < attempts; i++ {
		if res := s.Take(tag); res != nil {
			return res, true
		}
		if i < attempts-1 {
			time.Sleep(interval)
		}
	}
	return nil, false
}

// Clear drops every stored result.
func (s *ResultSlot) Clear() {
	s.mu.Lock()
	s.results = make(map[string]*camera.Result)
	s.mu.Unlock()
}
