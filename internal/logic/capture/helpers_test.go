package capture

import (
	"context"
	"image"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/ZeroCam/internal/hw/camera"
	"github.com/cjeanneret/ZeroCam/internal/hw/camera/sim"
	"github.com/cjeanneret/ZeroCam/internal/metrics"
	"github.com/cjeanneret/ZeroCam/internal/storage"
)

const waitTimeout = 5 * time.Second

type fixture struct {
	c     *Controller
	mgr   *sim.Manager
	store *storage.MediaStore
}

func newFixture(t *testing.T, simOpts sim.Options, mutate func(*Options)) *fixture {
	t.Helper()
	if len(simOpts.Devices) == 0 {
		simOpts.Devices = []sim.Spec{{ID: "0", Chars: sim.SmallCharacteristics()}}
	}
	if simOpts.FrameInterval == 0 {
		simOpts.FrameInterval = 5 * time.Millisecond
	}
	mgr := sim.NewManager(simOpts)

	root := t.TempDir()
	store, err := storage.Open(root, filepath.Join(root, "media.db"), "TEST")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	opts := Options{
		Manager:        mgr,
		Store:          store,
		Metrics:        metrics.New(),
		ResultInterval: 2 * time.Millisecond,
		ZSLRetry:       20 * time.Millisecond,
		TeardownPoll:   5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &fixture{c: c, mgr: mgr, store: store}
}

func (f *fixture) bind(t *testing.T) *Capabilities {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	caps, err := f.c.Bind(ctx)
	require.NoError(t, err)
	require.Equal(t, StateReady, f.c.State())
	return caps
}

func (f *fixture) waitState(t *testing.T, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.c.State() == s }, waitTimeout, 2*time.Millisecond,
		"state never reached %s (now %s)", s, f.c.State())
}

// lastRepeating returns the most recent preview request.
func (f *fixture) lastRepeating(t *testing.T) *camera.Request {
	t.Helper()
	reqs := f.mgr.Requests()
	for i := len(reqs) - 1; i >= 0; i-- {
		if reqs[i].Repeating {
			return reqs[i].Request
		}
	}
	t.Fatal("no repeating request submitted")
	return nil
}

// recorder collects the callbacks of one capture.
type recorder struct {
	mu      sync.Mutex
	calls   []string
	thumb   image.Image
	loc     *storage.Location
	shutter time.Duration
	save    time.Duration
	done    chan struct{}
}

func newRecorder() *recorder { return &recorder{done: make(chan struct{})} }

func (r *recorder) add(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

func (r *recorder) callbacks() CaptureCallbacks {
	return CaptureCallbacks{
		OnCaptureStarted: func() { r.add("started") },
		OnPreviewReady: func(img image.Image) {
			r.mu.Lock()
			r.thumb = img
			r.mu.Unlock()
			r.add("preview")
		},
		OnBenchmark: func(shutter, save time.Duration) {
			r.mu.Lock()
			r.shutter, r.save = shutter, save
			r.mu.Unlock()
			r.add("benchmark")
		},
		OnComplete: func(loc *storage.Location) {
			r.mu.Lock()
			r.loc = loc
			r.mu.Unlock()
			r.add("complete")
			close(r.done)
		},
	}
}

func (r *recorder) wait(t *testing.T) *storage.Location {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(waitTimeout):
		t.Fatal("capture never completed")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loc
}

func (r *recorder) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) thumbnail() image.Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.thumb
}

// gatedStore holds the n-th JPEG save until gate(n) is closed.
type gatedStore struct {
	*storage.MediaStore
	entered chan int
	saved   chan int

	mu    sync.Mutex
	calls int
	gates []chan struct{}
}

func newGatedStore(n int) *gatedStore {
	s := &gatedStore{entered: make(chan int, n), saved: make(chan int, n)}
	for i := 0; i < n; i++ {
		s.gates = append(s.gates, make(chan struct{}))
	}
	return s
}

// install wraps the fixture store; use it as an Options mutator.
func (s *gatedStore) install(o *Options) {
	s.MediaStore = o.Store.(*storage.MediaStore)
	o.Store = s
}

func (s *gatedStore) SaveJPEG(t time.Time, data []byte) (*storage.Location, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()

	s.entered <- i
	<-s.gates[i]
	loc, err := s.MediaStore.SaveJPEG(t, data)
	s.saved <- i
	return loc, err
}

func (s *gatedStore) gate(i int) chan struct{} { return s.gates[i] }

// waitEntered returns the index of the next save that reached the store.
func (s *gatedStore) waitEntered(t *testing.T) int {
	t.Helper()
	select {
	case i := <-s.entered:
		return i
	case <-time.After(waitTimeout):
		t.Fatal("no save reached the store")
		return -1
	}
}

func (s *gatedStore) waitSaved(t *testing.T) int {
	t.Helper()
	select {
	case i := <-s.saved:
		return i
	case <-time.After(waitTimeout):
		t.Fatal("save never returned")
		return -1
	}
}

func (f *fixture) jpegFiles(t *testing.T) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(f.store.Dir(), "*.jpg"))
	require.NoError(t, err)
	return files
}

// testContext stands in for testing.T.Context (Go 1.24+): a context that is
// canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
