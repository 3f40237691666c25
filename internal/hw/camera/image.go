package camera

import (
	"sync"
	"sync/atomic"
)

// Surface is a sink a session can write frames to.
type Surface interface {
	Size() Size
	Format() Format
}

// Plane is one plane of an image buffer.
type Plane struct {
	Data        []byte
	RowStride   int
	PixelStride int
}

// Image is a buffer delivered to an ImageReader. It must be closed exactly
// once by whoever acquired it; Close is idempotent.
type Image struct {
	Format      Format
	Width       int
	Height      int
	TimestampNs int64
	Planes      []Plane

	once    sync.Once
	release func()
}

// NewImage wraps planes into an Image. release runs once on Close.
func NewImage(f Format, w, h int, ts int64, planes []Plane, release func()) *Image {
	return &Image{Format: f, Width: w, Height: h, TimestampNs: ts, Planes: planes, release: release}
}

// Close returns the buffer to its reader.
func (i *Image) Close() {
	if i == nil {
		return
	}
	i.once.Do(func() {
		if i.release != nil {
			i.release()
		}
	})
}

// ImageReader is a bounded image sink. At most MaxImages buffers are
// outstanding (queued + acquired); producers drop frames beyond that.
type ImageReader struct {
	size      Size
	format    Format
	maxImages int

	mu        sync.Mutex
	queue     []*Image
	acquired  int
	closed    bool
	listener  func(*ImageReader)
	executor  Executor
	dropped   atomic.Int64
	delivered atomic.Int64
}

// NewImageReader creates a reader holding at most maxImages buffers.
func NewImageReader(size Size, f Format, maxImages int) *ImageReader {
	if maxImages < 1 {
		maxImages = 1
	}
	return &ImageReader{size: size, format: f, maxImages: maxImages}
}

func (r *ImageReader) Size() Size     { return r.size }
func (r *ImageReader) Format() Format { return r.format }
func (r *ImageReader) MaxImages() int { return r.maxImages }

// SetOnImageAvailable registers fn, invoked on ex each time a frame is queued.
func (r *ImageReader) SetOnImageAvailable(fn func(*ImageReader), ex Executor) {
	r.mu.Lock()
	r.listener = fn
	r.executor = ex
	r.mu.Unlock()
}

// Deliver hands a frame built from planes to the reader. It reports false
// when the frame was dropped because the reader is closed or full.
func (r *ImageReader) Deliver(ts int64, planes []Plane) bool {
	r.mu.Lock()
	if r.closed || len(r.queue)+r.acquired >= r.maxImages {
		r.mu.Unlock()
		r.dropped.Add(1)
		return false
	}
	img := &Image{Format: r.format, Width: r.size.Width, Height: r.size.Height, TimestampNs: ts, Planes: planes}
	r.queue = append(r.queue, img)
	listener, ex := r.listener, r.executor
	r.mu.Unlock()
	r.delivered.Add(1)

	if listener != nil && ex != nil {
		ex.Post(func() { listener(r) })
	}
	return true
}

// AcquireLatestImage returns the newest queued image, closing older ones,
// or nil when nothing is queued. It never blocks.
func (r *ImageReader) AcquireLatestImage() *Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.queue) == 0 {
		return nil
	}
	latest := r.queue[len(r.queue)-1]
	r.queue = r.queue[:0]
	r.acquired++
	latest.release = r.releaseOne
	return latest
}

func (r *ImageReader) releaseOne() {
	r.mu.Lock()
	if r.acquired > 0 {
		r.acquired--
	}
	r.mu.Unlock()
}

// Outstanding returns the number of acquired, unreleased images.
func (r *ImageReader) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquired
}

// Dropped returns how many frames were refused because the reader was full.
func (r *ImageReader) Dropped() int64 { return r.dropped.Load() }

// Delivered returns how many frames were queued.
func (r *ImageReader) Delivered() int64 { return r.delivered.Load() }

// Close drops queued frames and refuses further deliveries.
func (r *ImageReader) Close() {
	r.mu.Lock()
	r.closed = true
	r.queue = nil
	r.listener = nil
	r.mu.Unlock()
}

// PreviewSurface is the live preview sink. It only counts frames; rendering
// belongs to the UI layer that owns the target.
type PreviewSurface struct {
	size   Size
	frames atomic.Int64
}

// NewPreviewSurface creates a preview sink of the given size.
func NewPreviewSurface(size Size) *PreviewSurface {
	return &PreviewSurface{size: size}
}

func (p *PreviewSurface) Size() Size     { return p.size }
func (p *PreviewSurface) Format() Format { return FormatPrivate }

// Render records one displayed frame.
func (p *PreviewSurface) Render() { p.frames.Add(1) }

// Frames returns the number of rendered frames.
func (p *PreviewSurface) Frames() int64 { return p.frames.Load() }
