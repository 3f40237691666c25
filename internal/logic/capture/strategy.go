package capture

import (
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/ZeroCam/internal/debug"
	"github.com/cjeanneret/ZeroCam/internal/hw/camera"
	"github.com/cjeanneret/ZeroCam/internal/logic/exposure"
	"github.com/cjeanneret/ZeroCam/internal/logic/geometry"
	"github.com/cjeanneret/ZeroCam/internal/metrics"
	"github.com/cjeanneret/ZeroCam/internal/photo"
	"github.com/cjeanneret/ZeroCam/internal/storage"
)

// Benchmark mode labels.
const (
	ModeJPEG = "JPG"
	ModeBW   = "BW"
	ModeRaw  = "RAW"
	ModeFast = "FAST"
)

func modeName(f Format, bw bool) string {
	switch f {
	case FormatRaw:
		return ModeRaw
	case FormatFastJPEG:
		return ModeFast
	}
	if bw {
		return ModeBW
	}
	return ModeJPEG
}

// captureJob is one accepted capture. finish runs exactly once, whichever
// path ends the capture first. The timeout only applies until the image is
// handed to its save goroutine.
type captureJob struct {
	c           *Controller
	ticket      Ticket
	id          string
	format      Format
	mode        string
	bw          bool
	flash       bool
	auto        bool
	orientation int
	cb          CaptureCallbacks
	start       time.Time

	mu          sync.Mutex
	shutter     time.Time
	previewSent bool
	saving      bool
	expired     bool
	done        bool

	once  sync.Once
	timer *time.Timer
}

// Capture takes a photo with the current settings. It returns
// ErrNotReady (after posting OnComplete(nil)) unless the session is ready
// and ErrCaptureRejected while another capture is pending. Otherwise the
// outcome arrives through cb.
func (c *Controller) Capture(cb CaptureCallbacks) error {
	if st := c.State(); st != StateReady {
		debug.Warn("Capture refused: camera %s", st)
		c.post(func() {
			if cb.OnComplete != nil {
				cb.OnComplete(nil)
			}
		})
		return ErrNotReady
	}

	st := c.Settings()
	bw := (st.BW || c.opts.Mono) && st.Format != FormatRaw
	mode := modeName(st.Format, bw)
	tk, ok := c.tracker.TryAcquire()
	if !ok {
		debug.Live("Capture rejected: another capture is pending")
		c.opts.Metrics.Capture(mode, metrics.OutcomeRejected)
		return ErrCaptureRejected
	}

	sensor := 0
	if caps := c.Capabilities(); caps != nil {
		sensor = caps.SensorOrientation
	}
	_, auto := st.Exposure.(exposure.Auto)
	j := &captureJob{
		c:           c,
		ticket:      tk,
		id:          uuid.NewString(),
		format:      st.Format,
		mode:        mode,
		bw:          bw,
		flash:       st.Flash && !st.FastMode(),
		auto:        auto,
		orientation: geometry.JPEGOrientation(sensor, st.Rotation),
		cb:          cb,
		start:       c.now(),
	}
	c.setJob(j)
	j.mu.Lock()
	j.timer = time.AfterFunc(c.opts.CaptureTimeout, j.expire)
	j.mu.Unlock()
	debug.Capture(j.id, j.mode, c.tracker.Count())

	if j.format == FormatFastJPEG {
		go j.runZSL()
	} else if !c.worker.Post(j.runStill) {
		j.fail(ErrNotReady)
	}
	return nil
}

func (c *Controller) setJob(j *captureJob) {
	c.jobMu.Lock()
	c.job = j
	c.jobMu.Unlock()
}

func (c *Controller) currentJob() *captureJob {
	c.jobMu.Lock()
	defer c.jobMu.Unlock()
	return c.job
}

func (c *Controller) clearJob(j *captureJob) {
	c.jobMu.Lock()
	if c.job == j {
		c.job = nil
	}
	c.jobMu.Unlock()
}

// runStill submits a JPEG or RAW still, after an AE precapture when the
// flash fires in auto exposure. Runs on the camera worker.
func (j *captureJob) runStill() {
	if j.flash && j.auto {
		j.c.precapture(j.shoot)
		return
	}
	j.shoot()
}

// precapture runs the AE precapture sequence, then next. A failed
// sequence still proceeds with the capture.
func (c *Controller) precapture(next func()) {
	c.hw.Lock()
	sess := c.session
	if sess == nil {
		c.hw.Unlock()
		next()
		return
	}
	req := c.previewRequestLocked(precaptureOverride{})
	c.hw.Unlock()

	var once sync.Once
	proceed := func() { once.Do(next) }
	debug.Verbose("AE precapture")
	err := sess.Capture(req, &camera.CaptureCallback{
		OnCompleted: func(_ *camera.Request, res *camera.Result) {
			debug.Verbose("Precapture done, AE state %d", res.AEState)
			proceed()
		},
		OnFailed: func(_ *camera.Request, f camera.Failure) {
			debug.Warn("Precapture failed (%s), capturing anyway", f.Reason)
			proceed()
		},
	}, c.worker)
	if err != nil {
		debug.Error(fmt.Errorf("precapture: %w", err))
		proceed()
	}
}

func (j *captureJob) shoot() {
	c := j.c
	c.hw.Lock()
	sess := c.session
	reader := c.jpegReader
	if j.format == FormatRaw {
		reader = c.rawReader
	}
	if sess == nil || reader == nil {
		c.hw.Unlock()
		j.fail(ErrNotReady)
		return
	}
	st, focus, lim := c.snapshot()
	ovs := []override{
		shadingOffOverride{},
		regionsOverride{af: focus.af, ae: focus.ae},
	}
	if j.format == FormatJPEG {
		ovs = append(ovs, orientationOverride{degrees: j.orientation})
	}
	if j.flash {
		ovs = append(ovs, flashOverride{autoExposure: j.auto})
	}
	b := baselineFor(st, lim)
	b.fast = false
	req := buildRequest(camera.TemplateStillCapture, []camera.Surface{reader}, b, j.id, ovs...)
	c.hw.Unlock()

	err := sess.Capture(req, &camera.CaptureCallback{
		OnStarted: func(*camera.Request, int64, int64) {
			j.started()
		},
		OnCompleted: func(_ *camera.Request, res *camera.Result) {
			debug.Verbose("Capture %s result: ISO %d, exposure %dns, NR %d, edge %d",
				j.id, res.ISO, res.ExposureTimeNs, res.NoiseReduction, res.Edge)
			if j.format == FormatRaw {
				c.results.Put(res)
			}
		},
		OnFailed: func(_ *camera.Request, f camera.Failure) {
			j.fail(fmt.Errorf("%w: %s", ErrCaptureFailed, f.Reason))
		},
	}, c.worker)
	if err != nil {
		j.fail(fmt.Errorf("%w: %v", ErrCaptureFailed, err))
	}
}

func (c *Controller) onJPEGAvailable(r *camera.ImageReader) {
	img := r.AcquireLatestImage()
	if img == nil {
		return
	}
	j := c.currentJob()
	if j == nil || j.format != FormatJPEG || !j.beginSave() {
		debug.Warn("JPEG frame without a pending capture, dropping")
		img.Close()
		return
	}
	go j.saveJPEGImage(img)
}

func (c *Controller) onRawAvailable(r *camera.ImageReader) {
	img := r.AcquireLatestImage()
	if img == nil {
		return
	}
	j := c.currentJob()
	if j == nil || j.format != FormatRaw || !j.beginSave() {
		debug.Warn("RAW frame without a pending capture, dropping")
		img.Close()
		return
	}
	go j.saveRawImage(img)
}

// onZSLAvailable keeps the newest frame while fast mode is on.
func (c *Controller) onZSLAvailable(r *camera.ImageReader) {
	img := r.AcquireLatestImage()
	if img == nil {
		return
	}
	if !c.Settings().FastMode() {
		img.Close()
		return
	}
	c.zsl.Put(img)
	debug.Trace("ZSL frame %d retained", img.TimestampNs)
}

func (j *captureJob) saveJPEGImage(img *camera.Image) {
	if len(img.Planes) == 0 {
		img.Close()
		j.fail(fmt.Errorf("%w: empty JPEG buffer", ErrCaptureFailed))
		return
	}
	data := append([]byte(nil), img.Planes[0].Data...)
	img.Close()
	j.encodeAndSave(data)
}

func (j *captureJob) saveRawImage(img *camera.Image) {
	c := j.c
	j.preview(nil)

	res, ok := c.results.Poll(j.id, c.opts.ResultAttempts, c.opts.ResultInterval)
	if !ok {
		img.Close()
		j.fail(ErrMetadataTimeout)
		return
	}
	if len(img.Planes) == 0 {
		img.Close()
		j.fail(fmt.Errorf("%w: empty RAW buffer", ErrCaptureFailed))
		return
	}

	c.hw.Lock()
	chars := c.chars
	c.hw.Unlock()

	raw := &photo.RawImage{
		Width:          img.Width,
		Height:         img.Height,
		Data:           img.Planes[0].Data,
		RowStride:      img.Planes[0].RowStride,
		Orientation:    geometry.ExifOrientation(j.orientation),
		Software:       c.opts.Software,
		ISO:            res.ISO,
		ExposureTimeNs: res.ExposureTimeNs,
		AEMode:         res.AEMode,
	}
	if chars != nil {
		raw.Make = chars.Make
		raw.Model = chars.Model
		raw.CFAPattern = chars.CFAPattern
		raw.BlackLevel = chars.BlackLevel
		raw.WhiteLevel = chars.WhiteLevel
		raw.ColorMatrix1 = chars.ColorMatrix1
	}

	loc, err := c.opts.Store.SaveDNG(c.now(), func(w io.Writer) error {
		return photo.WriteDNG(w, raw)
	})
	img.Close()
	if err != nil {
		j.fail(fmt.Errorf("%w: %v", ErrStorage, err))
		return
	}
	j.succeed(loc)
}

// runZSL encodes the retained zero-shutter-lag frame. The shutter moment
// is the buffer grab.
func (j *captureJob) runZSL() {
	c := j.c
	img := c.zsl.Take()
	if img == nil {
		debug.Live("No ZSL frame yet, retrying in %s", c.opts.ZSLRetry)
		time.Sleep(c.opts.ZSLRetry)
		img = c.zsl.Take()
	}
	if img == nil {
		j.fail(ErrZSLEmpty)
		return
	}
	if !j.beginSave() {
		img.Close()
		return
	}
	j.started()

	data, err := photo.YUVToJPEG(img.Width, img.Height, img.Planes, stillJPEGQuality)
	img.Close()
	if err != nil {
		j.fail(fmt.Errorf("%w: %v", ErrConversion, err))
		return
	}
	j.encodeAndSave(data)
}

// encodeAndSave publishes the thumbnail, applies grayscale and the EXIF
// orientation, then stores the JPEG.
func (j *captureJob) encodeAndSave(data []byte) {
	c := j.c

	var thumb image.Image
	if t, err := photo.Thumbnail(data, photo.ThumbnailEdge); err != nil {
		debug.Error(fmt.Errorf("thumbnail: %w", err))
	} else if j.bw {
		thumb = photo.Grayscale(t)
	} else {
		thumb = t
	}
	j.preview(thumb)

	if j.bw {
		if gray, err := photo.GrayscaleJPEG(data, stillJPEGQuality); err != nil {
			debug.Error(fmt.Errorf("grayscale: %w", err))
		} else {
			data = gray
		}
	}
	if oriented, err := photo.SetJPEGOrientation(data, geometry.ExifOrientation(j.orientation)); err != nil {
		debug.Error(fmt.Errorf("exif: %w", err))
	} else {
		data = oriented
	}

	loc, err := c.opts.Store.SaveJPEG(c.now(), data)
	if err != nil {
		j.fail(fmt.Errorf("%w: %v", ErrStorage, err))
		return
	}
	j.succeed(loc)
}

// expire fails a capture whose image never reached a save goroutine.
func (j *captureJob) expire() {
	j.mu.Lock()
	if j.done || j.saving {
		j.mu.Unlock()
		return
	}
	j.expired = true
	j.mu.Unlock()
	j.fail(fmt.Errorf("%w: no image after %s", ErrCaptureFailed, j.c.opts.CaptureTimeout))
}

// beginSave claims the capture for a save goroutine and stops the timeout.
// It reports false when the capture has already ended.
func (j *captureJob) beginSave() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done || j.expired {
		return false
	}
	j.saving = true
	if j.timer != nil {
		j.timer.Stop()
	}
	return true
}

// started records the shutter moment and notifies the caller.
func (j *captureJob) started() {
	j.mu.Lock()
	if j.done || !j.shutter.IsZero() {
		j.mu.Unlock()
		return
	}
	j.shutter = j.c.now()
	j.mu.Unlock()

	c := j.c
	c.publish(Event{Kind: EventCaptureStarted, CaptureID: j.id, Mode: j.mode})
	c.post(func() {
		if j.cb.OnCaptureStarted != nil {
			j.cb.OnCaptureStarted()
		}
	})
}

// preview hands the thumbnail (nil for RAW) to the caller, once.
func (j *captureJob) preview(thumb image.Image) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done || j.previewSent {
		return
	}
	j.previewSent = true
	j.postPreviewLocked(thumb)
}

func (j *captureJob) postPreviewLocked(thumb image.Image) {
	c := j.c
	c.publish(Event{Kind: EventPreviewReady, CaptureID: j.id, Mode: j.mode, Thumb: thumb != nil})
	c.post(func() {
		if j.cb.OnPreviewReady != nil {
			j.cb.OnPreviewReady(thumb)
		}
	})
}

// succeed reports a saved photo. A photo saved for a capture that was
// already reported failed is deleted.
func (j *captureJob) succeed(loc *storage.Location) {
	if j.finish(loc, nil) {
		return
	}
	debug.Warn("Capture %s already ended, discarding %s", j.id, loc.Name)
	if err := j.c.opts.Store.Delete(loc); err != nil {
		debug.Error(fmt.Errorf("discard %s: %w", loc.Name, err))
	}
}

func (j *captureJob) fail(err error) { j.finish(nil, err) }

// finish releases the capture slot and reports the outcome. Only the first
// call has any effect; it reports whether this call was it.
func (j *captureJob) finish(loc *storage.Location, err error) bool {
	ended := false
	j.once.Do(func() {
		ended = true
		c := j.c
		end := c.now()

		j.mu.Lock()
		j.done = true
		if j.timer != nil {
			j.timer.Stop()
		}
		shutter := j.shutter
		if shutter.IsZero() {
			shutter = end
		}
		if err != nil && !j.previewSent {
			j.previewSent = true
			j.postPreviewLocked(nil)
		}
		j.mu.Unlock()

		c.clearJob(j)
		c.tracker.Release(j.ticket)

		if err != nil {
			debug.Error(fmt.Errorf("capture %s: %w", j.id, err))
			c.opts.Metrics.Capture(j.mode, metrics.OutcomeFailed)
			c.publish(Event{Kind: EventComplete, CaptureID: j.id, Mode: j.mode, Failed: true, Message: err.Error()})
			c.post(func() {
				if j.cb.OnComplete != nil {
					j.cb.OnComplete(nil)
				}
			})
			return
		}

		shutterLat := shutter.Sub(j.start)
		saveLat := end.Sub(shutter)
		debug.Benchmark(j.mode, shutterLat, saveLat, end.Sub(j.start))
		c.opts.Metrics.Capture(j.mode, metrics.OutcomeSaved)
		c.opts.Metrics.Benchmark(j.mode, shutterLat, saveLat)

		c.publish(Event{
			Kind:      EventBenchmark,
			CaptureID: j.id,
			Mode:      j.mode,
			ShutterMs: shutterLat.Milliseconds(),
			SaveMs:    saveLat.Milliseconds(),
		})
		c.publish(Event{Kind: EventComplete, CaptureID: j.id, Mode: j.mode, Location: loc.URI})
		c.post(func() {
			if j.cb.OnBenchmark != nil {
				j.cb.OnBenchmark(shutterLat, saveLat)
			}
			if j.cb.OnComplete != nil {
				j.cb.OnComplete(loc)
			}
		})
	})
	return ended
}
