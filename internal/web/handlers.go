package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/ZeroCam/internal/debug"
	"github.com/cjeanneret/ZeroCam/internal/logic/capture"
	"github.com/cjeanneret/ZeroCam/internal/logic/exposure"
	"github.com/cjeanneret/ZeroCam/internal/storage"
)

const (
	maxBodyBytes      = 64 << 10
	heartbeatInterval = 30 * time.Second
	wsWriteTimeout    = 5 * time.Second
)

// Camera is the part of capture.Controller the HTTP surface drives.
type Camera interface {
	State() capture.State
	Settings() capture.Settings
	Capabilities() *capture.Capabilities
	HasPendingCaptures() bool
	Capture(cb capture.CaptureCallbacks) error

	SetOutputFormat(f capture.Format) error
	SetFastMode(on bool) error
	SetAutoExposure(ev float64)
	SetExposureCompensation(ev float64)
	SetManualExposure(iso int, exposureNs int64) exposure.Manual
	SetFlash(on bool)
	SetBWMode(on bool)
	SetRotation(deg int)
	SetStabilization(on bool)

	TapFocus(x, y, viewW, viewH float64) error
	TriggerCenterFocus() error
	ClearFocus()
}

// ExposureRequest selects auto (with compensation) or manual exposure.
type ExposureRequest struct {
	Mode       string  `json:"mode"` // "auto" | "manual"
	EV         float64 `json:"ev"`
	ISO        int     `json:"iso"`
	ExposureNs int64   `json:"exposure_ns"`
}

// SettingsRequest changes any subset of the capture settings. Absent
// fields are left alone.
type SettingsRequest struct {
	Format   *string          `json:"format,omitempty"`
	Fast     *bool            `json:"fast,omitempty"`
	Exposure *ExposureRequest `json:"exposure,omitempty"`
	EV       *float64         `json:"ev,omitempty"` // compensation only, ignored in manual
	Flash    *bool            `json:"flash,omitempty"`
	BW       *bool            `json:"bw,omitempty"`
	Rotation *int             `json:"rotation,omitempty"`
	OIS      *bool            `json:"ois,omitempty"`
}

// TapRequest is a touch on the preview, in view coordinates.
type TapRequest struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	ViewW float64 `json:"view_w"`
	ViewH float64 `json:"view_h"`
}

// ExposureStatus reports the active exposure.
type ExposureStatus struct {
	Mode       string  `json:"mode"`
	EV         float64 `json:"ev,omitempty"`
	ISO        int     `json:"iso,omitempty"`
	ExposureNs int64   `json:"exposure_ns,omitempty"`
}

// SettingsStatus mirrors capture.Settings for JSON clients.
type SettingsStatus struct {
	Format   string         `json:"format"`
	Fast     bool           `json:"fast"`
	Exposure ExposureStatus `json:"exposure"`
	Flash    bool           `json:"flash"`
	BW       bool           `json:"bw"`
	Rotation int            `json:"rotation"`
	OIS      bool           `json:"ois"`
}

// Status is the body of GET /status.
type Status struct {
	State        string                `json:"state"`
	Pending      bool                  `json:"pending"`
	Settings     SettingsStatus        `json:"settings"`
	Capabilities *capture.Capabilities `json:"capabilities,omitempty"`
}

// CaptureResponse is the body of POST /capture.
type CaptureResponse struct {
	Status string `json:"status"` // started | saved | failed
	ID     string `json:"id,omitempty"`
	URI    string `json:"uri,omitempty"`
	Path   string `json:"path,omitempty"`
	MIME   string `json:"mime,omitempty"`
	Size   int64  `json:"size,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Camera      Camera
	Broadcaster *Broadcaster
	upgrader    websocket.Upgrader
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(cam Camera, broadcaster *Broadcaster) *Handlers {
	return &Handlers{
		Camera:      cam,
		Broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ValidateSettings rejects a request before any of it is applied.
func ValidateSettings(req SettingsRequest) error {
	if req.Format != nil {
		if _, err := capture.ParseFormat(*req.Format); err != nil {
			return err
		}
	}
	if req.EV != nil && !finite(*req.EV) {
		return errors.New("ev must be a finite number")
	}
	if e := req.Exposure; e != nil {
		switch e.Mode {
		case "auto":
			if !finite(e.EV) {
				return errors.New("exposure.ev must be a finite number")
			}
		case "manual":
			if e.ISO <= 0 {
				return errors.New("exposure.iso must be positive")
			}
			if e.ExposureNs <= 0 {
				return errors.New("exposure.exposure_ns must be positive")
			}
		default:
			return fmt.Errorf("exposure.mode %q must be auto or manual", e.Mode)
		}
	}
	return nil
}

// ValidateTap checks that a tap lies inside a non-empty view.
func ValidateTap(t TapRequest) error {
	if !finite(t.X, t.Y, t.ViewW, t.ViewH) {
		return errors.New("tap coordinates must be finite numbers")
	}
	if t.ViewW <= 0 || t.ViewH <= 0 {
		return errors.New("view_w and view_h must be positive")
	}
	if t.X < 0 || t.X > t.ViewW || t.Y < 0 || t.Y > t.ViewH {
		return errors.New("tap lies outside the view")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps pipeline errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrCaptureRejected):
		return http.StatusConflict
	case errors.Is(err, capture.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, capture.ErrRawUnsupported):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// HandleCapture handles POST /capture. With ?wait=1 it answers once the
// photo is stored.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	wait := r.URL.Query().Get("wait") != ""
	done := make(chan *storage.Location, 1)
	var cb capture.CaptureCallbacks
	if wait {
		cb.OnComplete = func(loc *storage.Location) { done <- loc }
	}

	if err := h.Camera.Capture(cb); err != nil {
		writeJSON(w, statusFor(err), CaptureResponse{Status: "failed", Error: err.Error()})
		return
	}
	if !wait {
		writeJSON(w, http.StatusAccepted, CaptureResponse{Status: "started"})
		return
	}

	select {
	case loc := <-done:
		if loc == nil {
			writeJSON(w, http.StatusInternalServerError, CaptureResponse{Status: "failed", Error: "capture failed"})
			return
		}
		writeJSON(w, http.StatusOK, CaptureResponse{
			Status: "saved",
			ID:     loc.ID,
			URI:    loc.URI,
			Path:   loc.Path,
			MIME:   loc.MIME,
			Size:   loc.Size,
		})
	case <-r.Context().Done():
	}
}

// HandleSettings handles POST /settings.
func (h *Handlers) HandleSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := ValidateSettings(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	debug.PrintStruct("settings request", req)

	if req.Format != nil {
		f, _ := capture.ParseFormat(*req.Format)
		if err := h.Camera.SetOutputFormat(f); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
	}
	if req.Fast != nil {
		if err := h.Camera.SetFastMode(*req.Fast); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
	}
	if e := req.Exposure; e != nil {
		if e.Mode == "manual" {
			h.Camera.SetManualExposure(e.ISO, e.ExposureNs)
		} else {
			h.Camera.SetAutoExposure(e.EV)
		}
	}
	if req.EV != nil {
		h.Camera.SetExposureCompensation(*req.EV)
	}
	if req.Flash != nil {
		h.Camera.SetFlash(*req.Flash)
	}
	if req.BW != nil {
		h.Camera.SetBWMode(*req.BW)
	}
	if req.Rotation != nil {
		h.Camera.SetRotation(*req.Rotation)
	}
	if req.OIS != nil {
		h.Camera.SetStabilization(*req.OIS)
	}
	writeJSON(w, http.StatusOK, h.status())
}

// HandleTapFocus handles POST /focus/tap.
func (h *Handlers) HandleTapFocus(w http.ResponseWriter, r *http.Request) {
	var req TapRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := ValidateTap(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Camera.TapFocus(req.X, req.Y, req.ViewW, req.ViewH); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCenterFocus handles POST /focus/center.
func (h *Handlers) HandleCenterFocus(w http.ResponseWriter, r *http.Request) {
	if err := h.Camera.TriggerCenterFocus(); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleClearFocus handles DELETE /focus.
func (h *Handlers) HandleClearFocus(w http.ResponseWriter, r *http.Request) {
	h.Camera.ClearFocus()
	w.WriteHeader(http.StatusNoContent)
}

// HandleStatus handles GET /status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

func (h *Handlers) status() Status {
	st := h.Camera.Settings()
	s := Status{
		State:        h.Camera.State().String(),
		Pending:      h.Camera.HasPendingCaptures(),
		Capabilities: h.Camera.Capabilities(),
		Settings: SettingsStatus{
			Format:   st.Format.String(),
			Fast:     st.FastMode(),
			Flash:    st.Flash,
			BW:       st.BW,
			Rotation: st.Rotation,
			OIS:      st.Stabilization,
		},
	}
	switch e := st.Exposure.(type) {
	case exposure.Manual:
		s.Settings.Exposure = ExposureStatus{Mode: "manual", ISO: e.ISO, ExposureNs: e.ExposureTimeNs}
	case exposure.Auto:
		s.Settings.Exposure = ExposureStatus{Mode: "auto"}
		if s.Capabilities != nil {
			s.Settings.Exposure.EV = float64(e.CompensationIndex) * s.Capabilities.CompStep
		}
	}
	return s
}

// HandleEventStream handles GET /events/stream for SSE.
func (h *Handlers) HandleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// HandleEventSocket handles GET /events/ws, the websocket twin of the SSE
// stream. Client messages are read and discarded.
func (h *Handlers) HandleEventSocket(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so no event published after
	// the client connects is lost.
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Error(fmt.Errorf("websocket upgrade: %w", err))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				debug.Verbose("websocket client gone: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
