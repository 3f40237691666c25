package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/ZeroCam/internal/logic/capture"
	"github.com/cjeanneret/ZeroCam/internal/logic/exposure"
	"github.com/cjeanneret/ZeroCam/internal/metrics"
	"github.com/cjeanneret/ZeroCam/internal/storage"
)

// fakeCamera records every call made by the handlers.
type fakeCamera struct {
	mu       sync.Mutex
	calls    []string
	state    capture.State
	settings capture.Settings
	caps     *capture.Capabilities
	pending  bool

	captureErr error
	result     *storage.Location
	deliver    bool // call OnComplete(result) after Capture
	formatErr  error
	focusErr   error
}

func newFakeCamera() *fakeCamera {
	return &fakeCamera{
		state:    capture.StateReady,
		settings: capture.DefaultSettings(),
		caps:     &capture.Capabilities{DeviceID: "0", CompStep: 0.5},
	}
}

func (f *fakeCamera) record(format string, args ...any) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

func (f *fakeCamera) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCamera) State() capture.State                { return f.state }
func (f *fakeCamera) Capabilities() *capture.Capabilities { return f.caps }
func (f *fakeCamera) HasPendingCaptures() bool            { return f.pending }

func (f *fakeCamera) Settings() capture.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeCamera) Capture(cb capture.CaptureCallbacks) error {
	f.record("Capture")
	if f.captureErr != nil {
		return f.captureErr
	}
	if f.deliver && cb.OnComplete != nil {
		go cb.OnComplete(f.result)
	}
	return nil
}

func (f *fakeCamera) SetOutputFormat(fm capture.Format) error {
	f.record("SetOutputFormat(%s)", fm)
	if f.formatErr != nil {
		return f.formatErr
	}
	f.mu.Lock()
	f.settings.Format = fm
	f.mu.Unlock()
	return nil
}

func (f *fakeCamera) SetFastMode(on bool) error {
	f.record("SetFastMode(%t)", on)
	return nil
}

func (f *fakeCamera) SetAutoExposure(ev float64) {
	f.record("SetAutoExposure(%g)", ev)
	f.mu.Lock()
	f.settings.Exposure = exposure.Auto{CompensationIndex: int(ev / 0.5)}
	f.mu.Unlock()
}

func (f *fakeCamera) SetExposureCompensation(ev float64) {
	f.record("SetExposureCompensation(%g)", ev)
}

func (f *fakeCamera) SetManualExposure(iso int, ns int64) exposure.Manual {
	f.record("SetManualExposure(%d,%d)", iso, ns)
	m := exposure.Manual{ISO: iso, ExposureTimeNs: ns}
	f.mu.Lock()
	f.settings.Exposure = m
	f.mu.Unlock()
	return m
}

func (f *fakeCamera) SetFlash(on bool) {
	f.record("SetFlash(%t)", on)
	f.mu.Lock()
	f.settings.Flash = on
	f.mu.Unlock()
}

func (f *fakeCamera) SetBWMode(on bool)        { f.record("SetBWMode(%t)", on) }
func (f *fakeCamera) SetRotation(deg int)      { f.record("SetRotation(%d)", deg) }
func (f *fakeCamera) SetStabilization(on bool) { f.record("SetStabilization(%t)", on) }

func (f *fakeCamera) TapFocus(x, y, w, h float64) error {
	f.record("TapFocus(%g,%g,%g,%g)", x, y, w, h)
	return f.focusErr
}

func (f *fakeCamera) TriggerCenterFocus() error {
	f.record("TriggerCenterFocus")
	return f.focusErr
}

func (f *fakeCamera) ClearFocus() { f.record("ClearFocus") }

func newTestServer(cam *fakeCamera) (*Server, *Broadcaster) {
	b := NewBroadcaster()
	return NewServer(":0", cam, b, metrics.New().Handler()), b
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// ---------- Validation ----------

func TestValidateSettings(t *testing.T) {
	str := func(s string) *string { return &s }
	num := func(v float64) *float64 { return &v }

	cases := []struct {
		name    string
		req     SettingsRequest
		wantErr bool
	}{
		{"empty", SettingsRequest{}, false},
		{"jpeg", SettingsRequest{Format: str("jpeg")}, false},
		{"dng alias", SettingsRequest{Format: str("DNG")}, false},
		{"unknown format", SettingsRequest{Format: str("heic")}, true},
		{"ev", SettingsRequest{EV: num(-1)}, false},
		{"ev NaN", SettingsRequest{EV: num(math.NaN())}, true},
		{"ev Inf", SettingsRequest{EV: num(math.Inf(1))}, true},
		{"auto", SettingsRequest{Exposure: &ExposureRequest{Mode: "auto", EV: 1}}, false},
		{"auto Inf", SettingsRequest{Exposure: &ExposureRequest{Mode: "auto", EV: math.Inf(-1)}}, true},
		{"manual", SettingsRequest{Exposure: &ExposureRequest{Mode: "manual", ISO: 400, ExposureNs: 1e7}}, false},
		{"manual no iso", SettingsRequest{Exposure: &ExposureRequest{Mode: "manual", ExposureNs: 1e7}}, true},
		{"manual no time", SettingsRequest{Exposure: &ExposureRequest{Mode: "manual", ISO: 400}}, true},
		{"bad mode", SettingsRequest{Exposure: &ExposureRequest{Mode: "aperture"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSettings(tc.req)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTap(t *testing.T) {
	cases := []struct {
		name    string
		tap     TapRequest
		wantErr bool
	}{
		{"center", TapRequest{540, 960, 1080, 1920}, false},
		{"corner", TapRequest{0, 0, 1080, 1920}, false},
		{"edge", TapRequest{1080, 1920, 1080, 1920}, false},
		{"outside x", TapRequest{1081, 10, 1080, 1920}, true},
		{"negative y", TapRequest{10, -1, 1080, 1920}, true},
		{"empty view", TapRequest{0, 0, 0, 1920}, true},
		{"NaN", TapRequest{math.NaN(), 0, 1080, 1920}, true},
		{"Inf view", TapRequest{0, 0, math.Inf(1), 1920}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateTap(tc.tap)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// ---------- POST /capture ----------

func TestHandleCapture_Started(t *testing.T) {
	cam := newFakeCamera()
	srv, _ := newTestServer(cam)

	w := do(t, srv.Mux(), http.MethodPost, "/capture", "")

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp CaptureResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "started", resp.Status)
	assert.Equal(t, []string{"Capture"}, cam.Calls())
}

func TestHandleCapture_ErrorCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"pending", capture.ErrCaptureRejected, http.StatusConflict},
		{"not ready", capture.ErrNotReady, http.StatusServiceUnavailable},
		{"wrapped pending", fmt.Errorf("busy: %w", capture.ErrCaptureRejected), http.StatusConflict},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cam := newFakeCamera()
			cam.captureErr = tc.err
			srv, _ := newTestServer(cam)

			w := do(t, srv.Mux(), http.MethodPost, "/capture", "")

			assert.Equal(t, tc.want, w.Code)
			var resp CaptureResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, "failed", resp.Status)
			assert.Contains(t, resp.Error, tc.err.Error())
		})
	}
}

func TestHandleCapture_WaitSaved(t *testing.T) {
	cam := newFakeCamera()
	cam.deliver = true
	cam.result = &storage.Location{
		ID:   "42",
		URI:  "content://media/external/images/42",
		Path: "/data/Pictures/Zero/ZERO_20260101_120000.jpg",
		MIME: "image/jpeg",
		Size: 1234,
	}
	srv, _ := newTestServer(cam)

	w := do(t, srv.Mux(), http.MethodPost, "/capture?wait=1", "")

	require.Equal(t, http.StatusOK, w.Code)
	var resp CaptureResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, CaptureResponse{
		Status: "saved",
		ID:     "42",
		URI:    cam.result.URI,
		Path:   cam.result.Path,
		MIME:   "image/jpeg",
		Size:   1234,
	}, resp)
}

func TestHandleCapture_WaitFailed(t *testing.T) {
	cam := newFakeCamera()
	cam.deliver = true // OnComplete(nil)
	srv, _ := newTestServer(cam)

	w := do(t, srv.Mux(), http.MethodPost, "/capture?wait=1", "")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleCapture_GetNotAllowed(t *testing.T) {
	srv, _ := newTestServer(newFakeCamera())
	w := do(t, srv.Mux(), http.MethodGet, "/capture", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// ---------- POST /settings ----------

func TestHandleSettings_AppliesInOrder(t *testing.T) {
	cam := newFakeCamera()
	srv, _ := newTestServer(cam)

	body := `{"format":"raw","exposure":{"mode":"manual","iso":800,"exposure_ns":20000000},
		"flash":true,"bw":false,"rotation":90,"ois":false}`
	w := do(t, srv.Mux(), http.MethodPost, "/settings", body)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{
		"SetOutputFormat(RAW)",
		"SetManualExposure(800,20000000)",
		"SetFlash(true)",
		"SetBWMode(false)",
		"SetRotation(90)",
		"SetStabilization(false)",
	}, cam.Calls())

	var st Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, "RAW", st.Settings.Format)
	assert.Equal(t, ExposureStatus{Mode: "manual", ISO: 800, ExposureNs: 20000000}, st.Settings.Exposure)
	assert.True(t, st.Settings.Flash)
}

func TestHandleSettings_AutoAndCompensation(t *testing.T) {
	cam := newFakeCamera()
	srv, _ := newTestServer(cam)

	w := do(t, srv.Mux(), http.MethodPost, "/settings", `{"fast":true,"exposure":{"mode":"auto","ev":1},"ev":0.5}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{
		"SetFastMode(true)",
		"SetAutoExposure(1)",
		"SetExposureCompensation(0.5)",
	}, cam.Calls())
}

func TestHandleSettings_InvalidNothingApplied(t *testing.T) {
	cam := newFakeCamera()
	srv, _ := newTestServer(cam)

	w := do(t, srv.Mux(), http.MethodPost, "/settings", `{"flash":true,"format":"heic"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, cam.Calls())
}

func TestHandleSettings_RawUnsupported(t *testing.T) {
	cam := newFakeCamera()
	cam.formatErr = capture.ErrRawUnsupported
	srv, _ := newTestServer(cam)

	w := do(t, srv.Mux(), http.MethodPost, "/settings", `{"format":"raw","flash":true}`)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, []string{"SetOutputFormat(RAW)"}, cam.Calls())
}

func TestHandleSettings_BadBody(t *testing.T) {
	srv, _ := newTestServer(newFakeCamera())

	w := do(t, srv.Mux(), http.MethodPost, "/settings", "not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	big := `{"rotation":` + strings.Repeat(" ", maxBodyBytes) + `0}`
	w = do(t, srv.Mux(), http.MethodPost, "/settings", big)
	assert.Equal(t, http.StatusBadRequest, w.Code, "oversized body")
}

// ---------- Focus ----------

func TestHandleTapFocus(t *testing.T) {
	cam := newFakeCamera()
	srv, _ := newTestServer(cam)

	w := do(t, srv.Mux(), http.MethodPost, "/focus/tap", `{"x":270,"y":480,"view_w":1080,"view_h":1920}`)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"TapFocus(270,480,1080,1920)"}, cam.Calls())
}

func TestHandleTapFocus_Errors(t *testing.T) {
	cam := newFakeCamera()
	cam.focusErr = capture.ErrNotReady
	srv, _ := newTestServer(cam)

	w := do(t, srv.Mux(), http.MethodPost, "/focus/tap", `{"x":2000,"y":480,"view_w":1080,"view_h":1920}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv.Mux(), http.MethodPost, "/focus/tap", `{"x":10,"y":10,"view_w":100,"view_h":100}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleCenterAndClearFocus(t *testing.T) {
	cam := newFakeCamera()
	srv, _ := newTestServer(cam)

	assert.Equal(t, http.StatusNoContent, do(t, srv.Mux(), http.MethodPost, "/focus/center", "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, srv.Mux(), http.MethodDelete, "/focus", "").Code)
	assert.Equal(t, []string{"TriggerCenterFocus", "ClearFocus"}, cam.Calls())
}

// ---------- GET /status ----------

func TestHandleStatus(t *testing.T) {
	cam := newFakeCamera()
	cam.pending = true
	cam.settings.Exposure = exposure.Auto{CompensationIndex: -2}
	cam.settings.Rotation = 270
	srv, _ := newTestServer(cam)

	w := do(t, srv.Mux(), http.MethodGet, "/status", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var st Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, "Ready", st.State)
	assert.True(t, st.Pending)
	assert.Equal(t, SettingsStatus{
		Format:   "JPEG",
		Exposure: ExposureStatus{Mode: "auto", EV: -1},
		Rotation: 270,
		OIS:      true,
	}, st.Settings)
	require.NotNil(t, st.Capabilities)
	assert.Equal(t, "0", st.Capabilities.DeviceID)
}

func TestHandleStatus_Unbound(t *testing.T) {
	cam := newFakeCamera()
	cam.state = capture.StateClosed
	cam.caps = nil
	srv, _ := newTestServer(cam)

	w := do(t, srv.Mux(), http.MethodGet, "/status", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "capabilities")
	assert.Contains(t, w.Body.String(), `"state":"Closed"`)
}

// ---------- /metrics ----------

func TestMetricsRoute(t *testing.T) {
	srv, _ := newTestServer(newFakeCamera())
	w := do(t, srv.Mux(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	bare := NewServer(":0", newFakeCamera(), NewBroadcaster(), nil)
	assert.Equal(t, http.StatusNotFound, do(t, bare.Mux(), http.MethodGet, "/metrics", "").Code)
}

// ---------- Event streams ----------

func TestEventStream_SSE(t *testing.T) {
	srv, b := newTestServer(newFakeCamera())
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	b.Publish(capture.Event{Kind: capture.EventState, State: "Ready"})

	for {
		line, err = rd.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var ev capture.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev))
	assert.Equal(t, capture.EventState, ev.Kind)
	assert.Equal(t, "Ready", ev.State)
}

func TestEventStream_WebSocket(t *testing.T) {
	srv, b := newTestServer(newFakeCamera())
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	b.Publish(capture.Event{Kind: capture.EventBenchmark, Mode: "FAST", ShutterMs: 3, SaveMs: 40})
	b.Broadcast("info", "photo saved")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev capture.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, capture.Event{Kind: capture.EventBenchmark, Mode: "FAST", ShutterMs: 3, SaveMs: 40}, ev)

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.True(t, bytes.Contains(data, []byte(`"kind":"log"`)), string(data))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return b.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// ---------- Server.Run ----------

func TestServerRun_StopsOnCancel(t *testing.T) {
	srv := NewServer("127.0.0.1:0", newFakeCamera(), NewBroadcaster(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
