package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robmorgan/metronome/app"
	"github.com/robmorgan/metronome/health"
	"github.com/robmorgan/metronome/notify"
	"github.com/robmorgan/metronome/scheduler"
)

type fakeController struct {
	mu       sync.Mutex
	status   app.Status
	taps     int
	startErr error
	bus      *notify.Bus
}

func newFakeController() *fakeController {
	return &fakeController{
		status: app.Status{Status: scheduler.Status{BPM: 120, Numerator: 4, Denominator: 4, Volume: 0.7}},
		bus:    notify.NewBus(),
	}
}

func (f *fakeController) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.status.Running = true
	return nil
}

func (f *fakeController) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.status.Running
	f.status.Running = false
	return was
}

func (f *fakeController) Toggle() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.Running = !f.status.Running
	return f.status.Running, nil
}

func (f *fakeController) SetTempo(bpm float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bpm <= 0 {
		return fmt.Errorf("%w: tempo %v", app.ErrInvalidInput, bpm)
	}
	f.status.BPM = bpm
	return nil
}

func (f *fakeController) SetTimeSignature(n, d int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < 1 || d != 4 && d != 8 {
		return fmt.Errorf("%w: signature", app.ErrInvalidInput)
	}
	f.status.Numerator, f.status.Denominator = n, d
	return nil
}

func (f *fakeController) SetVolume(v float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v < 0 || v > 1 {
		return fmt.Errorf("%w: volume", app.ErrInvalidInput)
	}
	f.status.Volume = v
	return nil
}

func (f *fakeController) SetTone(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.Tone = name
	return nil
}

func (f *fakeController) Tap() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taps++
	return 100, f.taps > 1
}

func (f *fakeController) Retry(context.Context) error {
	return errors.New("device gone")
}

func (f *fakeController) Status() app.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) Bus() *notify.Bus {
	return f.bus
}

func (f *fakeController) tapCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.taps
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) app.Status {
	t.Helper()
	var st app.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	return st
}

func TestStatusRoute(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeController(), "")
	rec := do(t, s.Handler(), http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, 120.0, decodeStatus(t, rec).BPM)
}

func TestPlaybackRoutes(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	s := NewServer(ctrl, "")

	rec := do(t, s.Handler(), http.MethodPost, "/api/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeStatus(t, rec).Running)

	rec = do(t, s.Handler(), http.MethodPost, "/api/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeStatus(t, rec).Running)

	rec = do(t, s.Handler(), http.MethodPost, "/api/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)

	ctrl.startErr = errors.New("audio: device not initialized")
	rec = do(t, s.Handler(), http.MethodPost, "/api/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "not initialized")

	rec = do(t, s.Handler(), http.MethodPost, "/api/retry", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/api/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSetterRoutes(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeController(), "")

	rec := do(t, s.Handler(), http.MethodPut, "/api/tempo", `{"bpm": 90}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 90.0, decodeStatus(t, rec).BPM)

	rec = do(t, s.Handler(), http.MethodPut, "/api/tempo", `{"bpm": -1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s.Handler(), http.MethodPut, "/api/tempo", `{"tempo": 90}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s.Handler(), http.MethodPut, "/api/signature", `{"numerator": 6, "denominator": 8}`)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeStatus(t, rec)
	assert.Equal(t, 6, st.Numerator)
	assert.Equal(t, 8, st.Denominator)

	rec = do(t, s.Handler(), http.MethodPut, "/api/volume", `{"volume": 3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s.Handler(), http.MethodPut, "/api/tone", `{"tone": "cowbell"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cowbell", decodeStatus(t, rec).Tone)
}

func TestTapRoute(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeController(), "")
	do(t, s.Handler(), http.MethodPost, "/api/tap", "")
	rec := do(t, s.Handler(), http.MethodPost, "/api/tap", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, true, body["applied"])
	assert.Equal(t, 100.0, body["bpm"])
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("metronome_beats_scheduled_total 3\n"))
	})
	s := NewServer(newFakeController(), "", WithHealth(health.New()), WithMetricsHandler(metrics))

	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/readyz", "").Code)
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	assert.Contains(t, rec.Body.String(), "beats_scheduled")
}

func TestCORS(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeController(), "", WithAllowedOrigins("http://localhost:3000"))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketStream(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	s := NewServer(ctrl, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)
	sub := ctrl.Bus().Subscribe("web", notify.DefaultBuffer)
	defer sub.Close()
	go s.forward(sub)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := readMessage(t, conn)
	assert.Equal(t, "status", msg.Type)
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, 5*time.Second, time.Millisecond)

	ctrl.Bus().Publish(notify.BeatEvent(notify.Beat{BeatNumber: 2, BarNumber: 1, BPM: 120, Timestamp: 1.5}))
	msg = readMessage(t, conn)
	assert.Equal(t, "beat", msg.Type)
	payload, ok := msg.Payload.(map[string]interface{})
	require.True(t, ok)
	beat, ok := payload["beat"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 2.0, beat["beat"])

	// control messages flow the other way
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "tap"}))
	require.Eventually(t, func() bool { return ctrl.tapCount() == 1 }, 5*time.Second, time.Millisecond)

	// cancelling the hub disconnects clients
	cancel()
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 0 }, 5*time.Second, time.Millisecond)
}
