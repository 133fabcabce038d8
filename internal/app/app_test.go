package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/holdcue/internal/app"
	"github.com/MrWong99/holdcue/internal/config"
	"github.com/MrWong99/holdcue/internal/device"
	"github.com/MrWong99/holdcue/internal/session"
	sttmock "github.com/MrWong99/holdcue/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/holdcue/pkg/provider/tts/mock"
)

const testPack = `
version: 1
packId: ward-7
patient: {id: p-1, displayName: Alex}
defaults: {delayGateMs: 0, oneTriggerPerHold: true}
triggers:
  - id: pain
    label: Pain
    mustIncludeAny: [pain]
    contextAny: [hurts]
    cooldownSeconds: 60
    whisperText: Hold steady
`

type fixture struct {
	app *app.App
	stt *sttmock.Provider
	tts *ttsmock.Provider
}

func newApp(t *testing.T) fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pack.yaml")
	if err := os.WriteFile(path, []byte(testPack), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Pack: config.PackConfig{Path: path},
		Pipeline: config.PipelineConfig{
			TickInterval: 20 * time.Millisecond,
			Window:       200 * time.Millisecond,
		},
		Device: config.DeviceConfig{PlaybackAckTimeout: 2 * time.Second},
	}
	config.ApplyDefaults(cfg)

	f := fixture{
		stt: &sttmock.Provider{Text: "it really hurts, the pain"},
		tts: &ttsmock.Provider{Chunks: [][]byte{make([]byte, 320), make([]byte, 320)}},
	}
	a, err := app.New(cfg, &app.Providers{
		STT: []app.NamedSTT{{Name: "mock", Provider: f.stt}},
		TTS: []app.NamedTTS{{Name: "mock", Provider: f.tts}},
	})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	f.app = a
	return f
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Pack: config.PackConfig{Path: "unused.yaml"}}
	if _, err := app.New(cfg, &app.Providers{}); err == nil {
		t.Error("New without providers succeeded")
	}
}

func TestNew_MissingPack(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Pack: config.PackConfig{Path: filepath.Join(t.TempDir(), "missing.yaml")}}
	_, err := app.New(cfg, &app.Providers{
		STT: []app.NamedSTT{{Name: "mock", Provider: &sttmock.Provider{}}},
		TTS: []app.NamedTTS{{Name: "mock", Provider: &ttsmock.Provider{}}},
	})
	if err == nil {
		t.Error("New with a missing pack succeeded")
	}
}

func TestAPI_Session(t *testing.T) {
	t.Parallel()
	f := newApp(t)

	rec := do(t, f.app.Handler(), http.MethodGet, "/v1/session", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/session = %d", rec.Code)
	}
	var snap session.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Mode != session.Idle || snap.PackID != "ward-7" || snap.MicLocked {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestAPI_AutoRestart(t *testing.T) {
	t.Parallel()
	f := newApp(t)
	h := f.app.Handler()

	tests := []struct {
		body string
		code int
		want bool
	}{
		{`{"enabled": true}`, http.StatusOK, true},
		{`{"enabled": false}`, http.StatusOK, false},
		{`{}`, http.StatusBadRequest, false},
		{`{"enabled": "yes"}`, http.StatusBadRequest, false},
		{`{"enabled": true, "extra": 1}`, http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodPut, "/v1/session/auto-restart", tt.body)
		if rec.Code != tt.code {
			t.Errorf("PUT %s = %d, want %d", tt.body, rec.Code, tt.code)
		}
		if got := f.app.Controller().Snapshot().AutoRestart; got != tt.want {
			t.Errorf("after %s auto restart = %v, want %v", tt.body, got, tt.want)
		}
	}
}

func TestAPI_PrepareWithoutDevice(t *testing.T) {
	t.Parallel()
	f := newApp(t)

	rec := do(t, f.app.Handler(), http.MethodPost, "/v1/session/prepare", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("POST prepare = %d, want 503", rec.Code)
	}
	var body struct{ Error, Kind string }
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Kind != "initialization_failure" {
		t.Errorf("kind = %q", body.Kind)
	}
	if f.stt.WarmCalls != 0 {
		t.Error("providers were warmed without a device")
	}
	if snap := f.app.Controller().Snapshot(); snap.ErrorMessage == "" {
		t.Error("prepare failure not surfaced in the snapshot")
	}
}

func TestAPI_PrepareSurvivesClientHangup(t *testing.T) {
	t.Parallel()
	f := newApp(t)
	h := f.app.Handler()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer dialCancel()
	ws, _, err := websocket.Dial(dialCtx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/device", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { ws.CloseNow() })
	dev := deviceClient{t: t, c: ws}
	dev.send(device.Message{Type: device.TypeHello, SampleRate: 16000, Channels: 1})
	dev.await(device.TypeState)

	reqCtx, hangup := context.WithCancel(context.Background())
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		req := httptest.NewRequest(http.MethodPost, "/v1/session/prepare", nil).WithContext(reqCtx)
		h.ServeHTTP(rec, req)
	}()

	// The client goes away while the device is still deciding.
	dev.await(device.TypePermissionRequest)
	hangup()
	time.Sleep(20 * time.Millisecond)
	dev.send(device.Message{Type: device.TypePermission, Granted: true})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("prepare did not return")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("prepare = %d: %s", rec.Code, rec.Body)
	}
	if f.stt.WarmCalls != 1 {
		t.Errorf("stt warm calls = %d, want 1", f.stt.WarmCalls)
	}
	if rec := do(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("readyz after prepare = %d: %s", rec.Code, rec.Body)
	}
}

func TestAPI_Probes(t *testing.T) {
	t.Parallel()
	f := newApp(t)
	h := f.app.Handler()

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz without device = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"device"`) {
		t.Errorf("readyz body = %s", rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Errorf("metrics without handler = %d, want 404", rec.Code)
	}
}

func TestAPI_Providers(t *testing.T) {
	t.Parallel()
	f := newApp(t)

	rec := do(t, f.app.Handler(), http.MethodGet, "/v1/providers", "")
	var body map[string]map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["stt"]["mock"] != "closed" || body["tts"]["mock"] != "closed" {
		t.Errorf("providers = %v", body)
	}
}

// deviceClient is the test side of the device link.
type deviceClient struct {
	t *testing.T
	c *websocket.Conn
}

func (d deviceClient) send(msg device.Message) {
	d.t.Helper()
	data, _ := json.Marshal(msg)
	if err := d.c.Write(context.Background(), websocket.MessageText, data); err != nil {
		d.t.Fatalf("send %s: %v", msg.Type, err)
	}
}

// await reads until a text message of type typ arrives and returns the
// number of binary frames seen on the way. Permission requests are granted.
func (d deviceClient) await(typ string) int {
	d.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	frames := 0
	for {
		mt, data, err := d.c.Read(ctx)
		if err != nil {
			d.t.Fatalf("waiting for %s: %v", typ, err)
		}
		if mt == websocket.MessageBinary {
			frames++
			continue
		}
		var msg device.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			d.t.Fatal(err)
		}
		switch msg.Type {
		case typ:
			return frames
		case device.TypePermissionRequest:
			d.send(device.Message{Type: device.TypePermission, Granted: true})
		}
	}
}

func TestApp_HoldMatchWhisperOverDevice(t *testing.T) {
	t.Parallel()
	f := newApp(t)
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/device", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { ws.CloseNow() })
	dev := deviceClient{t: t, c: ws}
	dev.send(device.Message{Type: device.TypeHello, SampleRate: 16000, Channels: 1, MicGranted: true})
	dev.send(device.Message{Type: device.TypeHold})

	dev.await(device.TypeCaptureStart)
	for range 3 {
		if err := ws.Write(ctx, websocket.MessageBinary, make([]byte, 3200)); err != nil {
			t.Fatal(err)
		}
	}

	dev.await(device.TypeCaptureStop)
	dev.await(device.TypePlaybackStart)
	if n := dev.await(device.TypePlaybackEnd); n != 2 {
		t.Errorf("whisper frames = %d, want 2", n)
	}
	dev.send(device.Message{Type: device.TypePlaybackDone})

	ctrl := f.app.Controller()
	eventually(t, "idle", func() bool {
		s := ctrl.Snapshot()
		return s.Mode == session.Idle && !s.MicLocked
	})
	snap := ctrl.Snapshot()
	if snap.LastMatch == nil || snap.LastMatch.TriggerID != "pain" {
		t.Fatalf("last match = %+v", snap.LastMatch)
	}
	if calls := f.tts.Calls(); len(calls) != 1 || calls[0].Text != "Hold steady." {
		t.Errorf("tts calls = %+v", calls)
	}

	rec := do(t, f.app.Handler(), http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("readyz with device after prepare = %d: %s", rec.Code, rec.Body)
	}
}

func TestApp_DeviceDisconnectStopsSession(t *testing.T) {
	t.Parallel()
	f := newApp(t)
	f.stt.Text = "nothing to see"
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/device", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	dev := deviceClient{t: t, c: ws}
	dev.send(device.Message{Type: device.TypeHello, SampleRate: 16000, Channels: 1, MicGranted: true})
	dev.send(device.Message{Type: device.TypeHold})
	dev.await(device.TypeCaptureStart)

	ctrl := f.app.Controller()
	eventually(t, "listening", func() bool { return ctrl.Mode() == session.Listening })

	ws.Close(websocket.StatusNormalClosure, "")
	eventually(t, "idle after disconnect", func() bool {
		s := ctrl.Snapshot()
		return s.Mode == session.Idle && !s.HoldActive
	})

	rec := do(t, f.app.Handler(), http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz after disconnect = %d, want 503", rec.Code)
	}
}

func TestApp_ServeStopsOnCancel(t *testing.T) {
	t.Parallel()
	f := newApp(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	eventually(t, "server up", func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
