package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/holdcue/pkg/provider/tts"
)

// fakeServer speaks just enough of the stream-input protocol: it collects the
// text messages until the empty end-of-stream marker, then answers with the
// given audio chunks followed by a final message.
func fakeServer(t *testing.T, chunks [][]byte, errMsg string) (*httptest.Server, <-chan []textMessage) {
	t.Helper()
	got := make(chan []textMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		var msgs []textMessage
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m textMessage
			_ = json.Unmarshal(data, &m)
			msgs = append(msgs, m)
			if m.Text == "" {
				break
			}
		}
		got <- msgs

		if errMsg != "" {
			data, _ := json.Marshal(audioResponse{Error: "quota_exceeded", Message: errMsg})
			_ = conn.Write(ctx, websocket.MessageText, data)
			return
		}
		for _, c := range chunks {
			data, _ := json.Marshal(audioResponse{Audio: base64.StdEncoding.EncodeToString(c)})
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
		data, _ := json.Marshal(audioResponse{IsFinal: true})
		_ = conn.Write(ctx, websocket.MessageText, data)
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	srv, got := fakeServer(t, [][]byte{{1, 0, 2, 0}, {3, 0}}, "")
	p, err := New("xi-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s, err := p.Synthesize(context.Background(), "Hold steady.", tts.Voice{ID: "voice-1", SpeedFactor: 0.9})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	var pcm []byte
	for c := range s.Audio() {
		pcm = append(pcm, c...)
	}
	if len(pcm) != 6 {
		t.Errorf("PCM = %d bytes, want 6", len(pcm))
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err() = %v", err)
	}
	if s.Format.SampleRate != 16000 || s.Format.Channels != 1 {
		t.Errorf("Format = %v, want 16000 Hz mono", s.Format)
	}

	msgs := <-got
	if len(msgs) != 3 {
		t.Fatalf("server got %d messages, want 3", len(msgs))
	}
	if msgs[0].XiAPIKey != "xi-key" || msgs[0].VoiceSettings == nil || msgs[0].VoiceSettings.Speed != 0.9 {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Text != "Hold steady. " || !msgs[1].TryTriggerGeneration {
		t.Errorf("text message = %+v", msgs[1])
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	t.Parallel()

	srv, _ := fakeServer(t, nil, "out of characters")
	p, _ := New("xi-key", WithBaseURL(srv.URL))

	s, err := p.Synthesize(context.Background(), "Hold steady.", tts.Voice{ID: "voice-1"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	for range s.Audio() {
	}
	if s.Err() == nil {
		t.Fatal("Err() = nil, want quota error")
	}
}

func TestSynthesize_EmptyVoice(t *testing.T) {
	t.Parallel()
	p, _ := New("xi-key")
	if _, err := p.Synthesize(context.Background(), "hi", tts.Voice{}); err == nil {
		t.Fatal("expected error for empty voice ID")
	}
}

func TestStreamURL(t *testing.T) {
	t.Parallel()

	p, _ := New("xi-key", WithModel("eleven_turbo_v2"), WithOutputFormat("pcm_24000"))
	raw, err := p.streamURL("voice abc")
	if err != nil {
		t.Fatalf("streamURL: %v", err)
	}
	u, _ := url.Parse(raw)
	if u.Scheme != "wss" || u.Host != "api.elevenlabs.io" {
		t.Errorf("URL = %s, want wss://api.elevenlabs.io/...", raw)
	}
	if u.Path != "/v1/text-to-speech/voice abc/stream-input" {
		t.Errorf("path = %q", u.Path)
	}
	if u.Query().Get("model_id") != "eleven_turbo_v2" || u.Query().Get("output_format") != "pcm_24000" {
		t.Errorf("query = %v", u.Query())
	}
}

func TestParseOutputFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		rate    int
		wantErr bool
	}{
		{"pcm_16000", 16000, false},
		{"pcm_44100", 44100, false},
		{"mp3_44100_128", 0, true},
		{"pcm_", 0, true},
		{"pcm_-1", 0, true},
	}
	for _, tc := range tests {
		f, err := parseOutputFormat(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("parseOutputFormat(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if !tc.wantErr && f.SampleRate != tc.rate {
			t.Errorf("parseOutputFormat(%q) rate = %d, want %d", tc.in, f.SampleRate, tc.rate)
		}
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("k", WithOutputFormat("mp3_44100_128")); err == nil {
		t.Error("expected error for non-PCM output format")
	}
	p, err := New("k")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel || p.outputFormat != defaultOutputFmt {
		t.Errorf("defaults = %q/%q", p.model, p.outputFormat)
	}
}

func TestWarm(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/user" || r.Header.Get("xi-api-key") != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	good, _ := New("good", WithBaseURL(srv.URL))
	if err := good.Warm(context.Background()); err != nil {
		t.Errorf("Warm(good key): %v", err)
	}
	bad, _ := New("bad", WithBaseURL(srv.URL))
	if err := bad.Warm(context.Background()); err == nil {
		t.Error("Warm(bad key): expected error")
	}
}
