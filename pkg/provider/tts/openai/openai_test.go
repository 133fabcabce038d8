package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/holdcue/pkg/provider/tts"
	"github.com/MrWong99/holdcue/pkg/provider/tts/openai"
)

type speechRequest struct {
	Input          string  `json:"input"`
	Model          string  `json:"model"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed"`
	Instructions   string  `json:"instructions"`
}

func newServer(t *testing.T, status int, body []byte) (*httptest.Server, <-chan speechRequest) {
	t.Helper()
	seen := make(chan speechRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			http.NotFound(w, r)
			return
		}
		var req speechRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		select {
		case seen <- req:
		default:
		}
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
		} else {
			w.Header().Set("Content-Type", "audio/pcm")
		}
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	srv, seen := newServer(t, http.StatusOK, make([]byte, 10001))
	p, err := openai.New("sk-test", "", openai.WithBaseURL(srv.URL+"/v1/"), openai.WithInstructions("calm"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s, err := p.Synthesize(context.Background(), "Hold steady.", tts.Voice{SpeedFactor: 0.9})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if s.Format != openai.Format {
		t.Errorf("Format = %v, want %v", s.Format, openai.Format)
	}
	total := 0
	for c := range s.Audio() {
		if len(c)%2 != 0 {
			t.Errorf("chunk of %d bytes is not sample aligned", len(c))
		}
		total += len(c)
	}
	if total != 10000 {
		t.Errorf("PCM = %d bytes, want 10000 (trailing odd byte dropped)", total)
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err() = %v", err)
	}

	req := <-seen
	if req.Input != "Hold steady." || req.Voice != openai.DefaultVoice || req.ResponseFormat != "pcm" {
		t.Errorf("request = %+v", req)
	}
	if req.Speed != 0.9 || req.Instructions != "calm" {
		t.Errorf("speed/instructions = %v/%q", req.Speed, req.Instructions)
	}
}

func TestSynthesize_APIError(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, http.StatusBadRequest, []byte(`{"error":{"message":"bad voice"}}`))
	p, _ := openai.New("sk-test", "", openai.WithBaseURL(srv.URL+"/v1/"))
	if _, err := p.Synthesize(context.Background(), "hi", tts.Voice{ID: "nope"}); err == nil {
		t.Fatal("expected error for HTTP 400")
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := openai.New("", ""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}
