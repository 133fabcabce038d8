package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/holdcue/pkg/provider/stt"
	sttmock "github.com/MrWong99/holdcue/pkg/provider/stt/mock"
)

func TestSTTFallback_Transcribe_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Text: "it hurts"}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	tr, err := fb.Transcribe(context.Background(), stt.Request{Audio: []byte{0, 0}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Text != "it hurts" {
		t.Errorf("Text = %q", tr.Text)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 0 {
		t.Fatalf("calls primary=%d secondary=%d, want 1/0", primary.CallCount(), secondary.CallCount())
	}
}

func TestSTTFallback_Transcribe_Failover(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Responses: []sttmock.Response{{Err: errors.New("primary down")}}}
	secondary := &sttmock.Provider{Text: "from secondary"}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	tr, err := fb.Transcribe(context.Background(), stt.Request{Audio: []byte{0, 0}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Text != "from secondary" {
		t.Fatalf("Text = %q, want from secondary", tr.Text)
	}
}

func TestSTTFallback_Transcribe_AllFail(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Responses: []sttmock.Response{{Err: errors.New("primary down")}}}
	secondary := &sttmock.Provider{Responses: []sttmock.Response{{Err: errors.New("secondary down")}}}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	if _, err := fb.Transcribe(context.Background(), stt.Request{Audio: []byte{0, 0}}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestSTTFallback_Warm(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{WarmErr: errors.New("model missing")}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	if err := fb.Warm(context.Background()); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if primary.WarmCalls != 1 || secondary.WarmCalls != 1 {
		t.Errorf("warm calls primary=%d secondary=%d, want 1/1", primary.WarmCalls, secondary.WarmCalls)
	}
}
