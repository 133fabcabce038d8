package resilience

import (
	"context"

	"github.com/MrWong99/holdcue/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var (
	_ tts.Provider = (*TTSFallback)(nil)
	_ tts.Warmer   = (*TTSFallback)(nil)
)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize starts synthesis on the first healthy provider. Only stream setup
// is covered by failover; errors reported through [tts.Stream.Err] are the
// caller's to handle.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.Voice) (*tts.Stream, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (*tts.Stream, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// Warm warms providers in order until one is ready.
func (f *TTSFallback) Warm(ctx context.Context) error {
	return WarmAll(ctx, f.group, tts.Warm)
}

// States reports the breaker state of every backend.
func (f *TTSFallback) States() map[string]State { return f.group.States() }

// Names returns the backend names in failover order.
func (f *TTSFallback) Names() []string { return f.group.Names() }
