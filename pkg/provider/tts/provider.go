// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (a local Coqui server,
// ElevenLabs or OpenAI) and turns one short cue into a [Stream] of 16-bit PCM
// chunks. Chunks are emitted as soon as they are available so playback can
// start before synthesis has finished.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"sync"

	"github.com/MrWong99/holdcue/pkg/audio"
)

// Voice selects and shapes the synthesised voice.
type Voice struct {
	// ID is the provider-specific voice identifier. Empty selects the
	// provider's default voice.
	ID string

	// SpeedFactor adjusts speaking rate (0.25–4.0, 1.0 = default). Zero means
	// default. Providers without rate control ignore it.
	SpeedFactor float64
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize starts synthesising text with voice. A non-nil error means
	// synthesis could not be started; failures after that are reported by
	// [Stream.Err] once the audio channel is closed.
	//
	// The caller must drain Stream.Audio or cancel ctx.
	Synthesize(ctx context.Context, text string, voice Voice) (*Stream, error)
}

// Warmer is implemented by providers with expensive one-time setup. Warm is
// idempotent.
type Warmer interface {
	Warm(ctx context.Context) error
}

// Warm calls p.Warm when p implements [Warmer] and returns nil otherwise.
func Warm(ctx context.Context, p Provider) error {
	if w, ok := p.(Warmer); ok {
		return w.Warm(ctx)
	}
	return nil
}

// Stream is the audio produced by one Synthesize call.
type Stream struct {
	// Format describes every chunk on Audio.
	Format audio.Format

	audio chan []byte
	once  sync.Once
	mu    sync.Mutex
	err   error
}

// NewStream returns an open stream with the given channel buffer depth.
// Producers call Send for every chunk and Finish exactly when done.
func NewStream(f audio.Format, buffer int) *Stream {
	return &Stream{Format: f, audio: make(chan []byte, buffer)}
}

// Audio returns the channel of PCM chunks. It is closed by Finish.
func (s *Stream) Audio() <-chan []byte { return s.audio }

// Send delivers chunk to the consumer. It returns false if ctx is done first.
func (s *Stream) Send(ctx context.Context, chunk []byte) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.audio <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish records err and closes the audio channel. Only the first call has
// any effect.
func (s *Stream) Finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.audio)
	})
}

// Err returns the error that ended the stream, or nil. It is only meaningful
// after Audio has been closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Emit sends pcm in chunks of at most chunkSize bytes. It returns false if
// ctx is done before everything was sent.
func (s *Stream) Emit(ctx context.Context, pcm []byte, chunkSize int) bool {
	for len(pcm) > 0 {
		end := min(chunkSize, len(pcm))
		if !s.Send(ctx, pcm[:end]) {
			return false
		}
		pcm = pcm[end:]
	}
	return true
}
