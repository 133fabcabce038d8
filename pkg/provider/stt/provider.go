// Package stt defines the Provider interface for Speech-to-Text backends.
//
// A provider wraps a batch transcription service (a whisper.cpp server, the
// in-process whisper.cpp bindings, OpenAI or Deepgram) and exposes a uniform
// request/response call. Each call transcribes one trailing window of 16-bit
// PCM audio; the caller is responsible for deciding how often to ask.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/holdcue/pkg/audio"
)

// ErrEmptyAudio is returned by providers that refuse to transcribe an empty
// window.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Request is a single transcription job.
type Request struct {
	// Audio is raw 16-bit signed little-endian PCM.
	Audio []byte

	// Format describes Audio. The zero value means [audio.Speech].
	Format audio.Format

	// Language is a BCP-47 language tag ("en", "en-US"). Empty lets the
	// provider use its configured default.
	Language string

	// Keywords are vocabulary hints. Providers without hint support ignore them.
	Keywords []string
}

// AudioFormat returns Format, or [audio.Speech] when Format is unset.
func (r Request) AudioFormat() audio.Format {
	if r.Format.SampleRate == 0 {
		return audio.Speech
	}
	return r.Format
}

// Transcript is the text recognised in one Request.
type Transcript struct {
	// Text is the transcribed speech. It may be empty for silence.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// provider does not report one.
	Confidence float64

	// Language is the language the provider detected or used.
	Language string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe recognises speech in req.Audio. It blocks until the backend
	// answers or ctx is done.
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}

// Warmer is implemented by providers that have expensive one-time setup, such
// as loading a local model. Warm is idempotent.
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
