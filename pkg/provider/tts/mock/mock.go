// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify that
// the expected text and voice reach the TTS backend.
//
// Example:
//
//	p := &mock.Provider{Chunks: [][]byte{[]byte("audio1"), []byte("audio2")}}
//	s, _ := p.Synthesize(ctx, "Hold steady.", tts.Voice{ID: "v1"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/holdcue/pkg/audio"
	"github.com/MrWong99/holdcue/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the Voice passed to Synthesize.
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Chunks is the sequence of audio byte slices emitted on the stream.
	Chunks [][]byte

	// Format is the stream format. The zero value means audio.Speech.
	Format audio.Format

	// SynthesizeErr, if non-nil, is returned from Synthesize instead of a
	// stream.
	SynthesizeErr error

	// StreamErr, if non-nil, ends every stream after its chunks.
	StreamErr error

	// Block, if non-nil, holds every stream open after its chunks until it is
	// closed or ctx is done.
	Block chan struct{}

	// WarmErr, if non-nil, is returned by Warm.
	WarmErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// WarmCalls counts calls to Warm.
	WarmCalls int
}

var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Warmer   = (*Provider)(nil)
)

// Synthesize records the call and, if SynthesizeErr is nil, returns a stream
// that emits Chunks then finishes with StreamErr.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (*tts.Stream, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	f := p.Format
	if f.SampleRate == 0 {
		f = audio.Speech
	}
	streamErr, block := p.StreamErr, p.Block
	p.mu.Unlock()

	s := tts.NewStream(f, len(chunks))
	go func() {
		for _, c := range chunks {
			if !s.Send(ctx, c) {
				s.Finish(ctx.Err())
				return
			}
		}
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				s.Finish(ctx.Err())
				return
			}
		}
		s.Finish(streamErr)
	}()
	return s, nil
}

// Warm records the call and returns WarmErr.
func (p *Provider) Warm(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.WarmCalls++
	return p.WarmErr
}

// Calls returns a copy of the recorded Synthesize calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.WarmCalls = 0
}
