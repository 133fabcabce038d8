// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/holdcue/pkg/audio"
	"github.com/MrWong99/holdcue/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// nativeSampleRate is the only input rate whisper.cpp accepts.
const nativeSampleRate = 16000

var _ stt.Provider = (*NativeProvider)(nil)
var _ stt.Warmer = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using whisper.cpp Go bindings.
// The model is shared by all calls; each call gets its own context.
type NativeProvider struct {
	modelPath string
	language  string
	threads   uint

	mu    sync.Mutex
	model whisperlib.Model
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the default language code for transcription.
// Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeThreads sets the number of inference threads. Zero keeps the
// library default.
func WithNativeThreads(n uint) NativeOption {
	return func(p *NativeProvider) { p.threads = n }
}

// NewNative creates a NativeProvider for the model at modelPath. The model
// file is not opened until Warm or the first Transcribe.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	p := &NativeProvider{
		modelPath: modelPath,
		language:  defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Warm loads the model. It is safe to call repeatedly; only the first
// successful call does any work. A failed load is retried on the next call.
func (p *NativeProvider) Warm(ctx context.Context) error {
	_, err := p.loadModel(ctx)
	return err
}

func (p *NativeProvider) loadModel(ctx context.Context) (whisperlib.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		return p.model, nil
	}
	model, err := whisperlib.New(p.modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", p.modelPath, err)
	}
	p.model = model
	return model, nil
}

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	return err
}

// Transcribe runs whisper.cpp inference over req.Audio and returns the
// concatenated segment text. whisper.cpp expects 16 kHz mono input; other
// formats must be converted by the caller.
func (p *NativeProvider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	if len(req.Audio) == 0 {
		return stt.Transcript{}, stt.ErrEmptyAudio
	}
	f := req.AudioFormat()
	if f.SampleRate != nativeSampleRate {
		return stt.Transcript{}, fmt.Errorf("whisper: unsupported sample rate %d, want %d", f.SampleRate, nativeSampleRate)
	}
	model, err := p.loadModel(ctx)
	if err != nil {
		return stt.Transcript{}, err
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	samples := audio.MonoFloat32(req.Audio, f.Channels)

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := infer(model, samples, lang, p.threads)
		done <- result{text, err}
	}()

	// whisper.cpp cannot be interrupted; a cancelled caller stops waiting
	// while the inference finishes in the background.
	select {
	case <-ctx.Done():
		return stt.Transcript{}, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return stt.Transcript{}, r.err
		}
		return stt.Transcript{Text: r.text, Language: lang}, nil
	}
}

// infer runs one inference on a fresh context. Contexts are not
// thread-safe but the model can be shared.
func infer(model whisperlib.Model, samples []float32, lang string, threads uint) (string, error) {
	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}
	if threads > 0 {
		wctx.SetThreads(threads)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
