// Package speech turns a matched trigger's whisper text into audio on the
// device.
//
// [Speaker] synthesises with a TTS provider and plays the resulting stream
// through a [Sink]. It is the speech-output collaborator of the session
// controller: one SynthesizeSpeech call per match, interruptible by Stop.
package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/holdcue/internal/fault"
	"github.com/MrWong99/holdcue/internal/observe"
	"github.com/MrWong99/holdcue/pkg/audio"
	"github.com/MrWong99/holdcue/pkg/provider/tts"
)

// Sink plays PCM audio. Play consumes pcm until it is closed and returns once
// playback has finished or ctx is done.
type Sink interface {
	Play(ctx context.Context, f audio.Format, pcm <-chan []byte) error
}

// Option configures a [Speaker].
type Option func(*Speaker)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Speaker) { s.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Speaker) { s.metrics = m }
}

// WithPacing toggles [Pace] on the text before synthesis. Enabled by default.
func WithPacing(on bool) Option {
	return func(s *Speaker) { s.pace = on }
}

// Speaker synthesises and plays whisper cues. Only one cue plays at a time; a
// new call stops the previous one.
type Speaker struct {
	provider tts.Provider
	sink     Sink
	voice    tts.Voice
	pace     bool
	logger   *slog.Logger
	metrics  *observe.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	seq    uint64
}

// NewSpeaker returns a speaker using p for synthesis and sink for playback.
func NewSpeaker(p tts.Provider, sink Sink, voice tts.Voice, opts ...Option) *Speaker {
	s := &Speaker{provider: p, sink: sink, voice: voice, pace: true}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// SynthesizeSpeech speaks text and blocks until playback completes. Blank
// text is not spoken. Synthesis and playback failures are classified as
// [fault.SynthesisFailure]. When the cue is interrupted by Stop or ctx the
// context error is returned unclassified.
func (s *Speaker) SynthesizeSpeech(ctx context.Context, text string) error {
	if s.pace {
		text = Pace(text)
	}
	if text == "" {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	id := s.begin(cancel)
	defer s.end(id)

	ctx, span := observe.StartSpan(ctx, "speech.synthesize")
	defer span.End()
	start := time.Now()
	defer func() {
		s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	}()

	stream, err := s.provider.Synthesize(ctx, text, s.voice)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		span.RecordError(err)
		return fault.New(fault.SynthesisFailure, "speech: synthesize", err)
	}

	playErr := s.sink.Play(ctx, stream.Format, stream.Audio())
	interrupted := ctx.Err()
	// Unblock the producer if the sink returned early.
	cancel()
	audio.Drain(stream.Audio())

	switch {
	case interrupted != nil:
		return interrupted
	case playErr != nil:
		span.RecordError(playErr)
		return fault.New(fault.SynthesisFailure, "speech: play", playErr)
	}
	if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		return fault.New(fault.SynthesisFailure, "speech: stream", err)
	}

	s.logger.Debug("speech: cue played",
		slog.Int("chars", len(text)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// Stop interrupts the cue being played, if any.
func (s *Speaker) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// begin registers cancel as the active cue, stopping any previous one.
func (s *Speaker) begin(cancel context.CancelFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.seq++
	s.cancel = cancel
	return s.seq
}

func (s *Speaker) end(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq == id {
		s.cancel = nil
	}
}
