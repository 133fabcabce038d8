// Package transcribe runs the transcription scheduler: a fixed-cadence loop
// that submits the trailing audio window to an STT provider while a hold is
// listening and delivers each new partial transcript.
//
// Capture and inference are decoupled. The capture goroutine only appends to
// the window buffer; the scheduler reads snapshots. At most one transcription
// is in flight and ticks that arrive meanwhile are dropped, never queued, so
// partials are delivered in the order they were requested.
package transcribe

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/holdcue/internal/fault"
	"github.com/MrWong99/holdcue/internal/observe"
	"github.com/MrWong99/holdcue/pkg/audio"
	"github.com/MrWong99/holdcue/pkg/provider/stt"
)

// Defaults used when the corresponding [Config] field is zero.
const (
	DefaultInterval       = 450 * time.Millisecond
	DefaultWindow         = 2400 * time.Millisecond
	DefaultMinWindowBytes = 1500
)

// Source is the read side of the capture buffer. *audio.WindowBuffer
// satisfies it.
type Source interface {
	SnapshotTrailingWindow(maxBytes int) []byte
}

// Config tunes the scheduler.
type Config struct {
	// Interval is the tick period.
	Interval time.Duration

	// Window is how much trailing audio each request carries.
	Window time.Duration

	// MinWindowBytes is the smallest window worth transcribing. Windows of
	// this size or smaller are skipped.
	MinWindowBytes int

	// SilenceRMS skips windows whose RMS level is below it. Zero disables
	// the check.
	SilenceRMS float64

	// Format of the audio in the source. Zero means [audio.Speech].
	Format audio.Format

	// Language and Keywords are passed through to the provider.
	Language string
	Keywords []string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MinWindowBytes <= 0 {
		c.MinWindowBytes = DefaultMinWindowBytes
	}
	if c.Format.SampleRate == 0 {
		c.Format = audio.Speech
	}
	return c
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithTicks replaces the internal ticker with ch. Used by tests to drive the
// loop deterministically.
func WithTicks(ch <-chan time.Time) Option {
	return func(s *Scheduler) { s.ticks = ch }
}

// Scheduler drives periodic transcription of a [Source]. A Scheduler is
// reusable; each [Scheduler.Run] starts with no last partial.
type Scheduler struct {
	cfg     Config
	src     Source
	stt     stt.Provider
	logger  *slog.Logger
	metrics *observe.Metrics
	ticks   <-chan time.Time
}

// New creates a scheduler reading from src and transcribing with p.
func New(src Source, p stt.Provider, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg: cfg.withDefaults(),
		src: src,
		stt: p,
	}
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

// WindowBytes returns the size of the trailing window in bytes.
func (s *Scheduler) WindowBytes() int {
	return s.cfg.Format.BytesFor(s.cfg.Window)
}

type result struct {
	text string
	err  error
}

// Run ticks until ctx is done. New partial transcripts are sent on partials
// and transcription failures on errs, each classified as
// [fault.TranscriptionFailure]. A failure does not stop the loop and is not
// retried; the caller decides whether to keep listening. Results that arrive
// after ctx is done are discarded.
//
// Run returns nil when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, partials chan<- string, errs chan<- error) error {
	ticks := s.ticks
	if ticks == nil {
		t := time.NewTicker(s.cfg.Interval)
		defer t.Stop()
		ticks = t.C
	}

	var (
		inFlight    bool
		lastPartial string
		// Buffered so a request finishing after cancellation never blocks.
		done = make(chan result, 1)
	)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticks:
			if inFlight {
				s.metrics.RecordTick(ctx, observe.TickBusy)
				s.logger.Debug("transcribe: tick dropped, request in flight")
				continue
			}
			window := s.src.SnapshotTrailingWindow(s.WindowBytes())
			if len(window) <= s.cfg.MinWindowBytes {
				s.metrics.RecordTick(ctx, observe.TickShort)
				continue
			}
			if s.cfg.SilenceRMS > 0 && audio.RMS(window) < s.cfg.SilenceRMS {
				s.metrics.RecordTick(ctx, observe.TickSilent)
				continue
			}
			inFlight = true
			s.metrics.RecordTick(ctx, observe.TickSubmitted)
			go func() { done <- s.transcribe(ctx, window) }()

		case r := <-done:
			inFlight = false
			if ctx.Err() != nil {
				return nil
			}
			if r.err != nil {
				s.metrics.RecordTick(ctx, observe.TickFailed)
				err := fault.New(fault.TranscriptionFailure, "transcribe", r.err)
				select {
				case errs <- err:
				case <-ctx.Done():
					return nil
				}
				continue
			}

			text := strings.Join(strings.Fields(r.text), " ")
			switch {
			case text == "":
				s.metrics.RecordTick(ctx, observe.TickEmpty)
				continue
			case text == lastPartial:
				s.metrics.RecordTick(ctx, observe.TickDuplicate)
				continue
			}
			lastPartial = text
			s.metrics.RecordTick(ctx, observe.TickDelivered)
			select {
			case partials <- text:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// transcribe runs one provider call inside a span and records its latency.
func (s *Scheduler) transcribe(ctx context.Context, window []byte) result {
	ctx, span := observe.StartSpan(ctx, "transcribe.window")
	defer span.End()

	start := time.Now()
	tr, err := s.stt.Transcribe(ctx, stt.Request{
		Audio:    window,
		Format:   s.cfg.Format,
		Language: s.cfg.Language,
		Keywords: s.cfg.Keywords,
	})
	s.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			span.RecordError(err)
			s.logger.Warn("transcribe: provider failed",
				slog.Int("window_bytes", len(window)),
				slog.Any("err", err),
			)
		}
		return result{err: err}
	}
	return result{text: tr.Text}
}
