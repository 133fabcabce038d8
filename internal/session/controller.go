// Package session implements the hold session controller: the state machine
// that sequences listening, trigger matching, whisper playback and idle.
//
// The [Controller] is the single owner of the session mode. It drives the
// readiness gate, the capture source, the transcription scheduler, the
// trigger engine and the speech output. Every asynchronous continuation
// carries the generation it was started in and is dropped when the
// generation has moved on, so a callback that lands after StopAll never
// mutates state.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/MrWong99/holdcue/internal/fault"
	"github.com/MrWong99/holdcue/internal/observe"
	"github.com/MrWong99/holdcue/internal/pack"
	"github.com/MrWong99/holdcue/internal/transcript"
	"github.com/MrWong99/holdcue/internal/transcript/phonetic"
	"github.com/MrWong99/holdcue/internal/trigger"
)

// Mode is the session mode.
type Mode string

const (
	Idle       Mode = "idle"
	Listening  Mode = "listening"
	Whispering Mode = "whispering"
)

// Mode machine events.
const (
	evListen = "listen"
	evMatch  = "match"
	evFinish = "finish"
	evReset  = "reset"
)

// DefaultRestartDelay is the pause before an automatic restart.
const DefaultRestartDelay = 120 * time.Millisecond

// Readiness brings the pipeline to a ready state. *readiness.Gate satisfies
// it.
type Readiness interface {
	EnsureReady(ctx context.Context) error
	Preparing() bool
}

// Capture delivers microphone frames. Start begins calling sink with mono
// 16-bit 16 kHz frames and returns once capture is running; Stop releases
// the microphone and is idempotent.
type Capture interface {
	Start(ctx context.Context, sink func(frame []byte)) error
	Stop()
}

// Buffer is the write side of the capture window. *audio.WindowBuffer
// satisfies it.
type Buffer interface {
	Append(frame []byte) error
	Reset()
}

// Transcriber delivers partial transcripts until ctx is done.
// *transcribe.Scheduler satisfies it.
type Transcriber interface {
	Run(ctx context.Context, partials chan<- string, errs chan<- error) error
}

// Speech plays a whisper cue. *speech.Speaker satisfies it.
type Speech interface {
	SynthesizeSpeech(ctx context.Context, text string) error
	Stop()
}

// Deps are the collaborators of a [Controller]. All fields are required.
type Deps struct {
	Pack        *pack.Pack
	Gate        Readiness
	Capture     Capture
	Buffer      Buffer
	Transcriber Transcriber
	Speech      Speech
}

// Option configures a [Controller].
type Option func(*Controller)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock replaces time.Now for trigger evaluation.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithAutoRestart sets the initial auto-restart flag.
func WithAutoRestart(on bool) Option {
	return func(c *Controller) { c.autoRestart = on }
}

// WithRestartDelay sets the pause before an automatic restart.
func WithRestartDelay(d time.Duration) Option {
	return func(c *Controller) { c.restartDelay = d }
}

// WithNearMisses enables phonetic near-miss diagnostics on partials that do
// not match. They are logged at debug level and counted; matching itself is
// unaffected.
func WithNearMisses(d *phonetic.Detector) Option {
	return func(c *Controller) { c.nearMiss = d }
}

// Controller is the hold session state machine. All methods are safe for
// concurrent use.
type Controller struct {
	gate     Readiness
	capture  Capture
	buffer   Buffer
	sched    Transcriber
	speech   Speech
	logger   *slog.Logger
	metrics  *observe.Metrics
	nearMiss *phonetic.Detector
	now      func() time.Time

	restartDelay time.Duration

	mu          sync.Mutex
	mode        *fsm.FSM
	engine      *trigger.Engine
	pending     *pack.Pack
	rolling     string
	sessionID   string
	holdActive  bool
	micLocked   bool
	autoRestart bool
	lastErr     error
	lastMatch   *trigger.Match
	gen         uint64
	cancelWork  context.CancelFunc

	pubMu sync.Mutex
	subs  map[chan Snapshot]struct{}
}

// New returns an idle controller.
func New(d Deps, opts ...Option) *Controller {
	c := &Controller{
		gate:         d.Gate,
		capture:      d.Capture,
		buffer:       d.Buffer,
		sched:        d.Transcriber,
		speech:       d.Speech,
		engine:       trigger.New(d.Pack),
		now:          time.Now,
		restartDelay: DefaultRestartDelay,
		subs:         make(map[chan Snapshot]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}

	c.mode = fsm.NewFSM(
		string(Idle),
		fsm.Events{
			{Name: evListen, Src: []string{string(Idle)}, Dst: string(Listening)},
			{Name: evMatch, Src: []string{string(Listening)}, Dst: string(Whispering)},
			{Name: evFinish, Src: []string{string(Whispering)}, Dst: string(Idle)},
			{Name: evReset, Src: []string{string(Idle), string(Listening), string(Whispering)}, Dst: string(Idle)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				c.metrics.RecordTransition(ctx, e.Src, e.Dst)
				c.logger.Debug("session: mode changed",
					slog.String("from", e.Src),
					slog.String("to", e.Dst),
					slog.String("event", e.Event),
				)
			},
		},
	)
	return c
}

// fire runs a mode event. Called with mu held; the mode callbacks never take
// mu. A reset from Idle is not a transition and is ignored.
func (c *Controller) fire(event string) {
	err := c.mode.Event(context.Background(), event)
	if err == nil {
		return
	}
	var noop fsm.NoTransitionError
	if errors.As(err, &noop) {
		return
	}
	c.logger.Warn("session: rejected mode event",
		slog.String("event", event),
		slog.String("mode", c.mode.Current()),
		slog.Any("err", err),
	)
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	return Mode(c.mode.Current())
}

// HoldPressed starts a hold session. It is a no-op while the mic is locked
// by a pending whisper or while a hold attempt is already active. The
// session starts asynchronously once the readiness gate reports ready;
// failures surface through the snapshot's error message.
func (c *Controller) HoldPressed() {
	c.mu.Lock()
	if c.micLocked || c.holdActive {
		c.mu.Unlock()
		return
	}
	c.holdActive = true
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelWork = cancel
	c.mu.Unlock()

	c.publish()
	go c.runHold(ctx, gen)
}

// runHold prepares, starts listening and pumps partials until the hold ends.
func (c *Controller) runHold(ctx context.Context, gen uint64) {
	if err := c.gate.EnsureReady(ctx); err != nil {
		c.fail(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen || !c.holdActive {
		c.mu.Unlock()
		return
	}
	c.rolling = ""
	c.lastMatch = nil
	if c.pending != nil {
		c.engine = trigger.New(c.pending)
		c.pending = nil
		c.logger.Info("session: trigger pack applied", slog.String("pack_id", c.engine.PackID()))
	}
	c.sessionID = uuid.NewString()
	c.buffer.Reset()
	c.engine.BeginHold(c.now())
	c.fire(evListen)
	sessionID := c.sessionID
	c.mu.Unlock()
	c.publish()

	ctx = observe.WithSessionID(ctx, sessionID)
	log := observe.Annotate(c.logger, ctx)
	log.Info("session: hold started")

	if err := c.capture.Start(ctx, c.appendFrame); err != nil {
		if fault.KindOf(err) == fault.Unknown {
			err = fault.New(fault.AudioFormatFailure, "capture", err)
		}
		c.fail(gen, err)
		return
	}
	c.mu.Lock()
	stale := gen != c.gen || !c.holdActive
	c.mu.Unlock()
	if stale {
		// StopAll ran while capture was starting.
		c.capture.Stop()
		return
	}

	partials := make(chan string)
	errs := make(chan error, 1)
	go func() {
		if err := c.sched.Run(ctx, partials, errs); err != nil {
			select {
			case errs <- err:
			default:
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			c.fail(gen, err)
			return
		case p := <-partials:
			if m, ok := c.onPartial(gen, p, log); ok {
				c.whisper(context.WithoutCancel(ctx), gen, m, log)
				return
			}
		}
	}
}

func (c *Controller) appendFrame(frame []byte) {
	if err := c.buffer.Append(frame); err != nil {
		c.logger.Debug("session: dropped capture frame", slog.Any("err", err))
	}
}

// onPartial merges p into the rolling transcript and evaluates it. On a match
// the hold is closed and the mic locked before it returns.
func (c *Controller) onPartial(gen uint64, p string, log *slog.Logger) (trigger.Match, bool) {
	c.mu.Lock()
	if gen != c.gen || !c.holdActive || c.micLocked {
		c.mu.Unlock()
		return trigger.Match{}, false
	}
	c.rolling = transcript.Merge(c.rolling, p)
	m, ok := c.engine.Evaluate(c.rolling, c.now())
	if !ok {
		rolling, phrases := c.rolling, c.engine.Phrases()
		c.mu.Unlock()
		c.publish()
		c.reportNearMisses(rolling, phrases, log)
		return trigger.Match{}, false
	}

	c.micLocked = true
	c.holdActive = false
	c.lastMatch = &m
	c.engine.EndHold()
	cancel := c.cancelWork
	c.cancelWork = nil
	c.mu.Unlock()

	ctx := context.Background()
	c.metrics.RecordMatch(ctx, m.TriggerID)
	log.Info("session: trigger matched",
		slog.String("trigger_id", m.TriggerID),
		slog.String("label", m.Label),
	)

	// The microphone is released before playback takes the output.
	if cancel != nil {
		cancel()
	}
	c.capture.Stop()
	return m, true
}

// whisper plays the matched cue and returns to Idle. parent carries the
// session values but no deadline; the hold context is already cancelled.
func (c *Controller) whisper(parent context.Context, gen uint64, m trigger.Match, log *slog.Logger) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancelWork = cancel
	c.fire(evMatch)
	c.mu.Unlock()
	c.publish()

	err := c.speech.SynthesizeSpeech(ctx, m.WhisperText)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.micLocked = false
	c.cancelWork = nil
	if err != nil {
		c.lastErr = err
	}
	c.fire(evFinish)
	restart := c.autoRestart
	c.mu.Unlock()
	c.publish()

	if err != nil {
		log.Error("session: whisper failed", slog.String("trigger_id", m.TriggerID), slog.Any("err", err))
	} else {
		log.Info("session: whisper finished", slog.String("trigger_id", m.TriggerID))
	}
	if restart {
		c.scheduleRestart(gen)
	}
}

// scheduleRestart re-enters Listening after the restart delay unless
// anything changed in between. gen is the generation current when Idle was
// reached; a stop or a new hold since then cancels the restart.
func (c *Controller) scheduleRestart(gen uint64) {
	time.AfterFunc(c.restartDelay, func() {
		c.mu.Lock()
		ok := gen == c.gen &&
			c.autoRestart &&
			!c.micLocked &&
			!c.holdActive &&
			Mode(c.mode.Current()) == Idle &&
			!c.gate.Preparing()
		c.mu.Unlock()
		if ok {
			c.logger.Debug("session: auto restart")
			c.HoldPressed()
		}
	})
}

// fail ends the hold started in gen with err.
func (c *Controller) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.holdActive = false
	c.micLocked = false
	if c.cancelWork != nil {
		c.cancelWork()
		c.cancelWork = nil
	}
	c.engine.EndHold()
	c.lastErr = err
	c.fire(evReset)
	restart, idleGen := c.autoRestart, c.gen
	c.mu.Unlock()

	c.capture.Stop()
	c.speech.Stop()
	c.logger.Error("session: hold failed",
		slog.String("kind", fault.KindOf(err).String()),
		slog.Any("err", err),
	)
	c.publish()
	if restart {
		c.scheduleRestart(idleGen)
	}
}

// StopAll abandons whatever is in progress and returns to Idle. It turns
// auto-restart off so the session stays idle. It is idempotent and safe to
// call from teardown paths.
func (c *Controller) StopAll() {
	c.mu.Lock()
	c.gen++
	c.holdActive = false
	c.micLocked = false
	c.autoRestart = false
	c.lastErr = nil
	if c.cancelWork != nil {
		c.cancelWork()
		c.cancelWork = nil
	}
	c.engine.EndHold()
	c.fire(evReset)
	c.mu.Unlock()

	c.capture.Stop()
	c.speech.Stop()
	c.publish()
}

// Retry clears the error message, turns auto-restart back on and starts a
// new hold.
func (c *Controller) Retry() {
	c.mu.Lock()
	c.lastErr = nil
	c.autoRestart = true
	c.mu.Unlock()
	c.HoldPressed()
}

// Prepare runs the readiness gate ahead of the first hold. A failure is
// recorded as the error message.
func (c *Controller) Prepare(ctx context.Context) error {
	c.publish()
	err := c.gate.EnsureReady(ctx)
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.publish()
	return err
}

// SetAutoRestart sets whether reaching Idle after a whisper or a failure
// re-enters Listening.
func (c *Controller) SetAutoRestart(on bool) {
	c.mu.Lock()
	c.autoRestart = on
	c.mu.Unlock()
	c.publish()
}

// SwapPack stages p. It takes effect at the next hold start with a fresh
// engine and cooldown table; an active hold keeps its engine.
func (c *Controller) SwapPack(p *pack.Pack) {
	c.mu.Lock()
	c.pending = p
	c.mu.Unlock()
	c.logger.Info("session: trigger pack staged", slog.String("pack_id", p.ID))
}

func (c *Controller) reportNearMisses(rolling string, phrases []string, log *slog.Logger) {
	if c.nearMiss == nil {
		return
	}
	misses := c.nearMiss.NearMisses(rolling, phrases)
	if len(misses) == 0 {
		return
	}
	c.metrics.TriggerNearMisses.Add(context.Background(), int64(len(misses)))
	for _, m := range misses {
		log.Debug("session: near miss",
			slog.String("phrase", m.Phrase),
			slog.String("heard", m.Heard),
			slog.Float64("score", m.Score),
			slog.Bool("phonetic", m.Phonetic),
		)
	}
}
