// Package readiness brings the speech pipeline to a ready state exactly once.
//
// A [Gate] runs an ordered list of [Step]s the first time [Gate.EnsureReady]
// is called. Callers that arrive while an attempt is in flight wait for that
// attempt and share its outcome; they never start a second one. A successful
// attempt makes the gate Ready for good. A failed attempt returns the gate to
// NotStarted so a later call can try again.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/holdcue/internal/fault"
	"github.com/MrWong99/holdcue/internal/observe"
	"go.opentelemetry.io/otel/metric"
)

var errAborted = errors.New("initialisation aborted")

// State is the lifecycle of a [Gate].
type State int

const (
	NotStarted State = iota
	Preparing
	Ready
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Preparing:
		return "preparing"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Step is one stage of initialisation. Run must honour ctx.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// attempt is one in-flight initialisation. done is closed once err is set.
type attempt struct {
	done chan struct{}
	err  error
}

// Option configures a [Gate].
type Option func(*Gate)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// Gate is a concurrency-safe one-shot initialiser.
type Gate struct {
	steps   []Step
	logger  *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	state   State
	current *attempt
	lastErr error
}

// New returns a gate that runs steps in order.
func New(steps []Step, opts ...Option) *Gate {
	g := &Gate{steps: steps}
	for _, o := range opts {
		o(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Preparing reports whether an attempt is in flight.
func (g *Gate) Preparing() bool { return g.State() == Preparing }

// Err returns the error of the last failed attempt, or nil.
func (g *Gate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastErr
}

// EnsureReady returns nil once the gate is Ready.
//
// When NotStarted, the caller runs the steps itself. When Preparing, the
// caller waits for the in-flight attempt; if that attempt fails the caller
// gets an error matching [fault.ErrNotReady] wrapping the attempt's cause and
// no new attempt is made. The step error returned to the initiating caller
// keeps its own kind ([fault.PermissionDenied] or
// [fault.InitializationFailure]).
//
// Cancelling ctx stops a waiting caller. It also aborts an attempt this
// caller started, which then fails for every waiter.
func (g *Gate) EnsureReady(ctx context.Context) error {
	g.mu.Lock()
	switch g.state {
	case Ready:
		g.mu.Unlock()
		return nil
	case Preparing:
		a := g.current
		g.mu.Unlock()
		select {
		case <-a.done:
		case <-ctx.Done():
			return fault.New(fault.NotReady, "readiness", ctx.Err())
		}
		if a.err != nil {
			return fmt.Errorf("%w: %w", fault.ErrNotReady, a.err)
		}
		return nil
	}

	a := &attempt{done: make(chan struct{})}
	g.state = Preparing
	g.current = a
	g.mu.Unlock()

	// Pre-set so a panicking step still releases Preparing as a failure.
	var err error = fault.New(fault.InitializationFailure, "readiness", errAborted)
	defer func() { g.finish(a, err) }()
	err = g.run(ctx)
	return err
}

// finish publishes the outcome of a to its waiters.
func (g *Gate) finish(a *attempt, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a.err = err
	if err != nil {
		g.state = NotStarted
		g.lastErr = err
	} else {
		g.state = Ready
		g.lastErr = nil
	}
	g.current = nil
	close(a.done)
}

// run executes the steps in order and stops at the first failure.
func (g *Gate) run(ctx context.Context) (err error) {
	ctx, span := observe.StartSpan(ctx, "readiness.prepare")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = fault.KindOf(err).String()
			span.RecordError(err)
		}
		g.metrics.ReadinessDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("status", status)))
	}()

	for _, s := range g.steps {
		stepStart := time.Now()
		if err := s.Run(ctx); err != nil {
			if fault.KindOf(err) == fault.Unknown {
				err = fault.New(fault.InitializationFailure, s.Name, err)
			}
			g.logger.Error("readiness: step failed",
				slog.String("step", s.Name),
				slog.Any("err", err),
			)
			return err
		}
		g.logger.Info("readiness: step complete",
			slog.String("step", s.Name),
			slog.Duration("duration", time.Since(stepStart)),
		)
	}
	return nil
}

// Reset returns a Ready or failed gate to NotStarted so the next
// EnsureReady runs every step again. It has no effect while an attempt is in
// flight.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Preparing {
		return
	}
	g.state = NotStarted
	g.lastErr = nil
}
