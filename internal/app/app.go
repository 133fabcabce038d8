// Package app wires the holdcue subsystems into a running service.
//
// New builds every component from the config: the trigger pack, the
// STT/TTS fallback groups, the transcription scheduler, the speaker, the
// readiness gate, the session controller and the device link. Run serves the
// HTTP control API and the device WebSocket until the context ends, and
// Shutdown releases the session.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/holdcue/internal/config"
	"github.com/MrWong99/holdcue/internal/device"
	"github.com/MrWong99/holdcue/internal/health"
	"github.com/MrWong99/holdcue/internal/observe"
	"github.com/MrWong99/holdcue/internal/pack"
	"github.com/MrWong99/holdcue/internal/readiness"
	"github.com/MrWong99/holdcue/internal/resilience"
	"github.com/MrWong99/holdcue/internal/session"
	"github.com/MrWong99/holdcue/internal/speech"
	"github.com/MrWong99/holdcue/internal/transcribe"
	"github.com/MrWong99/holdcue/internal/transcript/phonetic"
	"github.com/MrWong99/holdcue/pkg/audio"
	"github.com/MrWong99/holdcue/pkg/provider/stt"
	"github.com/MrWong99/holdcue/pkg/provider/tts"
)

// NamedSTT is a constructed STT provider with the config name it was built
// from.
type NamedSTT struct {
	Name     string
	Provider stt.Provider
}

// NamedTTS is a constructed TTS provider with the config name it was built
// from.
type NamedTTS struct {
	Name     string
	Provider tts.Provider
}

// Providers holds the backends in preference order, as listed in the config.
// Populated by main.go through the config registry.
type Providers struct {
	STT []NamedSTT
	TTS []NamedTTS
}

// DefaultPrepareTimeout covers a model load plus the device permission prompt.
const DefaultPrepareTimeout = 2 * time.Minute

// App owns the lifetime of every subsystem.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observe.Metrics

	metricsHandler http.Handler
	prepareTimeout time.Duration

	watcher *pack.Watcher
	stt     *resilience.STTFallback
	tts     *resilience.TTSFallback
	gate    *readiness.Gate
	link    *device.Link
	ctrl    *session.Controller
	health  *health.Handler
	handler http.Handler

	stopOnce sync.Once
}

// Option configures an [App].
type Option func(*App)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithPrepareTimeout bounds a readiness attempt started through the prepare
// endpoint. Defaults to [DefaultPrepareTimeout].
func WithPrepareTimeout(d time.Duration) Option {
	return func(a *App) { a.prepareTimeout = d }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// New builds the application. It loads the trigger pack but does not start
// any goroutines.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.prepareTimeout <= 0 {
		a.prepareTimeout = DefaultPrepareTimeout
	}
	if providers == nil || len(providers.STT) == 0 || len(providers.TTS) == 0 {
		return nil, errors.New("app: at least one STT and one TTS provider are required")
	}

	p, err := a.loadPack()
	if err != nil {
		return nil, err
	}

	a.initProviders(providers)

	a.link = device.New(device.Config{
		PlaybackAckTimeout: cfg.Device.PlaybackAckTimeout,
		PermissionTimeout:  cfg.Device.PermissionTimeout,
		OriginPatterns:     cfg.Device.AllowedOrigins,
		OnDisconnect:       a.deviceGone,
	}, device.WithLogger(a.logger), device.WithMetrics(a.metrics))

	a.gate = readiness.New([]readiness.Step{
		{Name: "bootstrap", Run: a.bootstrap},
		readiness.WarmStep("stt", a.stt.Warm),
		readiness.WarmStep("tts", a.tts.Warm),
		readiness.PermissionStep(a.link),
	}, readiness.WithLogger(a.logger), readiness.WithMetrics(a.metrics))

	window := cfg.Pipeline.Window
	if window <= 0 {
		window = transcribe.DefaultWindow
	}
	buffer := audio.NewWindowBuffer(audio.Speech.BytesFor(window))

	sched := transcribe.New(buffer, a.stt, transcribe.Config{
		Interval:       cfg.Pipeline.TickInterval,
		Window:         window,
		MinWindowBytes: cfg.Pipeline.MinWindowBytes,
		SilenceRMS:     cfg.Pipeline.SilenceRMS,
		Language:       cfg.Pipeline.Language,
		Keywords:       p.Phrases(),
	}, transcribe.WithLogger(a.logger), transcribe.WithMetrics(a.metrics))

	speaker := speech.NewSpeaker(a.tts, a.link, tts.Voice{
		ID:          cfg.Voice.ID,
		SpeedFactor: cfg.Voice.SpeedFactor,
	}, speech.WithLogger(a.logger), speech.WithMetrics(a.metrics))

	ctrlOpts := []session.Option{
		session.WithLogger(a.logger),
		session.WithMetrics(a.metrics),
		session.WithAutoRestart(cfg.Pipeline.AutoRestart),
	}
	if cfg.Pipeline.RestartDelay > 0 {
		ctrlOpts = append(ctrlOpts, session.WithRestartDelay(cfg.Pipeline.RestartDelay))
	}
	if cfg.Pipeline.NearMisses {
		ctrlOpts = append(ctrlOpts, session.WithNearMisses(phonetic.New()))
	}
	a.ctrl = session.New(session.Deps{
		Pack:        p,
		Gate:        a.gate,
		Capture:     a.link,
		Buffer:      buffer,
		Transcriber: sched,
		Speech:      speaker,
	}, ctrlOpts...)
	a.link.SetControls(a.ctrl)

	a.health = health.New(
		health.Checker{Name: "readiness", Check: a.checkReady},
		health.Checker{Name: "device", Check: a.checkDevice},
	)
	a.handler = observe.Middleware(a.metrics)(a.routes())

	a.logger.Info("app: initialised",
		slog.String("pack_id", p.ID),
		slog.Int("triggers", len(p.Triggers)),
		slog.Any("stt", a.stt.Names()),
		slog.Any("tts", a.tts.Names()),
	)
	return a, nil
}

func (a *App) loadPack() (*pack.Pack, error) {
	path := a.cfg.Pack.Path
	if !a.cfg.Pack.Watch {
		p, err := pack.Load(path)
		if err != nil {
			return nil, fmt.Errorf("app: load pack: %w", err)
		}
		return p, nil
	}
	w, err := pack.NewWatcher(path, a.packChanged,
		pack.WithInterval(a.cfg.Pack.PollInterval),
		pack.WithLogger(a.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("app: watch pack: %w", err)
	}
	a.watcher = w
	return w.Current(), nil
}

func (a *App) packChanged(old, updated *pack.Pack) {
	a.logger.Info("app: trigger pack reloaded",
		slog.String("old_pack_id", old.ID),
		slog.String("pack_id", updated.ID),
		slog.Int("triggers", len(updated.Triggers)),
	)
	a.ctrl.SwapPack(updated)
}

func (a *App) initProviders(p *Providers) {
	breaker := func(kind string) resilience.FallbackConfig {
		return resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  a.cfg.Resilience.FailureThreshold,
			ResetTimeout: a.cfg.Resilience.ResetTimeout,
			HalfOpenMax:  a.cfg.Resilience.HalfOpenMax,
			Logger:       a.logger.With(slog.String("kind", kind)),
		}, Kind: kind, Metrics: a.metrics}
	}

	a.stt = resilience.NewSTTFallback(p.STT[0].Provider, p.STT[0].Name, breaker("stt"))
	for _, e := range p.STT[1:] {
		a.stt.AddFallback(e.Name, e.Provider)
	}
	a.tts = resilience.NewTTSFallback(p.TTS[0].Provider, p.TTS[0].Name, breaker("tts"))
	for _, e := range p.TTS[1:] {
		a.tts.AddFallback(e.Name, e.Provider)
	}
}

// bootstrap is the first readiness step: nothing can be prepared without a
// device to listen on.
func (a *App) bootstrap(context.Context) error {
	if !a.link.Connected() {
		return device.ErrNoDevice
	}
	return nil
}

// deviceGone ends the session and re-arms readiness so the next device is
// asked for permission again.
func (a *App) deviceGone() {
	a.ctrl.StopAll()
	a.gate.Reset()
}

func (a *App) checkReady(context.Context) error {
	if s := a.gate.State(); s != readiness.Ready {
		return fmt.Errorf("readiness is %s", s)
	}
	return nil
}

func (a *App) checkDevice(context.Context) error {
	if !a.link.Connected() {
		return device.ErrNoDevice
	}
	return nil
}

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Handler returns the HTTP handler serving the control API, the device link
// and the probes.
func (a *App) Handler() http.Handler { return a.handler }

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts the server down
// gracefully. It returns nil on a clean shutdown.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("app: serving", slog.String("addr", ln.Addr().String()))
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		// Hijacked WebSocket connections are not tracked by Shutdown.
		a.link.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if a.watcher != nil {
		g.Go(func() error {
			a.watcher.Run(gctx.Done())
			return nil
		})
	}
	return g.Wait()
}

// Shutdown stops the active session and the pack watcher. It is safe to call
// more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.logger.Info("app: shutting down")
		a.ctrl.StopAll()
		if a.watcher != nil {
			a.watcher.Stop()
		}
		a.link.Close()
	})
	return ctx.Err()
}
