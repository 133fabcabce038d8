// Package device implements the device link: a single WebSocket connection
// from the phone or headset that owns the microphone and the speaker.
//
// The [Link] is the capture source, the speech sink and the microphone
// permission prompt of the session controller. Only one device may be
// attached at a time.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/holdcue/internal/fault"
	"github.com/MrWong99/holdcue/internal/observe"
	"github.com/MrWong99/holdcue/internal/session"
	"github.com/MrWong99/holdcue/pkg/audio"
)

// ErrNoDevice is returned when an operation needs an attached device.
var ErrNoDevice = errors.New("device: no device connected")

// Defaults for [Config].
const (
	DefaultPlaybackAckTimeout = 10 * time.Second
	DefaultPermissionTimeout  = 30 * time.Second
	maxFrameBytes             = 1 << 20
)

// Controls are the session actions a device can request.
// *session.Controller satisfies it.
type Controls interface {
	HoldPressed()
	StopAll()
	Retry()
	Subscribe() (<-chan session.Snapshot, func())
}

// Config tunes a [Link].
type Config struct {
	// PlaybackAckTimeout bounds the wait for playback_done after the last
	// whisper chunk was sent.
	PlaybackAckTimeout time.Duration

	// PermissionTimeout bounds the wait for the answer to a permission
	// request.
	PermissionTimeout time.Duration

	// OriginPatterns are the allowed browser origins. Empty allows only
	// same-origin requests.
	OriginPatterns []string

	// OnDisconnect runs after a device detaches.
	OnDisconnect func()
}

// Option configures a [Link].
type Option func(*Link)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(k *Link) { k.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(k *Link) { k.metrics = m }
}

// Link serves /v1/device and adapts the attached device to the session
// controller's collaborator interfaces.
type Link struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	conn     *deviceConn
	controls Controls
}

// New returns a link with no device attached.
func New(cfg Config, opts ...Option) *Link {
	if cfg.PlaybackAckTimeout <= 0 {
		cfg.PlaybackAckTimeout = DefaultPlaybackAckTimeout
	}
	if cfg.PermissionTimeout <= 0 {
		cfg.PermissionTimeout = DefaultPermissionTimeout
	}
	k := &Link{cfg: cfg}
	for _, o := range opts {
		o(k)
	}
	if k.logger == nil {
		k.logger = slog.Default()
	}
	if k.metrics == nil {
		k.metrics = observe.DefaultMetrics()
	}
	return k
}

// SetControls connects device control messages and state updates to c. It
// must be called before devices attach.
func (k *Link) SetControls(c Controls) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.controls = c
}

// Close detaches the current device, if any.
func (k *Link) Close() {
	k.mu.Lock()
	dc := k.conn
	k.mu.Unlock()
	if dc != nil {
		dc.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// Connected reports whether a device is attached.
func (k *Link) Connected() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.conn != nil
}

func (k *Link) current() (*deviceConn, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.conn == nil {
		return nil, ErrNoDevice
	}
	return k.conn, nil
}

// ServeHTTP upgrades the request and runs the device session until the
// connection closes. A second device is refused with 409 Conflict.
func (k *Link) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	k.mu.Lock()
	busy := k.conn != nil
	k.mu.Unlock()
	if busy {
		http.Error(w, "a device is already connected", http.StatusConflict)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: k.cfg.OriginPatterns})
	if err != nil {
		k.logger.Warn("device: websocket upgrade failed", slog.Any("err", err))
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	dc := newDeviceConn(ws, k.logger)
	k.mu.Lock()
	if k.conn != nil {
		k.mu.Unlock()
		ws.Close(websocket.StatusTryAgainLater, "a device is already connected")
		return
	}
	k.conn = dc
	controls := k.controls
	k.mu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := k.logger.With(slog.String("device_id", dc.id))
	log.Info("device: connected", slog.String("remote", r.RemoteAddr))
	k.metrics.DeviceConnected.Add(ctx, 1)

	if controls != nil {
		go k.forwardState(ctx, dc, controls)
	}

	err = k.readLoop(ctx, dc, controls, log)

	k.mu.Lock()
	if k.conn == dc {
		k.conn = nil
	}
	k.mu.Unlock()
	dc.close()
	k.metrics.DeviceConnected.Add(context.Background(), -1)

	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		log.Info("device: disconnected")
	case errors.Is(err, context.Canceled):
		log.Info("device: link closed")
	default:
		log.Warn("device: connection lost", slog.Any("err", err))
	}
	ws.CloseNow()

	if k.cfg.OnDisconnect != nil {
		k.cfg.OnDisconnect()
	}
}

// readLoop dispatches frames until the connection fails.
func (k *Link) readLoop(ctx context.Context, dc *deviceConn, controls Controls, log *slog.Logger) error {
	for {
		typ, data, err := dc.ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageBinary {
			dc.capture(data)
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("device: malformed message", slog.Any("err", err))
			_ = dc.send(ctx, Message{Type: TypeError, Error: "malformed message"})
			continue
		}
		switch msg.Type {
		case TypeHello:
			dc.hello(audio.Format{SampleRate: msg.SampleRate, Channels: msg.Channels}, msg.MicGranted)
			log.Info("device: hello",
				slog.Int("sample_rate", msg.SampleRate),
				slog.Int("channels", msg.Channels),
				slog.Bool("mic_granted", msg.MicGranted),
			)
		case TypePermission:
			dc.answerPermission(msg.Granted)
		case TypePlaybackDone:
			dc.ackPlayback()
		case TypeHold, TypeStop, TypeRetry:
			if controls == nil {
				continue
			}
			switch msg.Type {
			case TypeHold:
				controls.HoldPressed()
			case TypeStop:
				controls.StopAll()
			case TypeRetry:
				controls.Retry()
			}
		default:
			log.Debug("device: unknown message type", slog.String("type", msg.Type))
			_ = dc.send(ctx, Message{Type: TypeError, Error: fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}
}

// forwardState pushes every controller snapshot to the device.
func (k *Link) forwardState(ctx context.Context, dc *deviceConn, controls Controls) {
	snaps, unsubscribe := controls.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-dc.done:
			return
		case s, ok := <-snaps:
			if !ok {
				return
			}
			raw, err := json.Marshal(s)
			if err != nil {
				continue
			}
			if err := dc.send(ctx, Message{Type: TypeState, Snapshot: raw}); err != nil {
				return
			}
		}
	}
}

// Start implements session.Capture. Microphone frames from the device are
// converted to [audio.Speech] and passed to sink until Stop.
func (k *Link) Start(ctx context.Context, sink func(frame []byte)) error {
	dc, err := k.current()
	if err != nil {
		return fault.New(fault.AudioFormatFailure, "capture", err)
	}
	if err := dc.startCapture(sink); err != nil {
		return fault.New(fault.AudioFormatFailure, "capture", err)
	}
	if err := dc.send(ctx, Message{Type: TypeCaptureStart}); err != nil {
		dc.stopCapture()
		return fault.New(fault.AudioFormatFailure, "capture", err)
	}
	return nil
}

// Stop implements session.Capture.
func (k *Link) Stop() {
	dc, err := k.current()
	if err != nil {
		return
	}
	if dc.stopCapture() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = dc.send(ctx, Message{Type: TypeCaptureStop})
	}
}

// Play implements speech.Sink. It streams pcm to the device and waits for the
// device to report that playback finished.
func (k *Link) Play(ctx context.Context, f audio.Format, pcm <-chan []byte) error {
	dc, err := k.current()
	if err != nil {
		return err
	}
	ack := dc.expectPlayback()

	if err := dc.send(ctx, Message{Type: TypePlaybackStart, SampleRate: f.SampleRate, Channels: f.Channels}); err != nil {
		return err
	}

stream:
	for {
		select {
		case chunk, ok := <-pcm:
			if !ok {
				break stream
			}
			if err := dc.ws.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				if ctx.Err() != nil {
					k.stopPlayback(dc)
					return ctx.Err()
				}
				return fmt.Errorf("device: write audio: %w", err)
			}
		case <-ctx.Done():
			k.stopPlayback(dc)
			return ctx.Err()
		}
	}
	if err := dc.send(ctx, Message{Type: TypePlaybackEnd}); err != nil {
		return err
	}

	timer := time.NewTimer(k.cfg.PlaybackAckTimeout)
	defer timer.Stop()
	select {
	case <-ack:
		return nil
	case <-dc.done:
		return ErrNoDevice
	case <-ctx.Done():
		k.stopPlayback(dc)
		return ctx.Err()
	case <-timer.C:
		// The audio was delivered; a missing ack only delays the next hold.
		k.logger.Warn("device: playback ack timed out", slog.String("device_id", dc.id))
		return nil
	}
}

func (k *Link) stopPlayback(dc *deviceConn) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = dc.send(ctx, Message{Type: TypePlaybackStop})
}

// RequestMicrophonePermission implements readiness.PermissionRequester. A
// device that announced mic_granted in its hello is not asked again.
func (k *Link) RequestMicrophonePermission(ctx context.Context) (bool, error) {
	dc, err := k.current()
	if err != nil {
		return false, err
	}
	if dc.micGranted() {
		return true, nil
	}

	answer := dc.expectPermission()
	if err := dc.send(ctx, Message{Type: TypePermissionRequest}); err != nil {
		return false, err
	}

	timer := time.NewTimer(k.cfg.PermissionTimeout)
	defer timer.Stop()
	select {
	case granted := <-answer:
		return granted, nil
	case <-dc.done:
		return false, ErrNoDevice
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return false, errors.New("device: permission request timed out")
	}
}

// deviceConn is the state of one attached device.
type deviceConn struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger
	done   chan struct{}

	mu         sync.Mutex
	format     audio.Format
	granted    bool
	sink       func([]byte)
	converter  *audio.CaptureConverter
	permission chan bool
	playback   chan struct{}
	closeOnce  sync.Once
}

func newDeviceConn(ws *websocket.Conn, logger *slog.Logger) *deviceConn {
	return &deviceConn{
		id:     uuid.NewString(),
		ws:     ws,
		logger: logger,
		done:   make(chan struct{}),
		format: audio.Speech,
	}
}

func (dc *deviceConn) close() {
	dc.closeOnce.Do(func() { close(dc.done) })
	dc.stopCapture()
}

func (dc *deviceConn) send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("device: marshal %s: %w", msg.Type, err)
	}
	if err := dc.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("device: send %s: %w", msg.Type, err)
	}
	return nil
}

func (dc *deviceConn) hello(f audio.Format, granted bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if f.SampleRate != 0 || f.Channels != 0 {
		dc.format = f
	}
	dc.granted = granted
}

func (dc *deviceConn) micGranted() bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.granted
}

func (dc *deviceConn) startCapture(sink func([]byte)) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	conv, err := audio.NewCaptureConverter(dc.format, dc.logger)
	if err != nil {
		return err
	}
	dc.converter = conv
	dc.sink = sink
	return nil
}

// stopCapture reports whether capture was running.
func (dc *deviceConn) stopCapture() bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	running := dc.sink != nil
	dc.sink = nil
	dc.converter = nil
	return running
}

// capture converts one microphone frame and hands it to the sink. Frames
// arriving while capture is stopped are dropped.
func (dc *deviceConn) capture(frame []byte) {
	dc.mu.Lock()
	sink, conv := dc.sink, dc.converter
	if sink == nil {
		dc.mu.Unlock()
		return
	}
	pcm, err := conv.Convert(frame)
	dc.mu.Unlock()
	if err != nil {
		dc.logger.Warn("device: capture conversion failed", slog.Any("err", err))
		return
	}
	if len(pcm) > 0 {
		sink(pcm)
	}
}

func (dc *deviceConn) expectPermission() <-chan bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.permission = make(chan bool, 1)
	return dc.permission
}

func (dc *deviceConn) answerPermission(granted bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if granted {
		dc.granted = true
	}
	if dc.permission != nil {
		dc.permission <- granted
		dc.permission = nil
	}
}

func (dc *deviceConn) expectPlayback() <-chan struct{} {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.playback = make(chan struct{}, 1)
	return dc.playback
}

func (dc *deviceConn) ackPlayback() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.playback != nil {
		dc.playback <- struct{}{}
		dc.playback = nil
	}
}
