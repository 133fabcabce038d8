package transcribe_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/holdcue/internal/fault"
	"github.com/MrWong99/holdcue/internal/transcribe"
	"github.com/MrWong99/holdcue/pkg/audio"
	"github.com/MrWong99/holdcue/pkg/provider/stt/mock"
)

// fixedSource returns the same loud window on every snapshot.
type fixedSource struct {
	mu        sync.Mutex
	data      []byte
	snapshots int
	lastMax   int
}

func (f *fixedSource) SnapshotTrailingWindow(maxBytes int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	f.lastMax = maxBytes
	out := f.data
	if len(out) > maxBytes {
		out = out[len(out)-maxBytes:]
	}
	return append([]byte(nil), out...)
}

func loud(n int) []byte {
	b := make([]byte, n)
	for i := 0; i < n; i += 2 {
		b[i] = 0x00
		b[i+1] = 0x40 // 16384
	}
	return b
}

type harness struct {
	ticks    chan time.Time
	partials chan string
	errs     chan error
	cancel   context.CancelFunc
	done     chan error
}

func start(t *testing.T, src transcribe.Source, p *mock.Provider, cfg transcribe.Config) *harness {
	t.Helper()
	h := &harness{
		ticks:    make(chan time.Time),
		partials: make(chan string, 16),
		errs:     make(chan error, 16),
		done:     make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	s := transcribe.New(src, p, cfg, transcribe.WithTicks(h.ticks))
	go func() { h.done <- s.Run(ctx, h.partials, h.errs) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return h
}

// tick sends one tick. Because ticks is unbuffered, a returning tick also
// means every earlier tick has been fully handled.
func (h *harness) tick(t *testing.T) {
	t.Helper()
	select {
	case h.ticks <- time.Now():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not accept tick")
	}
}

// tickUntilPartial ticks until a partial arrives. Ticks that land while a
// request is in flight are dropped, so a single tick is not enough.
func (h *harness) tickUntilPartial(t *testing.T) string {
	t.Helper()
	for range 200 {
		h.tick(t)
		select {
		case p := <-h.partials:
			return p
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Fatal("no partial delivered")
	return ""
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) partial(t *testing.T) string {
	t.Helper()
	select {
	case p := <-h.partials:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no partial delivered")
		return ""
	}
}

func TestScheduler_DeliversNewPartials(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Responses: []mock.Response{
		{Text: "  my   back "},
		{Text: "my back"},
		{Text: "my back hurts"},
		{Text: "   "},
	}}
	src := &fixedSource{data: loud(audio.Speech.BytesFor(3 * time.Second))}
	h := start(t, src, p, transcribe.Config{})

	if got := h.tickUntilPartial(t); got != "my back" {
		t.Errorf("first partial = %q, want %q", got, "my back")
	}
	// The duplicate "my back" is discarded, so the next delivery is the
	// longer hypothesis.
	if got := h.tickUntilPartial(t); got != "my back hurts" {
		t.Errorf("second partial = %q, want %q", got, "my back hurts")
	}
	if got := p.CallCount(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}

	// Remaining answers are empty and must not be delivered.
	eventually(t, func() bool {
		h.tick(t)
		return p.CallCount() >= 5
	})
	select {
	case got := <-h.partials:
		t.Errorf("unexpected partial %q", got)
	case <-time.After(20 * time.Millisecond):
	}

	req, ok := p.LastRequest()
	if !ok {
		t.Fatal("no request recorded")
	}
	if want := audio.Speech.BytesFor(2400 * time.Millisecond); len(req.Audio) != want {
		t.Errorf("window = %d bytes, want %d", len(req.Audio), want)
	}
}

func TestScheduler_DropsTicksWhileInFlight(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	p := &mock.Provider{Text: "the pain", Block: block}
	src := &fixedSource{data: loud(40000)}
	h := start(t, src, p, transcribe.Config{})

	h.tick(t)
	eventually(t, func() bool { return p.CallCount() == 1 })
	for range 5 {
		h.tick(t)
	}
	if got := p.CallCount(); got != 1 {
		t.Fatalf("calls while in flight = %d, want 1", got)
	}

	close(block)
	if got := h.partial(t); got != "the pain" {
		t.Errorf("partial = %q", got)
	}

	eventually(t, func() bool {
		h.tick(t)
		return p.CallCount() >= 2
	})
}

func TestScheduler_SkipsShortWindows(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Text: "noise"}
	src := &fixedSource{data: loud(1500)}
	h := start(t, src, p, transcribe.Config{})

	for range 3 {
		h.tick(t)
	}
	if got := p.CallCount(); got != 0 {
		t.Errorf("calls for a 1500-byte window = %d, want 0", got)
	}

	src.mu.Lock()
	src.data = loud(1502)
	src.mu.Unlock()
	h.tick(t)
	if got := h.partial(t); got != "noise" {
		t.Errorf("partial = %q", got)
	}
}

func TestScheduler_SkipsSilence(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Text: "hiss"}
	src := &fixedSource{data: make([]byte, 40000)}
	h := start(t, src, p, transcribe.Config{SilenceRMS: 0.01})

	for range 3 {
		h.tick(t)
	}
	if got := p.CallCount(); got != 0 {
		t.Errorf("calls for silent windows = %d, want 0", got)
	}
}

func TestScheduler_ReportsFailuresWithoutRetry(t *testing.T) {
	t.Parallel()

	boom := errors.New("backend down")
	p := &mock.Provider{Responses: []mock.Response{{Err: boom}}, Text: "recovered"}
	src := &fixedSource{data: loud(40000)}
	h := start(t, src, p, transcribe.Config{})

	h.tick(t)
	var err error
	select {
	case err = <-h.errs:
	case <-time.After(2 * time.Second):
		t.Fatal("no error delivered")
	}
	if !errors.Is(err, fault.ErrTranscriptionFailure) {
		t.Errorf("error kind = %v, want TranscriptionFailure", fault.KindOf(err))
	}
	if !errors.Is(err, boom) {
		t.Errorf("error %v does not wrap the cause", err)
	}
	if got := p.CallCount(); got != 1 {
		t.Errorf("calls = %d, want 1 (no automatic retry)", got)
	}

	// The flag is cleared, so the next tick submits again.
	h.tick(t)
	if got := h.partial(t); got != "recovered" {
		t.Errorf("partial after failure = %q", got)
	}
}

func TestScheduler_DiscardsResultsAfterCancel(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	p := &mock.Provider{Text: "late", Block: block}
	src := &fixedSource{data: loud(40000)}
	h := start(t, src, p, transcribe.Config{})

	h.tick(t)
	h.cancel()
	close(block)

	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
		h.done <- nil // let cleanup observe the return
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	select {
	case got := <-h.partials:
		t.Errorf("partial %q delivered after cancel", got)
	default:
	}
}

func TestScheduler_WindowBytes(t *testing.T) {
	t.Parallel()

	s := transcribe.New(&fixedSource{}, &mock.Provider{}, transcribe.Config{})
	if got := s.WindowBytes(); got != 76800 {
		t.Errorf("WindowBytes() = %d, want 76800", got)
	}
}
