package audio_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/holdcue/pkg/audio"
)

func seq(start, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(start + i)
	}
	return b
}

func TestWindowBuffer_SnapshotShorterThanWindow(t *testing.T) {
	t.Parallel()

	b := audio.NewWindowBuffer(64)
	if err := b.Append(seq(0, 10)); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if got := b.SnapshotTrailingWindow(32); !bytes.Equal(got, seq(0, 10)) {
		t.Errorf("SnapshotTrailingWindow(32) = %v, want all 10 bytes", got)
	}
}

func TestWindowBuffer_SnapshotReturnsTail(t *testing.T) {
	t.Parallel()

	b := audio.NewWindowBuffer(64)
	_ = b.Append(seq(0, 20))
	_ = b.Append(seq(20, 20))

	if got := b.SnapshotTrailingWindow(8); !bytes.Equal(got, seq(32, 8)) {
		t.Errorf("SnapshotTrailingWindow(8) = %v, want %v", got, seq(32, 8))
	}
	if b.Len() != 40 {
		t.Errorf("Len() = %d after snapshot, want 40 (snapshot must not consume)", b.Len())
	}
}

func TestWindowBuffer_EvictsOldestBeyondCapacity(t *testing.T) {
	t.Parallel()

	b := audio.NewWindowBuffer(16)
	_ = b.Append(seq(0, 12))
	_ = b.Append(seq(12, 8))

	if got := b.SnapshotTrailingWindow(100); !bytes.Equal(got, seq(4, 16)) {
		t.Errorf("snapshot = %v, want %v", got, seq(4, 16))
	}
}

func TestWindowBuffer_FrameLargerThanCapacity(t *testing.T) {
	t.Parallel()

	b := audio.NewWindowBuffer(8)
	_ = b.Append(seq(0, 4))
	_ = b.Append(seq(10, 12))

	if got := b.SnapshotTrailingWindow(8); !bytes.Equal(got, seq(14, 8)) {
		t.Errorf("snapshot = %v, want %v", got, seq(14, 8))
	}
}

func TestWindowBuffer_RejectsOddFrames(t *testing.T) {
	t.Parallel()

	b := audio.NewWindowBuffer(16)
	if err := b.Append([]byte{1, 2, 3}); err == nil {
		t.Error("Append(3 bytes) error = nil, want error")
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
}

func TestWindowBuffer_Reset(t *testing.T) {
	t.Parallel()

	b := audio.NewWindowBuffer(16)
	_ = b.Append(seq(0, 8))
	b.Reset()
	if got := b.SnapshotTrailingWindow(16); len(got) != 0 {
		t.Errorf("snapshot after Reset = %v, want empty", got)
	}
}

func TestWindowBuffer_ConcurrentWriterAndReader(t *testing.T) {
	t.Parallel()

	b := audio.NewWindowBuffer(audio.Speech.BytesFor(2400 * time.Millisecond))
	frame := make([]byte, 640)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 500 {
			if err := b.Append(frame); err != nil {
				t.Errorf("Append() error: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for range 500 {
			if got := b.SnapshotTrailingWindow(76800); len(got)%2 != 0 {
				t.Errorf("snapshot length %d not sample aligned", len(got))
				return
			}
		}
	}()
	wg.Wait()

	if b.Len() != b.Capacity() {
		t.Errorf("Len() = %d, want capacity %d", b.Len(), b.Capacity())
	}
}
