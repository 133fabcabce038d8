package audio

import (
	"fmt"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// WindowBuffer is the rolling capture buffer the transcription scheduler
// reads from. It retains at most its capacity in bytes; older audio is only
// ever discarded from the head when newer audio needs the room, which is the
// trailing-window truncation itself.
//
// Append is called from the capture goroutine and SnapshotTrailingWindow from
// the scheduler. Both hold the lock only for a copy.
type WindowBuffer struct {
	mu  sync.Mutex
	rb  *ringbuffer.RingBuffer
	cap int
}

// NewWindowBuffer returns a buffer retaining up to capacity bytes. capacity is
// rounded down to a whole 16-bit sample.
func NewWindowBuffer(capacity int) *WindowBuffer {
	capacity -= capacity % BytesPerSample
	if capacity < BytesPerSample {
		capacity = BytesPerSample
	}
	return &WindowBuffer{rb: ringbuffer.New(capacity), cap: capacity}
}

// Capacity returns the maximum number of retained bytes.
func (b *WindowBuffer) Capacity() int { return b.cap }

// Append adds a mono 16-bit PCM frame. A frame with an odd byte count is
// rejected.
func (b *WindowBuffer) Append(frame []byte) error {
	if len(frame)%BytesPerSample != 0 {
		return fmt.Errorf("audio: frame of %d bytes is not 16-bit aligned", len(frame))
	}
	if len(frame) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(frame) >= b.cap {
		b.rb.Reset()
		frame = frame[len(frame)-b.cap:]
	} else if free := b.rb.Free(); free < len(frame) {
		b.discard(len(frame) - free)
	}
	if _, err := b.rb.Write(frame); err != nil {
		return fmt.Errorf("audio: window append: %w", err)
	}
	return nil
}

// discard drops n bytes from the head. Called with mu held.
func (b *WindowBuffer) discard(n int) {
	scratch := make([]byte, n)
	for n > 0 {
		read, err := b.rb.Read(scratch[:n])
		if err != nil || read == 0 {
			b.rb.Reset()
			return
		}
		n -= read
	}
}

// SnapshotTrailingWindow returns a copy of the most recent maxBytes bytes, or
// of everything retained when less is available. The buffer is unchanged.
func (b *WindowBuffer) SnapshotTrailingWindow(maxBytes int) []byte {
	if maxBytes <= 0 {
		return nil
	}
	maxBytes -= maxBytes % BytesPerSample

	b.mu.Lock()
	data := b.rb.Bytes(nil)
	b.mu.Unlock()

	if len(data) > maxBytes {
		data = data[len(data)-maxBytes:]
	}
	return data
}

// Len returns the number of retained bytes.
func (b *WindowBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rb.Length()
}

// Reset discards all retained audio.
func (b *WindowBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rb.Reset()
}
