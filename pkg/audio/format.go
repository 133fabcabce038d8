// Package audio provides the PCM primitives shared by the trigger pipeline:
// the capture format, the rolling window buffer the scheduler reads from,
// conversion of device capture streams, and a small WAV codec used by the
// HTTP speech providers.
//
// All PCM in this package is signed 16-bit little-endian, interleaved when
// there is more than one channel.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// BytesPerSample is the size of one 16-bit sample.
const BytesPerSample = 2

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// Speech is the format the transcription pipeline runs on: mono, 16 kHz.
var Speech = Format{SampleRate: 16000, Channels: 1}

// Validate reports whether f can be converted to [Speech].
func (f Format) Validate() error {
	var errs []error
	if f.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", f.SampleRate))
	}
	if f.Channels != 1 && f.Channels != 2 {
		errs = append(errs, fmt.Errorf("%d channels not supported; want 1 or 2", f.Channels))
	}
	return errors.Join(errs...)
}

// FrameSize returns the number of bytes in one sample frame (all channels).
func (f Format) FrameSize() int {
	return f.Channels * BytesPerSample
}

// BytesPerSecond returns the PCM data rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameSize()
}

// BytesFor returns the byte length of d worth of audio, rounded down to a
// whole frame. 2.4s of [Speech] is 76800 bytes.
func (f Format) BytesFor(d time.Duration) int {
	if d <= 0 || f.FrameSize() == 0 {
		return 0
	}
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return frames * f.FrameSize()
}

// Duration returns how long n bytes of f play for.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
