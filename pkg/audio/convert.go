package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"
)

// CaptureConverter converts one capture stream from its device format to
// [Speech]. It keeps resampler state between frames, so create one per
// stream; it is not safe for concurrent use.
type CaptureConverter struct {
	src       Format
	resampler resampling.Resampler
	logger    *slog.Logger

	warnedCorrupt sync.Once
}

// NewCaptureConverter returns a converter from src to [Speech]. It fails when
// src is not a supported capture format.
func NewCaptureConverter(src Format, logger *slog.Logger) (*CaptureConverter, error) {
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("audio: capture format %s: %w", src, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &CaptureConverter{src: src, logger: logger}
	if src.SampleRate != Speech.SampleRate {
		r, err := resampling.New(&resampling.Config{
			InputRate:  float64(src.SampleRate),
			OutputRate: float64(Speech.SampleRate),
			Channels:   Speech.Channels,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("audio: create resampler %s -> %s: %w", src, Speech, err)
		}
		c.resampler = r
		logger.Info("audio capture resampling enabled", "from", src.String(), "to", Speech.String())
	}
	return c, nil
}

// Source returns the device format this converter was built for.
func (c *CaptureConverter) Source() Format { return c.src }

// Convert returns frame in [Speech] format. Frames that do not hold a whole
// number of sample frames are dropped (nil, nil) with a one-time warning.
// The result may be empty while the resampler fills its filter.
func (c *CaptureConverter) Convert(frame []byte) ([]byte, error) {
	if len(frame)%c.src.FrameSize() != 0 {
		c.warnedCorrupt.Do(func() {
			c.logger.Warn("audio capture: frame not aligned to sample frames, dropping",
				"bytes", len(frame),
				"format", c.src.String(),
			)
		})
		return nil, nil
	}

	pcm := frame
	if c.src.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	if c.resampler == nil {
		return pcm, nil
	}

	out, err := c.resampler.Process(Samples(pcm))
	if err != nil {
		return nil, fmt.Errorf("audio: resample: %w", err)
	}

	buf := make([]byte, len(out)*BytesPerSample)
	for i, s := range out {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(floatToInt16(s)))
	}
	return buf, nil
}

// Samples returns mono 16-bit PCM as float64 samples scaled to [-1, 1).
func Samples(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

// MonoFloat32 down-mixes interleaved 16-bit PCM with the given channel count
// to mono float32 samples in [-1, 1), the input shape of whisper.cpp. A
// trailing partial frame is ignored.
func MonoFloat32(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / (BytesPerSample * channels)
	out := make([]float32, frames)
	for i := range out {
		var sum int32
		for ch := range channels {
			off := (i*channels + ch) * BytesPerSample
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
		out[i] = float32(sum) / float32(channels) / 32768.0
	}
	return out
}

func floatToInt16(s float64) int16 {
	switch {
	case s >= 1.0:
		return math.MaxInt16
	case s <= -1.0:
		return math.MinInt16
	}
	return int16(s * 32767.0)
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// RMS returns the root-mean-square energy of mono 16-bit PCM, in sample units
// (0–32767). It returns 0 for buffers shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
