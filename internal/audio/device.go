package audio

import (
	"errors"
	"fmt"
	"time"
)

// BytesPerSample is the width of one S16_LE sample.
const BytesPerSample = 2

// FramesOverrun is the frame count a Channel reports when the device buffer
// overflowed and the period was lost. It mirrors ALSA's -EPIPE.
const FramesOverrun = -32

// ErrChannelClosed is returned by Read after Close.
var ErrChannelClosed = errors.New("capture channel closed")

// Format describes the PCM stream produced by a capture device. Samples are
// always signed 16-bit little endian.
type Format struct {
	SampleRate   int
	Channels     int
	PeriodFrames int // frames returned by one Read
	Periods      int // periods held by the device buffer
}

// Validate checks that the format can be captured.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channel count must be positive, got %d", f.Channels)
	}
	if f.PeriodFrames <= 0 {
		return fmt.Errorf("period size must be positive, got %d", f.PeriodFrames)
	}
	if f.Periods <= 0 {
		return fmt.Errorf("period count must be positive, got %d", f.Periods)
	}
	return nil
}

// FrameBytes returns the size of one frame across all channels.
func (f Format) FrameBytes() int {
	return f.Channels * BytesPerSample
}

// PeriodBytes returns the size of one full Read.
func (f Format) PeriodBytes() int {
	return f.PeriodFrames * f.FrameBytes()
}

// ByteRate returns bytes produced per second of audio.
func (f Format) ByteRate() int {
	return f.SampleRate * f.FrameBytes()
}

// PeriodDuration returns the wall time covered by one period.
func (f Format) PeriodDuration() time.Duration {
	return time.Duration(f.PeriodFrames) * time.Second / time.Duration(f.SampleRate)
}

// Channel is an open capture device.
//
// Read blocks for at most about one period. A positive frame count comes
// with data, zero means nothing was ready and a negative count reports an
// overrun whose data was discarded. The returned slice is only valid until
// the next call to Read.
type Channel interface {
	Read() (frames int, data []byte, err error)
	Close() error
}

// Flusher is implemented by channels that buffer audio from the moment they
// are opened. Flush drops whatever is buffered, without waiting for more than
// about a millisecond, and returns the number of bytes dropped.
type Flusher interface {
	Flush() (int, error)
}

// Opener opens capture devices by name.
type Opener interface {
	Open(device string, format Format) (Channel, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(device string, format Format) (Channel, error)

// Open calls f.
func (f OpenerFunc) Open(device string, format Format) (Channel, error) {
	return f(device, format)
}
