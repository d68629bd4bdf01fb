package audio

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// SineOpener opens synthetic devices that produce a sine tone in real time.
// It is used for bench testing nodes without capture hardware.
type SineOpener struct {
	Frequency float64 // Hz
	Amplitude float64 // 0..1 of full scale
}

// Open returns a channel paced to the format's sample rate.
func (o SineOpener) Open(device string, format Format) (Channel, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	freq := o.Frequency
	if freq <= 0 {
		freq = 1000
	}
	amp := o.Amplitude
	if amp <= 0 || amp > 1 {
		amp = 0.5
	}

	period := format.PeriodDuration()
	return &sineChannel{
		format: format,
		step:   2 * math.Pi * freq / float64(format.SampleRate),
		amp:    amp * math.MaxInt16,
		period: period,
		buf:    make([]byte, format.PeriodBytes()),
	}, nil
}

type sineChannel struct {
	format Format
	step   float64
	amp    float64
	phase  float64
	period time.Duration
	next   time.Time
	buf    []byte

	mu     sync.Mutex
	closed bool
}

func (c *sineChannel) Read() (int, []byte, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, nil, ErrChannelClosed
	}

	// Pacing starts with the first read, not at open.
	if c.next.IsZero() {
		c.next = time.Now().Add(c.period)
	}

	if wait := time.Until(c.next); wait > 0 {
		time.Sleep(wait)
	}

	// A reader that fell behind by more than the device buffer loses data,
	// the same way a hardware ring buffer would.
	if lag := time.Since(c.next); lag > c.period*time.Duration(c.format.Periods) {
		c.next = time.Now().Add(c.period)
		return FramesOverrun, nil, nil
	}
	c.next = c.next.Add(c.period)

	frameBytes := c.format.FrameBytes()
	for i := 0; i < c.format.PeriodFrames; i++ {
		s := int16(c.amp * math.Sin(c.phase))
		c.phase += c.step
		for ch := 0; ch < c.format.Channels; ch++ {
			off := i*frameBytes + ch*BytesPerSample
			binary.LittleEndian.PutUint16(c.buf[off:], uint16(s))
		}
	}
	c.phase = math.Mod(c.phase, 2*math.Pi)

	return c.format.PeriodFrames, c.buf, nil
}

func (c *sineChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
