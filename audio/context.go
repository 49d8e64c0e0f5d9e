package audio

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/gruntwork-io/go-commons/errors"
	"github.com/sirupsen/logrus"

	"github.com/robmorgan/metronome/logger"
)

const (
	DefaultSampleRate = beep.SampleRate(44100)
	DefaultBufferSize = 10 * time.Millisecond
)

// Context is a mixing audio device with a sample-accurate clock. It is itself a beep.Streamer and is
// handed to an Output, which pulls rendered buffers from it.
//
// The clock counts rendered sample frames, so it freezes while the device is suspended and Now never
// goes backwards.
type Context struct {
	sampleRate beep.SampleRate
	bufferSize time.Duration
	output     Output
	log        *logrus.Entry

	// serializes Resume, Suspend and Close
	lifecycle sync.Mutex

	mu       sync.Mutex
	state    DeviceState
	position int64
	voices   []*Voice
	scratch  [][2]float64
}

// Option configures a Context.
type Option func(*Context)

func WithSampleRate(sr beep.SampleRate) Option {
	return func(c *Context) {
		if sr > 0 {
			c.sampleRate = sr
		}
	}
}

func WithBufferSize(d time.Duration) Option {
	return func(c *Context) {
		if d > 0 {
			c.bufferSize = d
		}
	}
}

// NewContext creates an uninitialized device. Resume opens the output.
func NewContext(output Output, opts ...Option) *Context {
	c := &Context{
		sampleRate: DefaultSampleRate,
		bufferSize: DefaultBufferSize,
		output:     output,
		log:        logger.GetProjectLogger().WithField("component", "audio"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Context) SampleRate() beep.SampleRate {
	return c.sampleRate
}

// Now returns the current audio time in seconds.
func (c *Context) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.position) / float64(c.sampleRate)
}

func (c *Context) State() DeviceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Resume opens the output on first use and starts the clock. Resuming a running device is a no-op.
func (c *Context) Resume(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	switch c.State() {
	case StateRunning:
		return nil
	case StateClosed:
		return ErrDeviceClosed
	case StateSuspended:
		c.setState(StateRunning)
		c.log.Debug("audio device resumed")
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if c.output == nil {
		return fmt.Errorf("%w: no output configured", ErrNotInitialized)
	}
	if err := c.output.Init(c.sampleRate, c.sampleRate.N(c.bufferSize)); err != nil {
		return errors.WithStackTrace(fmt.Errorf("audio: opening output: %w", err))
	}
	c.setState(StateRunning)
	c.output.Play(c)

	c.log.WithFields(logrus.Fields{
		"sample_rate": int(c.sampleRate),
		"buffer":      c.bufferSize,
	}).Info("audio device initialized")
	return nil
}

// Suspend pauses rendering and freezes the clock.
func (c *Context) Suspend(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	switch c.State() {
	case StateUninitialized:
		return ErrNotInitialized
	case StateClosed:
		return ErrDeviceClosed
	}
	c.setState(StateSuspended)
	c.log.Debug("audio device suspended")
	return nil
}

// Close stops every voice and releases the output. It is safe to call more than once.
func (c *Context) Close() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	prev := c.state
	c.state = StateClosed
	for _, v := range c.voices {
		v.stopped = true
	}
	c.voices = nil
	c.mu.Unlock()

	if prev == StateRunning || prev == StateSuspended {
		c.output.Close()
		c.log.Info("audio device closed")
	}
}

// Start schedules s to begin at audio time at. Times in the past start immediately.
func (c *Context) Start(s beep.Streamer, at float64) (*Voice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateUninitialized:
		return nil, ErrNotInitialized
	case StateSuspended:
		return nil, ErrDeviceSuspended
	case StateClosed:
		return nil, ErrDeviceClosed
	}

	start := int64(math.Round(at * float64(c.sampleRate)))
	if start < c.position {
		start = c.position
	}
	v := &Voice{ctx: c, start: start, streamer: s}
	c.voices = append(c.voices, v)
	return v, nil
}

// Voices returns the number of voices still queued or sounding.
func (c *Context) Voices() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.voices)
}

// Stream renders the next buffer. While suspended it emits silence without advancing the clock.
func (c *Context) Stream(samples [][2]float64) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range samples {
		samples[i] = [2]float64{}
	}
	switch c.state {
	case StateClosed:
		return 0, false
	case StateRunning:
	default:
		return len(samples), true
	}

	c.mixLocked(samples)
	c.position += int64(len(samples))
	return len(samples), true
}

func (c *Context) Err() error {
	return nil
}

func (c *Context) mixLocked(samples [][2]float64) {
	n := int64(len(samples))
	if cap(c.scratch) < len(samples) {
		c.scratch = make([][2]float64, len(samples))
	}

	active := c.voices[:0]
	for _, v := range c.voices {
		if v.stopped {
			continue
		}
		offset := v.start - c.position
		if offset >= n {
			active = append(active, v)
			continue
		}
		if offset < 0 {
			offset = 0
		}

		buf := c.scratch[:n-offset]
		for i := range buf {
			buf[i] = [2]float64{}
		}
		m, ok := v.streamer.Stream(buf)
		for i := 0; i < m; i++ {
			samples[offset+int64(i)][0] += buf[i][0]
			samples[offset+int64(i)][1] += buf[i][1]
		}
		if !ok || m < len(buf) {
			v.stopped = true
			continue
		}
		active = append(active, v)
	}
	for i := len(active); i < len(c.voices); i++ {
		c.voices[i] = nil
	}
	c.voices = active
}

func (c *Context) setState(s DeviceState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Voice is a streamer scheduled on a Context.
type Voice struct {
	ctx      *Context
	start    int64
	streamer beep.Streamer
	stopped  bool
}

// StartTime is the audio time the voice begins at, after clamping to the clock.
func (v *Voice) StartTime() float64 {
	return float64(v.start) / float64(v.ctx.sampleRate)
}

// Stop silences the voice. Stopping a finished voice is a no-op.
func (v *Voice) Stop() {
	v.ctx.mu.Lock()
	defer v.ctx.mu.Unlock()
	if v.stopped {
		return
	}
	v.stopped = true
	for i, other := range v.ctx.voices {
		if other == v {
			v.ctx.voices = append(v.ctx.voices[:i], v.ctx.voices[i+1:]...)
			break
		}
	}
}

// Done reports whether the voice has finished or been stopped.
func (v *Voice) Done() bool {
	v.ctx.mu.Lock()
	defer v.ctx.mu.Unlock()
	return v.stopped
}
