package sound

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/gruntwork-io/go-commons/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/robmorgan/metronome/audio"
	"github.com/robmorgan/metronome/logger"
	"github.com/robmorgan/metronome/observe"
)

const (
	MaxVolume       = 0.9
	DefaultPoolSize = 16
	// CleanupMargin is added to a note's length before its voice and gain node are reclaimed.
	CleanupMargin = 100 * time.Millisecond
)

// Device is the audio device notes are started on.
type Device interface {
	audio.Clock
	SampleRate() beep.SampleRate
	Start(s beep.Streamer, at float64) (*audio.Voice, error)
}

// Emitter turns beat events into sound on an audio Device.
type Emitter struct {
	clock   clock.WithDelayedExecution
	pool    *GainPool
	metrics *observe.Metrics
	log     *logrus.Entry

	mu     sync.RWMutex
	device Device
	tone   Tone
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

func WithPoolSize(n int) EmitterOption {
	return func(e *Emitter) {
		e.pool = NewGainPool(n)
	}
}

func WithMetrics(m *observe.Metrics) EmitterOption {
	return func(e *Emitter) {
		e.metrics = m
	}
}

// NewEmitter creates an Emitter playing the default tone. clk schedules the cleanup of finished notes.
func NewEmitter(device Device, clk clock.WithDelayedExecution, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		clock:   clk,
		pool:    NewGainPool(DefaultPoolSize),
		metrics: observe.DefaultMetrics(),
		log:     logger.GetProjectLogger().WithField("component", "sound"),
		device:  device,
		tone:    Tones[DefaultTone],
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetTone switches the click voice for subsequent beats.
func (e *Emitter) SetTone(name string) error {
	t, err := LookupTone(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.tone = t
	e.mu.Unlock()
	return nil
}

// Tone returns the active click voice.
func (e *Emitter) Tone() Tone {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tone
}

// SetDevice points the emitter at a new device, e.g. after the previous one was closed.
func (e *Emitter) SetDevice(d Device) {
	e.mu.Lock()
	e.device = d
	e.mu.Unlock()
}

// Pool exposes the gain node arena.
func (e *Emitter) Pool() *GainPool {
	return e.pool
}

// Emit schedules a single note at the given audio time. It never returns an error: a beat that
// cannot be played is logged and reported as false.
func (e *Emitter) Emit(timestamp float64, accent bool, volume float64) bool {
	e.mu.RLock()
	device, tone := e.device, e.tone
	e.mu.RUnlock()

	if device == nil {
		e.log.Debug("no audio device; dropping beat")
		return false
	}
	if st := device.State(); st != audio.StateRunning {
		e.log.WithField("state", st).Debug("audio device not running; dropping beat")
		return false
	}

	now := device.Now()
	start := math.Max(timestamp, now)
	sr := device.SampleRate()
	frames := sr.N(tone.Duration)

	src := e.synthesize(tone, accent, sr, frames)
	h, ok := e.pool.acquire(src, tone.Envelope, clampVolume(volume)*tone.gain(accent), frames)
	if !ok {
		e.log.Warn("gain pool exhausted; dropping beat")
		e.metrics.RecordEmitFailure(context.Background())
		return false
	}

	voice, err := device.Start(beep.Seq(h.node, beep.Callback(func() { e.pool.release(h) })), start)
	if err != nil {
		e.pool.release(h)
		e.log.WithError(err).Warn("could not start note")
		e.metrics.RecordEmitFailure(context.Background())
		return false
	}

	lifetime := time.Duration((start-now)*float64(time.Second)) + tone.Duration + CleanupMargin
	e.clock.AfterFunc(lifetime, func() {
		voice.Stop()
		e.pool.release(h)
	})
	return true
}

// synthesize builds the note source, falling back to silence if the oscillator cannot be built.
func (e *Emitter) synthesize(t Tone, accent bool, sr beep.SampleRate, frames int) (s beep.Streamer) {
	defer errors.Recover(func(cause error) {
		e.log.WithError(cause).Warn("tone synthesis panicked; emitting silence")
		s = beep.Silence(frames)
	})

	osc, err := t.Oscillator(sr, accent)
	if err != nil {
		e.log.WithError(err).Warn("tone synthesis failed; emitting silence")
		return beep.Silence(frames)
	}
	return osc
}

func clampVolume(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, MaxVolume)
}
