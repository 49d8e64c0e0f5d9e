package sound

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/faiface/beep"
)

const twoPi = 2 * math.Pi

// ShapeFn maps a phase in [0, 2π) to a sample in [-1, 1].
type ShapeFn func(phase float64) float64

// Waveform names a ShapeFn.
type Waveform string

const (
	WaveSine     Waveform = "sine"
	WaveSquare   Waveform = "square"
	WaveTriangle Waveform = "triangle"
	WaveSawtooth Waveform = "sawtooth"
	WaveNoise    Waveform = "noise"
)

var shapes = map[Waveform]ShapeFn{
	WaveSine: math.Sin,
	WaveSquare: func(phase float64) float64 {
		if phase < math.Pi {
			return 1
		}
		return -1
	},
	WaveTriangle: func(phase float64) float64 {
		v := phase / twoPi
		return 4*math.Abs(v-math.Floor(v+0.5)) - 1
	},
	WaveSawtooth: func(phase float64) float64 {
		return 2*(phase/twoPi) - 1
	},
	WaveNoise: func(float64) float64 {
		return rand.Float64()*2 - 1
	},
}

// oscillator is a single-use streamer producing a fixed number of frames of a periodic waveform.
type oscillator struct {
	shape     ShapeFn
	step      float64
	phase     float64
	remaining int
}

// newOscillator builds a fresh oscillator. A new one is needed for every note because a finished
// streamer cannot be restarted.
func newOscillator(wave Waveform, freq float64, sr beep.SampleRate, frames int) (beep.Streamer, error) {
	shape, ok := shapes[wave]
	if !ok {
		return nil, fmt.Errorf("sound: unknown waveform %q", wave)
	}
	if freq <= 0 || math.IsNaN(freq) || math.IsInf(freq, 0) {
		return nil, fmt.Errorf("sound: invalid frequency %v", freq)
	}
	if frames <= 0 {
		return nil, fmt.Errorf("sound: invalid length %d", frames)
	}
	return &oscillator{
		shape:     shape,
		step:      twoPi * freq / float64(sr),
		remaining: frames,
	}, nil
}

func (o *oscillator) Stream(samples [][2]float64) (int, bool) {
	if o.remaining <= 0 {
		return 0, false
	}
	n := len(samples)
	if n > o.remaining {
		n = o.remaining
	}
	for i := 0; i < n; i++ {
		v := o.shape(o.phase)
		samples[i] = [2]float64{v, v}
		o.phase += o.step
		if o.phase >= twoPi {
			o.phase -= twoPi
		}
	}
	o.remaining -= n
	return n, true
}

func (o *oscillator) Err() error {
	return nil
}
