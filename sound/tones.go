package sound

import (
	"fmt"
	"sort"
	"time"

	"github.com/faiface/beep"
	"github.com/fogleman/ease"
)

// Tone is a named click voice.
type Tone struct {
	Name        string
	Description string
	Wave        Waveform

	// Frequency is used for regular beats, AccentFrequency for the first beat of a bar.
	Frequency       float64
	AccentFrequency float64
	Duration        time.Duration

	// Gain applied to regular beats relative to accented ones.
	BeatGain float64

	Envelope Envelope
}

const DefaultTone = "click"

// Tones is the registry of available click voices.
var Tones = map[string]Tone{
	"click": {
		Name:            "click",
		Description:     "Short sine click",
		Wave:            WaveSine,
		Frequency:       1000,
		AccentFrequency: 1500,
		Duration:        30 * time.Millisecond,
		BeatGain:        0.75,
		Envelope:        Envelope{Attack: 0.05, Release: 0.7},
	},
	"beep": {
		Name:            "beep",
		Description:     "Classic electronic metronome beep",
		Wave:            WaveSine,
		Frequency:       880,
		AccentFrequency: 1760,
		Duration:        80 * time.Millisecond,
		BeatGain:        0.75,
		Envelope:        Envelope{Attack: 0.06, Release: 0.3},
	},
	"woodblock": {
		Name:            "woodblock",
		Description:     "Dry percussive knock",
		Wave:            WaveTriangle,
		Frequency:       1200,
		AccentFrequency: 1600,
		Duration:        40 * time.Millisecond,
		BeatGain:        0.8,
		Envelope:        Envelope{Attack: 0.02, Release: 0.9, ReleaseFn: ease.OutExpo},
	},
	"cowbell": {
		Name:            "cowbell",
		Description:     "Bright square wave bell",
		Wave:            WaveSquare,
		Frequency:       560,
		AccentFrequency: 800,
		Duration:        60 * time.Millisecond,
		BeatGain:        0.6,
		Envelope:        Envelope{Attack: 0.03, Release: 0.8, ReleaseFn: ease.OutQuart},
	},
	"noise": {
		Name:            "noise",
		Description:     "Noise burst, like a stick on a rim",
		Wave:            WaveNoise,
		Frequency:       1,
		AccentFrequency: 1,
		Duration:        20 * time.Millisecond,
		BeatGain:        0.6,
		Envelope:        Envelope{Attack: 0.05, Release: 0.9, ReleaseFn: ease.OutExpo},
	},
}

// ToneNames returns the registered tone names in alphabetical order.
func ToneNames() []string {
	names := make([]string, 0, len(Tones))
	for name := range Tones {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupTone finds a tone by name.
func LookupTone(name string) (Tone, error) {
	t, ok := Tones[name]
	if !ok {
		return Tone{}, fmt.Errorf("sound: unknown tone %q (have %v)", name, ToneNames())
	}
	return t, nil
}

func (t Tone) frequency(accent bool) float64 {
	if accent {
		return t.AccentFrequency
	}
	return t.Frequency
}

func (t Tone) gain(accent bool) float64 {
	if accent {
		return 1
	}
	return t.BeatGain
}

// Oscillator builds a fresh source for one note.
func (t Tone) Oscillator(sr beep.SampleRate, accent bool) (beep.Streamer, error) {
	return newOscillator(t.Wave, t.frequency(accent), sr, sr.N(t.Duration))
}
