// Package config holds the options that configure the metronome: musical defaults, the audio device,
// outputs (OSC, DMX, HTTP) and the tap tempo estimator.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/robmorgan/metronome/profile"
	"github.com/robmorgan/metronome/rhythm"
	"github.com/robmorgan/metronome/sound"
)

// MetronomeConfig represents options that configure the global behavior of the program
type MetronomeConfig struct {
	LogLevel string `yaml:"log_level"`

	Metronome MetronomeSection `yaml:"metronome"`
	Audio     AudioSection     `yaml:"audio"`
	OSC       OSCSection       `yaml:"osc"`
	DMX       DMXSection       `yaml:"dmx"`
	HTTP      HTTPSection      `yaml:"http"`
	Tap       TapSection       `yaml:"tap"`

	// The fixture profiles
	FixtureProfiles map[string]profile.Profile `yaml:"-"`
}

type MetronomeSection struct {
	BPM         float64 `yaml:"bpm"`
	Numerator   int     `yaml:"numerator"`
	Denominator int     `yaml:"denominator"`
	Volume      float64 `yaml:"volume"`
	Tone        string  `yaml:"tone"`
	MinBPM      float64 `yaml:"min_bpm"`
	MaxBPM      float64 `yaml:"max_bpm"`
}

type AudioSection struct {
	SampleRate int `yaml:"sample_rate"`
	BufferMS   int `yaml:"buffer_ms"`
}

// BufferSize returns the device buffer as a duration.
func (a AudioSection) BufferSize() time.Duration {
	return time.Duration(a.BufferMS) * time.Millisecond
}

type OSCSection struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Prefix  string `yaml:"prefix"`
}

type DMXSection struct {
	Enabled bool   `yaml:"enabled"`
	OLAAddr string `yaml:"ola_addr"`
	TickMS  int    `yaml:"tick_ms"`

	// PatchedFixtures stores all of the patched fixtures
	Fixtures []PatchedFixture `yaml:"fixtures"`
}

// Tick returns the DMX refresh interval.
func (d DMXSection) Tick() time.Duration {
	return time.Duration(d.TickMS) * time.Millisecond
}

type HTTPSection struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type TapSection struct {
	MaxTaps    int           `yaml:"max_taps"`
	ResetAfter time.Duration `yaml:"reset_after"`
}

// Create a new MetronomeConfig object with reasonable defaults for real usage
func NewMetronomeConfig() MetronomeConfig {
	return MetronomeConfig{
		LogLevel: logrus.InfoLevel.String(),
		Metronome: MetronomeSection{
			BPM:         rhythm.DefaultTempo,
			Numerator:   rhythm.DefaultBeatsPerBar,
			Denominator: rhythm.DefaultDenominator,
			Volume:      0.7,
			Tone:        sound.DefaultTone,
			MinBPM:      rhythm.DefaultMinBPM,
			MaxBPM:      rhythm.DefaultMaxBPM,
		},
		Audio: AudioSection{
			SampleRate: 44100,
			BufferMS:   10,
		},
		OSC: OSCSection{
			Host:   "127.0.0.1",
			Port:   9000,
			Prefix: "/metronome",
		},
		DMX: DMXSection{
			OLAAddr:  "localhost:9010",
			TickMS:   25,
			Fixtures: PatchFixtures(),
		},
		HTTP: HTTPSection{
			ListenAddr: "127.0.0.1:8080",
		},
		Tap: TapSection{
			MaxTaps:    8,
			ResetAfter: 2 * time.Second,
		},
		FixtureProfiles: initializeFixtureProfiles(),
	}
}

// Load overlays the YAML file at path on the defaults and validates the result.
func Load(path string) (MetronomeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return MetronomeConfig{}, fmt.Errorf("config: reading %q: %w", path, err)
	}
	return LoadFromReader(bytes.NewReader(data))
}

// LoadFromReader overlays YAML from r on the defaults. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (MetronomeConfig, error) {
	cfg := NewMetronomeConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return MetronomeConfig{}, fmt.Errorf("config: decoding: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return MetronomeConfig{}, err
	}
	return cfg, nil
}

// Validate reports every invalid option at once.
func (c MetronomeConfig) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("config: log_level: %w", err))
	}

	m := c.Metronome
	if m.MinBPM <= 0 || m.MaxBPM < m.MinBPM {
		errs = append(errs, fmt.Errorf("config: metronome: invalid bpm range %v..%v", m.MinBPM, m.MaxBPM))
	} else if m.BPM < m.MinBPM || m.BPM > m.MaxBPM {
		errs = append(errs, fmt.Errorf("config: metronome: bpm %v outside %v..%v", m.BPM, m.MinBPM, m.MaxBPM))
	}
	if err := rhythm.NewTimeline().SetTimeSignature(m.Numerator, m.Denominator); err != nil {
		errs = append(errs, fmt.Errorf("config: metronome: %w", err))
	}
	if m.Volume < 0 || m.Volume > 1 {
		errs = append(errs, fmt.Errorf("config: metronome: volume %v outside 0..1", m.Volume))
	}
	if _, err := sound.LookupTone(m.Tone); err != nil {
		errs = append(errs, fmt.Errorf("config: metronome: %w", err))
	}

	if c.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("config: audio: sample_rate must be positive"))
	}
	if c.Audio.BufferMS <= 0 {
		errs = append(errs, fmt.Errorf("config: audio: buffer_ms must be positive"))
	}

	if c.OSC.Enabled && (c.OSC.Port <= 0 || c.OSC.Port > 65535) {
		errs = append(errs, fmt.Errorf("config: osc: invalid port %d", c.OSC.Port))
	}

	if c.DMX.Enabled {
		if c.DMX.TickMS <= 0 {
			errs = append(errs, fmt.Errorf("config: dmx: tick_ms must be positive"))
		}
		for _, f := range c.DMX.Fixtures {
			if err := c.validateFixture(f); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if c.HTTP.Enabled && c.HTTP.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("config: http: listen_addr is required"))
	}

	if c.Tap.MaxTaps < 2 {
		errs = append(errs, fmt.Errorf("config: tap: max_taps must be at least 2"))
	}
	if c.Tap.ResetAfter <= 0 {
		errs = append(errs, fmt.Errorf("config: tap: reset_after must be positive"))
	}

	return errors.Join(errs...)
}

func (c MetronomeConfig) validateFixture(f PatchedFixture) error {
	p, ok := c.FixtureProfiles[f.Profile]
	if !ok {
		return fmt.Errorf("config: dmx: fixture %q uses unknown profile %q", f.Name, f.Profile)
	}
	if f.Universe < 1 {
		return fmt.Errorf("config: dmx: fixture %q has invalid universe %d", f.Name, f.Universe)
	}
	if f.Address < 1 || f.Address+p.Footprint()-1 > 512 {
		return fmt.Errorf("config: dmx: fixture %q at address %d does not fit in the universe", f.Name, f.Address)
	}
	return nil
}
