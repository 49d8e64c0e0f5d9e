// Package training plays a practice plan: a sequence of tempo and time signature segments, each held
// for a number of bars, like a cue list for the metronome.
package training

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/robmorgan/metronome/rhythm"
)

// Segment is one step of a plan.
type Segment struct {
	Name        string  `yaml:"name"`
	BPM         float64 `yaml:"bpm"`
	Numerator   int     `yaml:"numerator"`
	Denominator int     `yaml:"denominator"`
	Bars        int     `yaml:"bars"`
}

// Plan is an ordered list of segments.
type Plan struct {
	Name     string    `yaml:"name"`
	Repeat   bool      `yaml:"repeat"`
	Segments []Segment `yaml:"segments"`
}

// LoadPlan reads a plan from a YAML file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("training: reading plan %q: %w", path, err)
	}
	return LoadPlanFromReader(bytes.NewReader(data))
}

// LoadPlanFromReader decodes and validates a plan. Unknown keys are rejected.
func LoadPlanFromReader(r io.Reader) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("training: decoding plan: %w", err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Plan) applyDefaults() {
	for i := range p.Segments {
		s := &p.Segments[i]
		if s.Numerator == 0 {
			s.Numerator = 4
		}
		if s.Denominator == 0 {
			s.Denominator = 4
		}
		if s.Name == "" {
			s.Name = fmt.Sprintf("segment %d", i+1)
		}
	}
}

// Validate reports every problem with the plan at once.
func (p *Plan) Validate() error {
	return p.ValidateRange(rhythm.DefaultMinBPM, rhythm.DefaultMaxBPM)
}

// ValidateRange is Validate with segment tempos limited to [minBPM, maxBPM].
func (p *Plan) ValidateRange(minBPM, maxBPM float64) error {
	var errs []error
	if len(p.Segments) == 0 {
		errs = append(errs, errors.New("training: plan has no segments"))
	}
	for i, s := range p.Segments {
		if s.BPM < minBPM || s.BPM > maxBPM {
			errs = append(errs, fmt.Errorf("training: segment %d (%s): bpm %v outside %v..%v",
				i+1, s.Name, s.BPM, minBPM, maxBPM))
		}
		if s.Bars < 1 {
			errs = append(errs, fmt.Errorf("training: segment %d (%s): bars must be at least 1", i+1, s.Name))
		}
		if err := rhythm.NewTimeline().SetTimeSignature(s.Numerator, s.Denominator); err != nil {
			errs = append(errs, fmt.Errorf("training: segment %d (%s): %w", i+1, s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// TotalBars sums the bars of every segment.
func (p *Plan) TotalBars() int {
	total := 0
	for _, s := range p.Segments {
		total += s.Bars
	}
	return total
}
