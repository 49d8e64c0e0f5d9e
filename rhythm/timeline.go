package rhythm

import (
	"errors"
	"fmt"
	"math"
)

const (
	DefaultTempo        = 120.0
	DefaultBeatsPerBar  = 4
	DefaultDenominator  = 4
	DefaultMinBPM       = 40.0
	DefaultMaxBPM       = 300.0
	DefaultMaxNumerator = 16
)

// ErrInvalidParameter is returned for tempo or signature input that cannot be applied.
var ErrInvalidParameter = errors.New("rhythm: invalid parameter")

var validDenominators = map[int]bool{1: true, 2: true, 4: true, 8: true, 16: true}

// Timeline holds the musical state of the metronome: tempo, time signature and where the next beat falls.
//
// Beat is the 1-based position of the next beat to sound within its bar. Bar counts the bars completed
// since the timeline was last reset. NextBeatTime is expressed in seconds on the audio clock.
//
// A Timeline is not safe for concurrent use; the scheduler owns it and serializes access.
type Timeline struct {
	minBPM       float64
	maxBPM       float64
	maxNumerator int

	tempo        float64
	beatsPerBar  int
	denominator  int
	beat         int
	bar          int
	nextBeatTime float64
}

// Option configures a Timeline.
type Option func(*Timeline)

// WithTempoRange overrides the allowed BPM range.
func WithTempoRange(min, max float64) Option {
	return func(t *Timeline) {
		if min > 0 && max >= min {
			t.minBPM = min
			t.maxBPM = max
		}
	}
}

// WithMaxNumerator overrides the largest accepted beats-per-bar value.
func WithMaxNumerator(n int) Option {
	return func(t *Timeline) {
		if n > 0 {
			t.maxNumerator = n
		}
	}
}

// NewTimeline creates a Timeline at 120 BPM in 4/4.
func NewTimeline(opts ...Option) *Timeline {
	t := &Timeline{
		minBPM:       DefaultMinBPM,
		maxBPM:       DefaultMaxBPM,
		maxNumerator: DefaultMaxNumerator,
		tempo:        DefaultTempo,
		beatsPerBar:  DefaultBeatsPerBar,
		denominator:  DefaultDenominator,
		beat:         1,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Timeline) GetTempo() float64 {
	return t.tempo
}

// SetTempo clamps bpm into the allowed range and applies it. Non-finite or non-positive input is rejected
// and leaves the tempo untouched.
func (t *Timeline) SetTempo(bpm float64) error {
	if math.IsNaN(bpm) || math.IsInf(bpm, 0) || bpm <= 0 {
		return fmt.Errorf("%w: tempo %v", ErrInvalidParameter, bpm)
	}
	t.tempo = math.Min(math.Max(bpm, t.minBPM), t.maxBPM)
	return nil
}

// TempoRange returns the inclusive BPM bounds.
func (t *Timeline) TempoRange() (float64, float64) {
	return t.minBPM, t.maxBPM
}

// SetTimeSignature applies numerator/denominator and restarts bar counting so the next beat is a downbeat.
func (t *Timeline) SetTimeSignature(numerator, denominator int) error {
	if numerator < 1 || numerator > t.maxNumerator {
		return fmt.Errorf("%w: numerator %d outside 1..%d", ErrInvalidParameter, numerator, t.maxNumerator)
	}
	if !validDenominators[denominator] {
		return fmt.Errorf("%w: denominator %d", ErrInvalidParameter, denominator)
	}
	t.beatsPerBar = numerator
	t.denominator = denominator
	t.beat = 1
	t.bar = 0
	return nil
}

func (t *Timeline) GetBeatsPerBar() int {
	return t.beatsPerBar
}

func (t *Timeline) GetDenominator() int {
	return t.denominator
}

// Beat is the 1-based position of the next beat in its bar.
func (t *Timeline) Beat() int {
	return t.beat
}

// Bar is the number of completed bars.
func (t *Timeline) Bar() int {
	return t.bar
}

// IsDownBeat reports whether the next beat is the first of its bar.
func (t *Timeline) IsDownBeat() bool {
	return t.beat == 1
}

func (t *Timeline) NextBeatTime() float64 {
	return t.nextBeatTime
}

func (t *Timeline) SetNextBeatTime(at float64) {
	t.nextBeatTime = at
}

// AdvanceBeat moves to the next beat, wrapping into a new bar after the last beat.
func (t *Timeline) AdvanceBeat() {
	t.beat++
	if t.beat > t.beatsPerBar {
		t.beat = 1
		t.bar++
	}
}

// Reset rewinds the counters and anchors the first beat at the given audio time.
func (t *Timeline) Reset(firstBeatAt float64) {
	t.beat = 1
	t.bar = 0
	t.nextBeatTime = firstBeatAt
}

// SecondsPerBeat is the duration of one beat at the current tempo.
func (t *Timeline) SecondsPerBeat() float64 {
	return 60.0 / t.tempo
}

// GetBeatInterval returns the number of milliseconds a beat lasts.
func (t *Timeline) GetBeatInterval() float64 {
	return beatsToMilliseconds(1, t.tempo)
}

// GetBarInterval returns the number of milliseconds a bar lasts.
func (t *Timeline) GetBarInterval() float64 {
	return beatsToMilliseconds(t.beatsPerBar, t.tempo)
}

// Snapshot captures the current timeline state.
func (t *Timeline) Snapshot() Snapshot {
	return Snapshot{
		Tempo:        t.tempo,
		BeatsPerBar:  t.beatsPerBar,
		Denominator:  t.denominator,
		Beat:         t.beat,
		Bar:          t.bar,
		NextBeatTime: t.nextBeatTime,
	}
}

func beatsToMilliseconds(beats int, tempo float64) float64 {
	return (60000.0 / tempo) * float64(beats)
}
