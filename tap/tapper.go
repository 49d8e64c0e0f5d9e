// Package tap estimates a tempo from taps on a key or button.
package tap

import (
	"math"
	"sync"
	"time"

	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"
)

const (
	DefaultMaxTaps    = 8
	DefaultResetAfter = 2 * time.Second
	// FastTapThreshold switches to exponential smoothing for quick, jittery taps.
	FastTapThreshold = 300 * time.Millisecond
	smoothingAlpha   = 0.5
)

// Tapper turns a series of taps into a BPM estimate.
type Tapper struct {
	clock      clock.PassiveClock
	maxTaps    int
	resetAfter time.Duration
	minBPM     float64
	maxBPM     float64

	mu   sync.Mutex
	taps []time.Time
}

// Option configures a Tapper.
type Option func(*Tapper)

func WithMaxTaps(n int) Option {
	return func(t *Tapper) {
		if n >= 2 {
			t.maxTaps = n
		}
	}
}

func WithResetAfter(d time.Duration) Option {
	return func(t *Tapper) {
		if d > 0 {
			t.resetAfter = d
		}
	}
}

// WithTempoRange clamps estimates into [min, max].
func WithTempoRange(min, max float64) Option {
	return func(t *Tapper) {
		if min > 0 && max >= min {
			t.minBPM, t.maxBPM = min, max
		}
	}
}

func New(clk clock.PassiveClock, opts ...Option) *Tapper {
	t := &Tapper{
		clock:      clk,
		maxTaps:    DefaultMaxTaps,
		resetAfter: DefaultResetAfter,
		minBPM:     40,
		maxBPM:     300,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Tap records a tap and returns the current estimate. ok is false until two taps are in the window.
func (t *Tapper) Tap() (bpm float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if n := len(t.taps); n > 0 && now.Sub(t.taps[n-1]) > t.resetAfter {
		t.taps = t.taps[:0]
	}
	t.taps = append(t.taps, now)
	if len(t.taps) > t.maxTaps {
		t.taps = t.taps[len(t.taps)-t.maxTaps:]
	}
	if len(t.taps) < 2 {
		return 0, false
	}

	intervals := make([]time.Duration, 0, len(t.taps)-1)
	for i := 1; i < len(t.taps); i++ {
		intervals = append(intervals, t.taps[i].Sub(t.taps[i-1]))
	}

	var avg time.Duration
	if intervals[len(intervals)-1] < FastTapThreshold {
		avg = smoothed(intervals)
	} else {
		avg = trimmedMean(intervals)
	}
	if avg <= 0 {
		return 0, false
	}
	return math.Min(math.Max(60/avg.Seconds(), t.minBPM), t.maxBPM), true
}

// Count returns the taps in the current window.
func (t *Tapper) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.taps)
}

func (t *Tapper) Reset() {
	t.mu.Lock()
	t.taps = t.taps[:0]
	t.mu.Unlock()
}

// smoothed weights recent intervals most.
func smoothed(intervals []time.Duration) time.Duration {
	est := float64(intervals[0])
	for _, iv := range intervals[1:] {
		est = smoothingAlpha*float64(iv) + (1-smoothingAlpha)*est
	}
	return time.Duration(est)
}

// trimmedMean drops the fastest and slowest interval once there are enough to spare.
func trimmedMean(intervals []time.Duration) time.Duration {
	sorted := slices.Clone(intervals)
	slices.Sort(sorted)
	if len(sorted) >= 4 {
		sorted = sorted[1 : len(sorted)-1]
	}
	var sum time.Duration
	for _, iv := range sorted {
		sum += iv
	}
	return sum / time.Duration(len(sorted))
}
