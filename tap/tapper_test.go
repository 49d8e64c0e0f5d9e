package tap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func tapEvery(t *testing.T, clk *clocktesting.FakePassiveClock, tp *Tapper, intervals ...time.Duration) (float64, bool) {
	t.Helper()
	bpm, ok := tp.Tap()
	for _, iv := range intervals {
		clk.SetTime(clk.Now().Add(iv))
		bpm, ok = tp.Tap()
	}
	return bpm, ok
}

func TestTapNeedsTwoTaps(t *testing.T) {
	t.Parallel()

	clk := clocktesting.NewFakePassiveClock(time.Now())
	tp := New(clk)
	_, ok := tp.Tap()
	assert.False(t, ok)
	assert.Equal(t, 1, tp.Count())
}

func TestTapSteadyTempo(t *testing.T) {
	t.Parallel()

	clk := clocktesting.NewFakePassiveClock(time.Now())
	tp := New(clk)
	bpm, ok := tapEvery(t, clk, tp, 500*time.Millisecond, 500*time.Millisecond, 500*time.Millisecond)
	require.True(t, ok)
	assert.InDelta(t, 120.0, bpm, 0.01)
}

func TestTapTrimsOutliers(t *testing.T) {
	t.Parallel()

	clk := clocktesting.NewFakePassiveClock(time.Now())
	tp := New(clk)
	bpm, ok := tapEvery(t, clk, tp,
		600*time.Millisecond,
		1200*time.Millisecond, // a hesitation
		600*time.Millisecond,
		400*time.Millisecond, // a rushed tap
		600*time.Millisecond,
	)
	require.True(t, ok)
	assert.InDelta(t, 100.0, bpm, 0.01)
}

func TestTapFastUsesSmoothing(t *testing.T) {
	t.Parallel()

	clk := clocktesting.NewFakePassiveClock(time.Now())
	tp := New(clk)
	bpm, ok := tapEvery(t, clk, tp, 250*time.Millisecond, 200*time.Millisecond)
	require.True(t, ok)
	// 0.5*200 + 0.5*250 = 225ms
	assert.InDelta(t, 60/0.225, bpm, 0.01)
}

func TestTapResetsAfterPause(t *testing.T) {
	t.Parallel()

	clk := clocktesting.NewFakePassiveClock(time.Now())
	tp := New(clk)
	tapEvery(t, clk, tp, 500*time.Millisecond, 500*time.Millisecond)
	require.Equal(t, 3, tp.Count())

	clk.SetTime(clk.Now().Add(3 * time.Second))
	_, ok := tp.Tap()
	assert.False(t, ok)
	assert.Equal(t, 1, tp.Count())

	tp.Reset()
	assert.Equal(t, 0, tp.Count())
}

func TestTapWindowAndClamp(t *testing.T) {
	t.Parallel()

	clk := clocktesting.NewFakePassiveClock(time.Now())
	tp := New(clk, WithMaxTaps(3), WithTempoRange(60, 180))

	bpm, ok := tapEvery(t, clk, tp, 1900*time.Millisecond, 1900*time.Millisecond, 1900*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, 3, tp.Count())
	assert.Equal(t, 60.0, bpm)

	tp.Reset()
	bpm, ok = tapEvery(t, clk, tp, 100*time.Millisecond, 100*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, 180.0, bpm)
}
