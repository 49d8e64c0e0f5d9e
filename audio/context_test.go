package audio

import (
	"context"
	"errors"
	"testing"

	"github.com/faiface/beep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutput struct {
	initErr error
	inits   int
	closes  int
	played  beep.Streamer
}

func (o *fakeOutput) Init(beep.SampleRate, int) error {
	o.inits++
	return o.initErr
}

func (o *fakeOutput) Play(s beep.Streamer) { o.played = s }

func (o *fakeOutput) Close() { o.closes++ }

// constant streams a fixed value for n frames.
func constant(value float64, n int) beep.Streamer {
	return beep.Take(n, beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		for i := range samples {
			samples[i] = [2]float64{value, value}
		}
		return len(samples), true
	}))
}

func render(c *Context, frames int) [][2]float64 {
	buf := make([][2]float64, frames)
	c.Stream(buf)
	return buf
}

func newRunningContext(t *testing.T) (*Context, *fakeOutput) {
	t.Helper()
	out := &fakeOutput{}
	c := NewContext(out, WithSampleRate(1000))
	require.NoError(t, c.Resume(context.Background()))
	return c, out
}

func TestContextLifecycle(t *testing.T) {
	t.Parallel()

	out := &fakeOutput{}
	c := NewContext(out, WithSampleRate(1000))
	assert.Equal(t, StateUninitialized, c.State())

	_, err := c.Start(constant(1, 10), 0)
	require.ErrorIs(t, err, ErrNotInitialized)
	require.ErrorIs(t, c.Suspend(context.Background()), ErrNotInitialized)

	require.NoError(t, c.Resume(context.Background()))
	assert.Equal(t, StateRunning, c.State())
	assert.Equal(t, 1, out.inits)
	assert.Same(t, c, out.played)

	// resuming again does not reopen the output
	require.NoError(t, c.Resume(context.Background()))
	assert.Equal(t, 1, out.inits)

	require.NoError(t, c.Suspend(context.Background()))
	assert.Equal(t, StateSuspended, c.State())
	_, err = c.Start(constant(1, 10), 0)
	require.ErrorIs(t, err, ErrDeviceSuspended)

	c.Close()
	c.Close()
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, out.closes)
	require.ErrorIs(t, c.Resume(context.Background()), ErrDeviceClosed)
	_, err = c.Start(constant(1, 10), 0)
	require.ErrorIs(t, err, ErrDeviceClosed)
}

func TestContextInitFailure(t *testing.T) {
	t.Parallel()

	out := &fakeOutput{initErr: errors.New("no device")}
	c := NewContext(out)
	err := c.Resume(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no device")
	assert.Equal(t, StateUninitialized, c.State())
}

func TestContextResumeHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	c := NewContext(&fakeOutput{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.Resume(ctx), context.Canceled)
}

func TestContextClockOnlyAdvancesWhileRunning(t *testing.T) {
	t.Parallel()

	c, _ := newRunningContext(t)
	render(c, 500)
	assert.InDelta(t, 0.5, c.Now(), 1e-9)

	require.NoError(t, c.Suspend(context.Background()))
	render(c, 500)
	assert.InDelta(t, 0.5, c.Now(), 1e-9)

	require.NoError(t, c.Resume(context.Background()))
	render(c, 250)
	assert.InDelta(t, 0.75, c.Now(), 1e-9)
}

func TestContextMixesVoicesAtTheirStartTime(t *testing.T) {
	t.Parallel()

	c, _ := newRunningContext(t)

	v, err := c.Start(constant(0.5, 10), 0.005)
	require.NoError(t, err)
	assert.InDelta(t, 0.005, v.StartTime(), 1e-9)

	buf := render(c, 20)
	for i := 0; i < 5; i++ {
		assert.Equal(t, 0.0, buf[i][0], "frame %d", i)
	}
	for i := 5; i < 15; i++ {
		assert.Equal(t, 0.5, buf[i][0], "frame %d", i)
	}
	assert.Equal(t, 0.0, buf[15][0])
	assert.True(t, v.Done())
	assert.Equal(t, 0, c.Voices())
}

func TestContextClampsPastStartTimes(t *testing.T) {
	t.Parallel()

	c, _ := newRunningContext(t)
	render(c, 100)

	v, err := c.Start(constant(0.25, 5), 0.01)
	require.NoError(t, err)
	assert.InDelta(t, c.Now(), v.StartTime(), 1e-9)

	buf := render(c, 10)
	assert.Equal(t, 0.25, buf[0][1])
}

func TestVoiceStop(t *testing.T) {
	t.Parallel()

	c, _ := newRunningContext(t)
	v, err := c.Start(constant(1, 100), 0)
	require.NoError(t, err)

	render(c, 10)
	v.Stop()
	v.Stop()
	assert.True(t, v.Done())

	buf := render(c, 10)
	assert.Equal(t, 0.0, buf[0][0])
}

func TestClosedContextEndsStream(t *testing.T) {
	t.Parallel()

	c, _ := newRunningContext(t)
	c.Close()
	n, ok := c.Stream(make([][2]float64, 10))
	assert.Equal(t, 0, n)
	assert.False(t, ok)
}
