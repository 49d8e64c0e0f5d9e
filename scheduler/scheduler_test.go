package scheduler

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/robmorgan/metronome/audio"
	"github.com/robmorgan/metronome/notify"
)

func TestStartRequiresRunningClock(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.audio.setState(audio.StateUninitialized)
	ok, err := h.sched.Start(h.rec.handle)
	require.ErrorIs(t, err, audio.ErrNotInitialized)
	assert.False(t, ok)

	h.audio.setState(audio.StateClosed)
	_, err = h.sched.Start(h.rec.handle)
	require.ErrorIs(t, err, audio.ErrDeviceClosed)
	assert.False(t, h.sched.IsRunning())
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.audio.set(3)
	h.start(t)

	status := h.sched.Status()
	assert.True(t, status.Running)
	assert.InDelta(t, 3.15, status.NextBeatTime, 1e-9)
	assert.Equal(t, 1, status.CurrentBeat)
	assert.Equal(t, 0, status.CurrentBar)

	h.audio.advance(0.1)
	ok, err := h.sched.Start(h.rec.handle)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 3.15, h.sched.Status().NextBeatTime, 1e-9)
	assert.Equal(t, []notify.Kind{notify.KindStarted}, h.pub.kinds())
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	assert.False(t, h.sched.Stop())

	h.start(t)
	assert.True(t, h.sched.Stop())
	assert.False(t, h.sched.Stop())
	assert.False(t, h.sched.Status().Running)

	// a stopped scheduler dispatches nothing
	_, ok := h.tick()
	assert.False(t, ok)
	assert.Equal(t, 0, h.rec.count())
	assert.Equal(t, []notify.Kind{notify.KindStarted, notify.KindStopped}, h.pub.kinds())
}

func TestToggle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	running, err := h.sched.Toggle(h.rec.handle)
	require.NoError(t, err)
	assert.True(t, running)

	running, err = h.sched.Toggle(h.rec.handle)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestBasicRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)
	h.runUntil(t, 8)

	events := h.rec.snapshot()
	require.Len(t, events, 8)

	var beats, bars []int
	for i, ev := range events {
		beats = append(beats, ev.BeatNumber)
		bars = append(bars, ev.BarNumber)
		assert.Equal(t, ev.BeatNumber == 1, ev.IsFirstBeat)
		assert.Equal(t, 120.0, ev.BPM)
		assert.Equal(t, DefaultVolume, ev.Volume)
		if i > 0 {
			assert.InDelta(t, 0.5, ev.Timestamp-events[i-1].Timestamp, 1e-9)
		}
	}
	assert.Equal(t, []int{1, 2, 3, 4, 1, 2, 3, 4}, beats)
	assert.Equal(t, []int{1, 1, 1, 1, 2, 2, 2, 2}, bars)
	assert.InDelta(t, 0.15, events[0].Timestamp, 1e-9)

	status := h.sched.Status()
	assert.Equal(t, 2, status.CurrentBar)
	assert.Equal(t, 1, status.CurrentBeat)
	assert.Equal(t, 0, status.ErrorCount)
	assert.Equal(t, int64(8), h.counter(t, "metronome.beats.scheduled"))
}

func TestBeatsAreMonotonicAndNeverInThePast(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.True(t, h.sched.SetTempo(300))
	h.start(t)

	for i := 0; i < 400; i++ {
		h.tick()
		// uneven host wake-ups
		h.audio.advance(float64(i%7) * 0.013)
		if i == 150 {
			require.True(t, h.sched.SetTempo(73))
		}
		if i == 250 {
			require.True(t, h.sched.SetTimeSignature(5, 8))
		}
	}

	events := h.rec.snapshot()
	require.Greater(t, len(events), 20)
	for i, ev := range events {
		assert.GreaterOrEqual(t, ev.Timestamp, h.rec.nowAt[i], "beat %d scheduled in the past", i)
		if i > 0 {
			assert.Greater(t, ev.Timestamp, events[i-1].Timestamp, "beat %d not after beat %d", i, i-1)
		}
	}
}

func TestSignatureChangeRestartsBar(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)
	h.runUntil(t, 2)

	require.True(t, h.sched.SetTimeSignature(3, 4))
	h.runUntil(t, 6)

	var beats []int
	for _, ev := range h.rec.snapshot() {
		beats = append(beats, ev.BeatNumber)
	}
	assert.Equal(t, []int{1, 2, 1, 2, 3, 1}, beats)
	assert.Equal(t, 3, h.sched.Status().Numerator)
	assert.Contains(t, h.pub.kinds(), notify.KindSignatureChanged)

	assert.False(t, h.sched.SetTimeSignature(0, 4))
	assert.False(t, h.sched.SetTimeSignature(4, 5))
}

func TestTempoChangeMidRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.True(t, h.sched.SetTempo(60))
	h.start(t)
	h.runUntil(t, 2)

	require.True(t, h.sched.SetTempo(120))
	h.runUntil(t, 4)

	events := h.rec.snapshot()
	assert.InDelta(t, 1.0, events[1].Timestamp-events[0].Timestamp, 1e-9)
	assert.Greater(t, events[2].Timestamp, events[1].Timestamp)
	assert.GreaterOrEqual(t, events[2].Timestamp-events[1].Timestamp, 0.5-1e-9)
	assert.InDelta(t, 0.5, events[3].Timestamp-events[2].Timestamp, 1e-9)
	assert.Equal(t, 120.0, events[3].BPM)
}

func TestRealignBeforeFirstBeat(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.audio.set(10)
	h.start(t)
	h.audio.advance(0.1)

	require.True(t, h.sched.SetTempo(90))
	assert.InDelta(t, 10.25, h.sched.Status().NextBeatTime, 1e-9)
}

func TestSetTempoValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	assert.True(t, h.sched.SetTempo(1000))
	assert.Equal(t, 300.0, h.sched.Status().BPM)
	assert.True(t, h.sched.SetTempo(10))
	assert.Equal(t, 40.0, h.sched.Status().BPM)

	assert.False(t, h.sched.SetTempo(math.NaN()))
	assert.False(t, h.sched.SetTempo(math.Inf(1)))
	assert.False(t, h.sched.SetTempo(-5))
	assert.Equal(t, 40.0, h.sched.Status().BPM)

	// an unchanged tempo publishes nothing new
	before := len(h.pub.kinds())
	assert.True(t, h.sched.SetTempo(40))
	assert.Len(t, h.pub.kinds(), before)
}

func TestSetVolume(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	assert.True(t, h.sched.SetVolume(0.25))
	assert.False(t, h.sched.SetVolume(1.5))
	assert.False(t, h.sched.SetVolume(math.NaN()))
	assert.Equal(t, 0.25, h.sched.Status().Volume)

	h.start(t)
	h.runUntil(t, 1)
	assert.Equal(t, 0.25, h.rec.snapshot()[0].Volume)
}

func TestFailingHandlerStopsAfterThreshold(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.rec.fail = func(int) error { return errHandler }
	h.start(t)

	for i := 0; i < 200 && h.sched.IsRunning(); i++ {
		h.tick()
		h.audio.advance(0.05)
	}

	events := h.rec.snapshot()
	require.Len(t, events, MaxAllowedErrors)
	for i := 1; i < len(events); i++ {
		assert.InDelta(t, 0.5, events[i].Timestamp-events[i-1].Timestamp, 1e-9)
	}
	assert.Equal(t, []int{1, 2, 3}, []int{events[0].BeatNumber, events[1].BeatNumber, events[2].BeatNumber})

	status := h.sched.Status()
	assert.False(t, status.Running)
	assert.Equal(t, MaxAllowedErrors, status.ErrorCount)
	assert.True(t, h.pub.has(notify.KindError))
	assert.Equal(t, int64(3), h.counter(t, "metronome.beats.failed"))
}

func TestErrorCountResetsOnSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	// beats 1, 2, 4 and 5 fail; 3 succeeds
	h.rec.fail = func(n int) error {
		if n == 3 {
			return nil
		}
		return errHandler
	}
	h.start(t)
	h.runUntil(t, 5)

	status := h.sched.Status()
	assert.True(t, status.Running)
	assert.Equal(t, 2, status.ErrorCount)
}

func TestHandlerPanicCountsAsFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.rec.fail = func(n int) error {
		if n == 1 {
			panic("boom")
		}
		return nil
	}
	h.start(t)
	h.runUntil(t, 1)

	status := h.sched.Status()
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.ErrorCount)
	assert.Equal(t, 2, status.CurrentBeat, "the timeline advances past a failed beat")

	h.runUntil(t, 2)
	assert.Equal(t, 0, h.sched.Status().ErrorCount)
}

func TestDispatchWrapsErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sched.handler = func(BeatEvent) error { return errHandler }
	err := h.sched.dispatchLocked(BeatEvent{})
	require.ErrorIs(t, err, ErrSchedulingFailure)
	require.ErrorIs(t, err, errHandler)

	h.sched.handler = func(BeatEvent) error { panic(errors.New("kaboom")) }
	err = h.sched.dispatchLocked(BeatEvent{})
	require.ErrorIs(t, err, ErrSchedulingFailure)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestSuspendedClockSchedulesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.audio.gate = make(chan struct{})
	h.start(t)
	h.tick()
	require.Equal(t, 1, h.rec.count())

	require.NoError(t, h.audio.Suspend(context.Background()))
	for i := 0; i < 3; i++ {
		delay, ok := h.tick()
		require.True(t, ok)
		assert.Equal(t, ResumeRetryDelay, delay)
		h.audio.advance(0.5)
	}
	assert.Equal(t, 1, h.rec.count())
	require.Eventually(t, func() bool { return h.audio.resumes.Load() == 1 }, time.Second, time.Millisecond)

	// let the single pending resume finish
	close(h.audio.gate)
	require.Eventually(t, func() bool {
		h.sched.mu.Lock()
		defer h.sched.mu.Unlock()
		return !h.sched.resuming
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), h.audio.resumes.Load())
	assert.Equal(t, audio.StateRunning, h.audio.State())

	// no burst of backlogged beats after resuming
	for i := 0; i < 20; i++ {
		before := h.rec.count()
		h.tick()
		assert.LessOrEqual(t, h.rec.count()-before, 1)
		h.audio.advance(0.05)
	}
	assert.Equal(t, int64(0), h.counter(t, "metronome.beats.dropped"))
}

func TestFallingBehindSkipsBeats(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)
	h.tick()
	require.Equal(t, 1, h.rec.count())

	// the host stalls for two seconds of audio
	h.audio.set(2.0)
	h.tick()

	events := h.rec.snapshot()
	require.Len(t, events, 2)
	assert.GreaterOrEqual(t, events[1].Timestamp, 2.0)
	assert.InDelta(t, 2.15, events[1].Timestamp, 1e-9)
	assert.Equal(t, int64(3), h.counter(t, "metronome.beats.dropped"))
	assert.Equal(t, 1, events[1].BeatNumber, "beats 2-4 skipped, the grid keeps its phase")
	assert.Equal(t, 2, events[1].BarNumber)
}

func TestClosedClockStopsScheduler(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)
	h.audio.setState(audio.StateClosed)

	_, ok := h.tick()
	assert.False(t, ok)
	assert.False(t, h.sched.IsRunning())
	assert.True(t, h.pub.has(notify.KindError))
}

func TestThrottle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)
	h.tick()

	delay, ok := h.sched.tick()
	assert.True(t, ok)
	assert.Equal(t, MinScheduleInterval, delay)
}

func TestNextDelayClamp(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sched.timeline.SetNextBeatTime(10)
	assert.Equal(t, MaxScheduleInterval, h.sched.nextDelayLocked(0))
	assert.Equal(t, MinScheduleInterval, h.sched.nextDelayLocked(9.9))
	assert.InDelta(t, float64(50*time.Millisecond), float64(h.sched.nextDelayLocked(9.75)), float64(time.Microsecond))
}

func TestStopPreventsRearm(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)
	stop, timer := h.sched.stop, h.sched.timer

	delay, ok := h.tick()
	require.True(t, ok)
	h.sched.Stop()
	assert.False(t, h.sched.rearm(stop, timer, delay))
}

func TestLoopDrivesBeats(t *testing.T) {
	t.Parallel()

	ac := newFakeAudioClock()
	host := clocktesting.NewFakeClock(time.Now())
	rec := &beatRecorder{}
	s := New(ac, host)

	_, err := s.Start(rec.handle)
	require.NoError(t, err)
	defer s.Stop()

	require.Eventually(t, func() bool {
		ac.advance(0.01)
		host.Step(10 * time.Millisecond)
		return rec.count() >= 3
	}, 5*time.Second, time.Millisecond)

	events := rec.snapshot()
	assert.Equal(t, 1, events[0].BeatNumber)
	assert.Equal(t, 2, events[1].BeatNumber)
}

func TestSetClockOnlyWhileStopped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	fresh := newFakeAudioClock()
	err := h.sched.SetClock(fresh)
	require.ErrorIs(t, err, ErrClockInUse)
	assert.Same(t, h.audio, h.sched.Clock())

	h.sched.Stop()
	require.NoError(t, h.sched.SetClock(fresh))
	assert.Same(t, fresh, h.sched.Clock())
}

func TestGenerationMarksGridChanges(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	g0 := h.sched.Generation()
	h.start(t)
	g1 := h.sched.Generation()
	assert.Greater(t, g1, g0)

	h.runUntil(t, 2)
	for _, ev := range h.rec.snapshot() {
		assert.Equal(t, g1, ev.Generation)
		assert.Equal(t, g1, ev.Notification().Generation)
	}

	// an unchanged tempo keeps the grid
	require.True(t, h.sched.SetTempo(h.sched.Status().BPM))
	assert.Equal(t, g1, h.sched.Generation())

	require.True(t, h.sched.SetTempo(90))
	g2 := h.sched.Generation()
	assert.Greater(t, g2, g1)

	require.True(t, h.sched.SetTimeSignature(4, 4))
	g3 := h.sched.Generation()
	assert.Greater(t, g3, g2)

	assert.False(t, h.sched.SetTimeSignature(0, 4))
	assert.Equal(t, g3, h.sched.Generation())

	h.runUntil(t, h.rec.count()+1)
	events := h.rec.snapshot()
	assert.Equal(t, g3, events[len(events)-1].Generation)
}
