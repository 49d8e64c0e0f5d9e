package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/robmorgan/metronome/audio"
	"github.com/robmorgan/metronome/notify"
	"github.com/robmorgan/metronome/observe"
)

// fakeAudioClock is an audio.Clock whose time only moves when the test says so.
type fakeAudioClock struct {
	mu        sync.Mutex
	now       float64
	state     audio.DeviceState
	resumeErr error
	// when set, Resume blocks until it is closed
	gate    chan struct{}
	resumes atomic.Int32
}

func newFakeAudioClock() *fakeAudioClock {
	return &fakeAudioClock{state: audio.StateRunning}
}

func (c *fakeAudioClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeAudioClock) advance(seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == audio.StateRunning {
		c.now += seconds
	}
}

func (c *fakeAudioClock) set(seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = seconds
}

func (c *fakeAudioClock) State() audio.DeviceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeAudioClock) setState(s audio.DeviceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *fakeAudioClock) Resume(ctx context.Context) error {
	c.resumes.Add(1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resumeErr != nil {
		return c.resumeErr
	}
	if c.state == audio.StateClosed {
		return audio.ErrDeviceClosed
	}
	c.state = audio.StateRunning
	return nil
}

func (c *fakeAudioClock) Suspend(context.Context) error {
	c.setState(audio.StateSuspended)
	return nil
}

// recordingPublisher keeps every event published.
type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(ev notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) kinds() []notify.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]notify.Kind, 0, len(p.events))
	for _, ev := range p.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (p *recordingPublisher) has(k notify.Kind) bool {
	for _, got := range p.kinds() {
		if got == k {
			return true
		}
	}
	return false
}

// beatRecorder is a BeatHandler that stores events and can be told to fail.
type beatRecorder struct {
	mu     sync.Mutex
	clock  *fakeAudioClock
	events []BeatEvent
	nowAt  []float64
	fail   func(n int) error
}

func (r *beatRecorder) handle(ev BeatEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.clock != nil {
		r.nowAt = append(r.nowAt, r.clock.Now())
	}
	if r.fail != nil {
		return r.fail(len(r.events))
	}
	return nil
}

func (r *beatRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *beatRecorder) snapshot() []BeatEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BeatEvent(nil), r.events...)
}

var errHandler = errors.New("output glitch")

type harness struct {
	sched   *Scheduler
	audio   *fakeAudioClock
	host    *clocktesting.FakeClock
	pub     *recordingPublisher
	rec     *beatRecorder
	reader  *sdkmetric.ManualReader
	metrics *observe.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	require.NoError(t, err)

	h := &harness{
		audio:   newFakeAudioClock(),
		host:    clocktesting.NewFakeClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
		pub:     &recordingPublisher{},
		reader:  reader,
		metrics: m,
	}
	h.rec = &beatRecorder{clock: h.audio}
	h.sched = New(h.audio, h.host, WithNotifier(h.pub), WithMetrics(m))
	h.sched.startLoop = false
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ok, err := h.sched.Start(h.rec.handle)
	require.NoError(t, err)
	require.True(t, ok)
}

// tick moves the host clock past the throttle window and runs one scheduler iteration.
func (h *harness) tick() (time.Duration, bool) {
	h.host.Step(5 * time.Millisecond)
	return h.sched.tick()
}

// runUntil advances the audio clock in 50ms steps, ticking each time, until n beats were dispatched.
func (h *harness) runUntil(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < 10000 && h.rec.count() < n; i++ {
		h.tick()
		if h.rec.count() >= n {
			return
		}
		h.audio.advance(0.05)
	}
	require.GreaterOrEqual(t, h.rec.count(), n)
}

func (h *harness) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}
