// Package scheduler drives the lookahead beat loop.
//
// A host timer wakes the loop every few milliseconds. Each tick schedules, against the audio clock,
// every beat that falls inside the next ScheduleAheadTime, so timer jitter never reaches the audio
// output.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	commonerrors "github.com/gruntwork-io/go-commons/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/robmorgan/metronome/audio"
	"github.com/robmorgan/metronome/logger"
	"github.com/robmorgan/metronome/notify"
	"github.com/robmorgan/metronome/observe"
	"github.com/robmorgan/metronome/rhythm"
)

const (
	// StartupGuard delays the first beat after Start.
	StartupGuard = 150 * time.Millisecond
	// RealignGuard is the minimum lead given to the next beat after a tempo or signature change.
	RealignGuard = 150 * time.Millisecond
	// ScheduleAheadTime is the lookahead window.
	ScheduleAheadTime = 200 * time.Millisecond

	MinScheduleInterval = 1 * time.Millisecond
	MaxScheduleInterval = 100 * time.Millisecond
	// ResumeRetryDelay is the tick period while waiting for a suspended device.
	ResumeRetryDelay = 50 * time.Millisecond
	// MaxSchedulesPerIteration bounds the beats dispatched by a single tick.
	MaxSchedulesPerIteration = 20
	// MaxAllowedErrors consecutive handler failures stop the scheduler.
	MaxAllowedErrors = 3

	DefaultVolume = 0.7

	resumeTimeout = 2 * time.Second
)

var (
	// ErrSchedulingFailure wraps a handler error or panic.
	ErrSchedulingFailure = errors.New("scheduler: beat dispatch failed")
	// ErrClockInUse is returned when the audio clock is swapped while the scheduler is running.
	ErrClockInUse = errors.New("scheduler: cannot swap clock while running")
)

// Scheduler owns the Timeline and the tick loop.
type Scheduler struct {
	host      clock.Clock
	notifier  notify.Publisher
	metrics   *observe.Metrics
	log       *logrus.Entry
	startLoop bool

	mu           sync.Mutex
	clock        audio.Clock
	timeline     *rhythm.Timeline
	running      bool
	handler      BeatHandler
	volume       float64
	errorCount   int
	lastTick     time.Time
	plannedTick  time.Time
	lastBeatTime float64
	hasLastBeat  bool
	catchUp      bool
	generation   uint64
	resuming     bool
	stop         chan struct{}
	timer        clock.Timer
	onFailure    func(error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNotifier publishes lifecycle events to p.
func WithNotifier(p notify.Publisher) Option {
	return func(s *Scheduler) {
		s.notifier = p
	}
}

func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithTimeline replaces the default 120 BPM 4/4 timeline.
func WithTimeline(t *rhythm.Timeline) Option {
	return func(s *Scheduler) {
		s.timeline = t
	}
}

func WithVolume(v float64) Option {
	return func(s *Scheduler) {
		if validVolume(v) {
			s.volume = v
		}
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(notify.Event) {}

// New creates a stopped Scheduler. audioClock is where beats are placed; host drives the tick timer.
func New(audioClock audio.Clock, host clock.Clock, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:     audioClock,
		host:      host,
		notifier:  nopPublisher{},
		metrics:   observe.DefaultMetrics(),
		log:       logger.GetProjectLogger().WithField("component", "scheduler"),
		startLoop: true,
		timeline:  rhythm.NewTimeline(),
		volume:    DefaultVolume,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins scheduling beats to handler. Starting a running scheduler is a no-op that reports true.
func (s *Scheduler) Start(handler BeatHandler) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return true, nil
	}
	switch st := s.clock.State(); st {
	case audio.StateRunning:
	case audio.StateClosed:
		return false, audio.ErrDeviceClosed
	default:
		return false, fmt.Errorf("%w: clock is %s", audio.ErrNotInitialized, st)
	}

	s.timeline.Reset(s.clock.Now() + StartupGuard.Seconds())
	s.handler = handler
	s.errorCount = 0
	s.hasLastBeat = false
	s.catchUp = false
	s.lastTick = time.Time{}
	s.running = true
	s.generation++

	s.stop = make(chan struct{})
	s.timer = s.host.NewTimer(0)
	s.plannedTick = s.host.Now()
	if s.startLoop {
		go s.run(s.stop, s.timer)
	}

	s.log.WithFields(logrus.Fields{
		"bpm":       s.timeline.GetTempo(),
		"signature": s.timeline.Snapshot().Signature(),
	}).Info("scheduler started")
	s.notifier.Publish(notify.Event{Kind: notify.KindStarted, BPM: s.timeline.GetTempo()})
	return true, nil
}

// Stop halts the loop. A beat already handed to the audio device still sounds.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return false
	}
	s.stopLocked()
	s.log.Info("scheduler stopped")
	s.notifier.Publish(notify.Event{Kind: notify.KindStopped})
	return true
}

// Toggle starts a stopped scheduler or stops a running one, reporting whether it is now running.
func (s *Scheduler) Toggle(handler BeatHandler) (bool, error) {
	if s.Stop() {
		return false, nil
	}
	return s.Start(handler)
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetTempo clamps and applies bpm. It returns false for non-finite or non-positive input.
func (s *Scheduler) SetTempo(bpm float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.timeline.GetTempo()
	if err := s.timeline.SetTempo(bpm); err != nil {
		s.log.WithError(err).Debug("tempo rejected")
		return false
	}
	bpm = s.timeline.GetTempo()
	if bpm == old {
		return true
	}
	s.generation++
	if s.running {
		s.realignLocked()
	}
	s.log.WithFields(logrus.Fields{"from": old, "to": bpm}).Info("tempo changed")
	s.notifier.Publish(notify.TempoEvent(bpm))
	return true
}

// SetTimeSignature applies n/d; the next beat becomes a downbeat.
func (s *Scheduler) SetTimeSignature(numerator, denominator int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.timeline.SetTimeSignature(numerator, denominator); err != nil {
		s.log.WithError(err).Debug("time signature rejected")
		return false
	}
	s.generation++
	if s.running {
		s.realignLocked()
	}
	s.log.WithField("signature", fmt.Sprintf("%d/%d", numerator, denominator)).Info("time signature changed")
	s.notifier.Publish(notify.SignatureEvent(numerator, denominator))
	return true
}

// SetVolume accepts v in [0, 1].
func (s *Scheduler) SetVolume(v float64) bool {
	if !validVolume(v) {
		return false
	}
	s.mu.Lock()
	s.volume = v
	s.mu.Unlock()
	return true
}

// Generation identifies the current beat grid. It grows on every Start, tempo change and time
// signature change, and every BeatEvent carries the generation it was scheduled under.
func (s *Scheduler) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// ResetErrors clears the consecutive failure count.
func (s *Scheduler) ResetErrors() {
	s.mu.Lock()
	s.errorCount = 0
	s.mu.Unlock()
}

// SetClock swaps the audio clock, e.g. after the device was reinitialized. Only allowed while stopped.
func (s *Scheduler) SetClock(c audio.Clock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrClockInUse
	}
	s.clock = c
	return nil
}

// Clock returns the audio clock beats are placed against.
func (s *Scheduler) Clock() audio.Clock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.timeline.Snapshot()
	st := s.clock.State()
	return Status{
		Running:      s.running,
		CurrentBeat:  snap.Beat,
		CurrentBar:   snap.Bar,
		BPM:          snap.Tempo,
		Numerator:    snap.BeatsPerBar,
		Denominator:  snap.Denominator,
		Volume:       s.volume,
		ClockState:   st,
		Clock:        st.String(),
		ErrorCount:   s.errorCount,
		NextBeatTime: snap.NextBeatTime,
	}
}

// Snapshot copies the timeline.
func (s *Scheduler) Snapshot() rhythm.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline.Snapshot()
}

// realignLocked re-anchors the next beat after a tempo or signature change. Phase is not preserved;
// the next beat never lands within one beat of the previous one.
func (s *Scheduler) realignLocked() {
	next := s.clock.Now() + RealignGuard.Seconds()
	if s.hasLastBeat {
		next = math.Max(next, s.lastBeatTime+s.timeline.SecondsPerBeat())
	}
	s.timeline.SetNextBeatTime(next)
}

func (s *Scheduler) stopLocked() {
	s.running = false
	s.handler = nil
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// failLocked stops the loop and hands off to the failure callback outside the lock.
func (s *Scheduler) failLocked(err error) {
	s.stopLocked()
	s.notifier.Publish(notify.ErrorEvent(notify.KindError, err))
	s.notifier.Publish(notify.Event{Kind: notify.KindStopped, Message: err.Error()})
	if fn := s.onFailure; fn != nil {
		go fn(err)
	}
}

func (s *Scheduler) setFailureHandler(fn func(error)) {
	s.mu.Lock()
	s.onFailure = fn
	s.mu.Unlock()
}

// dispatchLocked runs the handler, converting a panic into an error.
func (s *Scheduler) dispatchLocked(ev BeatEvent) (err error) {
	defer commonerrors.Recover(func(cause error) {
		err = fmt.Errorf("%w: handler panicked: %w", ErrSchedulingFailure, cause)
	})
	if s.handler == nil {
		return nil
	}
	if herr := s.handler(ev); herr != nil {
		return fmt.Errorf("%w: %w", ErrSchedulingFailure, herr)
	}
	return nil
}

// resumeLocked asks a suspended device to resume on its own goroutine, one attempt at a time.
func (s *Scheduler) resumeLocked() {
	if s.resuming {
		return
	}
	s.resuming = true
	c := s.clock
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
		defer cancel()
		err := c.Resume(ctx)

		s.mu.Lock()
		s.resuming = false
		s.mu.Unlock()
		if err != nil {
			s.log.WithError(err).Warn("failed to resume audio device")
		}
	}()
}

func validVolume(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
