package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/robmorgan/metronome/audio"
)

func (s *Scheduler) run(stop <-chan struct{}, t clock.Timer) {
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C():
			delay, ok := s.tick()
			if !ok {
				return
			}
			if !s.rearm(stop, t, delay) {
				return
			}
		}
	}
}

// rearm resets the timer unless the scheduler was stopped since the tick.
func (s *Scheduler) rearm(stop <-chan struct{}, t clock.Timer, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.stop != stop {
		return false
	}
	s.plannedTick = s.host.Now().Add(delay)
	t.Reset(delay)
	return true
}

// tick schedules every beat inside the lookahead window and returns the delay until the next tick.
// It returns false once the scheduler is stopped.
func (s *Scheduler) tick() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return 0, false
	}

	hostNow := s.host.Now()
	if !s.catchUp && !s.lastTick.IsZero() {
		if since := hostNow.Sub(s.lastTick); since < MinScheduleInterval {
			return MinScheduleInterval - since, true
		}
	}
	if lag := hostNow.Sub(s.plannedTick); lag > 0 && !s.plannedTick.IsZero() {
		s.metrics.RecordTickLag(context.Background(), lag.Seconds())
	}
	s.catchUp = false
	s.lastTick = hostNow

	switch st := s.clock.State(); st {
	case audio.StateRunning:
	case audio.StateClosed:
		s.log.Error("audio device closed while running; stopping scheduler")
		s.failLocked(audio.ErrDeviceClosed)
		return 0, false
	default:
		s.log.WithField("state", st).Debug("audio device not running; waiting")
		s.resumeLocked()
		return ResumeRetryDelay, true
	}

	now := s.clock.Now()
	s.skipLateBeatsLocked(now)

	boundary := now + ScheduleAheadTime.Seconds()
	scheduled := 0
	for s.timeline.NextBeatTime() < boundary && scheduled < MaxSchedulesPerIteration {
		ev := s.nextEventLocked()
		err := s.dispatchLocked(ev)

		s.lastBeatTime = ev.Timestamp
		s.hasLastBeat = true
		s.timeline.SetNextBeatTime(ev.Timestamp + s.timeline.SecondsPerBeat())
		s.timeline.AdvanceBeat()
		scheduled++

		if err == nil {
			s.errorCount = 0
			s.metrics.RecordBeatScheduled(context.Background())
			continue
		}

		s.errorCount++
		s.metrics.RecordBeatFailed(context.Background())
		s.log.WithError(err).WithFields(logrus.Fields{
			"beat":        ev.BeatNumber,
			"bar":         ev.BarNumber,
			"error_count": s.errorCount,
		}).Warn("beat dispatch failed")

		if s.errorCount >= MaxAllowedErrors {
			s.log.WithField("error_count", s.errorCount).Error("too many consecutive dispatch failures; stopping scheduler")
			s.failLocked(fmt.Errorf("%d consecutive failures: %w", s.errorCount, err))
			return 0, false
		}
	}

	if scheduled == MaxSchedulesPerIteration && s.timeline.NextBeatTime() < boundary {
		s.catchUp = true
		return 0, true
	}
	return s.nextDelayLocked(now), true
}

func (s *Scheduler) nextEventLocked() BeatEvent {
	snap := s.timeline.Snapshot()
	return BeatEvent{
		Timestamp:   snap.NextBeatTime,
		BeatNumber:  snap.Beat,
		BarNumber:   snap.Bar + 1,
		IsFirstBeat: snap.Beat == 1,
		Volume:      s.volume,
		BPM:         snap.Tempo,
		Generation:  s.generation,
	}
}

// skipLateBeatsLocked drops beats that are already in the past, e.g. after the process stalled.
func (s *Scheduler) skipLateBeatsLocked(now float64) {
	late := s.timeline.NextBeatTime()
	if late >= now {
		return
	}
	next := late
	spb := s.timeline.SecondsPerBeat()
	skipped := 0
	for next < now {
		next += spb
		s.timeline.AdvanceBeat()
		skipped++
	}
	s.timeline.SetNextBeatTime(next)
	s.metrics.RecordBeatsDropped(context.Background(), skipped)
	s.log.WithFields(logrus.Fields{
		"skipped":  skipped,
		"behind_s": now - late,
	}).Warn("scheduler fell behind the audio clock; skipping beats")
}

func (s *Scheduler) nextDelayLocked(now float64) time.Duration {
	ahead := s.timeline.NextBeatTime() - now - ScheduleAheadTime.Seconds()
	d := time.Duration(ahead * float64(time.Second))
	if d < MinScheduleInterval {
		return MinScheduleInterval
	}
	if d > MaxScheduleInterval {
		return MaxScheduleInterval
	}
	return d
}
