package training

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/robmorgan/metronome/logger"
	"github.com/robmorgan/metronome/notify"
)

// Status of a segment within a session.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusDone    Status = "done"
)

// ErrSegmentRejected is returned when the metronome refuses a segment's tempo or time signature.
var ErrSegmentRejected = errors.New("training: segment rejected")

// Controller is the part of the metronome a session drives. Generation must grow whenever the beat
// grid is re-anchored and be carried by every beat notification.
type Controller interface {
	SetTempo(bpm float64) bool
	SetTimeSignature(numerator, denominator int) bool
	Stop() bool
	Generation() uint64
}

// Progress is a snapshot of a running session.
type Progress struct {
	Plan         string   `json:"plan"`
	Segment      int      `json:"segment"`
	SegmentName  string   `json:"segmentName"`
	BarsDone     int      `json:"barsDone"`
	BarsTotal    int      `json:"barsTotal"`
	Statuses     []Status `json:"statuses"`
	Finished     bool     `json:"finished"`
	Laps         int      `json:"laps"`
	PlanFraction float64  `json:"planFraction"`
	Error        string   `json:"error,omitempty"`
}

// Session counts completed bars from beat notifications and moves the metronome through a plan.
type Session struct {
	ID string

	plan *Plan
	ctrl Controller
	log  *logrus.Entry

	mu        sync.Mutex
	index     int
	barsDone  int
	started   bool
	statuses  []Status
	finished  bool
	laps      int
	completed int
	// beats placed before this generation belong to an earlier segment
	generation uint64
	err        error
	sub        *notify.Subscription
}

func NewSession(plan *Plan, ctrl Controller) *Session {
	id := uuid.NewString()
	return &Session{
		ID:       id,
		plan:     plan,
		ctrl:     ctrl,
		log:      logger.GetProjectLogger().WithFields(logrus.Fields{"component": "training", "session": id}),
		statuses: make([]Status, len(plan.Segments)),
	}
}

// Begin applies the first segment and follows beats on bus until the plan ends or End is called.
func (s *Session) Begin(bus *notify.Bus) error {
	if err := s.plan.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		return errors.New("training: session already running")
	}
	for i := range s.statuses {
		s.statuses[i] = StatusPending
	}
	s.index = 0
	s.finished = false
	s.err = nil
	if err := s.applyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.log.WithField("plan", s.plan.Name).Info("training session started")
	sub := bus.SubscribeFunc("training", notify.DefaultBuffer, s.HandleEvent)

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

// End detaches the session from the bus.
func (s *Session) End() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// HandleEvent consumes one notification.
func (s *Session) HandleEvent(ev notify.Event) {
	if ev.Kind != notify.KindBeat || ev.Beat == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}

	seg := s.plan.Segments[s.index]
	if ev.Beat.Generation < s.generation {
		return
	}
	if !ev.Beat.IsFirstBeat {
		return
	}
	if !s.started {
		s.started = true
		return
	}

	s.barsDone++
	s.completed++
	if s.barsDone < seg.Bars {
		return
	}

	s.statuses[s.index] = StatusDone
	s.log.WithFields(logrus.Fields{"segment": seg.Name, "bars": seg.Bars}).Info("segment complete")

	switch {
	case s.index+1 < len(s.plan.Segments):
		s.index++
	case s.plan.Repeat:
		s.laps++
		s.index = 0
		for i := range s.statuses {
			s.statuses[i] = StatusPending
		}
	default:
		s.finished = true
		s.log.Info("training plan finished")
		s.ctrl.Stop()
		return
	}

	if err := s.applyLocked(); err != nil {
		s.err = err
		s.finished = true
		s.log.WithError(err).Error("training plan aborted")
		s.ctrl.Stop()
	}
}

// applyLocked pushes the current segment to the metronome and marks where its beats begin.
func (s *Session) applyLocked() error {
	seg := s.plan.Segments[s.index]
	s.statuses[s.index] = StatusActive
	s.barsDone = 0
	s.started = false

	if !s.ctrl.SetTimeSignature(seg.Numerator, seg.Denominator) {
		return fmt.Errorf("%w: %s: time signature %d/%d", ErrSegmentRejected, seg.Name, seg.Numerator, seg.Denominator)
	}
	if !s.ctrl.SetTempo(seg.BPM) {
		return fmt.Errorf("%w: %s: tempo %v", ErrSegmentRejected, seg.Name, seg.BPM)
	}
	s.generation = s.ctrl.Generation()
	s.log.WithFields(logrus.Fields{
		"segment": seg.Name,
		"bpm":     seg.BPM,
		"bars":    seg.Bars,
	}).Info("segment started")
	return nil
}

func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg := s.plan.Segments[s.index]
	frac := 0.0
	if total := s.plan.TotalBars(); total > 0 {
		frac = math.Min(float64(s.completed-s.laps*total)/float64(total), 1)
	}
	var errText string
	if s.err != nil {
		errText = s.err.Error()
	}
	return Progress{
		Plan:         s.plan.Name,
		Segment:      s.index,
		SegmentName:  seg.Name,
		BarsDone:     s.barsDone,
		BarsTotal:    seg.Bars,
		Statuses:     append([]Status(nil), s.statuses...),
		Finished:     s.finished,
		Laps:         s.laps,
		PlanFraction: frac,
		Error:        errText,
	}
}

// Err reports why the session stopped early, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
