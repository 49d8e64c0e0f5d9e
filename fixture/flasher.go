package fixture

import (
	"sync"
	"time"

	"github.com/fogleman/ease"
	"github.com/lucasb-eyer/go-colorful"
	"k8s.io/utils/clock"

	"github.com/robmorgan/metronome/logger"
	"github.com/robmorgan/metronome/notify"
)

const (
	// DefaultDecay is the share of a beat interval a flash takes to fade out.
	DefaultDecay = 0.6

	// maxPending bounds the flashes queued ahead of the light.
	maxPending = 8
)

var (
	DefaultColor       = colorful.Color{R: 1, G: 1, B: 1}
	DefaultAccentColor = colorful.Color{R: 1, G: 0.2, B: 0.1}
)

// AudioClock reports the audio device time the beat timestamps are expressed in.
type AudioClock interface {
	Now() float64
}

type flash struct {
	at     time.Time
	accent bool
	length time.Duration
}

// Flasher drives a group of fixtures in time with the beat. Each beat jumps the fixtures to full and
// fades them out with an ease curve; the first beat of a bar uses the accent colour.
type Flasher struct {
	group *Group
	state *DMXState
	audio AudioClock
	host  clock.PassiveClock

	color, accent colorful.Color
	decay         float64
	curve         ease.Function

	lock    sync.Mutex
	pending []flash
	current *flash
}

type FlasherOption func(*Flasher)

func WithColors(normal, accent colorful.Color) FlasherOption {
	return func(f *Flasher) {
		f.color = normal
		f.accent = accent
	}
}

// WithDecay sets the fade length as a share of the beat interval and the curve it follows.
func WithDecay(share float64, curve ease.Function) FlasherOption {
	return func(f *Flasher) {
		if share > 0 && share <= 1 {
			f.decay = share
		}
		if curve != nil {
			f.curve = curve
		}
	}
}

func WithHostClock(c clock.PassiveClock) FlasherOption {
	return func(f *Flasher) {
		f.host = c
	}
}

func NewFlasher(group *Group, audio AudioClock, opts ...FlasherOption) *Flasher {
	f := &Flasher{
		group:  group,
		state:  NewDMXState(),
		audio:  audio,
		host:   clock.RealClock{},
		color:  DefaultColor,
		accent: DefaultAccentColor,
		decay:  DefaultDecay,
		curve:  ease.OutCubic,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Flasher) GetDMXState() *DMXState {
	return f.state
}

// Handle queues a flash for each beat. The beat timestamp is converted to host time using the current
// audio clock offset so the light lands with the sound rather than with the scheduler.
func (f *Flasher) Handle(ev notify.Event) {
	switch ev.Kind {
	case notify.KindBeat:
		if ev.Beat == nil || ev.Beat.BPM <= 0 {
			return
		}
		lead := time.Duration((ev.Beat.Timestamp - f.audio.Now()) * float64(time.Second))
		if lead < 0 {
			lead = 0
		}
		interval := time.Duration(60 / ev.Beat.BPM * float64(time.Second))
		fl := flash{
			at:     f.host.Now().Add(lead),
			accent: ev.Beat.IsFirstBeat,
			length: time.Duration(float64(interval) * f.decay),
		}

		f.lock.Lock()
		defer f.lock.Unlock()
		if len(f.pending) >= maxPending {
			logger.GetProjectLogger().WithField("component", "flasher").Debug("dropping oldest pending flash")
			f.pending = f.pending[1:]
		}
		f.pending = append(f.pending, fl)
	case notify.KindStopped:
		f.lock.Lock()
		defer f.lock.Unlock()
		f.pending = nil
		f.current = nil
	}
}

// Render updates every fixture for time now and writes the result into the DMX state.
func (f *Flasher) Render(now time.Time) {
	f.lock.Lock()
	for len(f.pending) > 0 && !f.pending[0].at.After(now) {
		fl := f.pending[0]
		f.current = &fl
		f.pending = f.pending[1:]
	}
	level, color := f.levelLocked(now)
	f.lock.Unlock()

	log := logger.GetProjectLogger().WithField("component", "flasher")
	f.group.Each(func(id string, fix *Fixture) {
		fix.SetColor(color)
		fix.SetIntensity(level)
		if !fix.NeedsUpdate() {
			return
		}
		if err := f.state.set(fix.operations()...); err != nil {
			log.WithError(err).WithField("fixture", id).Warn("failed to render fixture")
		}
		fix.HasUpdated()
	})
}

func (f *Flasher) levelLocked(now time.Time) (float64, colorful.Color) {
	if f.current == nil {
		return 0, f.color
	}
	color := f.color
	if f.current.accent {
		color = f.accent
	}
	if f.current.length <= 0 {
		return 0, color
	}
	progress := float64(now.Sub(f.current.at)) / float64(f.current.length)
	if progress >= 1 {
		return 0, color
	}
	if progress < 0 {
		progress = 0
	}
	return 1 - f.curve(progress), color
}
