// Package app wires the metronome subsystems into a running application.
//
// New builds every subsystem from the config without touching the audio device. Initialize brings the
// components up in dependency order and Close tears them down in reverse. The exported methods are
// the control surface used by the terminal UI, the HTTP API and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/faiface/beep"
	commonerrors "github.com/gruntwork-io/go-commons/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/robmorgan/metronome/audio"
	"github.com/robmorgan/metronome/config"
	"github.com/robmorgan/metronome/fixture"
	"github.com/robmorgan/metronome/logger"
	"github.com/robmorgan/metronome/notify"
	"github.com/robmorgan/metronome/observe"
	"github.com/robmorgan/metronome/rhythm"
	"github.com/robmorgan/metronome/scheduler"
	"github.com/robmorgan/metronome/sound"
	"github.com/robmorgan/metronome/tap"
	"github.com/robmorgan/metronome/training"
)

var (
	// ErrInvalidInput is returned by the control methods for values the metronome cannot apply.
	ErrInvalidInput = errors.New("app: invalid input")
	// ErrEmitFailed is returned to the scheduler when a beat could not be sounded.
	ErrEmitFailed = errors.New("app: beat could not be played")
	// ErrTrainingActive is returned when a training session is already running.
	ErrTrainingActive = errors.New("app: training session already active")
)

// Status is the full view of the metronome exposed to the UI and the HTTP API.
type Status struct {
	scheduler.Status

	Tone       string             `json:"tone"`
	MinBPM     float64            `json:"minBpm"`
	MaxBPM     float64            `json:"maxBpm"`
	Recovering bool               `json:"recovering"`
	LastError  string             `json:"lastError,omitempty"`
	Cooldown   string             `json:"cooldown"`
	Training   *training.Progress `json:"training,omitempty"`
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       config.MetronomeConfig
	host      clock.WithDelayedExecution
	newOutput func() audio.Output
	oscSender notify.OSCSender
	metrics   *observe.Metrics
	log       *logrus.Entry

	bus      *notify.Bus
	registry *Registry
	emitter  *sound.Emitter
	sched    *scheduler.Scheduler
	recovery *scheduler.Recovery
	tapper   *tap.Tapper
	flasher  *fixture.Flasher
	lights   *fixture.Group

	mu      sync.Mutex
	device  *audio.Context
	session *training.Session
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHostClock replaces the wall clock driving timers, cooldowns and tap timing.
func WithHostClock(c clock.WithDelayedExecution) Option {
	return func(a *App) { a.host = c }
}

// WithOutput replaces the system speaker. The factory is called again when the device is rebuilt.
func WithOutput(fn func() audio.Output) Option {
	return func(a *App) { a.newOutput = fn }
}

func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithOSCSender replaces the UDP OSC client used when OSC output is enabled.
func WithOSCSender(s notify.OSCSender) Option {
	return func(a *App) { a.oscSender = s }
}

// New creates an App from cfg. Nothing is opened until Initialize.
func New(cfg config.MetronomeConfig, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		host:      clock.RealClock{},
		newOutput: func() audio.Output { return audio.SpeakerOutput{} },
		metrics:   observe.DefaultMetrics(),
		log:       logger.GetProjectLogger().WithField("component", "app"),
		registry:  NewRegistry(),
	}
	for _, o := range opts {
		o(a)
	}

	a.bus = notify.NewBus(notify.WithClock(a.host), notify.WithMetrics(a.metrics))
	a.device = a.newDevice()

	a.emitter = sound.NewEmitter(a.device, a.host, sound.WithMetrics(a.metrics))
	if err := a.emitter.SetTone(cfg.Metronome.Tone); err != nil {
		return nil, err
	}

	m := cfg.Metronome
	timeline := rhythm.NewTimeline(rhythm.WithTempoRange(m.MinBPM, m.MaxBPM))
	if err := timeline.SetTempo(m.BPM); err != nil {
		return nil, err
	}
	if err := timeline.SetTimeSignature(m.Numerator, m.Denominator); err != nil {
		return nil, err
	}
	a.sched = scheduler.New(a.device, a.host,
		scheduler.WithTimeline(timeline),
		scheduler.WithVolume(m.Volume),
		scheduler.WithNotifier(a.bus),
		scheduler.WithMetrics(a.metrics),
	)
	a.recovery = scheduler.NewRecovery(a.sched, a.host, a.reinitialize,
		scheduler.WithRecoveryNotifier(a.bus),
		scheduler.WithRecoveryMetrics(a.metrics),
	)
	a.tapper = tap.New(a.host,
		tap.WithMaxTaps(cfg.Tap.MaxTaps),
		tap.WithResetAfter(cfg.Tap.ResetAfter),
		tap.WithTempoRange(m.MinBPM, m.MaxBPM),
	)

	a.registerComponents()
	return a, nil
}

func (a *App) newDevice() *audio.Context {
	return audio.NewContext(a.newOutput(),
		audio.WithSampleRate(beep.SampleRate(a.cfg.Audio.SampleRate)),
		audio.WithBufferSize(a.cfg.Audio.BufferSize()),
	)
}

func (a *App) registerComponents() {
	a.registry.Register(
		&component{
			name: "audio",
			init: func(ctx context.Context) error {
				if err := a.currentDevice().Resume(ctx); err != nil {
					return commonerrors.WithStackTrace(err)
				}
				return nil
			},
			close: func() error {
				a.currentDevice().Close()
				return nil
			},
		},
		&component{
			name: "scheduler",
			deps: []string{"audio"},
			close: func() error {
				a.StopTraining()
				a.sched.Stop()
				return nil
			},
		},
	)

	if a.cfg.OSC.Enabled {
		var sub *notify.Subscription
		a.registry.Register(&component{
			name: "osc",
			deps: []string{"scheduler"},
			init: func(context.Context) error {
				fwd := a.oscForwarder()
				sub = a.bus.SubscribeFunc("osc", notify.DefaultBuffer, fwd.Handle)
				return nil
			},
			close: func() error {
				if sub != nil {
					sub.Close()
				}
				return nil
			},
		})
	}

	if a.cfg.DMX.Enabled {
		var sub *notify.Subscription
		a.registry.Register(&component{
			name: "light",
			deps: []string{"audio", "scheduler"},
			init: func(context.Context) error {
				group, err := PatchGroup(a.cfg)
				if err != nil {
					return err
				}
				a.lights = group
				a.flasher = fixture.NewFlasher(group, schedulerClock{a.sched}, fixture.WithHostClock(a.host))
				sub = a.bus.SubscribeFunc("light", notify.DefaultBuffer, a.flasher.Handle)
				return nil
			},
			close: func() error {
				if sub != nil {
					sub.Close()
				}
				return nil
			},
		})
	}
}

func (a *App) oscForwarder() *notify.OSCForwarder {
	if a.oscSender != nil {
		return notify.NewOSCForwarderWithSender(a.oscSender, a.cfg.OSC.Prefix)
	}
	return notify.NewOSCForwarder(a.cfg.OSC.Host, a.cfg.OSC.Port, a.cfg.OSC.Prefix)
}

// PatchGroup builds the fixture group described by the DMX section of cfg.
func PatchGroup(cfg config.MetronomeConfig) (*fixture.Group, error) {
	group := fixture.NewGroup()
	for _, pf := range cfg.DMX.Fixtures {
		p, ok := cfg.FixtureProfiles[pf.Profile]
		if !ok {
			return nil, fmt.Errorf("app: fixture %q uses unknown profile %q", pf.Name, pf.Profile)
		}
		group.AddFixture(pf.Name, fixture.NewFixture(pf.Name, pf.Universe, pf.Address, p))
	}
	return group, nil
}

// schedulerClock follows the scheduler's current audio clock across device rebuilds.
type schedulerClock struct {
	sched *scheduler.Scheduler
}

func (c schedulerClock) Now() float64 {
	return c.sched.Clock().Now()
}

// Initialize opens the audio device and starts the enabled outputs.
func (a *App) Initialize(ctx context.Context) error {
	if err := a.registry.Initialize(ctx); err != nil {
		a.log.WithError(err).Error("initialization failed")
		a.bus.Publish(notify.ErrorEvent(notify.KindInitFailed, err))
		return err
	}
	a.log.Info("metronome initialized")
	a.bus.Publish(notify.Event{Kind: notify.KindInitSucceeded})
	return nil
}

// Close stops the metronome and releases every subsystem.
func (a *App) Close() error {
	err := a.registry.Close()
	a.bus.Close()
	return err
}

// reinitialize builds a fresh audio device after the previous one was closed.
func (a *App) reinitialize(ctx context.Context) (audio.Clock, error) {
	dev := a.newDevice()
	if err := dev.Resume(ctx); err != nil {
		dev.Close()
		return nil, commonerrors.WithStackTrace(err)
	}

	a.mu.Lock()
	a.device = dev
	a.mu.Unlock()
	a.emitter.SetDevice(dev)
	a.log.Info("audio device reinitialized")
	return dev, nil
}

func (a *App) currentDevice() *audio.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.device
}

// handleBeat publishes the beat and sounds it. It runs on the scheduler loop.
func (a *App) handleBeat(ev scheduler.BeatEvent) error {
	b := ev.Notification()
	a.bus.Publish(notify.BeatEvent(b))
	if ev.IsFirstBeat {
		a.bus.Publish(notify.BarChangeEvent(b))
	}
	if !a.emitter.Emit(ev.Timestamp, ev.IsFirstBeat, ev.Volume) {
		return ErrEmitFailed
	}
	return nil
}

func (a *App) Bus() *notify.Bus {
	return a.bus
}

func (a *App) Config() config.MetronomeConfig {
	return a.cfg
}

// AudioClock returns the audio clock beats are currently scheduled against.
func (a *App) AudioClock() audio.Clock {
	return a.sched.Clock()
}

// Flasher returns the beat light, or nil when DMX output is disabled or not yet initialized.
func (a *App) Flasher() *fixture.Flasher {
	return a.flasher
}

// Start begins playing.
func (a *App) Start() error {
	_, err := a.sched.Start(a.handleBeat)
	return err
}

// Stop halts playback, reporting whether it was running.
func (a *App) Stop() bool {
	return a.sched.Stop()
}

// Toggle flips playback and reports whether the metronome is now running.
func (a *App) Toggle() (bool, error) {
	return a.sched.Toggle(a.handleBeat)
}

func (a *App) SetTempo(bpm float64) error {
	if !a.sched.SetTempo(bpm) {
		return fmt.Errorf("%w: tempo %v", ErrInvalidInput, bpm)
	}
	return nil
}

// NudgeTempo shifts the tempo by delta BPM, clamped to the configured range.
func (a *App) NudgeTempo(delta float64) float64 {
	a.sched.SetTempo(a.sched.Snapshot().Tempo + delta)
	return a.sched.Snapshot().Tempo
}

func (a *App) SetTimeSignature(numerator, denominator int) error {
	if !a.sched.SetTimeSignature(numerator, denominator) {
		return fmt.Errorf("%w: time signature %d/%d", ErrInvalidInput, numerator, denominator)
	}
	return nil
}

func (a *App) SetVolume(v float64) error {
	if !a.sched.SetVolume(v) {
		return fmt.Errorf("%w: volume %v", ErrInvalidInput, v)
	}
	return nil
}

func (a *App) SetTone(name string) error {
	if err := a.emitter.SetTone(name); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

// Tap registers a tap and applies the estimated tempo once there are enough taps.
func (a *App) Tap() (float64, bool) {
	bpm, ok := a.tapper.Tap()
	if !ok {
		return 0, false
	}
	if err := a.SetTempo(bpm); err != nil {
		a.log.WithError(err).Debug("tap tempo rejected")
		return 0, false
	}
	return a.sched.Snapshot().Tempo, true
}

// Retry recovers the audio device and restarts playback after a failure.
func (a *App) Retry(ctx context.Context) error {
	return a.recovery.Retry(ctx, a.handleBeat)
}

// StartTraining runs plan from its first segment and starts playback. Segment tempos must lie in the
// configured range.
func (a *App) StartTraining(plan *training.Plan) error {
	if err := plan.ValidateRange(a.cfg.Metronome.MinBPM, a.cfg.Metronome.MaxBPM); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	a.mu.Lock()
	if a.session != nil && !a.session.Finished() {
		a.mu.Unlock()
		return ErrTrainingActive
	}
	session := training.NewSession(plan, a.sched)
	a.session = session
	a.mu.Unlock()

	a.sched.Stop()
	err := session.Begin(a.bus)
	if err == nil {
		if err = a.Start(); err != nil {
			session.End()
		}
	}
	if err != nil {
		a.mu.Lock()
		if a.session == session {
			a.session = nil
		}
		a.mu.Unlock()
		return err
	}
	return nil
}

// StopTraining detaches the running session, leaving playback as it is.
func (a *App) StopTraining() {
	a.mu.Lock()
	session := a.session
	a.session = nil
	a.mu.Unlock()
	if session != nil {
		session.End()
	}
}

// Training returns the progress of the current session, or nil.
func (a *App) Training() *training.Progress {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return nil
	}
	p := session.Progress()
	return &p
}

func (a *App) Status() Status {
	st := Status{
		Status:     a.sched.Status(),
		Tone:       a.emitter.Tone().Name,
		MinBPM:     a.cfg.Metronome.MinBPM,
		MaxBPM:     a.cfg.Metronome.MaxBPM,
		Recovering: a.recovery.InProgress(),
		Cooldown:   a.recovery.Cooldown().String(),
		Training:   a.Training(),
	}
	if err := a.recovery.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}
