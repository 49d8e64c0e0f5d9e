package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/robmorgan/metronome/audio"
	"github.com/robmorgan/metronome/logger"
	"github.com/robmorgan/metronome/notify"
	"github.com/robmorgan/metronome/observe"
)

const (
	DefaultBaseCooldown = 1 * time.Second
	DefaultMaxCooldown  = 8 * time.Second
)

var (
	// ErrRecoveryFailed wraps the reason a recovery attempt did not leave the device usable.
	ErrRecoveryFailed = errors.New("scheduler: recovery failed")
	// ErrRecoveryInProgress is returned when a second recovery is requested while one is running.
	ErrRecoveryInProgress = errors.New("scheduler: recovery already in progress")
)

// Reinitializer builds a replacement audio clock after the previous device was closed.
type Reinitializer func(ctx context.Context) (audio.Clock, error)

// Recovery brings a failed scheduler back to a startable state. It never restarts the scheduler on
// its own; Retry is the explicit restart path.
type Recovery struct {
	sched    *Scheduler
	host     clock.Clock
	reinit   Reinitializer
	notifier notify.Publisher
	metrics  *observe.Metrics
	log      *logrus.Entry
	ctx      context.Context

	baseCooldown time.Duration
	maxCooldown  time.Duration

	mu         sync.Mutex
	inProgress bool
	failures   int
	lastErr    error
}

// RecoveryOption configures a Recovery.
type RecoveryOption func(*Recovery)

func WithCooldown(base, max time.Duration) RecoveryOption {
	return func(r *Recovery) {
		if base > 0 && max >= base {
			r.baseCooldown = base
			r.maxCooldown = max
		}
	}
}

func WithRecoveryNotifier(p notify.Publisher) RecoveryOption {
	return func(r *Recovery) {
		r.notifier = p
	}
}

func WithRecoveryMetrics(m *observe.Metrics) RecoveryOption {
	return func(r *Recovery) {
		r.metrics = m
	}
}

// WithBaseContext bounds automatic recoveries triggered by scheduler failures.
func WithBaseContext(ctx context.Context) RecoveryOption {
	return func(r *Recovery) {
		r.ctx = ctx
	}
}

// NewRecovery attaches a recovery policy to sched. Scheduler failures trigger Recover automatically.
func NewRecovery(sched *Scheduler, host clock.Clock, reinit Reinitializer, opts ...RecoveryOption) *Recovery {
	r := &Recovery{
		sched:        sched,
		host:         host,
		reinit:       reinit,
		notifier:     nopPublisher{},
		metrics:      observe.DefaultMetrics(),
		log:          logger.GetProjectLogger().WithField("component", "recovery"),
		ctx:          context.Background(),
		baseCooldown: DefaultBaseCooldown,
		maxCooldown:  DefaultMaxCooldown,
	}
	for _, opt := range opts {
		opt(r)
	}
	sched.setFailureHandler(r.onSchedulerFailure)
	return r
}

func (r *Recovery) onSchedulerFailure(cause error) {
	r.log.WithError(cause).Warn("scheduler failed; starting recovery")
	if err := r.Recover(r.ctx); err != nil && !errors.Is(err, ErrRecoveryInProgress) {
		r.log.WithError(err).Error("automatic recovery failed; waiting for an explicit retry")
	}
}

// Cooldown is the wait the next recovery attempt will use.
func (r *Recovery) Cooldown() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cooldownLocked()
}

func (r *Recovery) cooldownLocked() time.Duration {
	d := r.baseCooldown
	for i := 0; i < r.failures && d < r.maxCooldown; i++ {
		d *= 2
	}
	if d > r.maxCooldown {
		d = r.maxCooldown
	}
	return d
}

// InProgress reports whether a recovery is running.
func (r *Recovery) InProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inProgress
}

// LastError returns the cause of the most recent failed recovery, or nil.
func (r *Recovery) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Recover stops the scheduler, waits out the cooldown and makes sure the audio device is usable
// again, reinitializing it when it was closed. On success the error count is cleared and the
// scheduler is left stopped.
func (r *Recovery) Recover(ctx context.Context) error {
	r.mu.Lock()
	if r.inProgress {
		r.mu.Unlock()
		return ErrRecoveryInProgress
	}
	r.inProgress = true
	cooldown := r.cooldownLocked()
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inProgress = false
		r.mu.Unlock()
	}()

	r.log.WithField("cooldown", cooldown).Info("recovery started")
	r.notifier.Publish(notify.Event{Kind: notify.KindRecoveryStarted})
	r.metrics.RecordRecovery(ctx, "started")

	r.sched.Stop()

	select {
	case <-ctx.Done():
		return r.fail(ctx, ctx.Err())
	case <-r.host.After(cooldown):
	}

	c := r.sched.Clock()
	switch st := c.State(); st {
	case audio.StateRunning:
	case audio.StateClosed:
		if r.reinit == nil {
			return r.fail(ctx, audio.ErrDeviceClosed)
		}
		fresh, err := r.reinit(ctx)
		if err != nil {
			return r.fail(ctx, err)
		}
		if err := r.sched.SetClock(fresh); err != nil {
			return r.fail(ctx, err)
		}
	default:
		if err := c.Resume(ctx); err != nil {
			return r.fail(ctx, err)
		}
	}

	r.sched.ResetErrors()

	r.mu.Lock()
	r.failures = 0
	r.lastErr = nil
	r.mu.Unlock()

	r.log.Info("recovery succeeded")
	r.notifier.Publish(notify.Event{Kind: notify.KindRecoverySucceeded})
	r.metrics.RecordRecovery(ctx, "succeeded")
	return nil
}

// Retry recovers and then restarts the scheduler with handler.
func (r *Recovery) Retry(ctx context.Context, handler BeatHandler) error {
	if err := r.Recover(ctx); err != nil {
		return err
	}
	if _, err := r.sched.Start(handler); err != nil {
		return fmt.Errorf("%w: restart: %w", ErrRecoveryFailed, err)
	}
	return nil
}

func (r *Recovery) fail(ctx context.Context, cause error) error {
	err := fmt.Errorf("%w: %w", ErrRecoveryFailed, cause)

	r.mu.Lock()
	r.failures++
	r.lastErr = err
	next := r.cooldownLocked()
	r.mu.Unlock()

	r.log.WithError(cause).WithField("next_cooldown", next).Error("recovery failed")
	r.notifier.Publish(notify.ErrorEvent(notify.KindRecoveryFailed, err))
	r.metrics.RecordRecovery(context.WithoutCancel(ctx), "failed")
	return err
}
