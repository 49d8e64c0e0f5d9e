// Package observe wires OpenTelemetry metrics for the metronome and bridges them to Prometheus.
//
// Tests should build their own instruments with [NewMetrics] and a ManualReader; everything else uses
// [DefaultMetrics], which follows the global meter provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/robmorgan/metronome"

// Metrics holds the metric instruments for the beat pipeline.
type Metrics struct {
	// BeatsScheduled counts beats whose handler ran without error.
	BeatsScheduled metric.Int64Counter

	// BeatsFailed counts beats whose handler returned an error or panicked.
	BeatsFailed metric.Int64Counter

	// BeatsDropped counts beats skipped because the scheduler fell behind the audio clock.
	BeatsDropped metric.Int64Counter

	// EmitFailures counts notes that could not be started on the audio device.
	EmitFailures metric.Int64Counter

	// Recoveries counts recovery attempts. Use with attribute.String("status", ...).
	Recoveries metric.Int64Counter

	// TickLag tracks how late scheduler ticks fire relative to when they were armed.
	TickLag metric.Float64Histogram

	// BusDropped counts notifications dropped because a subscriber was full.
	// Use with attribute.String("subscriber", ...).
	BusDropped metric.Int64Counter

	// Subscribers tracks live notification subscriptions.
	Subscribers metric.Int64UpDownCounter
}

// lagBuckets are in seconds, sized around the 1ms..100ms tick interval.
var lagBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
}

// NewMetrics creates the instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.BeatsScheduled, err = m.Int64Counter("metronome.beats.scheduled",
		metric.WithDescription("Beats handed to the audio pipeline."),
	); err != nil {
		return nil, err
	}
	if met.BeatsFailed, err = m.Int64Counter("metronome.beats.failed",
		metric.WithDescription("Beats whose handler failed."),
	); err != nil {
		return nil, err
	}
	if met.BeatsDropped, err = m.Int64Counter("metronome.beats.dropped",
		metric.WithDescription("Beats skipped because they were already in the past."),
	); err != nil {
		return nil, err
	}
	if met.EmitFailures, err = m.Int64Counter("metronome.sound.emit_failures",
		metric.WithDescription("Notes that could not be started."),
	); err != nil {
		return nil, err
	}
	if met.Recoveries, err = m.Int64Counter("metronome.scheduler.recoveries",
		metric.WithDescription("Scheduler recovery attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.TickLag, err = m.Float64Histogram("metronome.scheduler.tick_lag",
		metric.WithDescription("Delay between a scheduler tick's planned and actual time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(lagBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BusDropped, err = m.Int64Counter("metronome.bus.dropped",
		metric.WithDescription("Notifications dropped for slow subscribers."),
	); err != nil {
		return nil, err
	}
	if met.Subscribers, err = m.Int64UpDownCounter("metronome.bus.subscribers",
		metric.WithDescription("Live notification subscriptions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first use from the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordBeatScheduled(ctx context.Context) {
	m.BeatsScheduled.Add(ctx, 1)
}

func (m *Metrics) RecordBeatFailed(ctx context.Context) {
	m.BeatsFailed.Add(ctx, 1)
}

func (m *Metrics) RecordBeatsDropped(ctx context.Context, n int) {
	m.BeatsDropped.Add(ctx, int64(n))
}

func (m *Metrics) RecordEmitFailure(ctx context.Context) {
	m.EmitFailures.Add(ctx, 1)
}

// RecordRecovery counts a recovery attempt with status "started", "succeeded" or "failed".
func (m *Metrics) RecordRecovery(ctx context.Context, status string) {
	m.Recoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordTickLag(ctx context.Context, seconds float64) {
	m.TickLag.Record(ctx, seconds)
}

func (m *Metrics) RecordBusDrop(ctx context.Context, subscriber string) {
	m.BusDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber", subscriber)))
}
