package lessonaudio

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/lessonkit/lessonaudio"

// Instruments bundles the engine's metric instruments. The library uses
// the OpenTelemetry API only; without a configured global meter provider
// every instrument is a no-op.
type Instruments struct {
	CoordinationEvents metric.Int64Counter
	CoordinationErrors metric.Int64Counter
	SyncCorrections    metric.Int64Counter
	SeekLatency        metric.Float64Histogram
	SynthesisLatency   metric.Float64Histogram
	EvictedBytes       metric.Int64Counter
	SpillHits          metric.Int64Counter
}

// NewInstruments creates the engine's instruments from the global meter
// provider.
func NewInstruments() (*Instruments, error) {
	meter := otel.Meter(instrumentationName)

	coordEvents, err := meter.Int64Counter("lessonaudio.coordination.events",
		metric.WithDescription("Coordination decisions recorded, by type and mode"))
	if err != nil {
		return nil, err
	}
	coordErrors, err := meter.Int64Counter("lessonaudio.coordination.errors",
		metric.WithDescription("Coordination failures, by category"))
	if err != nil {
		return nil, err
	}
	corrections, err := meter.Int64Counter("lessonaudio.sync.corrections",
		metric.WithDescription("Drift corrections applied"))
	if err != nil {
		return nil, err
	}
	seekLatency, err := meter.Float64Histogram("lessonaudio.seek.latency",
		metric.WithDescription("Seek completion latency"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	synthLatency, err := meter.Float64Histogram("lessonaudio.synthesis.latency",
		metric.WithDescription("Speech synthesis latency"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	evicted, err := meter.Int64Counter("lessonaudio.buffer.evicted_bytes",
		metric.WithDescription("Audio bytes released by eviction"), metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	spillHits, err := meter.Int64Counter("lessonaudio.buffer.spill_hits",
		metric.WithDescription("Evicted chunks restored from the spill cache"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		CoordinationEvents: coordEvents,
		CoordinationErrors: coordErrors,
		SyncCorrections:    corrections,
		SeekLatency:        seekLatency,
		SynthesisLatency:   synthLatency,
		EvictedBytes:       evicted,
		SpillHits:          spillHits,
	}, nil
}

// RecordCoordination counts one coordination decision.
func (in *Instruments) RecordCoordination(ctx context.Context, typ AVEventType, mode CoordinationMode) {
	if in == nil {
		return
	}
	in.CoordinationEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", typ.String()),
		attribute.String("mode", mode.String()),
	))
}

// RecordCoordinationError counts one coordination failure by category.
func (in *Instruments) RecordCoordinationError(ctx context.Context, category string) {
	if in == nil {
		return
	}
	in.CoordinationErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
	))
}

// RecordCorrection counts one drift correction.
func (in *Instruments) RecordCorrection(ctx context.Context) {
	if in == nil {
		return
	}
	in.SyncCorrections.Add(ctx, 1)
}

// RecordSeekLatency records one seek's completion latency in milliseconds.
func (in *Instruments) RecordSeekLatency(ctx context.Context, ms float64, withinTarget bool) {
	if in == nil {
		return
	}
	in.SeekLatency.Record(ctx, ms, metric.WithAttributes(
		attribute.Bool("within_target", withinTarget),
	))
}

// RecordSynthesisLatency records one synthesis call's latency.
func (in *Instruments) RecordSynthesisLatency(ctx context.Context, ms float64) {
	if in == nil {
		return
	}
	in.SynthesisLatency.Record(ctx, ms)
}

// RecordEviction counts bytes released by one eviction pass.
func (in *Instruments) RecordEviction(ctx context.Context, bytes int64) {
	if in == nil {
		return
	}
	in.EvictedBytes.Add(ctx, bytes)
}

// RecordSpillHit counts one chunk restored from the disk spill cache.
func (in *Instruments) RecordSpillHit(ctx context.Context) {
	if in == nil {
		return
	}
	in.SpillHits.Add(ctx, 1)
}
