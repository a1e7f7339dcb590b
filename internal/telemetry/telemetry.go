// Package telemetry records engine metrics through the OpenTelemetry metric
// API. Without a configured MeterProvider every call is a no-op.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "groomline"

// Recorder holds the engine's instruments.
type Recorder struct {
	submissions  metric.Int64Counter
	transitions  metric.Int64Counter
	pulls        metric.Int64Counter
	locks        metric.Int64Counter
	retries      metric.Int64Counter
	groomCycles  metric.Int64Counter
	groomItems   metric.Int64Counter
	writeLatency metric.Float64Histogram
	groomLatency metric.Float64Histogram
}

// New registers instruments on m, or on the global provider when m is nil.
// Instrument errors leave that instrument as a no-op.
func New(m metric.Meter) *Recorder {
	if m == nil {
		m = otel.GetMeterProvider().Meter(meterName)
	}
	r := &Recorder{}
	r.submissions, _ = m.Int64Counter("groomline.submissions.total",
		metric.WithDescription("Submitted work items by duplicate decision"))
	r.transitions, _ = m.Int64Counter("groomline.transitions.total",
		metric.WithDescription("Workflow transitions by trigger and status"))
	r.pulls, _ = m.Int64Counter("groomline.pulls.total",
		metric.WithDescription("Worker pulls by result"))
	r.locks, _ = m.Int64Counter("groomline.locks.total",
		metric.WithDescription("Resource lock operations by result"))
	r.retries, _ = m.Int64Counter("groomline.store.conflict_retries.total",
		metric.WithDescription("Optimistic write retries after a version conflict"))
	r.groomCycles, _ = m.Int64Counter("groomline.groom.cycles.total",
		metric.WithDescription("Grooming cycles by completion"))
	r.groomItems, _ = m.Int64Counter("groomline.groom.items.total",
		metric.WithDescription("Items touched by grooming, by action"))
	r.writeLatency, _ = m.Float64Histogram("groomline.store.write_ms",
		metric.WithDescription("Engine write latency including retries"),
		metric.WithUnit("ms"))
	r.groomLatency, _ = m.Float64Histogram("groomline.groom.duration_ms",
		metric.WithDescription("Grooming cycle duration"),
		metric.WithUnit("ms"))
	return r
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil || n == 0 {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

// Submission counts one submission and its duplicate action.
func (r *Recorder) Submission(ctx context.Context, action string, err error) {
	add(ctx, r.submissions, 1, attribute.String("action", action), attribute.String("status", status(err)))
}

// Transition counts one workflow transition attempt.
func (r *Recorder) Transition(ctx context.Context, trigger string, err error) {
	add(ctx, r.transitions, 1, attribute.String("trigger", trigger), attribute.String("status", status(err)))
}

// Pull counts a worker pull; found is false for "nothing suitable".
func (r *Recorder) Pull(ctx context.Context, found bool, err error) {
	result := "assigned"
	if !found {
		result = "empty"
	}
	add(ctx, r.pulls, 1, attribute.String("result", result), attribute.String("status", status(err)))
}

// Lock counts a lock operation.
func (r *Recorder) Lock(ctx context.Context, op string, err error) {
	add(ctx, r.locks, 1, attribute.String("op", op), attribute.String("status", status(err)))
}

// Retry counts one conflict retry.
func (r *Recorder) Retry(ctx context.Context, op string) {
	add(ctx, r.retries, 1, attribute.String("op", op))
}

// Write records the latency of one engine write.
func (r *Recorder) Write(ctx context.Context, op string, d time.Duration, err error) {
	if r.writeLatency == nil {
		return
	}
	r.writeLatency.Record(ctx, float64(d.Microseconds())/1000,
		metric.WithAttributes(attribute.String("op", op), attribute.String("status", status(err))))
}

// GroomCounts are the per-action totals of one cycle.
type GroomCounts struct {
	Groomed, Merged, Linked, Archived, GatesExpired int
	Partial                                         bool
}

// Groom records one grooming cycle.
func (r *Recorder) Groom(ctx context.Context, c GroomCounts, d time.Duration, err error) {
	completion := "complete"
	if c.Partial {
		completion = "partial"
	}
	add(ctx, r.groomCycles, 1, attribute.String("completion", completion), attribute.String("status", status(err)))
	add(ctx, r.groomItems, int64(c.Groomed), attribute.String("action", "groomed"))
	add(ctx, r.groomItems, int64(c.Merged), attribute.String("action", "merged"))
	add(ctx, r.groomItems, int64(c.Linked), attribute.String("action", "linked"))
	add(ctx, r.groomItems, int64(c.Archived), attribute.String("action", "archived"))
	add(ctx, r.groomItems, int64(c.GatesExpired), attribute.String("action", "gate_expired"))
	if r.groomLatency != nil {
		r.groomLatency.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(attribute.String("completion", completion)))
	}
}
