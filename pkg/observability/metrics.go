package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/slrpd/pkg/approval"
	"github.com/Mindburn-Labs/slrpd/pkg/session"
)

// Instrument names.
const (
	MetricTransitions    = "slrpd.transitions"
	MetricOutcomes       = "slrpd.outcomes"
	MetricApprovals      = "slrpd.approvals"
	MetricAppendDuration = "slrpd.ledger.append.duration"
)

// Metrics implements the state machine, approval gate and ledger
// recorder observers.
type Metrics struct {
	transitions metric.Int64Counter
	outcomes    metric.Int64Counter
	approvals   metric.Int64Counter
	appendDur   metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	m.transitions, err = meter.Int64Counter(MetricTransitions,
		metric.WithDescription("Stage transitions, by target stage"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}
	m.outcomes, err = meter.Int64Counter(MetricOutcomes,
		metric.WithDescription("Finished sessions, by outcome"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}
	m.approvals, err = meter.Int64Counter(MetricApprovals,
		metric.WithDescription("Approval requests and decisions, by status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	m.appendDur, err = meter.Float64Histogram(MetricAppendDuration,
		metric.WithDescription("Audit ledger append latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) ObserveTransition(ctx context.Context, to session.Stage) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", to.String())))
}

func (m *Metrics) ObserveOutcome(ctx context.Context, outcome session.Outcome) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func (m *Metrics) ObserveApproval(ctx context.Context, status approval.Status) {
	m.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (m *Metrics) ObserveAppend(ctx context.Context, eventType string, d time.Duration) {
	m.appendDur.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("event_type", eventType)))
}
