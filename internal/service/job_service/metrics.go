package jobservice

import (
	"context"

	"github.com/ssuji15/kmerq/internal/job_tracer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	submitted metric.Int64Counter
	rejected  metric.Int64Counter
	completed metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := job_tracer.GetMeter()
	submitted, err := meter.Int64Counter("kmerq.jobs.submitted",
		metric.WithDescription("Search jobs accepted"))
	if err != nil {
		return nil, err
	}
	rejected, err := meter.Int64Counter("kmerq.jobs.rejected",
		metric.WithDescription("Search submissions refused, by error code"))
	if err != nil {
		return nil, err
	}
	completed, err := meter.Int64Counter("kmerq.jobs.completed",
		metric.WithDescription("Search jobs reaching a terminal state, by status"))
	if err != nil {
		return nil, err
	}
	return &metrics{submitted: submitted, rejected: rejected, completed: completed}, nil
}

func (m *metrics) reject(ctx context.Context, code string) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (m *metrics) complete(ctx context.Context, status string) {
	m.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
