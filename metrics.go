// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/d1fmarketing/book-automation-sub010"

// metrics records job executions. Without a configured MeterProvider the
// instruments are no-ops.
type metrics struct {
	executions  metric.Int64Counter
	duration    metric.Float64Histogram
	deadLetters metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) *metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	// Instrument constructors return usable no-op instruments on error.
	executions, _ := meter.Int64Counter(
		"jobqueue.job.executions",
		metric.WithDescription("Total number of job attempts"),
		metric.WithUnit("{execution}"),
	)
	duration, _ := meter.Float64Histogram(
		"jobqueue.job.duration",
		metric.WithDescription("Duration of job attempts in seconds"),
		metric.WithUnit("s"),
	)
	deadLetters, _ := meter.Int64Counter(
		"jobqueue.job.dead_letters",
		metric.WithDescription("Total number of jobs moved to the dead letter queue"),
		metric.WithUnit("{job}"),
	)
	return &metrics{
		executions:  executions,
		duration:    duration,
		deadLetters: deadLetters,
	}
}

func (m *metrics) recordAttempt(ctx context.Context, job *Job, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("queue", job.Queue),
		attribute.String("type", job.Type),
		attribute.String("status", status),
	)
	m.executions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *metrics) recordDeadLetter(ctx context.Context, r *DeadLetter) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", r.Queue),
		attribute.String("type", r.Type),
		attribute.String("error_code", r.ErrorCode),
	))
}
