package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName scopes the scheduler instruments
const meterName = "tradepulse"

// schedulerMetrics records task and step execution counters on the
// global meter provider. A noop provider makes every call free, so the
// scheduler records unconditionally once the instruments exist.
type schedulerMetrics struct {
	tasksTotal   metric.Int64Counter
	taskDuration metric.Float64Histogram
	tasksActive  metric.Int64UpDownCounter
	stepsTotal   metric.Int64Counter
	stepDuration metric.Float64Histogram
}

func newSchedulerMetrics(logger *slog.Logger) *schedulerMetrics {
	meter := otel.Meter(meterName)
	disabled := func(err error) *schedulerMetrics {
		logger.Warn("scheduler metrics disabled", slog.String("error", err.Error()))
		return nil
	}

	m := &schedulerMetrics{}
	var err error

	m.tasksTotal, err = meter.Int64Counter(
		"analysis_tasks_total",
		metric.WithDescription("Total number of analysis task executions"))
	if err != nil {
		return disabled(err)
	}

	m.taskDuration, err = meter.Float64Histogram(
		"analysis_task_duration_seconds",
		metric.WithDescription("Analysis task duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return disabled(err)
	}

	m.tasksActive, err = meter.Int64UpDownCounter(
		"analysis_tasks_active",
		metric.WithDescription("Number of analysis tasks currently running"))
	if err != nil {
		return disabled(err)
	}

	m.stepsTotal, err = meter.Int64Counter(
		"analysis_steps_total",
		metric.WithDescription("Total number of analysis steps executed"))
	if err != nil {
		return disabled(err)
	}

	m.stepDuration, err = meter.Float64Histogram(
		"analysis_step_duration_seconds",
		metric.WithDescription("Analysis step duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return disabled(err)
	}

	return m
}

func (m *schedulerMetrics) recordTask(status TaskStatus, d time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	m.tasksTotal.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *schedulerMetrics) taskStarted() {
	if m == nil {
		return
	}
	m.tasksActive.Add(context.Background(), 1)
}

func (m *schedulerMetrics) taskFinished() {
	if m == nil {
		return
	}
	m.tasksActive.Add(context.Background(), -1)
}

func (m *schedulerMetrics) recordStep(key string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "completed"
	switch {
	case IsCancellation(err):
		outcome = "cancelled"
	case err != nil:
		outcome = "failed"
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("step", key),
		attribute.String("outcome", outcome),
	)
	m.stepsTotal.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, d.Seconds(), attrs)
}
