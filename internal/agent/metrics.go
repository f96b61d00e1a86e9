package agent

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"OpenMCP-Prover/internal/proving"
)

// meterName 是代理指标的 instrumentation scope。
const meterName = "OpenMCP-Prover/internal/agent"

type agentMetrics struct {
	jobs         metric.Int64Counter
	duration     metric.Float64Histogram
	inFlight     metric.Int64UpDownCounter
	sourceErrors metric.Int64Counter
}

// newAgentMetrics 创建指标。meter 为 nil 时使用全局 MeterProvider，
// 未配置时 OTel 返回 noop 实现。
func newAgentMetrics(meter metric.Meter) *agentMetrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	jobs, _ := meter.Int64Counter(
		"prover.agent.jobs",
		metric.WithDescription("Proving jobs completed by the agent"),
		metric.WithUnit("{job}"),
	)
	duration, _ := meter.Float64Histogram(
		"prover.agent.job.duration",
		metric.WithDescription("Time spent producing a proof, in seconds"),
		metric.WithUnit("s"),
	)
	inFlight, _ := meter.Int64UpDownCounter(
		"prover.agent.inflight",
		metric.WithDescription("Proving jobs currently dispatched"),
		metric.WithUnit("{job}"),
	)
	sourceErrors, _ := meter.Int64Counter(
		"prover.agent.source.errors",
		metric.WithDescription("Failed calls to the job source"),
		metric.WithUnit("{error}"),
	)
	return &agentMetrics{jobs: jobs, duration: duration, inFlight: inFlight, sourceErrors: sourceErrors}
}

func (m *agentMetrics) dispatched(ctx context.Context) {
	m.inFlight.Add(ctx, 1)
}

func (m *agentMetrics) completed(ctx context.Context, t proving.RequestType, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("job_type", t.String()),
		attribute.String("status", status),
	)
	m.jobs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	m.inFlight.Add(ctx, -1)
}

func (m *agentMetrics) sourceError(ctx context.Context, op string) {
	m.sourceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
