package mcp

import (
	"context"
	"errors"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/contamination"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/taskcontext"
	"github.com/fyrsmithlabs/phasegate/internal/taskid"
	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/phasegate/internal/mcp"

// Metrics instruments tool calls and the outcomes agents act on: gate
// verdicts and contamination findings.
type Metrics struct {
	meter  metric.Meter
	logger *zap.Logger

	calls    metric.Int64Counter
	duration metric.Float64Histogram
	failures metric.Int64Counter
	inFlight metric.Int64UpDownCounter
	verdicts metric.Int64Counter
	findings metric.Int64Counter
}

// NewMetrics creates Metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	m := &Metrics{meter: meter, logger: logger}
	var err error
	warn := func(name string) {
		if err != nil {
			m.logger.Warn("failed to create instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m.calls, err = meter.Int64Counter("phasegate.mcp.tool.calls_total",
		metric.WithDescription("Tool calls by tool and category"),
		metric.WithUnit("{call}"))
	warn("calls")

	m.duration, err = meter.Float64Histogram("phasegate.mcp.tool.duration_seconds",
		metric.WithDescription("Duration of tool calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5))
	warn("duration")

	m.failures, err = meter.Int64Counter("phasegate.mcp.tool.failures_total",
		metric.WithDescription("Tool calls that returned an error, by reason"),
		metric.WithUnit("{call}"))
	warn("failures")

	m.inFlight, err = meter.Int64UpDownCounter("phasegate.mcp.tool.in_flight",
		metric.WithDescription("Tool calls currently executing"),
		metric.WithUnit("{call}"))
	warn("in_flight")

	m.verdicts, err = meter.Int64Counter("phasegate.mcp.gate.verdicts_total",
		metric.WithDescription("Gate verdicts returned to agents, by workflow, phase and outcome"),
		metric.WithUnit("{verdict}"))
	warn("verdicts")

	m.findings, err = meter.Int64Counter("phasegate.mcp.scan.findings_total",
		metric.WithDescription("Contamination events returned to agents, by severity"),
		metric.WithUnit("{event}"))
	warn("findings")

	return m
}

// Track marks a tool call as started. The returned func ends it and records
// its duration and, when err is non-nil, its failure reason.
func (m *Metrics) Track(ctx context.Context, meta *ToolMetadata) func(err error) {
	attrs := metric.WithAttributes(
		attribute.String("tool", meta.Name),
		attribute.String("category", string(meta.Category)),
	)
	start := time.Now()
	if m.inFlight != nil {
		m.inFlight.Add(ctx, 1, attrs)
	}
	return func(err error) {
		if m.inFlight != nil {
			m.inFlight.Add(ctx, -1, attrs)
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, attrs)
		}
		if m.duration != nil {
			m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if err != nil && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", meta.Name),
				attribute.String("reason", failureReason(err)),
			))
		}
	}
}

// RecordVerdict counts a gate result handed back to an agent.
func (m *Metrics) RecordVerdict(ctx context.Context, res *gate.Result) {
	if res == nil || m.verdicts == nil {
		return
	}
	outcome := "failed"
	if res.Passed {
		outcome = "passed"
	}
	m.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", string(res.Workflow)),
		attribute.String("phase", string(res.Phase)),
		attribute.String("outcome", outcome),
	))
}

// RecordFindings counts the events of a scan report by severity.
func (m *Metrics) RecordFindings(ctx context.Context, r contamination.Report) {
	if m.findings == nil {
		return
	}
	for sev, n := range r.SeverityBreakdown {
		if n == 0 {
			continue
		}
		m.findings.Add(ctx, int64(n), metric.WithAttributes(attribute.String("severity", string(sev))))
	}
}

// failureReason maps an error to a low-cardinality label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, taskid.ErrInvalidTaskID),
		errors.Is(err, workflow.ErrUnknownWorkflow),
		errors.Is(err, orchestrator.ErrInvalidTransition):
		return "invalid_input"
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, taskcontext.ErrNotFound):
		return "not_found"
	case errors.Is(err, orchestrator.ErrNotActive), errors.Is(err, orchestrator.ErrAlreadyActive):
		return "wrong_state"
	case errors.Is(err, orchestrator.ErrGateFailed):
		return "gate_failed"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, os.ErrPermission):
		return "permission"
	default:
		return "internal"
	}
}
