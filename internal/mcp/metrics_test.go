package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/contamination"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/taskcontext"
	"github.com/fyrsmithlabs/phasegate/internal/taskid"
	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

func testMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return newMetrics(mp.Meter(instrumentationName), zap.NewNop()), reader
}

// sums collects every int64 sum by instrument name, added across data points.
func sums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					out[m.Name] += dp.Value
				}
			}
		}
	}
	return out
}

func TestMetrics_Track(t *testing.T) {
	m, reader := testMetrics(t)
	ctx := context.Background()
	meta := &ToolMetadata{Name: "phase_status", Category: CategoryPhase}

	m.Track(ctx, meta)(nil)
	m.Track(ctx, meta)(fmt.Errorf("%w: %q", taskid.ErrInvalidTaskID, "nope"))
	open := m.Track(ctx, meta)

	got := sums(t, reader)
	assert.Equal(t, int64(2), got["phasegate.mcp.tool.calls_total"])
	assert.Equal(t, int64(1), got["phasegate.mcp.tool.failures_total"])
	assert.Equal(t, int64(1), got["phasegate.mcp.tool.in_flight"])

	open(nil)
	assert.Equal(t, int64(0), sums(t, reader)["phasegate.mcp.tool.in_flight"])
}

func TestMetrics_RecordVerdict(t *testing.T) {
	m, reader := testMetrics(t)
	ctx := context.Background()

	m.RecordVerdict(ctx, &gate.Result{Passed: true, Workflow: workflow.Build, Phase: workflow.Discovery})
	m.RecordVerdict(ctx, &gate.Result{Passed: false, Workflow: workflow.Build, Phase: workflow.Architecture})
	m.RecordVerdict(ctx, nil)

	assert.Equal(t, int64(2), sums(t, reader)["phasegate.mcp.gate.verdicts_total"])
}

func TestMetrics_RecordFindings(t *testing.T) {
	m, reader := testMetrics(t)

	m.RecordFindings(context.Background(), contamination.Report{
		SeverityBreakdown: map[contamination.Severity]int{
			contamination.SeverityCritical: 1,
			contamination.SeverityHigh:     2,
			contamination.SeverityWarning:  0,
		},
	})

	assert.Equal(t, int64(3), sums(t, reader)["phasegate.mcp.scan.findings_total"])
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"bad task id", fmt.Errorf("%w: %q", taskid.ErrInvalidTaskID, "x"), "invalid_input"},
		{"unknown workflow", fmt.Errorf("wrap: %w", workflow.ErrUnknownWorkflow), "invalid_input"},
		{"bad transition", orchestrator.ErrInvalidTransition, "invalid_input"},
		{"no phase record", orchestrator.ErrNotFound, "not_found"},
		{"no task context", fmt.Errorf("%w: x", taskcontext.ErrNotFound), "not_found"},
		{"inactive", orchestrator.ErrNotActive, "wrong_state"},
		{"gate", orchestrator.ErrGateFailed, "gate_failed"},
		{"deadline", context.DeadlineExceeded, "cancelled"},
		{"permission", &os.PathError{Op: "open", Path: "x", Err: os.ErrPermission}, "permission"},
		{"other", errors.New("something went wrong"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, failureReason(tt.err))
		})
	}
}
