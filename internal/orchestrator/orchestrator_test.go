package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/taskid"
	"github.com/fyrsmithlabs/phasegate/internal/telemetry"
	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

const (
	taskA = "build_20260208_143000_builder_3fa9c0d1_0001"
	taskB = "debug_20260208_143100_debugger_0b1c2d3e_0002"
)

// MockChecker is a mock implementation of gate.Checker
type MockChecker struct {
	mock.Mock
}

func (m *MockChecker) Check(ctx context.Context, w workflow.Workflow, p workflow.Phase, taskDir string) *gate.Result {
	args := m.Called(ctx, w, p, taskDir)
	return args.Get(0).(*gate.Result)
}

func passing(w workflow.Workflow, p workflow.Phase) *gate.Result {
	return &gate.Result{Passed: true, Reason: "All checks passed", Workflow: w, Phase: p}
}

func failing(w workflow.Workflow, p workflow.Phase, missing ...string) *gate.Result {
	return &gate.Result{Passed: false, Reason: "Gate failed", MissingArtifacts: missing, Workflow: w, Phase: p}
}

func fixedNow() time.Time { return time.Date(2026, 2, 8, 15, 0, 0, 0, time.UTC) }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.Base = filepath.Join(t.TempDir(), "context")
	return cfg
}

func newTestOrchestrator(t *testing.T, checker gate.Checker, opts ...Option) (*Orchestrator, *config.Config) {
	t.Helper()
	cfg := testConfig(t)
	return New(cfg, checker, nil, append([]Option{WithClock(fixedNow)}, opts...)...), cfg
}

func TestStart(t *testing.T) {
	o, cfg := newTestOrchestrator(t, nil)
	ctx := context.Background()

	rec, err := o.Start(ctx, workflow.Build, taskA, "oracle")
	require.NoError(t, err)
	assert.Equal(t, workflow.Discovery, rec.CurrentPhase)
	assert.Equal(t, StatusActive, rec.Status)
	assert.FileExists(t, filepath.Join(cfg.Paths.TasksRoot(), taskA, taskA+"_workflow_state.md"))

	_, err = o.Start(ctx, workflow.Build, taskA, "oracle")
	assert.ErrorIs(t, err, ErrAlreadyActive)

	_, err = o.Start(ctx, workflow.Build, "rss_collector", "oracle")
	assert.ErrorIs(t, err, taskid.ErrInvalidTaskID)

	_, err = o.Start(ctx, workflow.Workflow("DEPLOY"), taskB, "oracle")
	assert.ErrorIs(t, err, workflow.ErrUnknownWorkflow)
}

func TestStart_ReplacesFinishedRecord(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	_, err := o.Start(ctx, workflow.Build, taskA, "oracle")
	require.NoError(t, err)
	_, err = o.Cancel(ctx, taskA, "oracle", "wrong workflow")
	require.NoError(t, err)

	rec, err := o.Start(ctx, workflow.Debug, taskA, "oracle")
	require.NoError(t, err)
	assert.Equal(t, workflow.Investigation, rec.CurrentPhase)
	assert.Empty(t, rec.History)
}

func TestTransition_GatePassesAndRecordsHistory(t *testing.T) {
	checker := new(MockChecker)
	o, cfg := newTestOrchestrator(t, checker)
	ctx := context.Background()
	taskDir := filepath.Join(cfg.Paths.TasksRoot(), taskA)

	checker.On("Check", mock.Anything, workflow.Build, workflow.Discovery, taskDir).
		Return(passing(workflow.Build, workflow.Discovery)).Once()

	_, err := o.Start(ctx, workflow.Build, taskA, "oracle")
	require.NoError(t, err)

	res, err := o.Transition(ctx, TransitionRequest{TaskID: taskA, ToPhase: "architecture", AgentID: "architect"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, workflow.Discovery, res.FromPhase)
	assert.Equal(t, workflow.Architecture, res.ToPhase)
	assert.Equal(t, StatusActive, res.Status)
	require.NotNil(t, res.GateResult)
	assert.True(t, res.GateResult.Passed)

	view, err := o.Status(ctx, taskA)
	require.NoError(t, err)
	assert.Equal(t, workflow.Architecture, view.CurrentPhase)
	assert.Equal(t, workflow.Implementation, view.NextPhase)
	assert.Equal(t, 2, view.PhasesCompleted)
	assert.Equal(t, 5, view.PhasesTotal)
	assert.Equal(t, "architect", view.AgentID)
	assert.Equal(t, "oracle", view.CreatedBy)
	require.Len(t, view.History, 1)
	assert.Equal(t, HistoryEntry{Timestamp: fixedNow(), From: "DISCOVERY", To: "ARCHITECTURE", AgentID: "architect"}, view.History[0])

	checker.AssertExpectations(t)
}

func TestTransition_GateFailureLeavesRecordUntouched(t *testing.T) {
	checker := new(MockChecker)
	o, cfg := newTestOrchestrator(t, checker)
	ctx := context.Background()

	checker.On("Check", mock.Anything, workflow.Build, workflow.Discovery, mock.Anything).
		Return(failing(workflow.Build, workflow.Discovery, `requirements: missing section "Constraints"`))

	_, err := o.Start(ctx, workflow.Build, taskA, "oracle")
	require.NoError(t, err)
	statePath := filepath.Join(cfg.Paths.TasksRoot(), taskA, taskA+"_workflow_state.md")
	before, err := os.ReadFile(statePath)
	require.NoError(t, err)

	res, err := o.Transition(ctx, TransitionRequest{TaskID: taskA, ToPhase: workflow.Architecture, AgentID: "oracle"})
	assert.ErrorIs(t, err, ErrGateFailed)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Cannot transition to ARCHITECTURE")
	require.NotNil(t, res.GateResult)
	assert.Equal(t, []string{`requirements: missing section "Constraints"`}, res.GateResult.MissingArtifacts)

	after, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestTransition_Monotonic(t *testing.T) {
	checker := new(MockChecker)
	checker.On("Check", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(passing(workflow.Build, workflow.Discovery))
	o, _ := newTestOrchestrator(t, checker)
	ctx := context.Background()

	_, err := o.Start(ctx, workflow.Build, taskA, "oracle")
	require.NoError(t, err)

	tests := []struct {
		name string
		to   workflow.Phase
	}{
		{"skip ahead", workflow.Implementation},
		{"stay", workflow.Discovery},
		{"closure", workflow.Closure},
		{"foreign phase", workflow.Investigation},
		{"unknown phase", workflow.Phase("DEPLOY")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := o.Transition(ctx, TransitionRequest{TaskID: taskA, ToPhase: tt.to, AgentID: "oracle"})
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.False(t, res.Success)
		})
	}
	checker.AssertNotCalled(t, "Check", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	res, err := o.Transition(ctx, TransitionRequest{TaskID: taskA, ToPhase: workflow.Implementation, AgentID: "oracle"})
	require.Error(t, err)
	assert.Contains(t, res.Error, "Next valid phase: ARCHITECTURE")
}

func TestTransition_FullRunToClosure(t *testing.T) {
	checker := new(MockChecker)
	checker.On("Check", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(passing(workflow.Plan, workflow.Discovery))

	var seen []HistoryEntry
	o, _ := newTestOrchestrator(t, checker)
	o.OnTransition(func(_ Record, e HistoryEntry) { seen = append(seen, e) })
	ctx := context.Background()

	_, err := o.Start(ctx, workflow.Plan, taskA, "planner")
	require.NoError(t, err)
	for _, p := range []workflow.Phase{workflow.Planning, workflow.Closure} {
		res, err := o.Transition(ctx, TransitionRequest{TaskID: taskA, ToPhase: p, AgentID: "planner"})
		require.NoError(t, err)
		assert.True(t, res.Success)
	}

	view, err := o.Status(ctx, taskA)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, view.Status)
	assert.Empty(t, view.NextPhase)
	assert.Equal(t, 3, view.PhasesCompleted)
	assert.Len(t, seen, 2)

	res, err := o.Transition(ctx, TransitionRequest{TaskID: taskA, ToPhase: workflow.Closure, AgentID: "planner"})
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Contains(t, res.Error, "is COMPLETE, not ACTIVE")
}

func TestTransition_SkipGate(t *testing.T) {
	checker := new(MockChecker)
	o, _ := newTestOrchestrator(t, checker)
	ctx := context.Background()

	_, err := o.Start(ctx, workflow.Debug, taskB, "debugger")
	require.NoError(t, err)

	res, err := o.Transition(ctx, TransitionRequest{TaskID: taskB, ToPhase: workflow.Fix, AgentID: "debugger", SkipGate: true, Note: "hotfix | urgent"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Nil(t, res.GateResult)
	assert.NotEmpty(t, res.Warning)
	checker.AssertNotCalled(t, "Check", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	view, err := o.Status(ctx, taskB)
	require.NoError(t, err)
	require.Len(t, view.History, 1)
	assert.True(t, view.History[0].GateBypassed)
	assert.Equal(t, "hotfix / urgent", view.History[0].Note)
}

func TestTransition_NotFound(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	res, err := o.Transition(context.Background(), TransitionRequest{TaskID: taskA, ToPhase: workflow.Architecture})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, res.Error, "Use 'start' first")
}

func TestCancel(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	_, err := o.Start(ctx, workflow.Review, taskA, "reviewer")
	require.NoError(t, err)

	rec, err := o.Cancel(ctx, taskA, "oracle", "superseded")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, rec.Status)
	assert.Equal(t, workflow.Scope, rec.CurrentPhase)
	require.Len(t, rec.History, 1)
	assert.Equal(t, "CANCELLED", rec.History[0].To)
	assert.Equal(t, "superseded", rec.History[0].Note)

	_, err = o.Cancel(ctx, taskA, "oracle", "")
	assert.ErrorIs(t, err, ErrNotActive)
	_, err = o.Cancel(ctx, taskB, "oracle", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	o, cfg := newTestOrchestrator(t, nil)
	ctx := context.Background()

	_, err := o.Start(ctx, workflow.Debug, taskB, "debugger")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Paths.TasksRoot(), taskA), 0o755))
	require.NoError(t, os.MkdirAll(cfg.Paths.QuarantineDir(), 0o755))

	list, err := o.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, Summary{TaskID: taskA, Status: StatusNoState}, list[0])
	assert.Equal(t, taskB, list[1].TaskID)
	assert.Equal(t, workflow.Investigation, list[1].CurrentPhase)
}

func TestCheckGate(t *testing.T) {
	checker := new(MockChecker)
	checker.On("Check", mock.Anything, workflow.Review, workflow.Scope, mock.Anything).
		Return(failing(workflow.Review, workflow.Scope, "scope: no file matching *scope*.md"))
	o, _ := newTestOrchestrator(t, checker)
	ctx := context.Background()

	_, err := o.Start(ctx, workflow.Review, taskA, "reviewer")
	require.NoError(t, err)

	res, err := o.CheckGate(ctx, taskA)
	require.NoError(t, err)
	assert.False(t, res.Passed)

	view, err := o.Status(ctx, taskA)
	require.NoError(t, err)
	assert.Equal(t, workflow.Scope, view.CurrentPhase)
}

func TestLoopGuard_WarnsButNeverRejects(t *testing.T) {
	logger := logging.NewTestLogger()
	tel := telemetry.NewTestTelemetry()
	cfg := testConfig(t)
	cfg.LoopGuard.Calls = 3
	cfg.LoopGuard.Window = time.Second

	checker := new(MockChecker)
	checker.On("Check", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(failing(workflow.Build, workflow.Discovery, "requirements"))
	o := New(cfg, checker, logger.Underlying(), WithClock(fixedNow), WithMeterProvider(tel.MeterProvider()))
	ctx := context.Background()

	_, err := o.Start(ctx, workflow.Build, taskA, "oracle")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res, err := o.Transition(ctx, TransitionRequest{TaskID: taskA, ToPhase: workflow.Architecture, AgentID: "oracle"})
		assert.ErrorIs(t, err, ErrGateFailed, "call %d must still reach the gate", i)
		assert.NotNil(t, res.GateResult)
	}

	logger.AssertLogged(t, zapcore.WarnLevel, "possible agent loop")
	assert.Equal(t, int64(2), tel.CounterValue(t, "phasegate.orchestrator.loop_guard_total",
		attribute.String("operation", "transition")))
	checker.AssertNumberOfCalls(t, "Check", 5)
}

func TestTelemetry(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	checker := new(MockChecker)
	checker.On("Check", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(passing(workflow.Build, workflow.Discovery))
	o, _ := newTestOrchestrator(t, checker,
		WithTracerProvider(tel.TracerProvider()), WithMeterProvider(tel.MeterProvider()))
	ctx := context.Background()

	_, err := o.Start(ctx, workflow.Build, taskA, "oracle")
	require.NoError(t, err)
	_, err = o.Transition(ctx, TransitionRequest{TaskID: taskA, ToPhase: workflow.Architecture, AgentID: "oracle"})
	require.NoError(t, err)
	_, _ = o.Transition(ctx, TransitionRequest{TaskID: taskA, ToPhase: workflow.Closure, AgentID: "oracle"})

	tel.AssertSpanExists(t, "orchestrator.start")
	tel.AssertSpanAttribute(t, "orchestrator.transition", "task_id", taskA)
	assert.Equal(t, int64(1), tel.CounterValue(t, "phasegate.orchestrator.transitions_total", attribute.String("outcome", "success")))
	assert.Equal(t, int64(1), tel.CounterValue(t, "phasegate.orchestrator.transitions_total", attribute.String("outcome", "rejected")))
}

func TestOnTransition_CallbackMayCallBack(t *testing.T) {
	checker := new(MockChecker)
	checker.On("Check", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(passing(workflow.Plan, workflow.Discovery))

	o, _ := newTestOrchestrator(t, checker)
	ctx := context.Background()

	var statuses []Status
	o.OnTransition(func(rec Record, e HistoryEntry) {
		view, err := o.Status(ctx, rec.TaskID)
		if err == nil {
			statuses = append(statuses, view.Status)
		}
		if e.To == string(workflow.Planning) {
			_, _ = o.Cancel(ctx, rec.TaskID, "watcher", "stopped from a callback")
		}
	})

	_, err := o.Start(ctx, workflow.Plan, taskA, "planner")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := o.Transition(ctx, TransitionRequest{TaskID: taskA, ToPhase: workflow.Planning, AgentID: "planner"})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("transition callback deadlocked")
	}

	// the transition callback reads the record before cancelling; the nested
	// cancel callback sees the cancellation
	assert.Equal(t, []Status{StatusActive, StatusCancelled}, statuses)
	view, err := o.Status(ctx, taskA)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, view.Status)
}
