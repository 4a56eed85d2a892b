package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/taskid"
	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/phasegate/internal/orchestrator"

// Orchestrator owns phase records. All mutations go through it.
type Orchestrator struct {
	store   store
	gates   gate.Checker
	guard   *loopGuard
	logger  *zap.Logger
	now     func() time.Time
	onTrans []TransitionCallback

	// mu serializes read-modify-write of records within this process.
	mu sync.Mutex

	tracer             trace.Tracer
	transitionsCounter metric.Int64Counter
	loopGuardCounter   metric.Int64Counter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider sets the meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *Orchestrator) { o.initMetrics(mp.Meter(instrumentationName)) }
}

// New creates an Orchestrator storing records under cfg's tasks root.
func New(cfg *config.Config, gates gate.Checker, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		store:  store{root: cfg.Paths.TasksRoot()},
		gates:  gates,
		logger: logger,
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
	}
	if cfg.LoopGuard.Enabled {
		o.guard = newLoopGuard(cfg.LoopGuard.Calls, cfg.LoopGuard.Window)
	}
	o.initMetrics(otel.Meter(instrumentationName))
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) initMetrics(meter metric.Meter) {
	var err error
	o.transitionsCounter, err = meter.Int64Counter(
		"phasegate.orchestrator.transitions_total",
		metric.WithDescription("Phase transition attempts by outcome"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		o.logger.Warn("failed to create transitions counter", zap.Error(err))
	}
	o.loopGuardCounter, err = meter.Int64Counter(
		"phasegate.orchestrator.loop_guard_total",
		metric.WithDescription("Calls made above the loop guard rate"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		o.logger.Warn("failed to create loop guard counter", zap.Error(err))
	}
}

// OnTransition registers a callback invoked after each persisted transition.
func (o *Orchestrator) OnTransition(cb TransitionCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onTrans = append(o.onTrans, cb)
}

// TaskDir returns the directory holding taskID's artifacts and record.
func (o *Orchestrator) TaskDir(taskID string) string { return o.store.taskDir(taskID) }

// Start creates a record for taskID at the first phase of w.
// A finished (COMPLETE or CANCELLED) record is replaced; an ACTIVE one is not.
func (o *Orchestrator) Start(ctx context.Context, w workflow.Workflow, taskID, agentID string) (*Record, error) {
	_, span := o.tracer.Start(ctx, "orchestrator.start",
		trace.WithAttributes(attribute.String("task_id", taskID), attribute.String("workflow", string(w))))
	defer span.End()

	if !taskid.Validate(taskID) {
		return nil, o.fail(span, fmt.Errorf("%w: %q", taskid.ErrInvalidTaskID, taskID))
	}
	first, ok := workflow.First(w)
	if !ok {
		return nil, o.fail(span, fmt.Errorf("%w %q", workflow.ErrUnknownWorkflow, w))
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.store.exists(taskID) {
		existing, err := o.store.load(taskID)
		if err != nil {
			return nil, o.fail(span, err)
		}
		if existing.Status == StatusActive {
			return nil, o.fail(span, fmt.Errorf("%w: task '%s' has an active %s workflow in phase %s. Use 'transition' to advance or 'cancel' to reset",
				ErrAlreadyActive, taskID, existing.Workflow, existing.CurrentPhase))
		}
	}

	now := o.now().UTC().Truncate(time.Second)
	rec := &Record{
		TaskID:       taskID,
		Workflow:     w,
		CurrentPhase: first,
		Status:       StatusActive,
		AgentID:      agentID,
		CreatedBy:    agentID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.store.save(rec); err != nil {
		return nil, o.fail(span, err)
	}

	o.logger.Info("workflow started",
		zap.String("task_id", taskID),
		zap.String("workflow", string(w)),
		zap.String("phase", string(first)),
		zap.String("agent_id", agentID),
	)
	return rec, nil
}

// Transition moves a task to the immediate successor of its current phase after
// the exit gate passes. On any rejection the record is left untouched and the
// returned result explains why; gate failures carry the full gate result.
func (o *Orchestrator) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.transition",
		trace.WithAttributes(
			attribute.String("task_id", req.TaskID),
			attribute.String("to_phase", string(req.ToPhase)),
			attribute.Bool("skip_gate", req.SkipGate),
		))
	defer span.End()

	res := &TransitionResult{TaskID: req.TaskID, ToPhase: req.ToPhase, AgentID: req.AgentID}
	reject := func(err error) (*TransitionResult, error) {
		res.Error = err.Error()
		o.count(ctx, res, "rejected")
		return res, o.fail(span, err)
	}

	if !taskid.Validate(req.TaskID) {
		return reject(fmt.Errorf("%w: %q", taskid.ErrInvalidTaskID, req.TaskID))
	}
	o.checkRate(ctx, req.TaskID, "transition")

	var notify func()
	o.mu.Lock()
	defer func() {
		o.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	rec, err := o.store.load(req.TaskID)
	if err != nil {
		return reject(err)
	}
	res.Workflow = rec.Workflow
	res.FromPhase = rec.CurrentPhase
	res.Status = rec.Status

	if rec.Status != StatusActive {
		return reject(fmt.Errorf("%w: task '%s' is %s, not ACTIVE", ErrNotActive, req.TaskID, rec.Status))
	}
	to, err := workflow.ParsePhase(string(req.ToPhase))
	if err != nil || !workflow.Contains(rec.Workflow, to) {
		return reject(fmt.Errorf("%w: phase '%s' is not valid for workflow %s. Valid phases: %s",
			ErrInvalidTransition, req.ToPhase, rec.Workflow, joinPhases(rec.Phases())))
	}
	res.ToPhase = to
	next, ok := workflow.Next(rec.Workflow, rec.CurrentPhase)
	if !ok || next != to {
		want := "COMPLETE"
		if ok {
			want = string(next)
		}
		return reject(fmt.Errorf("%w: cannot jump from %s to %s. Next valid phase: %s",
			ErrInvalidTransition, rec.CurrentPhase, to, want))
	}

	if !req.SkipGate && o.gates != nil {
		gr := o.gates.Check(ctx, rec.Workflow, rec.CurrentPhase, o.store.taskDir(req.TaskID))
		res.GateResult = gr
		if !gr.Passed {
			return reject(fmt.Errorf("%w for %s/%s. Cannot transition to %s: %s",
				ErrGateFailed, rec.Workflow, rec.CurrentPhase, to, gr.Reason))
		}
	}

	entry := HistoryEntry{
		Timestamp:    o.now().UTC().Truncate(time.Second),
		From:         string(rec.CurrentPhase),
		To:           string(to),
		AgentID:      req.AgentID,
		GateBypassed: req.SkipGate,
		Note:         req.Note,
	}
	updated := *rec
	updated.History = append(append([]HistoryEntry(nil), rec.History...), entry)
	updated.CurrentPhase = to
	updated.UpdatedAt = entry.Timestamp
	updated.AgentID = req.AgentID
	if workflow.IsTerminal(to) {
		updated.Status = StatusComplete
	}
	if err := o.store.save(&updated); err != nil {
		return reject(err)
	}

	res.Success = true
	res.Status = updated.Status
	res.Message = fmt.Sprintf("Transitioned %s -> %s", entry.From, entry.To)
	if req.SkipGate {
		res.Warning = "Gate check was SKIPPED. This is logged."
		o.logger.Warn("gate bypassed",
			zap.String("task_id", req.TaskID),
			zap.String("phase", entry.From),
			zap.String("agent_id", req.AgentID),
		)
	}
	o.logger.Info("phase transitioned",
		zap.String("task_id", req.TaskID),
		zap.String("from", entry.From),
		zap.String("to", entry.To),
		zap.String("status", string(updated.Status)),
	)
	o.count(ctx, res, "success")
	notify = o.notifier(updated, entry)
	return res, nil
}

// Cancel ends an active workflow without a gate check.
func (o *Orchestrator) Cancel(ctx context.Context, taskID, agentID, reason string) (*Record, error) {
	_, span := o.tracer.Start(ctx, "orchestrator.cancel", trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	if !taskid.Validate(taskID) {
		return nil, o.fail(span, fmt.Errorf("%w: %q", taskid.ErrInvalidTaskID, taskID))
	}

	var notify func()
	o.mu.Lock()
	defer func() {
		o.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	rec, err := o.store.load(taskID)
	if err != nil {
		return nil, o.fail(span, err)
	}
	if rec.Status != StatusActive {
		return nil, o.fail(span, fmt.Errorf("%w: task '%s' is already %s", ErrNotActive, taskID, rec.Status))
	}

	entry := HistoryEntry{
		Timestamp: o.now().UTC().Truncate(time.Second),
		From:      string(rec.CurrentPhase),
		To:        cancelledMarker,
		AgentID:   agentID,
		Note:      reason,
	}
	rec.History = append(rec.History, entry)
	rec.Status = StatusCancelled
	rec.UpdatedAt = entry.Timestamp
	if err := o.store.save(rec); err != nil {
		return nil, o.fail(span, err)
	}

	o.logger.Info("workflow cancelled",
		zap.String("task_id", taskID),
		zap.String("phase", string(rec.CurrentPhase)),
		zap.String("agent_id", agentID),
		zap.String("reason", reason),
	)
	notify = o.notifier(*rec, entry)
	return rec, nil
}

// Status returns the record of taskID with derived progress.
func (o *Orchestrator) Status(ctx context.Context, taskID string) (*StatusView, error) {
	if !taskid.Validate(taskID) {
		return nil, fmt.Errorf("%w: %q", taskid.ErrInvalidTaskID, taskID)
	}
	rec, err := o.store.load(taskID)
	if err != nil {
		return nil, err
	}
	idx := workflow.IndexOf(rec.Workflow, rec.CurrentPhase)
	view := &StatusView{
		Record:          *rec,
		PhasesCompleted: idx + 1,
		PhasesTotal:     len(rec.Phases()),
	}
	if rec.Status == StatusActive {
		if next, ok := workflow.Next(rec.Workflow, rec.CurrentPhase); ok {
			view.NextPhase = next
		}
	}
	return view, nil
}

// CheckGate runs the exit gate of taskID's current phase without transitioning.
func (o *Orchestrator) CheckGate(ctx context.Context, taskID string) (*gate.Result, error) {
	if !taskid.Validate(taskID) {
		return nil, fmt.Errorf("%w: %q", taskid.ErrInvalidTaskID, taskID)
	}
	o.checkRate(ctx, taskID, "gate_check")
	rec, err := o.store.load(taskID)
	if err != nil {
		return nil, err
	}
	if o.gates == nil {
		return &gate.Result{Passed: true, Reason: gate.NoGateReason, Workflow: rec.Workflow, Phase: rec.CurrentPhase}, nil
	}
	return o.gates.Check(ctx, rec.Workflow, rec.CurrentPhase, o.store.taskDir(taskID)), nil
}

// List summarizes every task directory under the tasks root, sorted by task id.
// Directories without a record are reported with StatusNoState.
func (o *Orchestrator) List(ctx context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(o.store.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tasks root: %w", err)
	}

	var out []Summary
	for _, e := range entries {
		if !e.IsDir() || !taskid.Validate(e.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if !o.store.exists(e.Name()) {
			out = append(out, Summary{TaskID: e.Name(), Status: StatusNoState})
			continue
		}
		rec, err := o.store.load(e.Name())
		if err != nil {
			o.logger.Warn("unreadable workflow state", zap.String("task_id", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, Summary{
			TaskID:       rec.TaskID,
			Workflow:     rec.Workflow,
			CurrentPhase: rec.CurrentPhase,
			Status:       rec.Status,
			AgentID:      rec.AgentID,
			UpdatedAt:    rec.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (o *Orchestrator) checkRate(ctx context.Context, taskID, op string) {
	if o.guard == nil || o.guard.allow(taskID, o.now()) {
		return
	}
	o.logger.Warn("possible agent loop: call rate above limit",
		zap.String("task_id", taskID),
		zap.String("operation", op),
		zap.Int("calls", o.guard.calls),
		zap.Duration("window", o.guard.window),
	)
	if o.loopGuardCounter != nil {
		o.loopGuardCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
	}
}

func (o *Orchestrator) count(ctx context.Context, res *TransitionResult, outcome string) {
	if o.transitionsCounter == nil {
		return
	}
	o.transitionsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", string(res.Workflow)),
		attribute.String("to_phase", string(res.ToPhase)),
		attribute.String("outcome", outcome),
	))
}

// notifier snapshots the callbacks; o.mu must be held. The returned func is
// called after the lock is released so callbacks may use the orchestrator.
func (o *Orchestrator) notifier(rec Record, entry HistoryEntry) func() {
	cbs := append([]TransitionCallback(nil), o.onTrans...)
	return func() {
		for _, cb := range cbs {
			cb(rec, entry)
		}
	}
}

func (o *Orchestrator) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
