// Package coordinator schedules parallel tasks.
//
// The coordinator creates tasks (identifier, isolated context, phase record,
// agent instructions), keeps them in a bounded priority queue and starts them
// while capacity allows. A single monitor loop (Run) watches running tasks for
// stale heartbeats, completion timeouts and completion markers, retries timed
// out tasks with boosted priority, audits contexts with the contamination
// detector and, when failures or contamination accumulate, falls back to
// sequential execution for the rest of its lifetime.
//
// The coordinator is the single writer of {task_id}_task_config.json and hands
// the agent a contract.md. Agents communicate back through files in their
// context:
//
//	status/{task_id}_heartbeat.json   {"timestamp": "<RFC3339>"}
//	{task_id}_task_complete.json      arbitrary JSON result
//	questions.md                      clarification needed, reported as HasQuestions
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/contamination"
	"github.com/fyrsmithlabs/phasegate/internal/fsutil"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/taskcontext"
	"github.com/fyrsmithlabs/phasegate/internal/taskid"
	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/phasegate/internal/coordinator"

// State files written under the context base.
const (
	StateFileName    = "parallel_coordinator_state.json"
	FallbackFileName = "parallel_fallback.json"
)

const eventBuffer = 128

// agentID identifies the coordinator in phase history.
const agentID = "coordinator"

var complexityRank = map[string]int{"low": 1, "medium": 2, "high": 3}

// PhaseTracker is the part of the orchestrator the coordinator drives.
type PhaseTracker interface {
	Start(ctx context.Context, w workflow.Workflow, taskID, agentID string) (*orchestrator.Record, error)
	Cancel(ctx context.Context, taskID, agentID, reason string) (*orchestrator.Record, error)
}

// Coordinator schedules and monitors parallel tasks.
type Coordinator struct {
	cfg      config.ParallelConfig
	paths    config.PathsConfig
	contexts *taskcontext.Manager
	detector *contamination.Detector
	phases   PhaseTracker
	ids      *taskid.Generator
	instr    *instructionRenderer
	logger   *zap.Logger
	now      func() time.Time
	reg      prometheus.Registerer

	mu          sync.Mutex
	enabled     bool
	tasks       map[string]*Task
	queue       *queue
	stats       Stats
	fallback    *FallbackRecord
	startedAt   time.Time
	lastCleanup time.Time
	scanBudget  *rate.Limiter
	watcher     *markerWatcher
	events      chan Event

	tracer   trace.Tracer
	counters counters
	gauges   gauges
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithPhaseTracker starts a phase record for every created task and cancels
// it when the task fails.
func WithPhaseTracker(p PhaseTracker) Option {
	return func(c *Coordinator) { c.phases = p }
}

// WithIDGenerator shares an identifier generator with other components.
func WithIDGenerator(g *taskid.Generator) Option {
	return func(c *Coordinator) { c.ids = g }
}

// WithRegisterer registers the Prometheus gauges on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Coordinator) { c.reg = reg }
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) { c.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider sets the meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Coordinator) { c.initMetrics(mp.Meter(instrumentationName)) }
}

// New creates a Coordinator.
func New(cfg *config.Config, contexts *taskcontext.Manager, detector *contamination.Detector, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:      cfg.Parallel,
		paths:    cfg.Paths,
		contexts: contexts,
		detector: detector,
		instr:    newInstructionRenderer(cfg.Paths.Templates),
		logger:   logger,
		now:      time.Now,
		enabled:  cfg.Parallel.Enabled,
		tasks:    make(map[string]*Task),
		queue:    newQueue(cfg.Parallel.MaxQueueLength),
		events:   make(chan Event, eventBuffer),
		tracer:   otel.Tracer(instrumentationName),
	}
	c.initMetrics(otel.Meter(instrumentationName))
	for _, opt := range opts {
		opt(c)
	}
	if c.ids == nil {
		c.ids = taskid.NewGenerator(cfg.TaskID.CounterStart, cfg.TaskID.CounterMax,
			taskid.WithClock(func() time.Time { return c.now() }))
	}
	if cfg.Parallel.ScanInterval > 0 {
		c.scanBudget = rate.NewLimiter(rate.Every(cfg.Parallel.ScanInterval), 1)
	}
	c.gauges = newGauges(c.reg)
	c.startedAt = c.now()
	c.gauges.set(c.statusLocked())
	return c
}

// Events returns state change notifications. Notifications are dropped when
// the buffer is full.
func (c *Coordinator) Events() <-chan Event { return c.events }

// ShouldParallelize reports whether a new task of workflow w and the given
// complexity (low, medium, high) may run concurrently with others.
func (c *Coordinator) ShouldParallelize(w workflow.Workflow, complexity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return false
	}
	for _, disabled := range c.cfg.DisableForWorkflows {
		if strings.EqualFold(disabled, string(w)) {
			return false
		}
	}
	if rankOf(complexity) < rankOf(c.cfg.MinComplexity) {
		return false
	}
	return c.countLocked(StatusRunning) < c.cfg.MaxParallel
}

func rankOf(complexity string) int {
	if r, ok := complexityRank[strings.ToLower(complexity)]; ok {
		return r
	}
	return complexityRank["medium"]
}

// CreateTask provisions and enqueues a new task.
func (c *Coordinator) CreateTask(ctx context.Context, req CreateRequest) (*Task, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.create_task",
		trace.WithAttributes(
			attribute.String("workflow", string(req.Workflow)),
			attribute.String("agent_type", string(req.AgentType)),
		))
	defer span.End()

	w, err := workflow.ParseWorkflow(string(req.Workflow))
	if err != nil {
		return nil, c.fail(span, err)
	}
	agent, err := ParseAgentType(string(req.AgentType))
	if err != nil {
		return nil, c.fail(span, err)
	}
	priority := req.Priority
	if priority == 0 {
		priority = c.cfg.DefaultPriority
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.queue.limit > 0 && c.queue.Len() >= c.queue.limit {
		return nil, c.fail(span, fmt.Errorf("%w: %d tasks queued", ErrQueueFull, c.queue.Len()))
	}

	id, err := c.ids.New(w, string(agent), req.Request)
	if err != nil {
		return nil, c.fail(span, err)
	}
	span.SetAttributes(attribute.String("task_id", id))

	path, err := c.contexts.Create(ctx, id, w)
	if err != nil {
		return nil, c.fail(span, fmt.Errorf("create context: %w", err))
	}
	if c.phases != nil {
		if _, err := c.phases.Start(ctx, w, id, string(agent)); err != nil {
			c.discardContext(id)
			return nil, c.fail(span, fmt.Errorf("start phase record: %w", err))
		}
	}
	if err := c.contexts.WriteContract(id, c.contract(id, w, agent, req.Request)); err != nil {
		c.discardContext(id)
		return nil, c.fail(span, fmt.Errorf("write contract: %w", err))
	}
	instructions, err := c.instr.render(agent, InstructionData{
		TaskID:      id,
		ContextPath: path,
		Workflow:    string(w),
		AgentRole:   string(agent),
		Request:     req.Request,
		Phases:      workflow.Phases(w),
	})
	if err != nil {
		c.discardContext(id)
		return nil, c.fail(span, err)
	}

	now := c.now().UTC()
	t := &Task{
		TaskID:       id,
		Workflow:     w,
		AgentType:    agent,
		Request:      req.Request,
		Priority:     priority,
		Status:       StatusPending,
		ContextPath:  path,
		Instructions: instructions,
		CreatedAt:    now,
		Heartbeat:    now,
		MaxRetries:   c.cfg.MaxRetries,
	}
	if err := c.persistLocked(t); err != nil {
		c.discardContext(id)
		return nil, c.fail(span, err)
	}
	if err := c.queue.push(id, priority); err != nil {
		c.discardContext(id)
		return nil, c.fail(span, err)
	}
	c.tasks[id] = t
	c.stats.TasksCreated++
	add(ctx, c.counters.created, attribute.String("workflow", string(w)), attribute.String("agent_type", string(agent)))
	c.emit(Event{TaskID: id, To: StatusPending, Reason: "created", Timestamp: now})

	c.logger.Info("task created",
		zap.String("task_id", id),
		zap.String("workflow", string(w)),
		zap.String("agent_type", string(agent)),
		zap.Int("priority", priority),
	)
	cp := *t
	return &cp, nil
}

// contract lists the instructions file and the shared document copies as
// context for the agent.
func (c *Coordinator) contract(id string, w workflow.Workflow, agent AgentType, request string) taskcontext.Contract {
	ct := taskcontext.Contract{
		Agent:        string(agent),
		Workflow:     string(w),
		Objective:    request,
		ContextFiles: []string{id + "_instructions.md"},
	}
	if phases := workflow.Phases(w); len(phases) > 0 {
		ct.Phase = string(phases[0])
	}
	if tc, err := c.contexts.Get(id); err == nil {
		ct.ContextFiles = append(ct.ContextFiles, tc.Metadata.SharedCopies...)
	}
	return ct
}

func (c *Coordinator) discardContext(id string) {
	if err := c.contexts.Delete(id); err != nil {
		c.logger.Warn("failed to discard task context", zap.String("task_id", id), zap.Error(err))
	}
}

// Start runs the pre-flight contamination check and marks a pending task running.
// A contaminated task is refused with ErrContaminated and never started.
func (c *Coordinator) Start(ctx context.Context, taskID string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.start", trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[taskID]
	if !ok {
		return c.fail(span, fmt.Errorf("%w: %s", ErrNotFound, taskID))
	}
	if t.Status != StatusPending {
		return c.fail(span, fmt.Errorf("%w: task %s is %s, not %s", ErrInvalidState, taskID, t.Status, StatusPending))
	}
	if running, limit := c.countLocked(StatusRunning), c.limitLocked(); running >= limit {
		if !c.enabled {
			return c.fail(span, fmt.Errorf("%w: sequential mode allows %d running task", ErrParallelDisabled, limit))
		}
		return c.fail(span, fmt.Errorf("%w: %d/%d", ErrAtCapacity, running, limit))
	}
	return c.fail(span, c.startLocked(ctx, t))
}

func (c *Coordinator) startLocked(ctx context.Context, t *Task) error {
	events, err := c.detector.ScanTask(ctx, t.TaskID)
	if err != nil {
		return fmt.Errorf("pre-flight scan: %w", err)
	}
	if !contamination.Clean(events, c.severityFloor()) {
		c.contaminateLocked(ctx, t, events)
		return fmt.Errorf("%w: %s has %d events (highest %s)", ErrContaminated, t.TaskID, len(events), contamination.Highest(events))
	}

	c.queue.remove(t.TaskID)
	now := c.now().UTC()
	t.StartedAt = now
	t.Heartbeat = now
	t.FailureReason = ""

	if err := fsutil.WriteFileAtomic(filepath.Join(t.ContextPath, t.TaskID+"_STARTED"), []byte(now.Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write start marker: %w", err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(t.ContextPath, t.TaskID+"_instructions.md"), []byte(t.Instructions), 0o644); err != nil {
		return fmt.Errorf("write instructions: %w", err)
	}

	c.setStatusLocked(t, StatusRunning, "started")
	c.stats.TasksStarted++
	c.logger.Info("task started",
		zap.String("task_id", t.TaskID),
		zap.Int("retry_count", t.RetryCount),
		zap.Int("priority", t.Priority),
	)
	return nil
}

// Heartbeat records that the agent executing taskID is alive at at.
func (c *Coordinator) Heartbeat(taskID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if at.After(t.Heartbeat) {
		t.Heartbeat = at.UTC()
		if err := c.persistLocked(t); err != nil {
			return err
		}
	}
	return nil
}

// Status returns a snapshot of the coordinator.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Coordinator) statusLocked() Status {
	now := c.now().UTC()
	s := Status{
		Timestamp: now,
		Enabled:   c.enabled,
		Mode:      c.cfg.Mode,
		Running:   c.countLocked(StatusRunning),
		Queued:    c.queue.Len(),
		Completed: c.countLocked(StatusCompleted),
		Failed:    c.countLocked(StatusFailed) + c.countLocked(StatusContaminated),
		Stats:     c.stats,
		StartedAt: c.startedAt.UTC(),
		Uptime:    now.Sub(c.startedAt).Truncate(time.Second).String(),
	}
	for _, t := range c.tasks {
		if t.HasQuestions && !t.Status.Terminal() {
			s.AwaitingAnswers++
		}
	}
	if c.fallback != nil {
		fb := *c.fallback
		s.Fallback = &fb
	}
	return s
}

// Tasks returns copies of every known task ordered by creation time.
func (c *Coordinator) Tasks() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// Task returns a copy of one task.
func (c *Coordinator) Task(taskID string) (Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	c.refreshQuestionsLocked(t)
	return *t, nil
}

// Questions returns the content of the questions.md left by the agent of
// taskID, and whether there is any.
func (c *Coordinator) Questions(taskID string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[taskID]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	c.refreshQuestionsLocked(t)
	q, has := c.contexts.Questions(taskID)
	return q, has, nil
}

// refreshQuestionsLocked syncs HasQuestions of an unfinished task with its
// questions.md.
func (c *Coordinator) refreshQuestionsLocked(t *Task) {
	if t.Status.Terminal() {
		return
	}
	_, has := c.contexts.Questions(t.TaskID)
	if has == t.HasQuestions {
		return
	}
	t.HasQuestions = has
	if has {
		c.logger.Info("agent asked questions",
			zap.String("task_id", t.TaskID),
			zap.String("status", string(t.Status)),
		)
	}
	if err := c.persistLocked(t); err != nil {
		c.logger.Warn("failed to persist task", zap.String("task_id", t.TaskID), zap.Error(err))
	}
}

// Queue returns queued task ids in dispatch order.
func (c *Coordinator) Queue() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.ids()
}

// Load adopts tasks persisted by other processes (for example tasks created
// from the CLI while the daemon runs). Known tasks are left untouched.
func (c *Coordinator) Load(ctx context.Context) error {
	entries, err := os.ReadDir(c.contexts.TasksRoot())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read tasks root: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		id := e.Name()
		if !e.IsDir() || !taskid.Validate(id) {
			continue
		}
		if _, known := c.tasks[id]; known {
			continue
		}
		var t Task
		if err := fsutil.ReadJSON(configPath(c.contexts.Path(id), id), &t); err != nil {
			// plain contexts have no lifecycle file
			continue
		}
		if t.TaskID != id {
			c.logger.Warn("task config does not match its directory", zap.String("task_id", id), zap.String("config_task_id", t.TaskID))
			continue
		}
		if t.Status == StatusTimeout {
			t.Status = StatusPending
		}
		if t.Status == StatusPending {
			if err := c.queue.push(id, t.Priority); err != nil {
				c.logger.Warn("task not adopted", zap.String("task_id", id), zap.Error(err))
				continue
			}
		}
		c.tasks[id] = &t
		c.logger.Debug("task adopted", zap.String("task_id", id), zap.String("status", string(t.Status)))
	}
	return nil
}

func (c *Coordinator) countLocked(status TaskStatus) int {
	n := 0
	for _, t := range c.tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// limitLocked is the number of tasks allowed to run at once.
func (c *Coordinator) limitLocked() int {
	if c.enabled {
		return c.cfg.MaxParallel
	}
	return 1
}

func (c *Coordinator) severityFloor() contamination.Severity {
	return contamination.Severity(c.cfg.Fallback.MinSeverity)
}

func (c *Coordinator) setStatusLocked(t *Task, status TaskStatus, reason string) {
	from := t.Status
	t.Status = status
	if err := c.persistLocked(t); err != nil {
		c.logger.Warn("failed to persist task", zap.String("task_id", t.TaskID), zap.Error(err))
	}
	c.emit(Event{TaskID: t.TaskID, From: from, To: status, Reason: reason, Timestamp: c.now().UTC()})
}

func (c *Coordinator) persistLocked(t *Task) error {
	if err := fsutil.WriteJSON(configPath(t.ContextPath, t.TaskID), t); err != nil {
		return fmt.Errorf("persist task %s: %w", t.TaskID, err)
	}
	return nil
}

func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Coordinator) fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func configPath(contextPath, taskID string) string {
	return filepath.Join(contextPath, taskID+"_task_config.json")
}
