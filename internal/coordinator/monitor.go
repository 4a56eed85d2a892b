package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/contamination"
	"github.com/fyrsmithlabs/phasegate/internal/fsutil"
	"github.com/fyrsmithlabs/phasegate/internal/taskcontext"
)

// Run drives the monitor loop until ctx is cancelled. It ticks every
// parallel.poll_interval and early when a completion marker or a new task
// directory appears. Only a failure to write the state file stops the loop.
func (c *Coordinator) Run(ctx context.Context) error {
	var (
		fsEvents <-chan fsnotify.Event
		fsErrors <-chan error
	)
	if c.cfg.WatchMarkers {
		w, err := newMarkerWatcher()
		if err != nil {
			c.logger.Warn("marker watcher unavailable, polling only", zap.Error(err))
		} else {
			defer w.close()
			c.mu.Lock()
			c.watcher = w
			c.mu.Unlock()
			defer func() {
				c.mu.Lock()
				c.watcher = nil
				c.mu.Unlock()
			}()
			fsEvents = w.w.Events
			fsErrors = w.w.Errors
		}
	}

	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("coordinator monitor started",
		zap.Bool("parallel_enabled", c.Status().Enabled),
		zap.Duration("poll_interval", interval),
	)
	if err := c.Tick(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator monitor stopped")
			return nil
		case <-ticker.C:
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if !c.wakesMonitor(ev) {
				continue
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			c.logger.Warn("marker watcher error", zap.Error(err))
			continue
		}
		if err := c.Tick(ctx); err != nil {
			return err
		}
	}
}

func (c *Coordinator) wakesMonitor(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return false
	}
	if isCompletionMarker(ev.Name) {
		return true
	}
	return ev.Has(fsnotify.Create) && filepath.Dir(ev.Name) == filepath.Clean(c.contexts.TasksRoot())
}

// Tick runs one monitor pass: adopt new tasks, check running tasks, run the
// budgeted full scan, dispatch queued work, clean up and save the state file.
func (c *Coordinator) Tick(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.tick")
	defer span.End()

	if err := c.Load(ctx); err != nil {
		c.logger.Warn("failed to adopt persisted tasks", zap.Error(err))
	}

	now := c.now().UTC()
	c.mu.Lock()
	for _, t := range c.sortedLocked(StatusRunning) {
		c.checkTask(ctx, t, now)
	}
	for _, t := range c.sortedLocked("") {
		c.refreshQuestionsLocked(t)
	}
	c.checkResourcesLocked(ctx)
	c.mu.Unlock()

	c.periodicScan(ctx, now)

	c.mu.Lock()
	c.dispatchLocked(ctx)
	c.cleanupLocked(now)
	c.syncWatchesLocked()
	c.mu.Unlock()

	return c.fail(span, c.saveState())
}

// checkTask isolates one task's health check; a panic is logged and the
// monitor moves on to the next task.
func (c *Coordinator) checkTask(ctx context.Context, t *Task, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("task check panicked", zap.String("task_id", t.TaskID), zap.Any("panic", r))
		}
	}()

	if c.checkCompletionLocked(ctx, t, now) {
		return
	}

	if at, ok := readHeartbeat(t.ContextPath, t.TaskID); ok && at.After(t.Heartbeat) {
		t.Heartbeat = at.UTC()
	}
	age := now.Sub(t.Heartbeat)
	if age > c.cfg.HeartbeatInterval {
		c.logger.Warn("task heartbeat stale", zap.String("task_id", t.TaskID), zap.Duration("age", age))
	}
	if age > c.cfg.ResponseTimeout {
		c.timeoutLocked(ctx, t, fmt.Sprintf("no heartbeat for %s (response timeout %s)", age.Truncate(time.Second), c.cfg.ResponseTimeout))
		return
	}
	if elapsed := now.Sub(t.StartedAt); !t.StartedAt.IsZero() && elapsed > c.cfg.CompletionTimeout {
		c.timeoutLocked(ctx, t, fmt.Sprintf("running for %s (completion timeout %s)", elapsed.Truncate(time.Second), c.cfg.CompletionTimeout))
	}
}

// checkCompletionLocked completes t when its completion marker holds valid JSON.
func (c *Coordinator) checkCompletionLocked(ctx context.Context, t *Task, now time.Time) bool {
	raw, err := os.ReadFile(CompletionPath(t.ContextPath, t.TaskID))
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	if err != nil || !json.Valid(raw) {
		c.logger.Error("unreadable completion marker", zap.String("task_id", t.TaskID), zap.Error(err))
		return false
	}

	t.CompletedAt = now
	t.CompletionData = json.RawMessage(raw)
	c.stats.TasksCompleted++
	if !t.StartedAt.IsZero() {
		c.stats.TotalExecutionSeconds += now.Sub(t.StartedAt).Seconds()
	}
	add(ctx, c.counters.completed, attribute.String("workflow", string(t.Workflow)))

	events, err := c.detector.ScanTask(ctx, t.TaskID)
	if err != nil {
		c.logger.Warn("final contamination check failed", zap.String("task_id", t.TaskID), zap.Error(err))
	}
	contaminated := !contamination.Clean(events, c.severityFloor())
	if contaminated {
		t.PostCompletionContamination = events
		c.stats.ContaminationEvents += len(events)
		c.logger.Warn("contamination found in completed task",
			zap.String("task_id", t.TaskID),
			zap.Int("events", len(events)),
			zap.String("highest", string(contamination.Highest(events))),
		)
	}

	if err := fsutil.WriteJSON(FinalResultsPath(c.contexts.TasksRoot(), t.TaskID), t.CompletionData); err != nil {
		c.logger.Warn("failed to archive task results", zap.String("task_id", t.TaskID), zap.Error(err))
	}
	c.setStatusLocked(t, StatusCompleted, "completion marker found")
	c.logger.Info("task completed",
		zap.String("task_id", t.TaskID),
		zap.Duration("elapsed", now.Sub(t.StartedAt)),
		zap.Int("retry_count", t.RetryCount),
	)
	if contaminated {
		c.checkFallbackLocked(ctx, t.TaskID, reasonContamination)
	}
	return true
}

// periodicScan runs a full contamination scan when the scan budget allows.
func (c *Coordinator) periodicScan(ctx context.Context, now time.Time) {
	if c.scanBudget == nil || !c.scanBudget.AllowN(now, 1) {
		return
	}
	results, err := c.detector.ScanAll(ctx)
	if err != nil {
		c.logger.Warn("periodic contamination scan failed", zap.Error(err))
		return
	}
	report := c.detector.GenerateReport(results)
	if report.TotalEvents > 0 {
		name := fmt.Sprintf("contamination_scan_%s.json", now.Format("20060102_150405"))
		if _, err := c.detector.SaveReport(report, filepath.Join(c.contexts.TasksRoot(), name)); err != nil {
			c.logger.Warn("failed to save scan report", zap.Error(err))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		events := results[id]
		if contamination.Clean(events, c.severityFloor()) {
			continue
		}
		if id == contamination.SharedMemoryKey {
			c.stats.ContaminationEvents += len(events)
			c.logger.Error("shared memory contaminated", zap.Int("events", len(events)))
			c.checkFallbackLocked(ctx, id, reasonContamination)
			continue
		}
		t, ok := c.tasks[id]
		if !ok || t.Status.Terminal() {
			continue
		}
		c.contaminateLocked(ctx, t, events)
	}
}

// dispatchLocked starts queued tasks while capacity allows.
func (c *Coordinator) dispatchLocked(ctx context.Context) {
	for c.countLocked(StatusRunning) < c.limitLocked() {
		id, ok := c.queue.pop()
		if !ok {
			return
		}
		t, ok := c.tasks[id]
		if !ok || t.Status != StatusPending {
			continue
		}
		if err := c.startLocked(ctx, t); err != nil {
			c.logger.Warn("task not started", zap.String("task_id", id), zap.Error(err))
		}
	}
}

// cleanupLocked deletes finished task contexts past their retention window.
func (c *Coordinator) cleanupLocked(now time.Time) {
	if c.cfg.Cleanup.Interval > 0 && !c.lastCleanup.IsZero() && now.Sub(c.lastCleanup) < c.cfg.Cleanup.Interval {
		return
	}
	c.lastCleanup = now

	for _, t := range c.sortedLocked("") {
		if !t.Status.Terminal() {
			continue
		}
		keep := c.cfg.Cleanup.KeepFailed
		if t.Status == StatusCompleted {
			keep = c.cfg.Cleanup.KeepCompleted
		}
		finished := t.finishedAt()
		if finished.IsZero() || now.Sub(finished) <= keep {
			continue
		}
		if err := c.contexts.Delete(t.TaskID); err != nil && !errors.Is(err, taskcontext.ErrNotFound) {
			c.logger.Warn("failed to clean up task", zap.String("task_id", t.TaskID), zap.Error(err))
			continue
		}
		delete(c.tasks, t.TaskID)
		c.logger.Info("task cleaned up",
			zap.String("task_id", t.TaskID),
			zap.String("status", string(t.Status)),
			zap.Duration("age", now.Sub(finished)),
		)
	}
	c.pruneResultsLocked(now)
}

// pruneResultsLocked removes final results archives older than keep_results
// whose task is no longer tracked.
func (c *Coordinator) pruneResultsLocked(now time.Time) {
	root := c.contexts.TasksRoot()
	matches, err := filepath.Glob(filepath.Join(root, "*"+finalResultsSuffix))
	if err != nil {
		return
	}
	for _, path := range matches {
		id := strings.TrimSuffix(filepath.Base(path), finalResultsSuffix)
		if _, tracked := c.tasks[id]; tracked {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || now.Sub(info.ModTime()) <= c.cfg.Cleanup.KeepResults {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("failed to remove final results", zap.String("task_id", id), zap.Error(err))
			continue
		}
		c.logger.Debug("final results pruned", zap.String("task_id", id))
	}
}

// saveState writes the state file. Any error aborts the monitor loop.
func (c *Coordinator) saveState() error {
	status := c.Status()
	c.gauges.set(status)

	if err := os.MkdirAll(c.paths.Base, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrStateFile, err)
	}
	if err := fsutil.WriteJSON(StatePath(c.paths.Base), status); err != nil {
		return fmt.Errorf("%w: %v", ErrStateFile, err)
	}
	return nil
}

// StatePath is the coordinator state file under base.
func StatePath(base string) string { return filepath.Join(base, StateFileName) }

// ReadState reads the state file written by a running coordinator.
func ReadState(base string) (*Status, error) {
	var s Status
	if err := fsutil.ReadJSON(StatePath(base), &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateFile, err)
	}
	return &s, nil
}

// sortedLocked returns tasks with the given status (all when empty) by creation time.
func (c *Coordinator) sortedLocked(status TaskStatus) []*Task {
	var out []*Task
	for _, t := range c.tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// markerWatcher watches the tasks root and the root of each running context.
type markerWatcher struct {
	w    *fsnotify.Watcher
	dirs map[string]bool
}

func newMarkerWatcher() (*markerWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &markerWatcher{w: w, dirs: make(map[string]bool)}, nil
}

func (m *markerWatcher) close() { _ = m.w.Close() }

func (c *Coordinator) syncWatchesLocked() {
	if c.watcher == nil {
		return
	}
	want := map[string]bool{c.contexts.TasksRoot(): true}
	for _, t := range c.tasks {
		if t.Status == StatusRunning {
			want[t.ContextPath] = true
		}
	}
	for dir := range c.watcher.dirs {
		if !want[dir] {
			_ = c.watcher.w.Remove(dir)
			delete(c.watcher.dirs, dir)
		}
	}
	for dir := range want {
		if c.watcher.dirs[dir] {
			continue
		}
		if err := c.watcher.w.Add(dir); err != nil {
			c.logger.Debug("cannot watch directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		c.watcher.dirs[dir] = true
	}
}
