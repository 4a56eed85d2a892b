package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/contamination"
	"github.com/fyrsmithlabs/phasegate/internal/fsutil"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
)

// Reasons passed to checkFallbackLocked.
const (
	reasonTimeout       = "timeout"
	reasonContamination = "contamination"
	reasonResources     = "resources"
)

// timeoutLocked retries t with boosted priority, or fails it once its
// retries are used up.
func (c *Coordinator) timeoutLocked(ctx context.Context, t *Task, detail string) {
	c.logger.Warn("task timed out",
		zap.String("task_id", t.TaskID),
		zap.String("detail", detail),
		zap.Int("retry_count", t.RetryCount),
		zap.Int("max_retries", t.MaxRetries),
	)
	c.setStatusLocked(t, StatusTimeout, detail)

	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		if t.Priority > 1 {
			t.Priority--
		}
		t.Heartbeat = c.now().UTC()
		if err := c.queue.push(t.TaskID, t.Priority); err != nil {
			c.failLocked(ctx, t, fmt.Sprintf("retry not queued: %v", err))
			c.checkFallbackLocked(ctx, t.TaskID, reasonTimeout)
			return
		}
		c.stats.TasksRetried++
		add(ctx, c.counters.retried, attribute.String("workflow", string(t.Workflow)))
		c.setStatusLocked(t, StatusPending, fmt.Sprintf("retry %d/%d", t.RetryCount, t.MaxRetries))
		c.logger.Info("task re-queued",
			zap.String("task_id", t.TaskID),
			zap.Int("attempt", t.RetryCount),
			zap.Int("priority", t.Priority),
		)
		return
	}

	c.failLocked(ctx, t, fmt.Sprintf("timed out after %d retries: %s", t.MaxRetries, detail))
	c.checkFallbackLocked(ctx, t.TaskID, reasonTimeout)
}

// failLocked marks t FAILED and cancels its phase record.
func (c *Coordinator) failLocked(ctx context.Context, t *Task, reason string) {
	t.FailedAt = c.now().UTC()
	t.FailureReason = reason
	c.queue.remove(t.TaskID)
	c.stats.TasksFailed++
	add(ctx, c.counters.failed, attribute.String("status", string(StatusFailed)))
	c.setStatusLocked(t, StatusFailed, reason)
	c.cancelPhases(ctx, t.TaskID, reason)
	c.logger.Warn("task failed", zap.String("task_id", t.TaskID), zap.String("reason", reason))
}

// contaminateLocked marks t CONTAMINATED and checks the fallback conditions.
func (c *Coordinator) contaminateLocked(ctx context.Context, t *Task, events []contamination.Event) {
	highest := contamination.Highest(events)
	reason := fmt.Sprintf("%d contamination events (highest %s)", len(events), highest)

	t.ContaminationEvents = events
	t.FailedAt = c.now().UTC()
	t.FailureReason = reason
	c.queue.remove(t.TaskID)
	c.stats.ContaminationEvents += len(events)
	add(ctx, c.counters.failed, attribute.String("status", string(StatusContaminated)))
	c.setStatusLocked(t, StatusContaminated, reason)
	c.cancelPhases(ctx, t.TaskID, reason)
	c.logger.Error("task contaminated",
		zap.String("task_id", t.TaskID),
		zap.Int("events", len(events)),
		zap.String("highest", string(highest)),
	)
	c.checkFallbackLocked(ctx, t.TaskID, reasonContamination)
}

func (c *Coordinator) cancelPhases(ctx context.Context, taskID, reason string) {
	if c.phases == nil {
		return
	}
	_, err := c.phases.Cancel(ctx, taskID, agentID, reason)
	if err != nil && !errors.Is(err, orchestrator.ErrNotActive) && !errors.Is(err, orchestrator.ErrNotFound) {
		c.logger.Warn("failed to cancel phase record", zap.String("task_id", taskID), zap.Error(err))
	}
}

// checkResourcesLocked trips the fallback when far more tasks run than allowed.
func (c *Coordinator) checkResourcesLocked(ctx context.Context) {
	if c.countLocked(StatusRunning) > 2*c.cfg.MaxParallel {
		c.checkFallbackLocked(ctx, "", reasonResources)
	}
}

// checkFallbackLocked trips the fallback when an enabled condition holds.
// The fallback happens at most once per coordinator.
func (c *Coordinator) checkFallbackLocked(ctx context.Context, triggeringTask, reason string) {
	if c.fallback != nil {
		return
	}
	enabled := func(cond string) bool { return slices.Contains(c.cfg.Fallback.Conditions, cond) }

	switch {
	case reason == reasonContamination && enabled(config.ConditionContamination):
		c.tripLocked(ctx, triggeringTask, config.ConditionContamination)
	case enabled(config.ConditionMultipleFailures) && c.stats.TasksFailed >= c.cfg.Fallback.FailureThreshold:
		c.tripLocked(ctx, triggeringTask, config.ConditionMultipleFailures)
	case enabled(config.ConditionResourceExceeded) && c.countLocked(StatusRunning) > 2*c.cfg.MaxParallel:
		c.tripLocked(ctx, triggeringTask, config.ConditionResourceExceeded)
	}
}

// tripLocked disables parallel execution, fails every running task and
// persists the fallback record.
func (c *Coordinator) tripLocked(ctx context.Context, triggeringTask, condition string) {
	active := 0
	for _, t := range c.tasks {
		if !t.Status.Terminal() {
			active++
		}
	}

	c.enabled = false
	c.stats.FallbackEvents++

	var failed []string
	for _, t := range c.sortedLocked(StatusRunning) {
		t.FallbackReason = condition
		c.failLocked(ctx, t, "fallback to sequential execution: "+condition)
		failed = append(failed, t.TaskID)
	}

	rec := &FallbackRecord{
		ID:                    uuid.NewString(),
		Timestamp:             c.now().UTC(),
		Reason:                condition,
		TriggeringTask:        triggeringTask,
		ActiveTasksAtFallback: active,
		FailedRunningTasks:    failed,
		Stats:                 c.stats,
	}
	c.fallback = rec
	add(ctx, c.counters.fallback, attribute.String("reason", condition))

	c.logger.Error("falling back to sequential execution",
		zap.String("fallback_id", rec.ID),
		zap.String("reason", condition),
		zap.String("triggering_task", triggeringTask),
		zap.Int("active_tasks", active),
		zap.Strings("failed_running_tasks", failed),
		zap.Int("tasks_failed", c.stats.TasksFailed),
		zap.Int("contamination_events", c.stats.ContaminationEvents),
	)

	if err := os.MkdirAll(c.paths.Base, 0o755); err != nil {
		c.logger.Error("failed to persist fallback record", zap.Error(err))
		return
	}
	if err := fsutil.WriteJSON(filepath.Join(c.paths.Base, FallbackFileName), rec); err != nil {
		c.logger.Error("failed to persist fallback record", zap.Error(err))
	}
}
