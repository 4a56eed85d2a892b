package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/contamination"
	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

// Sentinel errors.
var (
	ErrNotFound         = errors.New("task not found")
	ErrQueueFull        = errors.New("task queue is full")
	ErrParallelDisabled = errors.New("parallel execution is disabled")
	ErrAtCapacity       = errors.New("maximum parallel tasks already running")
	ErrContaminated     = errors.New("task context is contaminated")
	ErrInvalidState     = errors.New("invalid task state")
	ErrInvalidAgent     = errors.New("invalid agent type")
	ErrStateFile        = errors.New("coordinator state file")
)

// TaskStatus is the lifecycle state of a task as seen by the coordinator.
type TaskStatus string

const (
	StatusPending      TaskStatus = "pending"
	StatusRunning      TaskStatus = "running"
	StatusCompleted    TaskStatus = "completed"
	StatusFailed       TaskStatus = "failed"
	StatusContaminated TaskStatus = "contaminated"
	StatusTimeout      TaskStatus = "timeout"
)

// Terminal reports whether no further transitions happen from s.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusContaminated
}

// AgentType names the role executing a task.
type AgentType string

const (
	AgentBuilder   AgentType = "builder"
	AgentJanitor   AgentType = "janitor"
	AgentDesigner  AgentType = "designer"
	AgentScout     AgentType = "scout"
	AgentLibrarian AgentType = "librarian"
	AgentOracle    AgentType = "oracle"
)

// AgentTypes lists every known agent type.
var AgentTypes = []AgentType{AgentBuilder, AgentJanitor, AgentDesigner, AgentScout, AgentLibrarian, AgentOracle}

// ParseAgentType parses an agent type case-insensitively.
func ParseAgentType(s string) (AgentType, error) {
	a := AgentType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AgentTypes {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w %q (valid: %v)", ErrInvalidAgent, s, AgentTypes)
}

// Task is the coordinator's lifecycle record, persisted as {task_id}_task_config.json.
type Task struct {
	TaskID       string            `json:"task_id"`
	Workflow     workflow.Workflow `json:"workflow_type"`
	AgentType    AgentType         `json:"agent_type"`
	Request      string            `json:"user_request"`
	Priority     int               `json:"priority"`
	Status       TaskStatus        `json:"status"`
	ContextPath  string            `json:"context_path"`
	Instructions string            `json:"agent_instructions"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	FailedAt    time.Time `json:"failed_at,omitzero"`
	Heartbeat   time.Time `json:"heartbeat,omitzero"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	FailureReason  string `json:"failure_reason,omitempty"`
	FallbackReason string `json:"fallback_reason,omitempty"`

	// HasQuestions is set while the agent's questions.md is non-empty.
	HasQuestions bool `json:"has_questions"`

	CompletionData              json.RawMessage       `json:"completion_data,omitempty"`
	ContaminationEvents         []contamination.Event `json:"contamination_events,omitempty"`
	PostCompletionContamination []contamination.Event `json:"post_completion_contamination,omitempty"`
}

// finishedAt returns when a terminal task reached its final state.
func (t *Task) finishedAt() time.Time {
	if t.Status == StatusCompleted {
		return t.CompletedAt
	}
	return t.FailedAt
}

// CreateRequest describes a task to create.
type CreateRequest struct {
	Workflow  workflow.Workflow
	AgentType AgentType
	Request   string
	// Priority runs 1 (highest) to 10; zero selects parallel.default_priority.
	Priority int
}

// Stats are cumulative counters for the coordinator's lifetime.
type Stats struct {
	TasksCreated          int     `json:"tasks_created"`
	TasksStarted          int     `json:"tasks_started"`
	TasksCompleted        int     `json:"tasks_completed"`
	TasksFailed           int     `json:"tasks_failed"`
	TasksRetried          int     `json:"tasks_retried"`
	ContaminationEvents   int     `json:"contamination_events"`
	FallbackEvents        int     `json:"fallback_events"`
	TotalExecutionSeconds float64 `json:"total_execution_seconds"`
}

// FallbackRecord is persisted as parallel_fallback.json when the coordinator
// degrades to sequential execution.
type FallbackRecord struct {
	ID                    string    `json:"id"`
	Timestamp             time.Time `json:"timestamp"`
	Reason                string    `json:"reason"`
	TriggeringTask        string    `json:"triggering_task"`
	ActiveTasksAtFallback int       `json:"active_tasks_at_fallback"`
	FailedRunningTasks    []string  `json:"failed_running_tasks"`
	Stats                 Stats     `json:"stats"`
}

// Status is a point-in-time view of the coordinator, also written to
// parallel_coordinator_state.json on every monitor tick.
type Status struct {
	Timestamp time.Time `json:"timestamp"`
	Enabled   bool      `json:"enabled"`
	Mode      string    `json:"mode"`
	Running   int       `json:"running"`
	Queued    int       `json:"queued"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	// AwaitingAnswers counts unfinished tasks whose agent left questions.
	AwaitingAnswers int `json:"awaiting_answers"`

	Stats     Stats           `json:"stats"`
	StartedAt time.Time       `json:"started_at"`
	Uptime    string          `json:"uptime"`
	Fallback  *FallbackRecord `json:"fallback,omitempty"`
}

// Event notifies a task state change.
type Event struct {
	TaskID    string     `json:"task_id"`
	From      TaskStatus `json:"from"`
	To        TaskStatus `json:"to"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
