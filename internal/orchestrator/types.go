package orchestrator

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

// Status is the lifecycle state of a phase record.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusComplete  Status = "COMPLETE"
	StatusCancelled Status = "CANCELLED"
	// StatusNoState is reported by List for task directories without a record.
	StatusNoState Status = "NO_STATE"
)

// cancelledMarker is the "to" column of a cancellation history entry.
const cancelledMarker = "CANCELLED"

var (
	ErrNotFound          = errors.New("task not found")
	ErrAlreadyActive     = errors.New("task already has an active workflow")
	ErrNotActive         = errors.New("task is not active")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrGateFailed        = errors.New("gate check failed")
)

// HistoryEntry records one transition. Entries are append-only.
type HistoryEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	From         string    `json:"from_phase"`
	To           string    `json:"to_phase"`
	AgentID      string    `json:"agent_id"`
	GateBypassed bool      `json:"gate_bypassed"`
	Note         string    `json:"note,omitempty"`
}

// Record is the persisted phase state of one task.
type Record struct {
	TaskID       string            `json:"task_id"`
	Workflow     workflow.Workflow `json:"workflow"`
	CurrentPhase workflow.Phase    `json:"current_phase"`
	Status       Status            `json:"status"`
	AgentID      string            `json:"agent_id"`
	CreatedBy    string            `json:"created_by"`
	CreatedAt    time.Time         `json:"started_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	History      []HistoryEntry    `json:"phase_history"`
}

// Phases returns the ordered phase list of the record's workflow.
func (r *Record) Phases() []workflow.Phase { return workflow.Phases(r.Workflow) }

// TransitionRequest asks to move a task to ToPhase.
type TransitionRequest struct {
	TaskID  string
	ToPhase workflow.Phase
	AgentID string
	// SkipGate bypasses the exit gate. The bypass is recorded in the history.
	SkipGate bool
	Note     string
}

// TransitionResult is returned by Transition for both outcomes.
type TransitionResult struct {
	Success    bool              `json:"success"`
	TaskID     string            `json:"task_id"`
	Workflow   workflow.Workflow `json:"workflow,omitempty"`
	FromPhase  workflow.Phase    `json:"from_phase,omitempty"`
	ToPhase    workflow.Phase    `json:"to_phase,omitempty"`
	Status     Status            `json:"status,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	Message    string            `json:"message,omitempty"`
	Warning    string            `json:"warning,omitempty"`
	Error      string            `json:"error,omitempty"`
	GateResult *gate.Result      `json:"gate_result,omitempty"`
}

// StatusView is a record plus derived progress.
type StatusView struct {
	Record
	NextPhase       workflow.Phase `json:"next_phase,omitempty"`
	PhasesCompleted int            `json:"phases_completed"`
	PhasesTotal     int            `json:"phases_total"`
}

// Summary is one row of List.
type Summary struct {
	TaskID       string            `json:"task_id"`
	Workflow     workflow.Workflow `json:"workflow"`
	CurrentPhase workflow.Phase    `json:"current_phase"`
	Status       Status            `json:"status"`
	AgentID      string            `json:"agent_id"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// TransitionCallback is invoked after every persisted transition, cancellation included.
type TransitionCallback func(rec Record, entry HistoryEntry)
