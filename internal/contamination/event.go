package contamination

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies an isolation violation.
type Type string

const (
	TypeMissingPrefix      Type = "missing_task_prefix"
	TypeCrossTaskReference Type = "cross_task_reference"
	TypeTaskFileInShared   Type = "task_file_in_shared_memory"
	TypeForbiddenPattern   Type = "forbidden_pattern"
	TypeDirectoryMissing   Type = "directory_missing"
)

// Severity of an event. Compare with AtLeast, not string order.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityWarning  Severity = "warning"
)

var severityRank = map[Severity]int{
	SeverityWarning:  1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Severities lists every severity from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityWarning}

// AtLeast reports whether s is as severe as floor. Unknown severities never qualify.
func (s Severity) AtLeast(floor Severity) bool {
	return severityRank[s] > 0 && severityRank[s] >= severityRank[floor]
}

// Event is a single detected violation. Events are values and are never modified after creation.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Severity  Severity  `json:"severity"`
	TaskID    string    `json:"task_id,omitempty"`
	Path      string    `json:"file_path,omitempty"`
	Message   string    `json:"message"`
	Pattern   string    `json:"pattern,omitempty"`
	Reference string    `json:"referenced_task_id,omitempty"`
	Line      int       `json:"line,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newEvent(typ Type, sev Severity, taskID, path, msg string, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Severity:  sev,
		TaskID:    taskID,
		Path:      path,
		Message:   msg,
		Timestamp: at.UTC(),
	}
}

// Highest returns the most severe severity among events, or "" when there are none.
func Highest(events []Event) Severity {
	var top Severity
	for _, e := range events {
		if severityRank[e.Severity] > severityRank[top] {
			top = e.Severity
		}
	}
	return top
}
