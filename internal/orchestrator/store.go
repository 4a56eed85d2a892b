package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/docparse"
	"github.com/fyrsmithlabs/phasegate/internal/fsutil"
	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

const (
	stateSuffix    = "_workflow_state.md"
	historyHeading = "Phase History"
)

// store reads and writes phase records under the tasks root.
type store struct {
	root string
}

func (s store) taskDir(taskID string) string { return filepath.Join(s.root, taskID) }

func (s store) path(taskID string) string {
	return filepath.Join(s.taskDir(taskID), taskID+stateSuffix)
}

func (s store) exists(taskID string) bool { return fsutil.Exists(s.path(taskID)) }

func (s store) load(taskID string) (*Record, error) {
	data, err := os.ReadFile(s.path(taskID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: task '%s' not found. Use 'start' first", ErrNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to read state for %s: %w", taskID, err)
	}
	rec, err := decodeRecord(string(data), taskID)
	if err != nil {
		return nil, fmt.Errorf("corrupt state file for %s: %w", taskID, err)
	}
	return rec, nil
}

func (s store) save(rec *Record) error {
	if err := os.MkdirAll(s.taskDir(rec.TaskID), 0o755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}
	return fsutil.WriteFileAtomic(s.path(rec.TaskID), []byte(encodeRecord(rec)), 0o644)
}

func encodeRecord(r *Record) string {
	var b strings.Builder
	b.WriteString("# Workflow State\n\n")
	fmt.Fprintf(&b, "- **Task ID:** %s\n", r.TaskID)
	fmt.Fprintf(&b, "- **Workflow:** %s\n", r.Workflow)
	fmt.Fprintf(&b, "- **Current Phase:** %s\n", r.CurrentPhase)
	fmt.Fprintf(&b, "- **Status:** %s\n", r.Status)
	fmt.Fprintf(&b, "- **Agent ID:** %s\n", r.AgentID)
	fmt.Fprintf(&b, "- **Created By:** %s\n", r.CreatedBy)
	fmt.Fprintf(&b, "- **Started:** %s\n", r.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Updated:** %s\n", r.UpdatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Phases:** %s\n", joinPhases(r.Phases()))

	b.WriteString("\n## " + historyHeading + "\n\n")
	b.WriteString("| Timestamp | From | To | Agent | Gate | Note |\n")
	b.WriteString("|-----------|------|----|-------|------|------|\n")
	for _, h := range r.History {
		gateCol := "checked"
		if h.GateBypassed {
			gateCol = "bypassed"
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s |\n",
			h.Timestamp.UTC().Format(time.RFC3339), h.From, h.To, cell(h.AgentID), gateCol, cell(h.Note))
	}
	return b.String()
}

func decodeRecord(content, taskID string) (*Record, error) {
	doc := docparse.Parse(content)
	field := func(k string) string {
		v, _ := doc.Field(k)
		return v
	}

	w, err := workflow.ParseWorkflow(field("workflow"))
	if err != nil {
		return nil, err
	}
	p, err := workflow.ParsePhase(field("current_phase"))
	if err != nil {
		return nil, err
	}
	if !workflow.Contains(w, p) {
		return nil, fmt.Errorf("phase %s is not part of workflow %s", p, w)
	}

	rec := &Record{
		TaskID:       taskID,
		Workflow:     w,
		CurrentPhase: p,
		Status:       Status(strings.ToUpper(field("status"))),
		AgentID:      field("agent_id"),
		CreatedBy:    field("created_by"),
		CreatedAt:    parseTime(field("started")),
		UpdatedAt:    parseTime(field("updated")),
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	if id := field("task_id"); id != "" && id != taskID {
		return nil, fmt.Errorf("record belongs to %s", id)
	}

	rec.History = decodeHistory(doc.Sections[docparse.NormalizeHeading(historyHeading)])
	return rec, nil
}

func decodeHistory(body string) []HistoryEntry {
	var out []HistoryEntry
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") {
			continue
		}
		cols := strings.Split(strings.Trim(line, "|"), "|")
		if len(cols) < 4 {
			continue
		}
		for i := range cols {
			cols[i] = strings.TrimSpace(cols[i])
		}
		ts, err := time.Parse(time.RFC3339, cols[0])
		if err != nil {
			// header and separator rows
			continue
		}
		e := HistoryEntry{Timestamp: ts, From: cols[1], To: cols[2], AgentID: cols[3]}
		if len(cols) > 4 {
			e.GateBypassed = cols[4] == "bypassed"
		}
		if len(cols) > 5 {
			e.Note = cols[5]
		}
		out = append(out, e)
	}
	return out
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func joinPhases(phases []workflow.Phase) string {
	parts := make([]string, len(phases))
	for i, p := range phases {
		parts[i] = string(p)
	}
	return strings.Join(parts, ", ")
}

// cell keeps free text from breaking the history table.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", "/")
	return strings.Join(strings.Fields(s), " ")
}
