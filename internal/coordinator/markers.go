package coordinator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/fsutil"
)

const completionSuffix = "_task_complete.json"

type heartbeatFile struct {
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatPath is where an agent reports liveness.
func HeartbeatPath(contextPath, taskID string) string {
	return filepath.Join(contextPath, "status", taskID+"_heartbeat.json")
}

// CompletionPath is the marker an agent writes when it is done.
func CompletionPath(contextPath, taskID string) string {
	return filepath.Join(contextPath, taskID+completionSuffix)
}

const finalResultsSuffix = "_final_results.json"

// FinalResultsPath is where completion data is archived.
func FinalResultsPath(tasksRoot, taskID string) string {
	return filepath.Join(tasksRoot, taskID+finalResultsSuffix)
}

// WriteHeartbeat writes the agent heartbeat file.
func WriteHeartbeat(contextPath, taskID string, at time.Time) error {
	path := HeartbeatPath(contextPath, taskID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return fsutil.WriteJSON(path, heartbeatFile{Timestamp: at.UTC()})
}

// WriteCompletion writes the completion marker. data must be valid JSON.
func WriteCompletion(contextPath, taskID string, data json.RawMessage) error {
	if !json.Valid(data) {
		return fmt.Errorf("completion data for %s is not valid JSON", taskID)
	}
	return fsutil.WriteJSON(CompletionPath(contextPath, taskID), data)
}

// readHeartbeat returns the time recorded in the agent heartbeat file, or the
// file's modification time when it does not hold a timestamp.
func readHeartbeat(contextPath, taskID string) (time.Time, bool) {
	path := HeartbeatPath(contextPath, taskID)
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	var hb heartbeatFile
	if err := fsutil.ReadJSON(path, &hb); err == nil && !hb.Timestamp.IsZero() {
		return hb.Timestamp, true
	}
	return info.ModTime(), true
}

func isCompletionMarker(path string) bool {
	return strings.HasSuffix(filepath.Base(path), completionSuffix)
}
