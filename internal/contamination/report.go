package contamination

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/fsutil"
)

// Exit codes returned by ExitCode.
const (
	ExitClean        = 0
	ExitContaminated = 1
	ExitCritical     = 2
)

// Report summarizes a scan.
type Report struct {
	ScanTimestamp     time.Time          `json:"scan_timestamp"`
	TasksScanned      int                `json:"tasks_scanned"`
	TotalEvents       int                `json:"total_events"`
	SeverityBreakdown map[Severity]int   `json:"severity_breakdown"`
	QuarantinedFiles  int                `json:"quarantined_files"`
	Findings          map[string][]Event `json:"findings"`
	Recommendations   []string           `json:"recommendations"`
}

// GenerateReport summarizes events keyed by task id (SharedMemoryKey for the shared area).
func (d *Detector) GenerateReport(eventsByTask map[string][]Event) Report {
	r := Report{
		ScanTimestamp:     d.now().UTC(),
		SeverityBreakdown: make(map[Severity]int, len(Severities)),
		Findings:          make(map[string][]Event, len(eventsByTask)),
		QuarantinedFiles:  len(d.Quarantined()),
	}
	for _, s := range Severities {
		r.SeverityBreakdown[s] = 0
	}

	contaminated := 0
	for key, events := range eventsByTask {
		if key != SharedMemoryKey {
			r.TasksScanned++
		}
		if len(events) == 0 {
			continue
		}
		contaminated++
		r.Findings[key] = events
		r.TotalEvents += len(events)
		for _, ev := range events {
			r.SeverityBreakdown[ev.Severity]++
		}
	}

	r.Recommendations = d.recommendations(r, contaminated)
	return r
}

func (d *Detector) recommendations(r Report, contaminated int) []string {
	var recs []string
	if r.SeverityBreakdown[SeverityCritical] > 0 {
		recs = append(recs, "CRITICAL: Immediate action required. Tasks with critical contamination should be terminated.")
	}
	if r.SeverityBreakdown[SeverityHigh] > 0 {
		recs = append(recs, "HIGH: Review contaminated tasks. Consider isolation failure and potential rollback.")
	}
	if contaminated > 0 {
		recs = append(recs, fmt.Sprintf("Found contamination in %d tasks. Review detailed findings.", contaminated))
	}
	if r.QuarantinedFiles > 0 {
		recs = append(recs, fmt.Sprintf("Quarantined %d files. Review quarantine directory.", r.QuarantinedFiles))
	}
	if contaminated == 0 {
		recs = append(recs, "No contamination detected. Parallel isolation appears intact.")
	}
	if !d.isolation.Enabled {
		recs = append(recs, "Task isolation is disabled in config. Enable for parallel execution safety.")
	}
	if !d.isolation.StrictMode {
		recs = append(recs, "Strict mode is disabled. Consider enabling for stronger isolation enforcement.")
	}
	return recs
}

// SaveReport writes r as JSON. An empty path writes a timestamped file under the tasks root.
func (d *Detector) SaveReport(r Report, path string) (string, error) {
	if path == "" {
		path = filepath.Join(d.paths.TasksRoot(),
			fmt.Sprintf("contamination_report_%s.json", r.ScanTimestamp.Format("20060102_150405")))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := fsutil.WriteJSON(path, r); err != nil {
		return "", fmt.Errorf("failed to save report: %w", err)
	}
	return path, nil
}

// ExitCode maps a report to the scan command's exit status.
func ExitCode(r Report) int {
	switch {
	case r.SeverityBreakdown[SeverityCritical] > 0:
		return ExitCritical
	case r.TotalEvents > 0:
		return ExitContaminated
	default:
		return ExitClean
	}
}

// Clean reports whether none of events is at least floor.
func Clean(events []Event, floor Severity) bool {
	for _, ev := range events {
		if ev.Severity.AtLeast(floor) {
			return false
		}
	}
	return true
}
