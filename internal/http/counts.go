package http

import "github.com/fyrsmithlabs/phasegate/internal/coordinator"

var countedStatuses = []coordinator.TaskStatus{
	coordinator.StatusPending,
	coordinator.StatusRunning,
	coordinator.StatusCompleted,
	coordinator.StatusFailed,
	coordinator.StatusContaminated,
	coordinator.StatusTimeout,
}

// CountByStatus counts tasks per lifecycle status. Every status has a key,
// so dashboards can rely on a stable shape.
func CountByStatus(tasks []coordinator.Task) map[string]int {
	counts := make(map[string]int, len(countedStatuses))
	for _, s := range countedStatuses {
		counts[string(s)] = 0
	}
	for _, t := range tasks {
		counts[string(t.Status)]++
	}
	return counts
}
