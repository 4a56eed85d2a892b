package http

import "github.com/fyrsmithlabs/phasegate/internal/coordinator"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status      string             `json:"status"` // "ok" or "degraded"
	Version     string             `json:"version,omitempty"`
	Coordinator coordinator.Status `json:"coordinator"`
	Counts      map[string]int     `json:"counts"`
}

// TasksResponse is the response body for GET /api/v1/tasks.
type TasksResponse struct {
	Tasks []coordinator.Task `json:"tasks"`
	Total int                `json:"total"`
}
