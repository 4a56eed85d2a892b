package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/coordinator"
)

// Snapshot is one reading of coordinator state.
type Snapshot struct {
	Status coordinator.Status
	// Degraded is set after a fallback to sequential execution.
	Degraded bool
	// Counts holds per-status task counts when the source provides them.
	Counts map[string]int
}

// Source produces snapshots for the dashboard.
type Source interface {
	Fetch(ctx context.Context) (Snapshot, error)
	// Describe names the source in the error view.
	Describe() string
}

// FileSource reads the state file a running coordinator writes under Base.
type FileSource struct {
	Base string
}

// Fetch reads the state file.
func (s FileSource) Fetch(_ context.Context) (Snapshot, error) {
	st, err := coordinator.ReadState(s.Base)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Status: *st, Degraded: st.Fallback != nil}, nil
}

// Describe returns the state file path.
func (s FileSource) Describe() string { return coordinator.StatePath(s.Base) }

// StatusClient queries the status API of phasegated.
type StatusClient struct {
	baseURL string
	client  *http.Client
}

// statusResponse mirrors GET /api/v1/status.
type statusResponse struct {
	Status      string             `json:"status"`
	Coordinator coordinator.Status `json:"coordinator"`
	Counts      map[string]int     `json:"counts"`
}

// NewStatusClient creates a client for the daemon at baseURL.
func NewStatusClient(baseURL string) *StatusClient {
	return &StatusClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// Fetch calls GET /api/v1/status.
func (c *StatusClient) Fetch(ctx context.Context) (Snapshot, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/status")
	if err != nil {
		return Snapshot{}, fmt.Errorf("invalid base URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return Snapshot{
		Status:   body.Coordinator,
		Degraded: body.Status == "degraded" || body.Coordinator.Fallback != nil,
		Counts:   body.Counts,
	}, nil
}

// Describe returns the daemon URL.
func (c *StatusClient) Describe() string { return c.baseURL }
