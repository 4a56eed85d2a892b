//go:build integration
// +build integration

package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestStatusClient_Integration tests against a running phasegated.
// Run with: go test -tags=integration ./internal/monitor/...
func TestStatusClient_Integration(t *testing.T) {
	url := "http://localhost:9191"
	client := NewStatusClient(url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := client.Fetch(ctx)
	require.NoError(t, err, "phasegated should be reachable at %s", url)
	require.NotEmpty(t, snap.Status.Mode)
	t.Logf("running=%d queued=%d enabled=%v", snap.Status.Running, snap.Status.Queued, snap.Status.Enabled)
}
