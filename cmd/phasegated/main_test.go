package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/coordinator"
)

func testConfig(t *testing.T, port int) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.Base = t.TempDir()
	cfg.Parallel.PollInterval = 50 * time.Millisecond
	cfg.Parallel.WatchMarkers = false
	cfg.Logging.Level = zapcore.ErrorLevel
	cfg.Server.Enabled = port > 0
	cfg.Server.Port = port
	cfg.Server.ShutdownTimeout = time.Second
	return cfg
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	base := t.TempDir()
	baseDir = base
	serve = true
	defer func() {
		baseDir = ""
		serve = false
	}()

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, base, cfg.Paths.Base)
	assert.True(t, cfg.Server.Enabled)
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Version:")
}

func TestRun_WritesStateAndStops(t *testing.T) {
	cfg := testConfig(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfg) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(coordinator.StatePath(cfg.Paths.Base))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	st, err := coordinator.ReadState(cfg.Paths.Base)
	require.NoError(t, err)
	assert.Equal(t, "hybrid", st.Mode)
	assert.Nil(t, st.Fallback)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down in time")
	}
}

func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	const port = 19191
	cfg := testConfig(t, port)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfg) }()

	url := fmt.Sprintf("http://localhost:%d", port)
	require.Eventually(t, func() bool {
		resp, err := nethttp.Get(url + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == nethttp.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := nethttp.Get(url + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)

	var body struct {
		Status string         `json:"status"`
		Counts map[string]int `json:"counts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Contains(t, body.Counts, "running")

	metrics, err := nethttp.Get(url + "/metrics")
	require.NoError(t, err)
	metrics.Body.Close()
	assert.Equal(t, nethttp.StatusOK, metrics.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down in time")
	}
}
