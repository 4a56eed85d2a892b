package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.False(t, cfg.Parallel.Enabled, "parallel execution must be opt-in")
	assert.Equal(t, 3, cfg.Parallel.MaxRetries)
	assert.Equal(t, 3, cfg.Parallel.Fallback.FailureThreshold)
	assert.Equal(t, []string{"contract.md", "status.md", "result.md", "questions.md"}, cfg.Isolation.RootAllowlist)
}

func TestPathsConfig_Dirs(t *testing.T) {
	p := Default().Paths
	p.Base = "/ctx"

	assert.Equal(t, "/ctx/tasks", p.TasksRoot())
	assert.Equal(t, "/ctx/00_meta", p.MetaDir())
	assert.Equal(t, "/ctx/01_memory", p.MemoryDir())
	assert.Equal(t, "/ctx/tasks/quarantine", p.QuarantineDir())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "empty base", mutate: func(c *Config) { c.Paths.Base = "" }, wantErr: "paths.base"},
		{name: "counter range", mutate: func(c *Config) { c.TaskID.CounterMax = 0 }, wantErr: "counter range"},
		{name: "score over 100", mutate: func(c *Config) { c.Gates.MinCodeReviewScore = 101 }, wantErr: "min_code_review_score"},
		{name: "bad forbidden pattern", mutate: func(c *Config) { c.Contamination.ForbiddenPatterns = []string{"("} }, wantErr: "forbidden_patterns"},
		{name: "zero parallel", mutate: func(c *Config) { c.Parallel.MaxParallel = 0 }, wantErr: "max_parallel"},
		{name: "response below heartbeat", mutate: func(c *Config) { c.Parallel.ResponseTimeout = time.Second }, wantErr: "response_timeout"},
		{name: "unknown fallback condition", mutate: func(c *Config) { c.Parallel.Fallback.Conditions = []string{"moon_phase"} }, wantErr: "unknown condition"},
		{name: "bad severity", mutate: func(c *Config) { c.Parallel.Fallback.MinSeverity = "info" }, wantErr: "min_severity"},
		{name: "loop guard window", mutate: func(c *Config) { c.LoopGuard.Window = 0 }, wantErr: "loop_guard"},
		{name: "server port", mutate: func(c *Config) { c.Server.Enabled = true; c.Server.Port = 70000 }, wantErr: "server.port"},
		{name: "logging format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateReportsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Paths.Base = ""
	cfg.Parallel.MaxParallel = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paths.base")
	assert.Contains(t, err.Error(), "max_parallel")
}
