package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, cfg, logger.config)
	assert.NotNil(t, logger.Underlying())
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "no outputs", mutate: func(c *Config) { c.Output.Stderr = false }, wantErr: "at least one output"},
		{name: "negative skip", mutate: func(c *Config) { c.Caller.Skip = -1 }, wantErr: "caller skip"},
		{name: "empty field value", mutate: func(c *Config) { c.Fields["env"] = "" }, wantErr: "empty value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestLogger_ContextFields(t *testing.T) {
	logger := NewTestLogger()

	ctx := WithTask(context.Background(), "build_20260208_143000_builder_3fa9c0d1_0001", "BUILD")
	ctx = WithAgent(ctx, "builder-1")
	logger.Info(ctx, "phase advanced", zap.String("to", "ARCHITECTURE"))

	logger.AssertLogged(t, zapcore.InfoLevel, "phase advanced")
	logger.AssertField(t, "phase advanced", "task_id", "build_20260208_143000_builder_3fa9c0d1_0001")
	logger.AssertField(t, "phase advanced", "workflow", "BUILD")
	logger.AssertField(t, "phase advanced", "agent_id", "builder-1")
	logger.AssertField(t, "phase advanced", "to", "ARCHITECTURE")
}

func TestLogger_Levels(t *testing.T) {
	logger := NewTestLogger()
	ctx := context.Background()

	logger.Trace(ctx, "trace message")
	logger.Debug(ctx, "debug message")
	logger.Warn(ctx, "warn message")
	logger.Error(ctx, "error message")

	logger.AssertLogged(t, TraceLevel, "trace message")
	logger.AssertLogged(t, zapcore.DebugLevel, "debug message")
	logger.AssertLogged(t, zapcore.WarnLevel, "warn message")
	logger.AssertLogged(t, zapcore.ErrorLevel, "error message")
	logger.AssertNotLogged(t, zapcore.InfoLevel, "warn message")

	logger.Reset()
	assert.Empty(t, logger.All())
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
	assert.Nil(t, TaskFromContext(WithTask(context.Background(), "", "BUILD")))
	assert.Empty(t, AgentFromContext(WithAgent(context.Background(), "")))
}

func TestContextFields_TraceCorrelation(t *testing.T) {
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(tracetest.NewSpanRecorder()))
	ctx, span := provider.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	keys := map[string]bool{}
	for _, f := range ContextFields(ctx) {
		keys[f.Key] = true
	}
	assert.True(t, keys["trace_id"])
	assert.True(t, keys["span_id"])
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	logger := NewTestLogger()
	ctx := WithLogger(context.Background(), logger.Logger)
	assert.Same(t, logger.Logger, FromContext(ctx))

	named := logger.Named("gate").With(zap.String("k", "v"))
	named.Info(context.Background(), "child")
	logger.AssertField(t, "child", "k", "v")
}
