// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// Logging wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Dual output (stderr + OpenTelemetry)
//   - Automatic context field injection (trace_id, task_id, agent_id, workflow)
//
// Logs go to stderr so that CLI commands can keep stdout for JSON results.
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithTask(ctx, "build_20260208_143000_builder_3fa9c0d1_0001", "BUILD")
//	ctx = logging.WithAgent(ctx, "builder-1")
//	logger.Info(ctx, "phase advanced", zap.String("to", "ARCHITECTURE"))
//
// Components accept a plain *zap.Logger; use Underlying to hand one over.
//
// # Testing
//
//	logger := logging.NewTestLogger()
//	svc := coordinator.New(cfg, deps, logger.Underlying())
//	logger.AssertLogged(t, zapcore.WarnLevel, "task timed out")
package logging
