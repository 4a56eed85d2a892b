package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/contamination"
	"github.com/fyrsmithlabs/phasegate/internal/coordinator"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/taskcontext"
)

// app holds the configuration and logger shared by one command invocation.
// Components are built on demand so a command only pays for what it uses.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
}

func newApp() (*app, error) {
	cfg, err := config.LoadWithFile(configFile)
	if err != nil {
		return nil, err
	}
	if baseDir != "" {
		cfg.Paths.Base = baseDir
	}
	if !verbose && cfg.Logging.Level < zapcore.WarnLevel {
		cfg.Logging.Level = zapcore.WarnLevel
	}

	logger, err := logging.NewLogger(&cfg.Logging, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return &app{cfg: cfg, logger: logger}, nil
}

func (a *app) close() { _ = a.logger.Sync() }

func (a *app) log() *zap.Logger { return a.logger.Underlying() }

func (a *app) gates() (*gate.Engine, error) {
	return gate.NewFromConfig(a.cfg, a.log())
}

func (a *app) orchestrator() (*orchestrator.Orchestrator, error) {
	g, err := a.gates()
	if err != nil {
		return nil, err
	}
	return orchestrator.New(a.cfg, g, a.log()), nil
}

func (a *app) contexts() *taskcontext.Manager {
	return taskcontext.NewManager(a.cfg, a.log())
}

func (a *app) detector() (*contamination.Detector, error) {
	return contamination.NewDetector(a.cfg, a.log())
}

// coordinator builds a coordinator that has adopted every persisted task.
func (a *app) coordinator(ctx context.Context, opts ...coordinator.Option) (*coordinator.Coordinator, error) {
	det, err := a.detector()
	if err != nil {
		return nil, err
	}
	orch, err := a.orchestrator()
	if err != nil {
		return nil, err
	}
	opts = append([]coordinator.Option{coordinator.WithPhaseTracker(orch)}, opts...)
	c := coordinator.New(a.cfg, a.contexts(), det, a.log(), opts...)
	if err := c.Load(ctx); err != nil {
		return nil, err
	}
	return c, nil
}
