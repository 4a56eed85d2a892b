package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/contamination"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/taskcontext"
)

// Server is an MCP server over the phasegate services.
type Server struct {
	mcp          *mcp.Server
	phases       *orchestrator.Orchestrator
	detector     *contamination.Detector
	contexts     *taskcontext.Manager
	toolRegistry *ToolRegistry
	metrics      *Metrics
	logger       *zap.Logger
	now          func() time.Time
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "phasegate")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	// Logger for structured logging
	Logger *zap.Logger

	// Now overrides the clock used for heartbeats.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "phasegate",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
		Now:     time.Now,
	}
}

// NewServer creates a new MCP server with the given services.
func NewServer(
	cfg *Config,
	phases *orchestrator.Orchestrator,
	detector *contamination.Detector,
	contexts *taskcontext.Manager,
) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if phases == nil {
		return nil, fmt.Errorf("phase orchestrator is required")
	}
	if detector == nil {
		return nil, fmt.Errorf("contamination detector is required")
	}
	if contexts == nil {
		return nil, fmt.Errorf("task context manager is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:          mcpServer,
		phases:       phases,
		detector:     detector,
		contexts:     contexts,
		toolRegistry: NewToolRegistry(),
		metrics:      NewMetrics(logger),
		logger:       logger,
		now:          now,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// Tools returns the metadata of every registered tool.
func (s *Server) Tools() *ToolRegistry { return s.toolRegistry }

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
