package main

import (
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasegate/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve phase, gate and contamination tools over MCP stdio",
	Long: `Run an MCP server on stdin/stdout so agents can call phasegate as tools.

Logs go to stderr and never interleave with the protocol stream.`,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	det, err := a.detector()
	if err != nil {
		return err
	}

	cfg := mcp.DefaultConfig()
	cfg.Version = version
	cfg.Logger = a.log().Named("mcp")

	srv, err := mcp.NewServer(cfg, orch, det, a.contexts())
	if err != nil {
		return err
	}
	return srv.Run(cmd.Context())
}
