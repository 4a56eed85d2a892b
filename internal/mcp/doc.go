// Package mcp exposes the phase orchestrator, gate engine, contamination
// detector and agent marker files as MCP tools over stdio.
//
// Agents use these tools instead of shelling out to the CLI. Every tool
// validates task ids before touching the filesystem.
package mcp
