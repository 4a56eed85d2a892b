package main

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// failure is the JSON body printed when a command is rejected before it
// produces a result of its own.
type failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func summary(cmd *cobra.Command, style lipgloss.Style, label, format string, args ...any) {
	if jsonOnly {
		return
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", style.Render(label), fmt.Sprintf(format, args...))
}

func detail(cmd *cobra.Command, format string, args ...any) {
	if jsonOnly {
		return
	}
	fmt.Fprintln(cmd.ErrOrStderr(), dimStyle.Render("  "+fmt.Sprintf(format, args...)))
}

// fail reports err as JSON and returns exit status 1.
func fail(cmd *cobra.Command, err error) error {
	if perr := printJSON(cmd, failure{Error: err.Error()}); perr != nil {
		return perr
	}
	summary(cmd, failStyle, "FAIL", "%v", err)
	return &exitError{code: 1}
}

// succeed prints v and a one-line summary.
func succeed(cmd *cobra.Command, v any, format string, args ...any) error {
	if err := printJSON(cmd, v); err != nil {
		return err
	}
	summary(cmd, okStyle, "OK", format, args...)
	return nil
}
