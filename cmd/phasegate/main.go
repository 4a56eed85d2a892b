// Command phasegate is the agent-facing CLI for phase gates, task contexts,
// contamination scans and the parallel coordinator.
//
// Every command prints a JSON result on stdout and a short human summary on
// stderr. The exit status is 0 on success and 1 on any failure; the scan
// command additionally exits 2 when critical contamination is found.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// configFile overrides the default config location
	configFile string
	// baseDir overrides paths.base from the config
	baseDir string
	// verbose enables info level logging on stderr
	verbose bool
	// jsonOnly suppresses the human summary
	jsonOnly bool

	version = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	var ee *exitError
	if err != nil && !errors.As(err, &ee) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

var rootCmd = &cobra.Command{
	Use:   "phasegate",
	Short: "Phase gates and isolated task contexts for multi-agent pipelines",
	Long: `phasegate drives tasks through gated phases over a shared filesystem.

Agents call it to start workflows, check and pass phase gates, provision
isolated task contexts, report heartbeats and completion, and scan for
cross-task contamination.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./.phasegate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base", "", "context root, overrides paths.base")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at info level on stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOnly, "json", false, "print JSON only, without the summary on stderr")
}

// exitError carries a process exit status. Its message is never printed; the
// command has already reported the failure.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}
