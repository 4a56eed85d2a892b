package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasegate/internal/monitor"
)

var (
	dashboardServer   string
	dashboardInterval time.Duration
)

func init() {
	rootCmd.AddCommand(dashboardCmd)

	dashboardCmd.Flags().StringVar(&dashboardServer, "server", "", "phasegated URL, e.g. http://localhost:9191 (default reads the state file)")
	dashboardCmd.Flags().DurationVar(&dashboardInterval, "interval", 2*time.Second, "refresh interval")
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show a live terminal dashboard of the coordinator",
	Long: `Show running, queued and failed tasks, cumulative stats and the fallback
state. Press q to quit.

Examples:
  phasegate dashboard
  phasegate dashboard --server http://localhost:9191`,
	RunE: runDashboard,
}

func runDashboard(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	var source monitor.Source = monitor.FileSource{Base: a.cfg.Paths.Base}
	if dashboardServer != "" {
		source = monitor.NewStatusClient(dashboardServer)
	}
	return monitor.Run(cmd.Context(), source, dashboardInterval, a.cfg.Parallel.MaxParallel)
}
