package main

import (
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasegate/internal/coordinator"
)

var coordinatorOnce bool

func init() {
	rootCmd.AddCommand(coordinatorCmd)
	coordinatorCmd.AddCommand(coordinatorStatusCmd, coordinatorRunCmd)

	coordinatorRunCmd.Flags().BoolVar(&coordinatorOnce, "once", false, "run a single monitor pass and exit")
}

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Inspect or run the parallel coordinator",
}

var coordinatorStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state last written by the coordinator",
	Long: `Show the coordinator state file written on every monitor pass.

The status is degraded once the coordinator has fallen back to sequential
execution; the exit status is then 1.`,
	RunE: runCoordinatorStatus,
}

var coordinatorRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the coordinator monitor loop in the foreground",
	Long: `Run the monitor loop until interrupted. Use phasegated for a long-running
daemon with the status API and telemetry export.`,
	RunE: runCoordinatorRun,
}

func runCoordinatorStatus(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	st, err := coordinator.ReadState(a.cfg.Paths.Base)
	if err != nil {
		return fail(cmd, err)
	}
	if err := printJSON(cmd, st); err != nil {
		return err
	}
	if st.Fallback != nil {
		summary(cmd, failStyle, "DEGRADED", "sequential since %s: %s", st.Fallback.Timestamp.Format("2006-01-02 15:04:05"), st.Fallback.Reason)
		return &exitError{code: 1}
	}
	summary(cmd, okStyle, "OK", "%s mode, %d running, %d queued, %d completed, %d failed",
		st.Mode, st.Running, st.Queued, st.Completed, st.Failed)
	return nil
}

func runCoordinatorRun(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	c, err := a.coordinator(cmd.Context())
	if err != nil {
		return err
	}
	if coordinatorOnce {
		if err := c.Tick(cmd.Context()); err != nil {
			return fail(cmd, err)
		}
		return succeed(cmd, c.Status(), "monitor pass complete")
	}
	if err := c.Run(cmd.Context()); err != nil {
		return fail(cmd, err)
	}
	return nil
}
