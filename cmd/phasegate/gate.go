package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

var (
	gateWorkflow string
	gatePhase    string
	gateDir      string
	gateAgent    string
)

func init() {
	rootCmd.AddCommand(gateCmd)
	gateCmd.AddCommand(gateCheckCmd)

	gateCheckCmd.Flags().StringVar(&gateWorkflow, "workflow", "", "workflow type (BUILD, DEBUG, REVIEW, PLAN)")
	gateCheckCmd.Flags().StringVar(&gatePhase, "phase", "", "phase being exited")
	gateCheckCmd.Flags().StringVar(&gateDir, "dir", "", "task directory holding the artifacts")
	gateCheckCmd.Flags().StringVar(&gateAgent, "agent", "", "requesting agent id")
	_ = gateCheckCmd.MarkFlagRequired("workflow")
	_ = gateCheckCmd.MarkFlagRequired("phase")
	_ = gateCheckCmd.MarkFlagRequired("dir")
}

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Evaluate phase exit gates",
}

var gateCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether a phase's exit gate passes",
	Long: `Check the exit gate of a phase against the artifacts in a task directory.

Exits 0 when the gate passes and 1 when it fails. The JSON result lists
missing and found artifacts and every quality check.

Examples:
  phasegate gate check --workflow BUILD --phase DISCOVERY --dir .phasegate/context/tasks/<task-id>`,
	RunE: runGateCheck,
}

func runGateCheck(cmd *cobra.Command, _ []string) error {
	w, err := workflow.ParseWorkflow(gateWorkflow)
	if err != nil {
		return reportGate(cmd, &gate.Result{Reason: err.Error()})
	}
	p, err := workflow.ParsePhase(gatePhase)
	if err != nil {
		return reportGate(cmd, &gate.Result{Workflow: w, Reason: err.Error()})
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	engine, err := a.gates()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if gateAgent != "" {
		ctx = logging.WithAgent(ctx, gateAgent)
	}
	return reportGate(cmd, engine.Check(ctx, w, p, gateDir))
}

// gateReport stamps a gate result with the time the command ran it.
type gateReport struct {
	*gate.Result
	CheckedAt time.Time `json:"checked_at"`
}

func reportGate(cmd *cobra.Command, res *gate.Result) error {
	if err := printJSON(cmd, gateReport{Result: res, CheckedAt: time.Now().UTC()}); err != nil {
		return err
	}
	if res.Passed {
		summary(cmd, okStyle, "PASS", "%s/%s: %s", res.Workflow, res.Phase, res.Reason)
		return nil
	}
	summary(cmd, failStyle, "FAIL", "%s/%s: %s", res.Workflow, res.Phase, res.Reason)
	for _, f := range res.Failures() {
		detail(cmd, "- %s", f)
	}
	return &exitError{code: 1}
}
