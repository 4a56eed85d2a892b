package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

var (
	phaseTask     string
	phaseAgent    string
	phaseWorkflow string
	phaseTo       string
	phaseSkipGate bool
	phaseNote     string
	phaseReason   string
)

func init() {
	rootCmd.AddCommand(phaseCmd)
	phaseCmd.AddCommand(phaseStartCmd, phaseTransitionCmd, phaseCancelCmd, phaseStatusCmd, phaseListCmd, phaseCheckCmd)

	phaseCmd.PersistentFlags().StringVar(&phaseTask, "task", "", "task id")
	phaseCmd.PersistentFlags().StringVar(&phaseAgent, "agent", "cli", "requesting agent id")

	phaseStartCmd.Flags().StringVar(&phaseWorkflow, "workflow", "", "workflow type (BUILD, DEBUG, REVIEW, PLAN)")
	_ = phaseStartCmd.MarkFlagRequired("workflow")

	phaseTransitionCmd.Flags().StringVar(&phaseTo, "to", "", "target phase, the immediate successor of the current one")
	phaseTransitionCmd.Flags().BoolVar(&phaseSkipGate, "skip-gate", false, "bypass the exit gate (recorded in the history)")
	phaseTransitionCmd.Flags().StringVar(&phaseNote, "note", "", "note stored with the history entry")
	_ = phaseTransitionCmd.MarkFlagRequired("to")

	phaseCancelCmd.Flags().StringVar(&phaseReason, "reason", "", "why the workflow is cancelled")
}

var phaseCmd = &cobra.Command{
	Use:   "phase",
	Short: "Manage per-task phase records",
}

var phaseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a workflow at its first phase",
	Long: `Start a workflow for a task. Fails when the task already has an ACTIVE record.

Examples:
  phasegate phase start --task build_20260208_150000_builder_3fa9c0d1_0001 --workflow BUILD`,
	RunE: runPhaseStart,
}

var phaseTransitionCmd = &cobra.Command{
	Use:   "transition",
	Short: "Advance a task to its next phase after the exit gate passes",
	Long: `Advance a task by exactly one phase. The gate of the phase being exited
runs first; on failure the JSON result carries the full gate result and
the record is left untouched.

Examples:
  phasegate phase transition --task <task-id> --to ARCHITECTURE
  phasegate phase transition --task <task-id> --to ARCHITECTURE --skip-gate --note "manual review"`,
	RunE: runPhaseTransition,
}

var phaseCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel an active workflow",
	RunE:  runPhaseCancel,
}

var phaseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a task's phase record and progress",
	RunE:  runPhaseStatus,
}

var phaseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every task's phase record",
	RunE:  runPhaseList,
}

var phaseCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the exit gate of a task's current phase without transitioning",
	RunE:  runPhaseCheck,
}

// phaseResult wraps a record with the common success flag.
type phaseResult struct {
	Success bool `json:"success"`
	*orchestrator.StatusView
}

func requireTask() error {
	if phaseTask == "" {
		return errors.New("--task is required")
	}
	return nil
}

func runPhaseStart(cmd *cobra.Command, _ []string) error {
	if err := requireTask(); err != nil {
		return fail(cmd, err)
	}
	w, err := workflow.ParseWorkflow(phaseWorkflow)
	if err != nil {
		return fail(cmd, err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	if _, err := orch.Start(cmd.Context(), w, phaseTask, phaseAgent); err != nil {
		return fail(cmd, err)
	}
	view, err := orch.Status(cmd.Context(), phaseTask)
	if err != nil {
		return fail(cmd, err)
	}
	return succeed(cmd, phaseResult{Success: true, StatusView: view},
		"%s started %s at %s", phaseTask, view.Workflow, view.CurrentPhase)
}

func runPhaseTransition(cmd *cobra.Command, _ []string) error {
	if err := requireTask(); err != nil {
		return fail(cmd, err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	res, err := orch.Transition(cmd.Context(), orchestrator.TransitionRequest{
		TaskID:   phaseTask,
		ToPhase:  workflow.Phase(phaseTo),
		AgentID:  phaseAgent,
		SkipGate: phaseSkipGate,
		Note:     phaseNote,
	})
	if res == nil {
		return fail(cmd, err)
	}
	if perr := printJSON(cmd, res); perr != nil {
		return perr
	}
	if err != nil {
		summary(cmd, failStyle, "REJECTED", "%s", res.Error)
		if res.GateResult != nil {
			for _, f := range res.GateResult.Failures() {
				detail(cmd, "- %s", f)
			}
		}
		return &exitError{code: 1}
	}
	summary(cmd, okStyle, "OK", "%s: %s", phaseTask, res.Message)
	if res.Warning != "" {
		summary(cmd, warnStyle, "WARN", "%s", res.Warning)
	}
	return nil
}

func runPhaseCancel(cmd *cobra.Command, _ []string) error {
	if err := requireTask(); err != nil {
		return fail(cmd, err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	rec, err := orch.Cancel(cmd.Context(), phaseTask, phaseAgent, phaseReason)
	if err != nil {
		return fail(cmd, err)
	}
	return succeed(cmd, phaseResult{Success: true, StatusView: &orchestrator.StatusView{Record: *rec}},
		"%s cancelled in %s", phaseTask, rec.CurrentPhase)
}

func runPhaseStatus(cmd *cobra.Command, _ []string) error {
	if err := requireTask(); err != nil {
		return fail(cmd, err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	view, err := orch.Status(cmd.Context(), phaseTask)
	if err != nil {
		return fail(cmd, err)
	}
	return succeed(cmd, phaseResult{Success: true, StatusView: view},
		"%s %s %s (%d/%d phases)", phaseTask, view.Status, view.CurrentPhase, view.PhasesCompleted, view.PhasesTotal)
}

type phaseListResult struct {
	Success bool                   `json:"success"`
	Tasks   []orchestrator.Summary `json:"tasks"`
	Count   int                    `json:"count"`
}

func runPhaseList(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	tasks, err := orch.List(cmd.Context())
	if err != nil {
		return fail(cmd, err)
	}
	if tasks == nil {
		tasks = []orchestrator.Summary{}
	}
	return succeed(cmd, phaseListResult{Success: true, Tasks: tasks, Count: len(tasks)}, "%d tasks", len(tasks))
}

func runPhaseCheck(cmd *cobra.Command, _ []string) error {
	if err := requireTask(); err != nil {
		return fail(cmd, err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	res, err := orch.CheckGate(cmd.Context(), phaseTask)
	if err != nil {
		return fail(cmd, err)
	}
	return reportGate(cmd, res)
}
