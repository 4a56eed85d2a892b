// Package orchestrator enforces the phase sequence of each task.
//
// # Overview
//
// Every task runs one workflow, and every workflow is a fixed, ordered list of
// phases:
//
//	BUILD:  DISCOVERY → ARCHITECTURE → IMPLEMENTATION → VALIDATION → CLOSURE
//	DEBUG:  INVESTIGATION → FIX → VALIDATION → CLOSURE
//	REVIEW: SCOPE → ANALYSIS → REPORT → CLOSURE
//	PLAN:   DISCOVERY → PLANNING → CLOSURE
//
// A task may only move to the immediate successor of its current phase, and
// only after the gate for the phase being exited passes. Cancellation is the
// one exception: it is gate-free and allowed from any active phase.
//
// # State
//
// The orchestrator keeps no state in memory. Each task's record lives in
// {task_id}_workflow_state.md at the task root, a markdown file people can
// read and agents can parse:
//
//	# Workflow State
//
//	- **Task ID:** build_20260208_143000_builder_3fa9c0d1_0001
//	- **Workflow:** BUILD
//	- **Current Phase:** ARCHITECTURE
//	- **Status:** ACTIVE
//	...
//
//	## Phase History
//
//	| Timestamp | From | To | Agent | Gate | Note |
//
// The orchestrator is the only writer of this file.
//
// # Loop Guard
//
// Agents stuck in a retry loop tend to hammer transition and gate-check calls.
// A per-task token bucket notices bursts above the configured rate, logs a
// warning and counts them. It never rejects a call.
//
// # Usage
//
//	orch := orchestrator.New(cfg, gateEngine, logger)
//	rec, err := orch.Start(ctx, workflow.Build, taskID, "oracle")
//	res, err := orch.Transition(ctx, orchestrator.TransitionRequest{
//	    TaskID:  taskID,
//	    ToPhase: workflow.Architecture,
//	    AgentID: "oracle",
//	})
//	if errors.Is(err, orchestrator.ErrGateFailed) {
//	    // res.GateResult lists what is missing
//	}
package orchestrator
