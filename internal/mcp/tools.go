package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/contamination"
	"github.com/fyrsmithlabs/phasegate/internal/coordinator"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/taskid"
	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

// addTool registers a tool with the registry and the SDK, wrapping the
// handler with invocation metrics.
func addTool[In, Out any](s *Server, meta *ToolMetadata, h mcp.ToolHandlerFor[In, Out]) error {
	if err := s.toolRegistry.Register(meta); err != nil {
		return err
	}
	mcp.AddTool(s.mcp, &mcp.Tool{Name: meta.Name, Description: meta.Description},
		func(ctx context.Context, req *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
			done := s.metrics.Track(ctx, meta)
			res, out, err := h(ctx, req, in)
			done(err)
			if err != nil {
				s.logger.Warn("tool failed", zap.String("tool", meta.Name), zap.Error(err))
			}
			return res, out, err
		})
	return nil
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() error {
	var errs []error
	errs = append(errs, addTool(s, &ToolMetadata{
		Name:        "gate_check",
		Description: "Evaluate the exit gate of a task's current phase without transitioning",
		Category:    CategoryGate,
		Keywords:    []string{"artifacts", "quality", "review"},
	}, s.gateCheck))
	errs = append(errs, addTool(s, &ToolMetadata{
		Name:        "phase_start",
		Description: "Start a workflow for a task at its first phase",
		Category:    CategoryPhase,
		Keywords:    []string{"workflow", "begin"},
	}, s.phaseStart))
	errs = append(errs, addTool(s, &ToolMetadata{
		Name:        "phase_transition",
		Description: "Advance a task to the next phase after its exit gate passes",
		Category:    CategoryPhase,
		Keywords:    []string{"advance", "next", "gate"},
	}, s.phaseTransition))
	errs = append(errs, addTool(s, &ToolMetadata{
		Name:        "phase_status",
		Description: "Report the current phase, history and progress of a task",
		Category:    CategoryPhase,
		Keywords:    []string{"progress", "history"},
	}, s.phaseStatus))
	errs = append(errs, addTool(s, &ToolMetadata{
		Name:        "phase_list",
		Description: "List every task with its workflow and current phase",
		Category:    CategoryPhase,
	}, s.phaseList))
	errs = append(errs, addTool(s, &ToolMetadata{
		Name:        "contamination_scan",
		Description: "Scan one task context, or every context and shared memory, for isolation violations",
		Category:    CategoryContamination,
		Keywords:    []string{"isolation", "secrets", "cross-reference"},
	}, s.contaminationScan))
	errs = append(errs, addTool(s, &ToolMetadata{
		Name:        "task_heartbeat",
		Description: "Record agent liveness for a running task",
		Category:    CategoryTask,
		Keywords:    []string{"alive", "progress"},
	}, s.taskHeartbeat))
	errs = append(errs, addTool(s, &ToolMetadata{
		Name:        "task_complete",
		Description: "Write the completion marker of a task with its result data",
		Category:    CategoryTask,
		Keywords:    []string{"done", "finish", "result"},
	}, s.taskComplete))
	errs = append(errs, addTool(s, &ToolMetadata{
		Name:        "task_check",
		Description: "Report whether the agent of a task left questions in questions.md or a result in result.md",
		Category:    CategoryTask,
		Keywords:    []string{"questions", "clarification", "blocked", "result"},
	}, s.taskCheck))
	errs = append(errs, addTool(s, &ToolMetadata{
		Name:        "tool_search",
		Description: "Find phasegate tools by name, description or keyword",
		Category:    CategorySearch,
	}, s.toolSearch))
	return errors.Join(errs...)
}

// ===== PHASE AND GATE TOOLS =====

type taskInput struct {
	TaskID string `json:"task_id" jsonschema:"Task identifier"`
}

func (s *Server) gateCheck(ctx context.Context, _ *mcp.CallToolRequest, in taskInput) (*mcp.CallToolResult, any, error) {
	res, err := s.phases.CheckGate(ctx, in.TaskID)
	if err != nil {
		return nil, nil, err
	}
	s.metrics.RecordVerdict(ctx, res)
	return nil, res, nil
}

type phaseStartInput struct {
	TaskID   string `json:"task_id" jsonschema:"Task identifier"`
	Workflow string `json:"workflow" jsonschema:"Workflow name: BUILD, DEBUG or REVIEW"`
	AgentID  string `json:"agent_id,omitempty" jsonschema:"Agent starting the workflow"`
}

func (s *Server) phaseStart(ctx context.Context, _ *mcp.CallToolRequest, in phaseStartInput) (*mcp.CallToolResult, any, error) {
	w, err := workflow.ParseWorkflow(in.Workflow)
	if err != nil {
		return nil, nil, err
	}
	rec, err := s.phases.Start(ctx, w, in.TaskID, agentOrDefault(in.AgentID))
	if err != nil {
		return nil, nil, err
	}
	return nil, rec, nil
}

type phaseTransitionInput struct {
	TaskID   string `json:"task_id" jsonschema:"Task identifier"`
	ToPhase  string `json:"to_phase" jsonschema:"Phase to move to; must be the next phase of the workflow"`
	AgentID  string `json:"agent_id,omitempty" jsonschema:"Agent requesting the transition"`
	SkipGate bool   `json:"skip_gate,omitempty" jsonschema:"Bypass the exit gate; the bypass is recorded"`
	Note     string `json:"note,omitempty" jsonschema:"Free-form note stored in the phase history"`
}

// phaseTransition reports refused transitions as a result with success=false
// so the agent can read the gate failures.
func (s *Server) phaseTransition(ctx context.Context, _ *mcp.CallToolRequest, in phaseTransitionInput) (*mcp.CallToolResult, any, error) {
	res, err := s.phases.Transition(ctx, orchestrator.TransitionRequest{
		TaskID:   in.TaskID,
		ToPhase:  workflow.Phase(in.ToPhase),
		AgentID:  agentOrDefault(in.AgentID),
		SkipGate: in.SkipGate,
		Note:     in.Note,
	})
	if res != nil {
		s.metrics.RecordVerdict(ctx, res.GateResult)
	}
	if err != nil {
		if res != nil && (errors.Is(err, orchestrator.ErrGateFailed) || errors.Is(err, orchestrator.ErrInvalidTransition)) {
			return nil, res, nil
		}
		return nil, nil, err
	}
	return nil, res, nil
}

func (s *Server) phaseStatus(ctx context.Context, _ *mcp.CallToolRequest, in taskInput) (*mcp.CallToolResult, any, error) {
	view, err := s.phases.Status(ctx, in.TaskID)
	if err != nil {
		return nil, nil, err
	}
	return nil, view, nil
}

type phaseListInput struct{}

type phaseListOutput struct {
	Tasks []orchestrator.Summary `json:"tasks"`
	Count int                    `json:"count"`
}

func (s *Server) phaseList(ctx context.Context, _ *mcp.CallToolRequest, _ phaseListInput) (*mcp.CallToolResult, any, error) {
	tasks, err := s.phases.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	return nil, phaseListOutput{Tasks: tasks, Count: len(tasks)}, nil
}

// ===== CONTAMINATION TOOLS =====

type scanInput struct {
	TaskID string `json:"task_id,omitempty" jsonschema:"Task to scan; omit to scan every task and shared memory"`
}

type scanOutput struct {
	Report   contamination.Report `json:"report"`
	ExitCode int                  `json:"exit_code"`
}

func (s *Server) contaminationScan(ctx context.Context, _ *mcp.CallToolRequest, in scanInput) (*mcp.CallToolResult, any, error) {
	var byTask map[string][]contamination.Event
	if in.TaskID != "" {
		if !taskid.Validate(in.TaskID) {
			return nil, nil, fmt.Errorf("%w: %q", taskid.ErrInvalidTaskID, in.TaskID)
		}
		events, err := s.detector.ScanTask(ctx, in.TaskID)
		if err != nil {
			return nil, nil, err
		}
		byTask = map[string][]contamination.Event{in.TaskID: events}
	} else {
		all, err := s.detector.ScanAll(ctx)
		if err != nil {
			return nil, nil, err
		}
		byTask = all
	}
	report := s.detector.GenerateReport(byTask)
	s.metrics.RecordFindings(ctx, report)
	return nil, scanOutput{Report: report, ExitCode: contamination.ExitCode(report)}, nil
}

// ===== TASK MARKER TOOLS =====

type markerOutput struct {
	TaskID string `json:"task_id"`
	Path   string `json:"path"`
}

func (s *Server) taskHeartbeat(_ context.Context, _ *mcp.CallToolRequest, in taskInput) (*mcp.CallToolResult, markerOutput, error) {
	tc, err := s.contexts.Get(in.TaskID)
	if err != nil {
		return nil, markerOutput{}, err
	}
	if err := coordinator.WriteHeartbeat(tc.Path, in.TaskID, s.now()); err != nil {
		return nil, markerOutput{}, fmt.Errorf("write heartbeat: %w", err)
	}
	return nil, markerOutput{TaskID: in.TaskID, Path: coordinator.HeartbeatPath(tc.Path, in.TaskID)}, nil
}

type taskCompleteInput struct {
	TaskID string         `json:"task_id" jsonschema:"Task identifier"`
	Result map[string]any `json:"result,omitempty" jsonschema:"Completion data archived with the task"`
}

func (s *Server) taskComplete(_ context.Context, _ *mcp.CallToolRequest, in taskCompleteInput) (*mcp.CallToolResult, markerOutput, error) {
	tc, err := s.contexts.Get(in.TaskID)
	if err != nil {
		return nil, markerOutput{}, err
	}
	result := in.Result
	if result == nil {
		result = map[string]any{}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, markerOutput{}, fmt.Errorf("encode completion data: %w", err)
	}
	if err := coordinator.WriteCompletion(tc.Path, in.TaskID, data); err != nil {
		return nil, markerOutput{}, err
	}
	return nil, markerOutput{TaskID: in.TaskID, Path: coordinator.CompletionPath(tc.Path, in.TaskID)}, nil
}

type taskCheckOutput struct {
	TaskID       string `json:"task_id"`
	HasQuestions bool   `json:"has_questions"`
	Questions    string `json:"questions,omitempty"`
	HasResult    bool   `json:"has_result"`
}

func (s *Server) taskCheck(_ context.Context, _ *mcp.CallToolRequest, in taskInput) (*mcp.CallToolResult, taskCheckOutput, error) {
	if _, err := s.contexts.Get(in.TaskID); err != nil {
		return nil, taskCheckOutput{}, err
	}
	out := taskCheckOutput{TaskID: in.TaskID}
	out.Questions, out.HasQuestions = s.contexts.Questions(in.TaskID)
	_, out.HasResult = s.contexts.Result(in.TaskID)
	return nil, out, nil
}

// ===== DISCOVERY =====

type toolSearchInput struct {
	Query string `json:"query" jsonschema:"Tool name, word or regular expression"`
}

type toolSearchOutput struct {
	Results []*SearchResult `json:"results"`
	Count   int             `json:"count"`
}

func (s *Server) toolSearch(_ context.Context, _ *mcp.CallToolRequest, in toolSearchInput) (*mcp.CallToolResult, toolSearchOutput, error) {
	results := s.toolRegistry.Search(in.Query)
	return nil, toolSearchOutput{Results: results, Count: len(results)}, nil
}

func agentOrDefault(id string) string {
	if id == "" {
		return "mcp"
	}
	return id
}
