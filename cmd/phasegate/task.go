package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasegate/internal/coordinator"
	"github.com/fyrsmithlabs/phasegate/internal/taskid"
	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

var (
	taskWorkflow   string
	taskAgentType  string
	taskRequest    string
	taskPriority   int
	taskStartNow   bool
	taskStatus     string
	taskResult     string
	taskResultFile string
	taskComplexity string
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskCreateCmd, taskStartCmd, taskHeartbeatCmd, taskCompleteCmd,
		taskStatusCmd, taskListCmd, taskValidateIDCmd, taskShouldParallelizeCmd)

	taskCreateCmd.Flags().StringVar(&taskWorkflow, "workflow", "", "workflow type (BUILD, DEBUG, REVIEW, PLAN)")
	taskCreateCmd.Flags().StringVar(&taskAgentType, "agent-type", string(coordinator.AgentBuilder), "agent type executing the task")
	taskCreateCmd.Flags().StringVar(&taskRequest, "request", "", "user request the task implements")
	taskCreateCmd.Flags().IntVar(&taskPriority, "priority", 0, "priority 1 (highest) to 10 (default parallel.default_priority)")
	taskCreateCmd.Flags().BoolVar(&taskStartNow, "start", false, "start the task right away")
	_ = taskCreateCmd.MarkFlagRequired("workflow")

	taskCompleteCmd.Flags().StringVar(&taskResult, "result", "{}", "completion data as JSON")
	taskCompleteCmd.Flags().StringVar(&taskResultFile, "result-file", "", "read completion data from a file (- for stdin)")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "only list tasks with this status")

	taskShouldParallelizeCmd.Flags().StringVar(&taskWorkflow, "workflow", "", "workflow type")
	taskShouldParallelizeCmd.Flags().StringVar(&taskComplexity, "complexity", "medium", "low, medium or high")
	_ = taskShouldParallelizeCmd.MarkFlagRequired("workflow")
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and report on coordinated parallel tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create and enqueue a task",
	Long: `Create a task: generate its id, provision its context, render the agent
instructions and enqueue it by priority.

Examples:
  phasegate task create --workflow BUILD --agent-type builder --request "add login page"
  phasegate task create --workflow DEBUG --agent-type scout --priority 2 --start`,
	RunE: runTaskCreate,
}

var taskStartCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Start a pending task after a pre-flight contamination scan",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskStart,
}

var taskHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat <task-id>",
	Short: "Report that the agent working on a task is alive",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskHeartbeat,
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete <task-id>",
	Short: "Write a task's completion marker",
	Long: `Write the completion marker the coordinator's monitor picks up.

Examples:
  phasegate task complete <task-id> --result '{"files_changed": 3}'
  phasegate task complete <task-id> --result-file results.json`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskComplete,
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's lifecycle record and any questions its agent left",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskStatus,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List coordinated tasks",
	RunE:  runTaskList,
}

var taskValidateIDCmd = &cobra.Command{
	Use:   "validate-id <task-id>",
	Short: "Check the structure of a task id",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskValidateID,
}

var taskShouldParallelizeCmd = &cobra.Command{
	Use:   "should-parallelize",
	Short: "Report whether new work of a workflow may run in parallel",
	RunE:  runTaskShouldParallelize,
}

type taskResultBody struct {
	Success bool `json:"success"`
	coordinator.Task
	Questions string `json:"questions,omitempty"`
}

type markerResult struct {
	Success bool   `json:"success"`
	TaskID  string `json:"task_id"`
	Path    string `json:"path"`
}

type taskListResult struct {
	Success bool               `json:"success"`
	Tasks   []coordinator.Task `json:"tasks"`
	Count   int                `json:"count"`
}

type idResult struct {
	Valid     bool              `json:"valid"`
	TaskID    string            `json:"task_id"`
	Workflow  workflow.Workflow `json:"workflow,omitempty"`
	Role      string            `json:"role,omitempty"`
	Hash      string            `json:"hash,omitempty"`
	Counter   int               `json:"counter,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitzero"`
	Error     string            `json:"error,omitempty"`
}

type parallelizeResult struct {
	Workflow    workflow.Workflow `json:"workflow"`
	Complexity  string            `json:"complexity"`
	Parallelize bool              `json:"parallelize"`
}

func runTaskCreate(cmd *cobra.Command, _ []string) error {
	w, err := workflow.ParseWorkflow(taskWorkflow)
	if err != nil {
		return fail(cmd, err)
	}
	agent, err := coordinator.ParseAgentType(taskAgentType)
	if err != nil {
		return fail(cmd, err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	c, err := a.coordinator(cmd.Context())
	if err != nil {
		return err
	}
	t, err := c.CreateTask(cmd.Context(), coordinator.CreateRequest{
		Workflow:  w,
		AgentType: agent,
		Request:   taskRequest,
		Priority:  taskPriority,
	})
	if err != nil {
		return fail(cmd, err)
	}
	if taskStartNow {
		if err := c.Start(cmd.Context(), t.TaskID); err != nil {
			return fail(cmd, err)
		}
		started, err := c.Task(t.TaskID)
		if err != nil {
			return fail(cmd, err)
		}
		t = &started
	}
	return succeed(cmd, taskResultBody{Success: true, Task: *t}, "%s %s at %s", t.TaskID, t.Status, t.ContextPath)
}

func runTaskStart(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	c, err := a.coordinator(cmd.Context())
	if err != nil {
		return err
	}
	if err := c.Start(cmd.Context(), args[0]); err != nil {
		return fail(cmd, err)
	}
	t, err := c.Task(args[0])
	if err != nil {
		return fail(cmd, err)
	}
	return succeed(cmd, taskResultBody{Success: true, Task: t}, "%s started", t.TaskID)
}

func runTaskHeartbeat(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	tc, err := a.contexts().Get(args[0])
	if err != nil {
		return fail(cmd, err)
	}
	if err := coordinator.WriteHeartbeat(tc.Path, tc.TaskID, time.Now()); err != nil {
		return fail(cmd, err)
	}
	path := coordinator.HeartbeatPath(tc.Path, tc.TaskID)
	return succeed(cmd, markerResult{Success: true, TaskID: tc.TaskID, Path: path}, "heartbeat %s", tc.TaskID)
}

func runTaskComplete(cmd *cobra.Command, args []string) error {
	data, err := completionData(cmd)
	if err != nil {
		return fail(cmd, err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	tc, err := a.contexts().Get(args[0])
	if err != nil {
		return fail(cmd, err)
	}
	if err := coordinator.WriteCompletion(tc.Path, tc.TaskID, data); err != nil {
		return fail(cmd, err)
	}
	path := coordinator.CompletionPath(tc.Path, tc.TaskID)
	return succeed(cmd, markerResult{Success: true, TaskID: tc.TaskID, Path: path}, "completion marker written for %s", tc.TaskID)
}

func completionData(cmd *cobra.Command) (json.RawMessage, error) {
	var raw []byte
	switch taskResultFile {
	case "":
		raw = []byte(taskResult)
	case "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		raw = b
	default:
		b, err := os.ReadFile(taskResultFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", taskResultFile, err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, errors.New("completion data is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	c, err := a.coordinator(cmd.Context())
	if err != nil {
		return err
	}
	t, err := c.Task(args[0])
	if err != nil {
		return fail(cmd, err)
	}
	questions, has, err := c.Questions(t.TaskID)
	if err != nil {
		return fail(cmd, err)
	}
	body := taskResultBody{Success: true, Task: t, Questions: questions}
	if has {
		return succeed(cmd, body, "%s %s, agent has questions", t.TaskID, t.Status)
	}
	return succeed(cmd, body, "%s %s", t.TaskID, t.Status)
}

func runTaskList(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	c, err := a.coordinator(cmd.Context())
	if err != nil {
		return err
	}
	tasks := []coordinator.Task{}
	for _, t := range c.Tasks() {
		if taskStatus == "" || strings.EqualFold(string(t.Status), taskStatus) {
			tasks = append(tasks, t)
		}
	}
	return succeed(cmd, taskListResult{Success: true, Tasks: tasks, Count: len(tasks)}, "%d tasks", len(tasks))
}

func runTaskValidateID(cmd *cobra.Command, args []string) error {
	id, err := taskid.Parse(args[0])
	if err != nil {
		if perr := printJSON(cmd, idResult{TaskID: args[0], Error: err.Error()}); perr != nil {
			return perr
		}
		summary(cmd, failStyle, "INVALID", "%s", args[0])
		return &exitError{code: 1}
	}
	return succeed(cmd, idResult{
		Valid:     true,
		TaskID:    id.String(),
		Workflow:  id.Workflow,
		Role:      id.Role,
		Hash:      id.Hash,
		Counter:   id.Counter,
		CreatedAt: id.CreatedAt,
	}, "%s is a valid %s task id", id, id.Workflow)
}

func runTaskShouldParallelize(cmd *cobra.Command, _ []string) error {
	w, err := workflow.ParseWorkflow(taskWorkflow)
	if err != nil {
		return fail(cmd, err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	c, err := a.coordinator(cmd.Context())
	if err != nil {
		return err
	}
	ok := c.ShouldParallelize(w, taskComplexity)
	if err := printJSON(cmd, parallelizeResult{Workflow: w, Complexity: taskComplexity, Parallelize: ok}); err != nil {
		return err
	}
	if ok {
		summary(cmd, okStyle, "PARALLEL", "%s work may run in parallel", w)
	} else {
		summary(cmd, warnStyle, "SEQUENTIAL", "%s work should run sequentially", w)
	}
	return nil
}
