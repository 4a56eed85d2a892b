package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasegate/internal/taskcontext"
	"github.com/fyrsmithlabs/phasegate/internal/taskid"
	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

var (
	ctxTask     string
	ctxWorkflow string
	ctxRole     string
	ctxRequest  string
	ctxStatus   string
	ctxMaxAge   time.Duration
	ctxKeep     int
)

func init() {
	rootCmd.AddCommand(contextCmd)
	contextCmd.AddCommand(contextCreateCmd, contextGetCmd, contextListCmd, contextDeleteCmd, contextCleanupCmd, contextSetStatusCmd)

	contextCreateCmd.Flags().StringVar(&ctxWorkflow, "workflow", "", "workflow type (BUILD, DEBUG, REVIEW, PLAN)")
	contextCreateCmd.Flags().StringVar(&ctxTask, "task", "", "task id (generated when empty)")
	contextCreateCmd.Flags().StringVar(&ctxRole, "role", "agent", "agent role used in a generated id")
	contextCreateCmd.Flags().StringVar(&ctxRequest, "request", "", "request text hashed into a generated id")
	_ = contextCreateCmd.MarkFlagRequired("workflow")

	contextListCmd.Flags().StringVar(&ctxStatus, "status", "", "only list contexts with this status")

	contextCleanupCmd.Flags().DurationVar(&ctxMaxAge, "max-age", 0, "delete contexts older than this (default isolation.max_age)")
	contextCleanupCmd.Flags().IntVar(&ctxKeep, "keep", -1, "contexts always kept (default isolation.keep_minimum)")
}

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Provision and manage isolated task contexts",
}

var contextCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an isolated task context",
	Long: `Create the directory tree, metadata and seed documents for a task.

Examples:
  phasegate context create --workflow BUILD --role builder --request "add login page"
  phasegate context create --workflow DEBUG --task debug_20260208_150000_debugger_3fa9c0d1_0001`,
	RunE: runContextCreate,
}

var contextGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a task context",
	Args:  cobra.ExactArgs(1),
	RunE:  runContextGet,
}

var contextListCmd = &cobra.Command{
	Use:   "list",
	Short: "List task contexts",
	RunE:  runContextList,
}

var contextDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task context",
	Args:  cobra.ExactArgs(1),
	RunE:  runContextDelete,
}

var contextCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old task contexts, keeping a minimum number",
	RunE:  runContextCleanup,
}

var contextSetStatusCmd = &cobra.Command{
	Use:   "set-status <task-id> <status>",
	Short: "Rewrite a task context's status document",
	Args:  cobra.ExactArgs(2),
	RunE:  runContextSetStatus,
}

type contextResult struct {
	Success bool                 `json:"success"`
	TaskID  string               `json:"task_id"`
	Path    string               `json:"context_path"`
	Meta    taskcontext.Metadata `json:"metadata"`
}

type contextListResult struct {
	Success  bool                   `json:"success"`
	Contexts []taskcontext.Metadata `json:"contexts"`
	Count    int                    `json:"count"`
}

type cleanupResult struct {
	Success bool     `json:"success"`
	Deleted []string `json:"deleted"`
	Count   int      `json:"count"`
}

func runContextCreate(cmd *cobra.Command, _ []string) error {
	w, err := workflow.ParseWorkflow(ctxWorkflow)
	if err != nil {
		return fail(cmd, err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	id := ctxTask
	if id == "" {
		id, err = taskid.NewGenerator(a.cfg.TaskID.CounterStart, a.cfg.TaskID.CounterMax).New(w, ctxRole, ctxRequest)
		if err != nil {
			return fail(cmd, err)
		}
	}

	mgr := a.contexts()
	if _, err := mgr.Create(cmd.Context(), id, w); err != nil {
		return fail(cmd, err)
	}
	c, err := mgr.Get(id)
	if err != nil {
		return fail(cmd, err)
	}
	return succeed(cmd, contextResult{Success: true, TaskID: id, Path: c.Path, Meta: c.Metadata}, "created %s", c.Path)
}

func runContextGet(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	c, err := a.contexts().Get(args[0])
	if err != nil {
		return fail(cmd, err)
	}
	return succeed(cmd, contextResult{Success: true, TaskID: c.TaskID, Path: c.Path, Meta: c.Metadata},
		"%s %s (%s)", c.TaskID, c.Metadata.Workflow, c.Metadata.Status)
}

func runContextList(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	list, err := a.contexts().List(ctxStatus)
	if err != nil {
		return fail(cmd, err)
	}
	if list == nil {
		list = []taskcontext.Metadata{}
	}
	return succeed(cmd, contextListResult{Success: true, Contexts: list, Count: len(list)}, "%d contexts", len(list))
}

func runContextDelete(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.contexts().Delete(args[0]); err != nil {
		return fail(cmd, err)
	}
	return succeed(cmd, cleanupResult{Success: true, Deleted: []string{args[0]}, Count: 1}, "deleted %s", args[0])
}

func runContextCleanup(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	maxAge := ctxMaxAge
	if maxAge <= 0 {
		maxAge = a.cfg.Isolation.MaxAge
	}
	keep := ctxKeep
	if keep < 0 {
		keep = a.cfg.Isolation.KeepMinimum
	}

	deleted, err := a.contexts().Cleanup(cmd.Context(), maxAge, keep)
	if deleted == nil {
		deleted = []string{}
	}
	if err != nil {
		return fail(cmd, err)
	}
	return succeed(cmd, cleanupResult{Success: true, Deleted: deleted, Count: len(deleted)},
		"deleted %d contexts older than %s", len(deleted), maxAge)
}

func runContextSetStatus(cmd *cobra.Command, args []string) error {
	if args[1] == "" {
		return fail(cmd, errors.New("status cannot be empty"))
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	mgr := a.contexts()
	if err := mgr.SetStatus(args[0], args[1]); err != nil {
		return fail(cmd, err)
	}
	c, err := mgr.Get(args[0])
	if err != nil {
		return fail(cmd, err)
	}
	return succeed(cmd, contextResult{Success: true, TaskID: c.TaskID, Path: c.Path, Meta: c.Metadata},
		"%s is %s", c.TaskID, c.Metadata.Status)
}
