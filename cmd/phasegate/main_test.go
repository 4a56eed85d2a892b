package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTaskID = "build_20260208_150000_builder_3fa9c0d1_0001"

// run executes the CLI against a fresh context root and returns stdout.
func run(t *testing.T, base string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	t.Setenv("HOME", t.TempDir())

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(append([]string{"--base", base, "--json"}, args...))
	err := rootCmd.Execute()
	return stdout.String(), err
}

// resetFlags restores every flag of cmd and its children to its default, so
// one test's flags never leak into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func decode(t *testing.T, out string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m), out)
	return m
}

func findCommand(t *testing.T, path ...string) *cobra.Command {
	t.Helper()
	cmd, _, err := rootCmd.Find(path)
	require.NoError(t, err)
	require.Equal(t, path[len(path)-1], cmd.Name())
	return cmd
}

func TestRootCmd_Commands(t *testing.T) {
	for _, path := range [][]string{
		{"gate", "check"},
		{"phase", "start"},
		{"phase", "transition"},
		{"phase", "cancel"},
		{"phase", "status"},
		{"phase", "list"},
		{"phase", "check"},
		{"context", "create"},
		{"context", "get"},
		{"context", "list"},
		{"context", "delete"},
		{"context", "cleanup"},
		{"context", "set-status"},
		{"scan"},
		{"quarantine", "list"},
		{"quarantine", "restore"},
		{"task", "create"},
		{"task", "start"},
		{"task", "heartbeat"},
		{"task", "complete"},
		{"task", "status"},
		{"task", "list"},
		{"task", "validate-id"},
		{"task", "should-parallelize"},
		{"coordinator", "status"},
		{"coordinator", "run"},
		{"mcp"},
		{"dashboard"},
	} {
		cmd := findCommand(t, path...)
		assert.NotEmpty(t, cmd.Short, "%v should have a Short description", path)
		assert.NotNil(t, cmd.RunE, "%v should be runnable", path)
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
	assert.Equal(t, 2, exitCode(&exitError{code: 2}))
}

func TestTaskValidateID(t *testing.T) {
	base := t.TempDir()

	out, err := run(t, base, "task", "validate-id", testTaskID)
	require.NoError(t, err)
	m := decode(t, out)
	assert.Equal(t, true, m["valid"])
	assert.Equal(t, "BUILD", m["workflow"])
	assert.Equal(t, "builder", m["role"])

	out, err = run(t, base, "task", "validate-id", "not-a-task")
	assert.Equal(t, 1, exitCode(err))
	m = decode(t, out)
	assert.Equal(t, false, m["valid"])
	assert.NotEmpty(t, m["error"])
}

func TestGateCheck(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "tasks", testTaskID)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "requirements"), 0o755))

	out, err := run(t, base, "gate", "check", "--workflow", "BUILD", "--phase", "DISCOVERY", "--dir", dir)
	assert.Equal(t, 1, exitCode(err))
	m := decode(t, out)
	assert.Equal(t, false, m["passed"])
	assert.NotEmpty(t, m["missing_artifacts"])
	assert.NotEmpty(t, m["checked_at"])

	doc := "## Scope\nLogin.\n## Acceptance Criteria\nWorks.\n## Constraints\nNo new deps.\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements", testTaskID+"_requirements.md"), []byte(doc), 0o644))

	out, err = run(t, base, "gate", "check", "--workflow", "BUILD", "--phase", "DISCOVERY", "--dir", dir, "--agent", "builder")
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, out)["passed"])
}

func TestGateCheck_UnknownWorkflow(t *testing.T) {
	out, err := run(t, t.TempDir(), "gate", "check", "--workflow", "DEPLOY", "--phase", "DISCOVERY", "--dir", ".")
	assert.Equal(t, 1, exitCode(err))
	m := decode(t, out)
	assert.Equal(t, false, m["passed"])
	assert.Contains(t, m["reason"], "DEPLOY")
}

func TestPhaseLifecycle(t *testing.T) {
	base := t.TempDir()

	_, err := run(t, base, "context", "create", "--workflow", "BUILD", "--task", testTaskID)
	require.NoError(t, err)

	out, err := run(t, base, "phase", "start", "--task", testTaskID, "--workflow", "BUILD")
	require.NoError(t, err)
	m := decode(t, out)
	assert.Equal(t, true, m["success"])
	assert.Equal(t, "DISCOVERY", m["current_phase"])

	// the gate fails without requirements and the result says why
	out, err = run(t, base, "phase", "transition", "--task", testTaskID, "--to", "ARCHITECTURE")
	assert.Equal(t, 1, exitCode(err))
	m = decode(t, out)
	assert.Equal(t, false, m["success"])
	assert.NotEmpty(t, m["error"])
	require.NotNil(t, m["gate_result"])
	assert.Equal(t, false, m["gate_result"].(map[string]any)["passed"])

	// skipping a phase is rejected without running a gate
	out, err = run(t, base, "phase", "transition", "--task", testTaskID, "--to", "VALIDATION", "--skip-gate")
	assert.Equal(t, 1, exitCode(err))
	assert.Nil(t, decode(t, out)["gate_result"])

	out, err = run(t, base, "phase", "transition", "--task", testTaskID, "--to", "ARCHITECTURE", "--skip-gate", "--note", "reviewed by hand")
	require.NoError(t, err)
	m = decode(t, out)
	assert.Equal(t, true, m["success"])
	assert.NotEmpty(t, m["warning"])

	out, err = run(t, base, "phase", "status", "--task", testTaskID)
	require.NoError(t, err)
	m = decode(t, out)
	assert.Equal(t, "ARCHITECTURE", m["current_phase"])
	assert.Equal(t, "IMPLEMENTATION", m["next_phase"])

	out, err = run(t, base, "phase", "list")
	require.NoError(t, err)
	assert.EqualValues(t, 1, decode(t, out)["count"])

	out, err = run(t, base, "phase", "cancel", "--task", testTaskID, "--reason", "abandoned")
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", decode(t, out)["status"])

	_, err = run(t, base, "phase", "cancel", "--task", testTaskID)
	assert.Equal(t, 1, exitCode(err))
}

func TestPhaseStart_RequiresTask(t *testing.T) {
	out, err := run(t, t.TempDir(), "phase", "start", "--workflow", "BUILD")
	assert.Equal(t, 1, exitCode(err))
	assert.Equal(t, false, decode(t, out)["success"])
}

func TestContextCommands(t *testing.T) {
	base := t.TempDir()

	out, err := run(t, base, "context", "create", "--workflow", "DEBUG", "--role", "scout", "--request", "fix crash")
	require.NoError(t, err)
	m := decode(t, out)
	id, _ := m["task_id"].(string)
	require.NotEmpty(t, id)
	assert.DirExists(t, m["context_path"].(string))

	out, err = run(t, base, "context", "get", id)
	require.NoError(t, err)
	assert.Equal(t, id, decode(t, out)["task_id"])

	_, err = run(t, base, "context", "set-status", id, "completed")
	require.NoError(t, err)

	out, err = run(t, base, "context", "list", "--status", "completed")
	require.NoError(t, err)
	assert.EqualValues(t, 1, decode(t, out)["count"])

	out, err = run(t, base, "context", "cleanup", "--max-age", "1h", "--keep", "0")
	require.NoError(t, err)
	assert.EqualValues(t, 0, decode(t, out)["count"])

	_, err = run(t, base, "context", "delete", id)
	require.NoError(t, err)

	out, err = run(t, base, "context", "get", id)
	assert.Equal(t, 1, exitCode(err))
	assert.Equal(t, false, decode(t, out)["success"])
}

func TestScan(t *testing.T) {
	base := t.TempDir()

	_, err := run(t, base, "context", "create", "--workflow", "BUILD", "--task", testTaskID)
	require.NoError(t, err)

	out, err := run(t, base, "scan")
	require.NoError(t, err)
	m := decode(t, out)
	assert.EqualValues(t, 0, m["exit_code"])
	assert.EqualValues(t, 0, m["total_events"])

	// another task's id inside this task's tree is contamination
	other := "build_20260208_150000_builder_aaaaaaaa_0002"
	leak := filepath.Join(base, "tasks", testTaskID, "artifacts", other+"_notes.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(leak), 0o755))
	require.NoError(t, os.WriteFile(leak, []byte("notes\n"), 0o644))

	out, err = run(t, base, "scan", "--task", testTaskID, "--save")
	code := exitCode(err)
	assert.Contains(t, []int{1, 2}, code)
	m = decode(t, out)
	assert.EqualValues(t, code, m["exit_code"])
	assert.NotEmpty(t, m["findings"].(map[string]any)[testTaskID])
	assert.FileExists(t, m["report_path"].(string))
}

func TestTaskLifecycle(t *testing.T) {
	base := t.TempDir()

	out, err := run(t, base, "task", "create", "--workflow", "BUILD", "--agent-type", "builder", "--request", "add login", "--start")
	require.NoError(t, err)
	m := decode(t, out)
	id, _ := m["task_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "running", m["status"])

	out, err = run(t, base, "task", "heartbeat", id)
	require.NoError(t, err)
	assert.FileExists(t, decode(t, out)["path"].(string))

	out, err = run(t, base, "task", "complete", id, "--result", `{"files_changed": 3}`)
	require.NoError(t, err)
	assert.FileExists(t, decode(t, out)["path"].(string))

	_, err = run(t, base, "task", "complete", id, "--result", "{not json")
	assert.Equal(t, 1, exitCode(err))

	out, err = run(t, base, "coordinator", "run", "--once")
	require.NoError(t, err)
	assert.EqualValues(t, 1, decode(t, out)["completed"])

	out, err = run(t, base, "task", "status", id)
	require.NoError(t, err)
	assert.Equal(t, "completed", decode(t, out)["status"])

	out, err = run(t, base, "task", "list", "--status", "completed")
	require.NoError(t, err)
	assert.EqualValues(t, 1, decode(t, out)["count"])

	out, err = run(t, base, "coordinator", "status")
	require.NoError(t, err)
	m = decode(t, out)
	assert.Equal(t, "hybrid", m["mode"])
	assert.EqualValues(t, 1, m["completed"])
}

func TestTaskStatus_ReportsQuestions(t *testing.T) {
	base := t.TempDir()

	out, err := run(t, base, "task", "create", "--workflow", "BUILD", "--agent-type", "builder", "--request", "add login")
	require.NoError(t, err)
	m := decode(t, out)
	id, _ := m["task_id"].(string)
	path, _ := m["context_path"].(string)
	require.NotEmpty(t, id)
	assert.FileExists(t, filepath.Join(path, "contract.md"))
	assert.FileExists(t, filepath.Join(path, "status.md"))

	out, err = run(t, base, "task", "status", id)
	require.NoError(t, err)
	m = decode(t, out)
	assert.Equal(t, false, m["has_questions"])
	assert.NotContains(t, m, "questions")

	require.NoError(t, os.WriteFile(filepath.Join(path, "questions.md"), []byte("Email or username login?\n"), 0o644))
	out, err = run(t, base, "task", "status", id)
	require.NoError(t, err)
	m = decode(t, out)
	assert.Equal(t, true, m["has_questions"])
	assert.Equal(t, "Email or username login?\n", m["questions"])
}

func TestTaskCreate_InvalidAgent(t *testing.T) {
	out, err := run(t, t.TempDir(), "task", "create", "--workflow", "BUILD", "--agent-type", "wizard")
	assert.Equal(t, 1, exitCode(err))
	assert.Contains(t, decode(t, out)["error"], "wizard")
}

func TestCoordinatorStatus_NoState(t *testing.T) {
	out, err := run(t, t.TempDir(), "coordinator", "status")
	assert.Equal(t, 1, exitCode(err))
	assert.Equal(t, false, decode(t, out)["success"])
}

func TestShouldParallelize(t *testing.T) {
	out, err := run(t, t.TempDir(), "task", "should-parallelize", "--workflow", "BUILD", "--complexity", "high")
	require.NoError(t, err)
	m := decode(t, out)
	assert.Equal(t, "BUILD", m["workflow"])
	assert.Contains(t, m, "parallelize")
}
