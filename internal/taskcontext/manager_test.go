package taskcontext

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/fsutil"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/taskid"
	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

const (
	idA = "build_20260208_143000_builder_3fa9c0d1_0001"
	idB = "debug_20260208_143100_debugger_0b1c2d3e_0002"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.Base = filepath.Join(t.TempDir(), "context")
	return cfg
}

func newTestManager(t *testing.T, now func() time.Time) (*Manager, *config.Config) {
	t.Helper()
	cfg := testConfig(t)
	if now == nil {
		now = time.Now
	}
	return NewManager(cfg, nil, WithClock(now)), cfg
}

func TestCreate_Layout(t *testing.T) {
	m, cfg := newTestManager(t, nil)
	require.NoError(t, os.MkdirAll(cfg.Paths.MetaDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Paths.MetaDir(), "tech-stack.md"), []byte("# Go 1.24\n"), 0o644))

	path, err := m.Create(context.Background(), idA, workflow.Build)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.Paths.TasksRoot(), idA), path)

	for _, d := range Subdirs {
		assert.DirExists(t, filepath.Join(path, d))
		assert.FileExists(t, filepath.Join(path, d, idA+"_README.md"))
	}
	assert.FileExists(t, filepath.Join(path, "memory", idA+"_active_context.md"))
	assert.FileExists(t, filepath.Join(path, "memory", idA+"_progress.md"))
	assert.FileExists(t, filepath.Join(path, "memory", idA+"_patterns.md"))
	assert.FileExists(t, filepath.Join(path, "status", idA+"_status.md"))

	copied, err := os.ReadFile(filepath.Join(path, idA+"_tech-stack.md"))
	require.NoError(t, err)
	assert.True(t, fsutil.IsReadOnlyCopy(copied))
	assert.Contains(t, string(copied), "# Go 1.24")
	assert.NoFileExists(t, filepath.Join(path, idA+"_glossary.md"), "missing shared templates are skipped")

	c, err := m.Get(idA)
	require.NoError(t, err)
	assert.Equal(t, workflow.Build, c.Metadata.Workflow)
	assert.Equal(t, []string{idA + "_tech-stack.md"}, c.Metadata.SharedCopies)
	assert.Equal(t, DefaultStatus, c.Metadata.Status)
	assert.True(t, c.Metadata.IsolationEnabled)
	assert.Equal(t, path, c.Metadata.Directories["base"])
}

func TestCreate_EveryFileCarriesOnlyItsOwnID(t *testing.T) {
	m, _ := newTestManager(t, nil)
	path, err := m.Create(context.Background(), idA, workflow.Build)
	require.NoError(t, err)

	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		if d.IsDir() {
			return nil
		}
		assert.True(t, strings.HasPrefix(d.Name(), idA+"_"), "unprefixed file %s", p)
		content, err := os.ReadFile(p)
		require.NoError(t, err)
		for _, found := range taskid.FindAll(string(content)) {
			assert.Equal(t, idA, found, "foreign id in %s", p)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestCreate_Errors(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Create(ctx, "not-a-task", workflow.Build)
	assert.ErrorIs(t, err, taskid.ErrInvalidTaskID)

	_, err = m.Create(ctx, idA, workflow.Workflow("DEPLOY"))
	assert.Error(t, err)

	_, err = m.Create(ctx, idA, workflow.Build)
	require.NoError(t, err)
	_, err = m.Create(ctx, idA, workflow.Build)
	assert.ErrorIs(t, err, ErrContextExists)
}

func TestListAndStatus(t *testing.T) {
	m, cfg := newTestManager(t, nil)
	ctx := context.Background()
	_, err := m.Create(ctx, idA, workflow.Build)
	require.NoError(t, err)
	_, err = m.Create(ctx, idB, workflow.Debug)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(cfg.Paths.QuarantineDir(), 0o755))

	all, err := m.List("")
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, m.SetStatus(idB, "completed"))
	assert.Equal(t, "completed", m.Status(idB))

	done, err := m.List("COMPLETED")
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, idB, done[0].TaskID)

	assert.ErrorIs(t, m.SetStatus("build_20260208_143000_builder_3fa9c0d1_0099", "x"), ErrNotFound)
}

func TestWriteContract(t *testing.T) {
	at := time.Date(2026, 2, 8, 15, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, func() time.Time { return at })
	path, err := m.Create(context.Background(), idA, workflow.Build)
	require.NoError(t, err)

	require.NoError(t, m.WriteContract(idA, Contract{
		Agent:        "builder",
		Workflow:     "BUILD",
		Phase:        "IMPLEMENTATION",
		Objective:    "Implement user auth",
		Requirements: "REQ-Auth.md",
		Criteria:     []string{"Login endpoint works", "Tests pass"},
	}))

	contract, err := os.ReadFile(filepath.Join(path, ContractFile))
	require.NoError(t, err)
	for _, want := range []string{
		"# Task Contract: " + idA,
		"| Phase | IMPLEMENTATION |",
		"| Created | 2026-02-08T15:00:00Z |",
		"## Objective\nImplement user auth\n",
		"## Requirements\nREQ-Auth.md\n",
		"- [ ] Login endpoint works\n- [ ] Tests pass\n",
		"## Context Files\n- (none specified)\n",
		"write questions to `questions.md`",
	} {
		assert.Contains(t, string(contract), want)
	}

	status, err := os.ReadFile(filepath.Join(path, RootStatusFile))
	require.NoError(t, err)
	assert.Contains(t, string(status), "# Task Status: "+idA)
	assert.Contains(t, string(status), "- Status: PENDING\n- Last Update: 2026-02-08T15:00:00Z")

	require.NoError(t, m.WriteContract(idA, Contract{Objective: "x"}))
	contract, err = os.ReadFile(filepath.Join(path, ContractFile))
	require.NoError(t, err)
	assert.Contains(t, string(contract), "(inline, see objective)")
	assert.Contains(t, string(contract), "- [ ] Task completed successfully")

	assert.ErrorIs(t, m.WriteContract(idB, Contract{}), ErrNotFound)
	assert.ErrorIs(t, m.WriteContract("nope", Contract{}), taskid.ErrInvalidTaskID)
}

func TestQuestionsAndResult(t *testing.T) {
	m, _ := newTestManager(t, nil)
	path, err := m.Create(context.Background(), idA, workflow.Build)
	require.NoError(t, err)

	_, has := m.Questions(idA)
	assert.False(t, has)

	require.NoError(t, os.WriteFile(filepath.Join(path, QuestionsFile), []byte("\n\t\n"), 0o644))
	_, has = m.Questions(idA)
	assert.False(t, has, "blank file")

	require.NoError(t, os.WriteFile(filepath.Join(path, QuestionsFile), []byte("Which database?\n"), 0o644))
	q, has := m.Questions(idA)
	assert.True(t, has)
	assert.Equal(t, "Which database?\n", q)

	_, has = m.Result(idA)
	assert.False(t, has)
	require.NoError(t, os.WriteFile(filepath.Join(path, ResultFile), []byte("done"), 0o644))
	r, has := m.Result(idA)
	assert.True(t, has)
	assert.Equal(t, "done", r)

	_, has = m.Questions("../" + idA)
	assert.False(t, has)
}

func TestList_EmptyRoot(t *testing.T) {
	m, _ := newTestManager(t, nil)
	all, err := m.List("")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDelete(t *testing.T) {
	log := logging.NewTestLogger()
	cfg := testConfig(t)
	m := NewManager(cfg, log.Underlying())

	_, err := m.Create(context.Background(), idA, workflow.Build)
	require.NoError(t, err)

	require.NoError(t, m.Delete(idA))
	assert.NoDirExists(t, m.Path(idA))
	log.AssertLogged(t, zapcore.InfoLevel, "task context deleted")

	assert.ErrorIs(t, m.Delete(idA), ErrNotFound)
	assert.ErrorIs(t, m.Delete("../../etc"), taskid.ErrInvalidTaskID)
}

func TestCleanup_KeepsMinimum(t *testing.T) {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	m, _ := newTestManager(t, func() time.Time { return clock })
	ctx := context.Background()

	gen := taskid.NewGenerator(1, 9999, taskid.WithClock(func() time.Time { return clock }))
	var ids []string
	for i := 0; i < 12; i++ {
		clock = base.Add(time.Duration(i) * time.Hour)
		id, err := gen.New(workflow.Build, "builder", "task")
		require.NoError(t, err)
		_, err = m.Create(ctx, id, workflow.Build)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	clock = base.Add(30 * 24 * time.Hour)
	deleted, err := m.Cleanup(ctx, 7*24*time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, ids[:2], deleted, "oldest first, stops at keep minimum")

	remaining, err := m.List("")
	require.NoError(t, err)
	assert.Len(t, remaining, 10)
}

func TestCleanup_NeverDeletesFreshContexts(t *testing.T) {
	now := time.Date(2026, 2, 8, 0, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, func() time.Time { return now })
	ctx := context.Background()

	_, err := m.Create(ctx, idA, workflow.Build)
	require.NoError(t, err)
	_, err = m.Create(ctx, idB, workflow.Debug)
	require.NoError(t, err)

	deleted, err := m.Cleanup(ctx, time.Hour, 0)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}
