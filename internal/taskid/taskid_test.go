package taskid

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

func fixedClock() func() time.Time {
	ts := time.Date(2026, 2, 8, 14, 30, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestGenerator_New(t *testing.T) {
	g := NewGenerator(1, 9999, WithClock(fixedClock()))

	id, err := g.New(workflow.Build, "Builder", "add login")
	require.NoError(t, err)
	assert.Regexp(t, `^build_20260208_143000_builder_[0-9a-f]{8}_0001$`, id)
	assert.True(t, Validate(id))

	parsed, err := Parse(id)
	require.NoError(t, err)
	assert.Equal(t, workflow.Build, parsed.Workflow)
	assert.Equal(t, "builder", parsed.Role)
	assert.Equal(t, 1, parsed.Counter)
	assert.Equal(t, time.Date(2026, 2, 8, 14, 30, 0, 0, time.UTC), parsed.CreatedAt)
	assert.Equal(t, id, parsed.String())
}

func TestGenerator_HashIsDeterministic(t *testing.T) {
	a := NewGenerator(1, 9999, WithClock(fixedClock()))
	b := NewGenerator(1, 9999, WithClock(fixedClock()))

	idA, err := a.New(workflow.Debug, "debugger", "fix crash")
	require.NoError(t, err)
	idB, err := b.New(workflow.Debug, "debugger", "fix crash")
	require.NoError(t, err)
	assert.Equal(t, idA, idB)

	idC, err := b.New(workflow.Debug, "debugger", "fix other crash")
	require.NoError(t, err)
	pa, _ := Parse(idA)
	pc, _ := Parse(idC)
	assert.NotEqual(t, pa.Hash, pc.Hash)
}

func TestGenerator_CounterWraps(t *testing.T) {
	g := NewGenerator(1, 3, WithClock(fixedClock()))
	var counters []int
	for i := 0; i < 5; i++ {
		id, err := g.New(workflow.Plan, "planner", "x")
		require.NoError(t, err)
		p, err := Parse(id)
		require.NoError(t, err)
		counters = append(counters, p.Counter)
	}
	assert.Equal(t, []int{1, 2, 3, 1, 2}, counters)
}

func TestGenerator_ConcurrentUnique(t *testing.T) {
	g := NewGenerator(1, 100000, WithClock(fixedClock()))
	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := g.New(workflow.Review, "reviewer", "same")
			assert.NoError(t, err)
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}

func TestGenerator_UnknownWorkflow(t *testing.T) {
	g := NewGenerator(1, 9999)
	_, err := g.New("DEPLOY", "x", "y")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"build_20260208_143000_builder_3fa9c0d1_0001", true},
		{"plan_20260208_143000_planner_00000000_12345", true},
		{"BUILD_20260208_143000_builder_3fa9c0d1_0001", false},
		{"deploy_20260208_143000_builder_3fa9c0d1_0001", false},
		{"build_2026028_143000_builder_3fa9c0d1_0001", false},
		{"build_20260208_143000_code-reviewer_3fa9c0d1_0001", false},
		{"build_20260208_143000_builder_3fa9c0d_0001", false},
		{"build_20260208_143000_builder_3fa9c0d1_001", false},
		{"build_20261308_143000_builder_3fa9c0d1_0001", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Validate(tt.id), tt.id)
	}

	_, err := Parse("nope")
	assert.ErrorIs(t, err, ErrInvalidTaskID)
}

func TestFindAll(t *testing.T) {
	a := "build_20260208_143000_builder_3fa9c0d1_0001"
	b := "debug_20260208_150000_debugger_0badc0de_0002"

	text := "see " + a + "_notes.md and tasks/" + b + "/memory, again " + a
	assert.Equal(t, []string{a, b}, FindAll(text))
	assert.Empty(t, FindAll("nothing here"))
	assert.Empty(t, FindAll("x"+a), "glued prefix is not an id")
}

func TestNormalizeRole(t *testing.T) {
	assert.Equal(t, "codereviewer", NormalizeRole("Code-Reviewer"))
	assert.Equal(t, "agent", NormalizeRole("123"))
}
