// Package taskcontext provisions and retires the isolated directory tree each task works in.
//
// Layout of one context:
//
//	{base}/{tasks}/{task_id}/
//	    {task_id}_metadata.json
//	    {task_id}_tech-stack.md   read-only copies of shared documents
//	    contract.md status.md      delegation handed to the agent
//	    questions.md result.md     written by the agent
//	    memory/ requirements/ workspace/ artifacts/ status/ checkpoints/ logs/
//
// Manager.Delete is the only code path that removes a context.
package taskcontext

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/docparse"
	"github.com/fyrsmithlabs/phasegate/internal/fsutil"
	"github.com/fyrsmithlabs/phasegate/internal/taskid"
	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

// Subdirectories created in every context.
var Subdirs = []string{"memory", "requirements", "workspace", "artifacts", "status", "checkpoints", "logs"}

// DefaultStatus is reported for contexts without a status document.
const DefaultStatus = "initialized"

// Unprefixed files at the context root shared between coordinator and agent.
const (
	ContractFile   = "contract.md"
	RootStatusFile = "status.md"
	QuestionsFile  = "questions.md"
	ResultFile     = "result.md"
)

var (
	// ErrContextExists is returned when creating over an existing context.
	ErrContextExists = errors.New("task context already exists")
	// ErrNotFound is returned for unknown task contexts.
	ErrNotFound = errors.New("task context not found")
)

// Metadata is persisted as {task_id}_metadata.json.
type Metadata struct {
	TaskID           string            `json:"task_id"`
	Workflow         workflow.Workflow `json:"workflow_type"`
	CreatedAt        time.Time         `json:"created_at"`
	ContextPath      string            `json:"context_path"`
	IsolationEnabled bool              `json:"isolation_enabled"`
	StrictMode       bool              `json:"strict_mode"`
	Directories      map[string]string `json:"directory_structure"`
	SharedCopies     []string          `json:"shared_copies"`
	// Status is filled in by List and Get from the status document; it is not persisted.
	Status string `json:"status,omitempty"`
}

// Context is a provisioned task context.
type Context struct {
	TaskID   string
	Path     string
	Metadata Metadata
}

// Manager creates, lists and deletes task contexts.
type Manager struct {
	paths     config.PathsConfig
	isolation config.IsolationConfig
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager rooted at cfg.Paths.
func NewManager(cfg *config.Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		paths:     cfg.Paths,
		isolation: cfg.Isolation,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TasksRoot returns the directory holding every context.
func (m *Manager) TasksRoot() string { return m.paths.TasksRoot() }

// Path returns the context directory for taskID without checking it exists.
func (m *Manager) Path(taskID string) string { return filepath.Join(m.TasksRoot(), taskID) }

// Create provisions the context for taskID and returns its path.
func (m *Manager) Create(ctx context.Context, taskID string, w workflow.Workflow) (string, error) {
	if !taskid.Validate(taskID) {
		return "", fmt.Errorf("%w: %q", taskid.ErrInvalidTaskID, taskID)
	}
	if _, err := workflow.ParseWorkflow(string(w)); err != nil {
		return "", err
	}

	path := m.Path(taskID)
	if fsutil.Exists(path) {
		return "", fmt.Errorf("%w: %s", ErrContextExists, taskID)
	}

	now := m.now().UTC()
	if err := m.createTree(path, taskID, now); err != nil {
		m.rollback(path)
		return "", err
	}
	copies, err := m.copySharedDocs(path, taskID)
	if err != nil {
		m.rollback(path)
		return "", err
	}
	if err := m.writeSeeds(path, taskID, w, now); err != nil {
		m.rollback(path)
		return "", err
	}

	meta := Metadata{
		TaskID:           taskID,
		Workflow:         w,
		CreatedAt:        now,
		ContextPath:      path,
		IsolationEnabled: m.isolation.Enabled,
		StrictMode:       m.isolation.StrictMode,
		Directories:      make(map[string]string, len(Subdirs)+1),
		SharedCopies:     copies,
	}
	meta.Directories["base"] = path
	for _, d := range Subdirs {
		meta.Directories[d] = filepath.Join(path, d)
	}
	if err := fsutil.WriteJSON(metadataPath(path, taskID), meta); err != nil {
		m.rollback(path)
		return "", err
	}

	m.logger.Info("task context created",
		zap.String("task_id", taskID),
		zap.String("workflow", string(w)),
		zap.String("path", path),
		zap.Int("shared_copies", len(copies)),
	)
	return path, nil
}

func (m *Manager) createTree(path, taskID string, now time.Time) error {
	for _, d := range Subdirs {
		dir := filepath.Join(path, d)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		data := newSeedData(taskID, "", path, m.isolation.RootAllowlist, now)
		data.Dir = d
		readme, err := renderSeed("readme", data)
		if err != nil {
			return err
		}
		if err := fsutil.WriteFileAtomic(filepath.Join(dir, taskID+"_README.md"), readme, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// copySharedDocs copies each configured shared template that exists into the task root.
func (m *Manager) copySharedDocs(path, taskID string) ([]string, error) {
	var copies []string
	for _, name := range m.isolation.SharedTemplates {
		src := filepath.Join(m.paths.MetaDir(), name)
		if !fsutil.Exists(src) {
			continue
		}
		dst := filepath.Join(path, taskID+"_"+name)
		if err := fsutil.CopyReadOnly(src, dst); err != nil {
			return nil, fmt.Errorf("failed to copy %s: %w", name, err)
		}
		copies = append(copies, filepath.Base(dst))
	}
	return copies, nil
}

func (m *Manager) writeSeeds(path, taskID string, w workflow.Workflow, now time.Time) error {
	data := newSeedData(taskID, string(w), path, m.isolation.RootAllowlist, now)
	seeds := map[string]string{
		"active_context": filepath.Join(path, "memory", taskID+"_active_context.md"),
		"progress":       filepath.Join(path, "memory", taskID+"_progress.md"),
		"patterns":       filepath.Join(path, "memory", taskID+"_patterns.md"),
		"status":         statusPath(path, taskID),
	}
	for name, dst := range seeds {
		content, err := renderSeed(name, data)
		if err != nil {
			return fmt.Errorf("failed to render %s: %w", name, err)
		}
		if err := fsutil.WriteFileAtomic(dst, content, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) rollback(path string) {
	if err := fsutil.SafeRemoveAll(path, m.TasksRoot()); err != nil {
		m.logger.Warn("failed to roll back partial task context", zap.String("path", path), zap.Error(err))
	}
}

// Get returns the context for taskID.
func (m *Manager) Get(taskID string) (*Context, error) {
	if !taskid.Validate(taskID) {
		return nil, fmt.Errorf("%w: %q", taskid.ErrInvalidTaskID, taskID)
	}
	path := m.Path(taskID)
	var meta Metadata
	if err := fsutil.ReadJSON(metadataPath(path, taskID), &meta); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return nil, err
	}
	meta.Status = m.Status(taskID)
	return &Context{TaskID: taskID, Path: path, Metadata: meta}, nil
}

// Status reads the Status field of status/{task_id}_status.md, defaulting to DefaultStatus.
func (m *Manager) Status(taskID string) string {
	doc, err := docparse.ParseFile(statusPath(m.Path(taskID), taskID))
	if err != nil {
		return DefaultStatus
	}
	if v, ok := doc.Field("status"); ok && v != "" {
		return strings.ToLower(v)
	}
	return DefaultStatus
}

// SetStatus rewrites the status document with status.
func (m *Manager) SetStatus(taskID, status string) error {
	if !taskid.Validate(taskID) {
		return fmt.Errorf("%w: %q", taskid.ErrInvalidTaskID, taskID)
	}
	path := m.Path(taskID)
	if !fsutil.Exists(path) {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	content := fmt.Sprintf("# Status\n\nStatus: %s\nUpdated: %s\n", status, m.now().UTC().Format(time.RFC3339))
	return fsutil.WriteFileAtomic(statusPath(path, taskID), []byte(content), 0o644)
}

// Contract is the delegation written to contract.md when a task is created.
type Contract struct {
	Agent        string
	Workflow     string
	Phase        string
	Objective    string
	Requirements string
	Criteria     []string
	ContextFiles []string
}

// WriteContract writes contract.md and a PENDING status.md at the root of the
// context of taskID.
func (m *Manager) WriteContract(taskID string, c Contract) error {
	if !taskid.Validate(taskID) {
		return fmt.Errorf("%w: %q", taskid.ErrInvalidTaskID, taskID)
	}
	path := m.Path(taskID)
	if !fsutil.Exists(path) {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	data := contractData{Contract: c, TaskID: taskID, CreatedAt: m.now().UTC().Format(time.RFC3339)}
	for name, file := range map[string]string{"contract": ContractFile, "root_status": RootStatusFile} {
		content, err := renderContract(name, data)
		if err != nil {
			return fmt.Errorf("failed to render %s: %w", file, err)
		}
		if err := fsutil.WriteFileAtomic(filepath.Join(path, file), content, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Questions returns the content of questions.md when the agent has written a
// non-empty one.
func (m *Manager) Questions(taskID string) (string, bool) {
	return m.readRootDoc(taskID, QuestionsFile)
}

// Result returns the content of result.md when it is non-empty.
func (m *Manager) Result(taskID string) (string, bool) {
	return m.readRootDoc(taskID, ResultFile)
}

func (m *Manager) readRootDoc(taskID, name string) (string, bool) {
	if !taskid.Validate(taskID) {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(m.Path(taskID), name))
	if err != nil || strings.TrimSpace(string(data)) == "" {
		return "", false
	}
	return string(data), true
}

// List returns the metadata of every context, optionally filtered by status.
// Directories without readable metadata are skipped.
func (m *Manager) List(statusFilter string) ([]Metadata, error) {
	entries, err := os.ReadDir(m.TasksRoot())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tasks root: %w", err)
	}

	var out []Metadata
	for _, e := range entries {
		if !e.IsDir() || !taskid.Validate(e.Name()) {
			continue
		}
		c, err := m.Get(e.Name())
		if err != nil {
			m.logger.Debug("skipping task directory", zap.String("task_id", e.Name()), zap.Error(err))
			continue
		}
		if statusFilter != "" && !strings.EqualFold(c.Metadata.Status, statusFilter) {
			continue
		}
		out = append(out, c.Metadata)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out, nil
}

// Delete removes the context for taskID. It refuses to touch anything outside the tasks root.
func (m *Manager) Delete(taskID string) error {
	if !taskid.Validate(taskID) {
		return fmt.Errorf("%w: %q", taskid.ErrInvalidTaskID, taskID)
	}
	path := m.Path(taskID)
	if !fsutil.Exists(path) {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err := fsutil.SafeRemoveAll(path, m.TasksRoot()); err != nil {
		return fmt.Errorf("failed to delete task context %s: %w", taskID, err)
	}
	m.logger.Info("task context deleted", zap.String("task_id", taskID))
	return nil
}

// Cleanup deletes contexts older than maxAge, oldest first, but never leaves
// fewer than keepMinimum contexts behind. It returns the deleted task ids.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration, keepMinimum int) ([]string, error) {
	all, err := m.List("")
	if err != nil {
		return nil, err
	}

	deletable := len(all) - keepMinimum
	if deletable <= 0 {
		return nil, nil
	}

	cutoff := m.now().Add(-maxAge)
	var (
		deleted []string
		errs    []error
	)
	for _, meta := range all {
		if len(deleted) >= deletable {
			break
		}
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if !meta.CreatedAt.Before(cutoff) {
			continue
		}
		if err := m.Delete(meta.TaskID); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, meta.TaskID)
	}

	if len(deleted) > 0 {
		m.logger.Info("cleaned up task contexts", zap.Int("deleted", len(deleted)), zap.Int("remaining", len(all)-len(deleted)))
	}
	return deleted, errors.Join(errs...)
}

func metadataPath(path, taskID string) string {
	return filepath.Join(path, taskID+"_metadata.json")
}

func statusPath(path, taskID string) string {
	return filepath.Join(path, "status", taskID+"_status.md")
}
