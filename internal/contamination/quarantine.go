package contamination

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/fsutil"
)

const manifestSuffix = ".manifest.json"

var (
	// ErrNothingToQuarantine is returned for events without an existing file.
	ErrNothingToQuarantine = errors.New("event has no file to quarantine")
	// ErrRestoreConflict is returned when the original location is occupied again.
	ErrRestoreConflict = errors.New("original path already exists")
	// ErrRestoreTarget is returned when a manifest names a location outside
	// the task contexts and shared memory.
	ErrRestoreTarget = errors.New("restore target outside task contexts and shared memory")
)

// Manifest links a quarantined file to the event that caused it.
type Manifest struct {
	ID             string    `json:"id"`
	OriginalPath   string    `json:"original_path"`
	QuarantinePath string    `json:"quarantine_path"`
	Event          Event     `json:"event"`
	QuarantinedAt  time.Time `json:"quarantined_at"`
	// ManifestPath is where this manifest lives; derived, not persisted.
	ManifestPath string `json:"-"`
}

// Quarantine moves the file named by ev into the quarantine directory and
// writes a manifest next to it. The file is never deleted.
func (d *Detector) Quarantine(ev Event) (*Manifest, error) {
	if ev.Path == "" || !fsutil.Exists(ev.Path) {
		return nil, fmt.Errorf("%w: %s", ErrNothingToQuarantine, ev.Path)
	}
	info, err := os.Stat(ev.Path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNothingToQuarantine, ev.Path)
	}

	dir := d.paths.QuarantineDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create quarantine directory: %w", err)
	}

	now := d.now().UTC()
	id := uuid.NewString()
	name := fmt.Sprintf("%s_%s_%s_%s", now.Format("20060102_150405"), ev.Type, id[:8], filepath.Base(ev.Path))
	m := &Manifest{
		ID:             id,
		OriginalPath:   ev.Path,
		QuarantinePath: filepath.Join(dir, name),
		Event:          ev,
		QuarantinedAt:  now,
		ManifestPath:   filepath.Join(dir, name+manifestSuffix),
	}

	// The manifest is written before the move so a moved file always has one.
	if err := fsutil.WriteJSON(m.ManifestPath, m); err != nil {
		return nil, fmt.Errorf("failed to write quarantine manifest: %w", err)
	}
	if err := fsutil.MoveFile(ev.Path, m.QuarantinePath); err != nil {
		_ = os.Remove(m.ManifestPath)
		return nil, fmt.Errorf("failed to quarantine %s: %w", ev.Path, err)
	}

	d.mu.Lock()
	d.quarantined = append(d.quarantined, *m)
	d.mu.Unlock()

	d.logger.Warn("file quarantined",
		zap.String("manifest_id", m.ID),
		zap.String("event_id", ev.ID),
		zap.String("task_id", ev.TaskID),
		zap.String("from", m.OriginalPath),
		zap.String("to", m.QuarantinePath),
	)
	return m, nil
}

// autoQuarantine quarantines high and critical events whose file is still in place.
func (d *Detector) autoQuarantine(events []Event) {
	for _, ev := range events {
		if !ev.Severity.AtLeast(SeverityHigh) || ev.Path == "" || !fsutil.Exists(ev.Path) {
			continue
		}
		if _, err := d.Quarantine(ev); err != nil {
			d.logger.Error("auto-quarantine failed", zap.String("path", ev.Path), zap.Error(err))
		}
	}
}

// Restore moves a quarantined file back to its original location and removes the manifest.
func (d *Detector) Restore(manifestPath string) (*Manifest, error) {
	var m Manifest
	if err := fsutil.ReadJSON(manifestPath, &m); err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", manifestPath, err)
	}
	m.ManifestPath = manifestPath

	if !fsutil.IsSubpath(m.QuarantinePath, d.paths.QuarantineDir()) {
		return nil, fmt.Errorf("manifest %s points outside the quarantine directory", manifestPath)
	}
	if !d.restorable(m.OriginalPath) {
		return nil, fmt.Errorf("%w: %s", ErrRestoreTarget, m.OriginalPath)
	}
	if fsutil.Exists(m.OriginalPath) {
		return nil, fmt.Errorf("%w: %s", ErrRestoreConflict, m.OriginalPath)
	}
	if err := os.MkdirAll(filepath.Dir(m.OriginalPath), 0o755); err != nil {
		return nil, err
	}
	if err := fsutil.MoveFile(m.QuarantinePath, m.OriginalPath); err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", m.OriginalPath, err)
	}
	if err := os.Remove(manifestPath); err != nil {
		d.logger.Warn("restored file but could not remove manifest", zap.String("manifest", manifestPath), zap.Error(err))
	}

	d.logger.Info("file restored from quarantine",
		zap.String("manifest_id", m.ID),
		zap.String("path", m.OriginalPath),
	)
	return &m, nil
}

// restorable reports whether path lies inside a task context or shared memory.
// The quarantine directory itself sits under the tasks root and is excluded.
func (d *Detector) restorable(path string) bool {
	abs := func(p string) string {
		if a, err := filepath.Abs(p); err == nil {
			return a
		}
		return filepath.Clean(p)
	}
	target := abs(path)
	quarantine := abs(d.paths.QuarantineDir())
	if target == quarantine || fsutil.IsSubpath(target, quarantine) {
		return false
	}
	return fsutil.IsSubpath(target, abs(d.paths.TasksRoot())) ||
		fsutil.IsSubpath(target, abs(d.paths.MemoryDir()))
}

// RestoreByID restores the quarantined file whose manifest has the given id.
func (d *Detector) RestoreByID(id string) (*Manifest, error) {
	manifests, err := d.Manifests()
	if err != nil {
		return nil, err
	}
	for _, m := range manifests {
		if m.ID == id {
			return d.Restore(m.ManifestPath)
		}
	}
	return nil, fmt.Errorf("no quarantine manifest with id %s", id)
}

// Manifests lists every manifest in the quarantine directory, oldest first.
func (d *Detector) Manifests() ([]Manifest, error) {
	dir := d.paths.QuarantineDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Manifest
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), manifestSuffix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		var m Manifest
		if err := fsutil.ReadJSON(path, &m); err != nil {
			d.logger.Warn("unreadable quarantine manifest", zap.String("path", path), zap.Error(err))
			continue
		}
		m.ManifestPath = path
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuarantinedAt.Before(out[j].QuarantinedAt) })
	return out, nil
}

// Quarantined returns the manifests written by this detector since it was created.
func (d *Detector) Quarantined() []Manifest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Manifest, len(d.quarantined))
	copy(out, d.quarantined)
	return out
}
