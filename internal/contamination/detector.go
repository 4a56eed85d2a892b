// Package contamination audits task contexts for isolation violations.
//
// A task's subtree may only hold files carrying the task's own identifier as a
// prefix (apart from a small root allowlist), must not reference other tasks,
// and the shared memory area must never hold per-task files. Violations are
// reported as Events; high and critical events can be quarantined, which moves
// the offending file aside together with a manifest that allows restoring it.
package contamination

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/taskid"
)

const instrumentationName = "github.com/fyrsmithlabs/phasegate/internal/contamination"

// SharedMemoryKey is the ScanAll key holding shared memory findings.
const SharedMemoryKey = "shared_memory"

type forbiddenRule struct {
	pattern string
	re      *regexp.Regexp
}

// Detector scans task contexts and the shared memory area.
type Detector struct {
	paths     config.PathsConfig
	isolation config.IsolationConfig
	cfg       config.ContaminationConfig
	forbidden []forbiddenRule
	secrets   SecretScanner
	logger    *zap.Logger
	now       func() time.Time

	tracer        trace.Tracer
	eventsCounter metric.Int64Counter

	mu          sync.Mutex
	quarantined []Manifest
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithSecretScanner replaces the gitleaks scanner.
func WithSecretScanner(s SecretScanner) Option {
	return func(d *Detector) { d.secrets = s }
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Detector) { d.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider sets the meter provider used for event counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(d *Detector) { d.initMetrics(mp.Meter(instrumentationName)) }
}

// NewDetector creates a Detector. Forbidden patterns must already be valid;
// config.Validate checks them.
func NewDetector(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{
		paths:     cfg.Paths,
		isolation: cfg.Isolation,
		cfg:       cfg.Contamination,
		logger:    logger,
		now:       time.Now,
		tracer:    otel.Tracer(instrumentationName),
	}
	for _, p := range cfg.Contamination.ForbiddenPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid forbidden pattern %q: %w", p, err)
		}
		d.forbidden = append(d.forbidden, forbiddenRule{pattern: p, re: re})
	}
	if cfg.Contamination.DetectSecrets {
		d.secrets = NewGitleaksScanner()
	}
	d.initMetrics(otel.Meter(instrumentationName))

	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Detector) initMetrics(meter metric.Meter) {
	var err error
	d.eventsCounter, err = meter.Int64Counter(
		"phasegate.contamination.events_total",
		metric.WithDescription("Contamination events detected"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		d.logger.Warn("failed to create contamination events counter", zap.Error(err))
	}
}

// ValidateIDFormat reports whether id is a well-formed task identifier.
func ValidateIDFormat(id string) bool {
	return taskid.Validate(id)
}

// ScanTask walks the context of taskID and returns every violation found.
// When auto-quarantine is enabled, high and critical offenders are moved aside.
func (d *Detector) ScanTask(ctx context.Context, taskID string) ([]Event, error) {
	ctx, span := d.tracer.Start(ctx, "contamination.scan_task",
		trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	if !taskid.Validate(taskID) {
		err := fmt.Errorf("%w: %q", taskid.ErrInvalidTaskID, taskID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid task id")
		return nil, err
	}

	root := filepath.Join(d.paths.TasksRoot(), taskID)
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		ev := newEvent(TypeDirectoryMissing, SeverityWarning, taskID, root,
			fmt.Sprintf("Task directory not found: %s", root), d.now())
		d.record(ctx, []Event{ev})
		return []Event{ev}, nil
	}

	var events []Event
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if entry.IsDir() {
			return nil
		}
		events = append(events, d.checkTaskFile(taskID, root, path)...)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		return events, fmt.Errorf("failed to scan task %s: %w", taskID, err)
	}

	if d.cfg.AutoQuarantine {
		d.autoQuarantine(events)
	}

	span.SetAttributes(attribute.Int("events", len(events)))
	d.record(ctx, events)
	return events, nil
}

// checkTaskFile applies the per-file rules to one file of taskID's subtree.
func (d *Detector) checkTaskFile(taskID, root, path string) []Event {
	var events []Event
	now := d.now()
	rel, _ := filepath.Rel(d.paths.TasksRoot(), path)
	relToTask, _ := filepath.Rel(root, path)
	name := filepath.Base(path)

	if !d.hasValidName(taskID, relToTask, name) {
		events = append(events, newEvent(TypeMissingPrefix, SeverityHigh, taskID, path,
			fmt.Sprintf("File missing task ID prefix: %s", rel), now))
	}

	for _, ref := range taskid.FindAll(filepath.ToSlash(relToTask)) {
		if ref == taskID {
			continue
		}
		ev := newEvent(TypeCrossTaskReference, SeverityMedium, taskID, path,
			fmt.Sprintf("Cross-task file reference to %s: %s", ref, rel), now)
		ev.Reference = ref
		events = append(events, ev)
	}

	for _, rule := range d.forbidden {
		if rule.re.MatchString(filepath.ToSlash(rel)) {
			ev := newEvent(TypeForbiddenPattern, SeverityHigh, taskID, path,
				fmt.Sprintf("Forbidden file pattern %s: %s", rule.pattern, rel), now)
			ev.Pattern = rule.pattern
			events = append(events, ev)
		}
	}

	if d.cfg.ScanContent && d.scannable(path) {
		events = append(events, d.checkContent(taskID, path, rel, relToTask, now)...)
	}
	return events
}

// hasValidName: files at the task root may be allowlisted; everything else needs the prefix.
func (d *Detector) hasValidName(taskID, relToTask, name string) bool {
	if strings.HasPrefix(name, taskID+"_") {
		return true
	}
	if filepath.Dir(relToTask) != "." {
		return false
	}
	for _, allowed := range d.isolation.RootAllowlist {
		if name == allowed {
			return true
		}
	}
	return false
}

func (d *Detector) scannable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if d.cfg.MaxContentBytes > 0 && info.Size() > d.cfg.MaxContentBytes {
		return false
	}
	if len(d.cfg.ContentExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range d.cfg.ContentExtensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// checkContent looks for foreign task ids and secrets inside a file.
// References already reported through the path are not reported twice.
func (d *Detector) checkContent(taskID, path, rel, relToTask string, now time.Time) []Event {
	data, err := os.ReadFile(path)
	if err != nil {
		d.logger.Debug("skipping unreadable file", zap.String("path", path), zap.Error(err))
		return nil
	}
	content := string(data)

	var events []Event
	var refs []string
	if !d.referenceExempt(taskID, relToTask) {
		refs = taskid.FindAll(content)
	}
	inPath := taskid.FindAll(filepath.ToSlash(relToTask))
	for _, ref := range refs {
		if ref == taskID || contains(inPath, ref) {
			continue
		}
		ev := newEvent(TypeCrossTaskReference, SeverityMedium, taskID, path,
			fmt.Sprintf("Reference to task %s inside %s", ref, rel), now)
		ev.Reference = ref
		events = append(events, ev)
	}

	if d.secrets != nil {
		findings, err := d.secrets.Scan(content)
		if err != nil {
			d.logger.Warn("secret scan failed", zap.String("path", path), zap.Error(err))
			return events
		}
		for _, f := range findings {
			ev := newEvent(TypeForbiddenPattern, SeverityHigh, taskID, path,
				fmt.Sprintf("Possible secret (%s) in %s:%d", f.RuleID, rel, f.Line), now)
			ev.Pattern = f.RuleID
			ev.Line = f.Line
			events = append(events, ev)
		}
	}
	return events
}

// referenceExempt reports whether a root file of taskID carries the user
// request and may therefore name other tasks.
func (d *Detector) referenceExempt(taskID, relToTask string) bool {
	if filepath.Dir(relToTask) != "." {
		return false
	}
	name := strings.TrimPrefix(relToTask, taskID+"_")
	return contains(d.cfg.ReferenceExempt, name)
}

// ScanShared reports task-bearing files inside the shared memory area.
func (d *Detector) ScanShared(ctx context.Context) ([]Event, error) {
	ctx, span := d.tracer.Start(ctx, "contamination.scan_shared")
	defer span.End()

	root := d.paths.MemoryDir()
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	var events []Event
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if entry.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		ids := taskid.FindAll(filepath.ToSlash(rel))
		if len(ids) == 0 {
			return nil
		}
		ev := newEvent(TypeTaskFileInShared, SeverityCritical, ids[0], path,
			fmt.Sprintf("Task-specific file in shared memory: %s", rel), d.now())
		ev.Reference = ids[0]
		events = append(events, ev)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return events, fmt.Errorf("failed to scan shared memory: %w", err)
	}

	if d.cfg.AutoQuarantine {
		d.autoQuarantine(events)
	}
	d.record(ctx, events)
	return events, nil
}

// ScanAll scans every task directory under the tasks root plus the shared memory area.
// Every scanned task has an entry, possibly empty; SharedMemoryKey is present only when
// the shared area has findings.
func (d *Detector) ScanAll(ctx context.Context) (map[string][]Event, error) {
	ctx, span := d.tracer.Start(ctx, "contamination.scan_all")
	defer span.End()

	out := make(map[string][]Event)
	entries, err := os.ReadDir(d.paths.TasksRoot())
	if err != nil && !os.IsNotExist(err) {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read tasks root: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() || !taskid.Validate(e.Name()) {
			continue
		}
		events, err := d.ScanTask(ctx, e.Name())
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			d.logger.Warn("task scan failed", zap.String("task_id", e.Name()), zap.Error(err))
		}
		out[e.Name()] = events
	}

	shared, err := d.ScanShared(ctx)
	if err != nil {
		d.logger.Warn("shared memory scan failed", zap.Error(err))
	}
	if len(shared) > 0 {
		out[SharedMemoryKey] = shared
	}
	return out, nil
}

func (d *Detector) record(ctx context.Context, events []Event) {
	for _, ev := range events {
		if d.eventsCounter != nil {
			d.eventsCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("type", string(ev.Type)),
				attribute.String("severity", string(ev.Severity)),
			))
		}
		level := zap.InfoLevel
		if ev.Severity.AtLeast(SeverityHigh) {
			level = zap.WarnLevel
		}
		d.logger.Check(level, "contamination detected").Write(
			zap.String("event_id", ev.ID),
			zap.String("task_id", ev.TaskID),
			zap.String("type", string(ev.Type)),
			zap.String("severity", string(ev.Severity)),
			zap.String("path", ev.Path),
		)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
