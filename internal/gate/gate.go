// Package gate decides whether a task may leave a workflow phase.
//
// A check reads the task directory (and optionally a shared docs root),
// evaluates every requirement of the rule for the (workflow, phase) pair and
// reports all failures in one Result. Checks never write to disk and are
// never cached: artifacts may change between calls. A pair without a rule
// passes with the reason "No gate required".
package gate

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/docparse"
	"github.com/fyrsmithlabs/phasegate/internal/taskid"
	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/phasegate/internal/gate"

// NoGateReason is the reason reported for pairs without a rule.
const NoGateReason = "No gate required"

// QualityCheck is one evaluated requirement.
type QualityCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// Result is the outcome of a gate check.
type Result struct {
	Passed           bool              `json:"passed"`
	Reason           string            `json:"reason"`
	MissingArtifacts []string          `json:"missing_artifacts"`
	FoundArtifacts   []string          `json:"found_artifacts"`
	QualityChecks    []QualityCheck    `json:"quality_checks"`
	Workflow         workflow.Workflow `json:"workflow"`
	Phase            workflow.Phase    `json:"phase"`
}

// Failures returns the missing artifacts followed by the details of failed quality checks.
func (r *Result) Failures() []string {
	out := append([]string(nil), r.MissingArtifacts...)
	for _, qc := range r.QualityChecks {
		if !qc.Passed && !contains(out, qc.Detail) {
			out = append(out, qc.Detail)
		}
	}
	return out
}

// Checker evaluates gates. The orchestrator depends on this interface.
type Checker interface {
	Check(ctx context.Context, w workflow.Workflow, p workflow.Phase, taskDir string) *Result
}

// Engine is the rule-table Checker.
type Engine struct {
	rules      map[ruleKey]Rule
	sharedRoot string
	logger     *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter
	checks metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithSharedRoot sets the directory searched by artifact requirements marked Shared.
func WithSharedRoot(dir string) Option {
	return func(e *Engine) { e.sharedRoot = dir }
}

// WithRules adds rules, replacing built-in rules for the same workflow and phase.
func WithRules(rules ...Rule) Option {
	return func(e *Engine) {
		for _, r := range rules {
			e.rules[ruleKey{r.Workflow, r.Phase}] = r
		}
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meter = mp.Meter(instrumentationName) }
}

// NewEngine creates an Engine with the default rules.
func NewEngine(th Thresholds, opts ...Option) *Engine {
	e := &Engine{
		rules:  make(map[ruleKey]Rule),
		logger: zap.NewNop(),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	for _, r := range DefaultRules(th) {
		e.rules[ruleKey{r.Workflow, r.Phase}] = r
	}
	for _, opt := range opts {
		opt(e)
	}

	var err error
	e.checks, err = e.meter.Int64Counter(
		"phasegate.gate.checks_total",
		metric.WithDescription("Total number of gate checks"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		e.logger.Warn("failed to create gate check counter", zap.Error(err))
	}
	return e
}

// NewFromConfig builds an Engine from configuration, loading the rules file if one is set.
func NewFromConfig(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	base := []Option{WithLogger(logger)}
	if cfg.Paths.SharedDocs != "" {
		base = append(base, WithSharedRoot(cfg.Paths.SharedDocs))
	}
	if cfg.Gates.RulesFile != "" {
		rules, err := LoadRules(cfg.Gates.RulesFile)
		if err != nil {
			return nil, err
		}
		base = append(base, WithRules(rules...))
	}
	th := Thresholds{
		MinCodeReviewScore: cfg.Gates.MinCodeReviewScore,
		MinConfidenceScore: cfg.Gates.MinConfidenceScore,
	}
	return NewEngine(th, append(base, opts...)...), nil
}

// Rule returns the rule for a workflow and phase.
func (e *Engine) Rule(w workflow.Workflow, p workflow.Phase) (Rule, bool) {
	r, ok := e.rules[ruleKey{w, p}]
	return r, ok
}

// Check evaluates the gate for leaving phase p of workflow w.
func (e *Engine) Check(ctx context.Context, w workflow.Workflow, p workflow.Phase, taskDir string) *Result {
	_, span := e.tracer.Start(ctx, "gate.check", trace.WithAttributes(
		attribute.String("workflow", string(w)),
		attribute.String("phase", string(p)),
	))
	defer span.End()

	res := &Result{
		MissingArtifacts: []string{},
		FoundArtifacts:   []string{},
		QualityChecks:    []QualityCheck{},
		Workflow:         w,
		Phase:            p,
	}

	rule, ok := e.rules[ruleKey{w, p}]
	if !ok {
		res.Passed = true
		res.Reason = NoGateReason
		e.record(ctx, span, res)
		return res
	}

	info, err := os.Stat(taskDir)
	if err != nil || !info.IsDir() {
		res.MissingArtifacts = append(res.MissingArtifacts, fmt.Sprintf("task directory %s", taskDir))
		res.Reason = fmt.Sprintf("Gate %s/%s failed: task directory %s not found", w, p, taskDir)
		e.record(ctx, span, res)
		return res
	}

	idPrefix := ""
	if id := filepath.Base(taskDir); taskid.Validate(id) {
		idPrefix = id + "_"
	}
	files := listFiles(taskDir, idPrefix)

	var shared []fileEntry
	if e.sharedRoot != "" {
		shared = listFiles(e.sharedRoot, "")
	}

	for _, a := range rule.Artifacts {
		e.checkArtifact(res, a, taskDir, files, shared)
	}
	if len(rule.Fields) > 0 || len(rule.Scores) > 0 {
		doc := e.loadResultDocs(res, taskDir, files)
		for _, f := range rule.Fields {
			checkField(res, doc, f)
		}
		for _, s := range rule.Scores {
			checkScore(res, doc, s)
		}
	}

	failures := res.Failures()
	res.Passed = len(failures) == 0
	if res.Passed {
		res.Reason = fmt.Sprintf("All %d checks passed for %s/%s", len(res.QualityChecks), w, p)
	} else {
		res.Reason = fmt.Sprintf("Gate %s/%s failed: %s", w, p, strings.Join(failures, "; "))
	}

	e.record(ctx, span, res)
	return res
}

func (e *Engine) record(ctx context.Context, span trace.Span, res *Result) {
	span.SetAttributes(
		attribute.Bool("passed", res.Passed),
		attribute.Int("missing_artifacts", len(res.MissingArtifacts)),
	)
	if e.checks != nil {
		e.checks.Add(ctx, 1, metric.WithAttributes(
			attribute.String("workflow", string(res.Workflow)),
			attribute.String("phase", string(res.Phase)),
			attribute.Bool("passed", res.Passed),
		))
	}
	e.logger.Debug("gate checked",
		zap.String("workflow", string(res.Workflow)),
		zap.String("phase", string(res.Phase)),
		zap.Bool("passed", res.Passed),
		zap.Strings("missing", res.MissingArtifacts),
	)
}

func (e *Engine) checkArtifact(res *Result, a ArtifactRequirement, taskDir string, files, shared []fileEntry) {
	var matched []string
	for _, f := range files {
		if f.matchesAny(a.Globs) {
			matched = append(matched, filepath.Join(taskDir, filepath.FromSlash(f.rel)))
			res.FoundArtifacts = append(res.FoundArtifacts, f.rel)
		}
	}
	if a.Shared {
		for _, f := range shared {
			if f.matchesAny(a.Globs) {
				matched = append(matched, filepath.Join(e.sharedRoot, filepath.FromSlash(f.rel)))
				res.FoundArtifacts = append(res.FoundArtifacts, "shared:"+f.rel)
			}
		}
	}

	if len(matched) == 0 {
		detail := fmt.Sprintf("%s: no file matching %s", a.Name, strings.Join(a.Globs, " or "))
		res.MissingArtifacts = append(res.MissingArtifacts, detail)
		res.QualityChecks = append(res.QualityChecks, QualityCheck{Name: a.Name, Passed: false, Detail: detail})
		return
	}
	res.QualityChecks = append(res.QualityChecks, QualityCheck{
		Name:   a.Name,
		Passed: true,
		Detail: fmt.Sprintf("%s: found %d file(s)", a.Name, len(matched)),
	})

	if len(a.Sections) == 0 {
		return
	}
	docs := make([]*docparse.Document, 0, len(matched))
	for _, m := range matched {
		doc, err := docparse.ParseFile(m)
		if err != nil {
			e.logger.Warn("failed to read artifact", zap.String("path", m), zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}
	merged := docparse.Merge(docs...)
	for _, heading := range a.Sections {
		name := fmt.Sprintf("%s: section %q", a.Name, heading)
		if merged.HasSection(heading) {
			res.QualityChecks = append(res.QualityChecks, QualityCheck{Name: name, Passed: true, Detail: name + " present"})
			continue
		}
		detail := fmt.Sprintf("%s: missing section %q", a.Name, heading)
		res.MissingArtifacts = append(res.MissingArtifacts, detail)
		res.QualityChecks = append(res.QualityChecks, QualityCheck{Name: name, Passed: false, Detail: detail})
	}
}

// loadResultDocs merges every result document, highest priority first.
func (e *Engine) loadResultDocs(res *Result, taskDir string, files []fileEntry) *docparse.Document {
	var docs []*docparse.Document
	seen := make(map[string]bool)
	for _, glob := range ResultDocuments {
		for _, f := range files {
			// result globs are anchored at the task root
			if ok, _ := path.Match(glob, f.name); !ok || seen[f.rel] {
				continue
			}
			seen[f.rel] = true
			doc, err := docparse.ParseFile(filepath.Join(taskDir, filepath.FromSlash(f.rel)))
			if err != nil {
				e.logger.Warn("failed to read result document", zap.String("path", f.rel), zap.Error(err))
				continue
			}
			docs = append(docs, doc)
			if !contains(res.FoundArtifacts, f.rel) {
				res.FoundArtifacts = append(res.FoundArtifacts, f.rel)
			}
		}
	}
	return docparse.Merge(docs...)
}

func checkField(res *Result, doc *docparse.Document, f FieldRequirement) {
	value, ok := doc.Field(f.Key)
	if !ok || value == "" {
		detail := fmt.Sprintf("%s: field not found", f.Key)
		res.MissingArtifacts = append(res.MissingArtifacts, detail)
		res.QualityChecks = append(res.QualityChecks, QualityCheck{Name: f.Key, Passed: false, Detail: detail})
		return
	}
	if len(f.Equals) == 0 {
		res.QualityChecks = append(res.QualityChecks, QualityCheck{Name: f.Key, Passed: true, Detail: fmt.Sprintf("%s: %s", f.Key, value)})
		return
	}
	if docparse.MatchesAny(value, f.Equals...) {
		res.QualityChecks = append(res.QualityChecks, QualityCheck{Name: f.Key, Passed: true, Detail: fmt.Sprintf("%s: %s", f.Key, value)})
		return
	}
	res.QualityChecks = append(res.QualityChecks, QualityCheck{
		Name:   f.Key,
		Passed: false,
		Detail: fmt.Sprintf("%s: %s (expected %s)", f.Key, value, f.Equals[0]),
	})
}

func checkScore(res *Result, doc *docparse.Document, s ScoreRequirement) {
	value, ok := doc.Field(s.Key)
	if !ok || value == "" {
		detail := fmt.Sprintf("%s: field not found", s.Key)
		res.MissingArtifacts = append(res.MissingArtifacts, detail)
		res.QualityChecks = append(res.QualityChecks, QualityCheck{Name: s.Key, Passed: false, Detail: detail})
		return
	}
	n, ok := docparse.ParseScore(value)
	if !ok {
		res.QualityChecks = append(res.QualityChecks, QualityCheck{
			Name:   s.Key,
			Passed: false,
			Detail: fmt.Sprintf("%s: %q is not a number", s.Key, value),
		})
		return
	}
	if n < s.Min {
		res.QualityChecks = append(res.QualityChecks, QualityCheck{
			Name:   s.Key,
			Passed: false,
			Detail: fmt.Sprintf("%s: %d (< %d, minimum required)", s.Key, n, s.Min),
		})
		return
	}
	res.QualityChecks = append(res.QualityChecks, QualityCheck{
		Name:   s.Key,
		Passed: true,
		Detail: fmt.Sprintf("%s: %d (>= %d)", s.Key, n, s.Min),
	})
}

// fileEntry is a file under a root. name is rel with the task id prefix removed
// from the base name, so "*plan*.md" does not match every file of a PLAN task.
type fileEntry struct {
	rel  string
	name string
}

func (f fileEntry) matches(glob string) bool {
	if ok, _ := path.Match(glob, f.name); ok {
		return true
	}
	if !strings.Contains(glob, "/") {
		ok, _ := path.Match(glob, path.Base(f.name))
		return ok
	}
	return false
}

func (f fileEntry) matchesAny(globs []string) bool {
	for _, g := range globs {
		if f.matches(g) {
			return true
		}
	}
	return false
}

// listFiles returns regular files under root as sorted slash paths.
func listFiles(root, idPrefix string) []fileEntry {
	var out []fileEntry
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		name := rel
		if idPrefix != "" {
			dir, base := path.Split(rel)
			name = dir + strings.TrimPrefix(base, idPrefix)
		}
		out = append(out, fileEntry{rel: rel, name: name})
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].rel < out[j].rel })
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
