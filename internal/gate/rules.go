package gate

import (
	"fmt"

	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

// Rule is the set of requirements a task must meet before leaving a phase.
type Rule struct {
	Workflow    workflow.Workflow     `toml:"workflow"`
	Phase       workflow.Phase        `toml:"phase"`
	Description string                `toml:"description"`
	Artifacts   []ArtifactRequirement `toml:"artifact"`
	Fields      []FieldRequirement    `toml:"field"`
	Scores      []ScoreRequirement    `toml:"score"`
}

// ArtifactRequirement demands a file matching one of Globs, optionally with non-empty Sections.
//
// Globs are matched against paths relative to the task directory. A glob
// without a separator also matches a base name anywhere in the tree.
type ArtifactRequirement struct {
	Name     string   `toml:"name"`
	Globs    []string `toml:"globs"`
	Sections []string `toml:"sections"`
	// Shared also searches the shared docs root.
	Shared bool `toml:"shared"`
}

// FieldRequirement demands a key/value line in the task's result documents.
// An empty Equals only requires the field to be present and non-empty.
type FieldRequirement struct {
	Key    string   `toml:"key"`
	Equals []string `toml:"equals"`
}

// ScoreRequirement demands an integer field at or above Min.
type ScoreRequirement struct {
	Key string `toml:"key"`
	Min int    `toml:"min"`
}

// ResultDocuments are the globs searched for fields and scores, in priority order.
var ResultDocuments = []string{
	"result.md",
	"status.md",
	"artifacts/*result*.md",
	"status/*status*.md",
	"artifacts/*report*.md",
}

// Thresholds parameterises the score rules in DefaultRules.
type Thresholds struct {
	MinCodeReviewScore int
	MinConfidenceScore int
}

var passValues = []string{"PASS", "PASSED"}

// DefaultRules returns the built-in gate table.
func DefaultRules(th Thresholds) []Rule {
	return []Rule{
		{
			Workflow:    workflow.Build,
			Phase:       workflow.Discovery,
			Description: "requirements are written down",
			Artifacts: []ArtifactRequirement{{
				Name:     "requirements",
				Globs:    []string{"requirements/*requirements*.md"},
				Sections: []string{"Scope", "Acceptance Criteria", "Constraints"},
			}},
		},
		{
			Workflow:    workflow.Build,
			Phase:       workflow.Architecture,
			Description: "a technical design exists",
			Artifacts: []ArtifactRequirement{{
				Name:     "tech_spec",
				Globs:    []string{"*tech_spec*.md", "*architecture*.md"},
				Sections: []string{"Overview", "Components"},
				Shared:   true,
			}},
		},
		{
			Workflow:    workflow.Build,
			Phase:       workflow.Implementation,
			Description: "code compiles and passed review",
			Fields:      []FieldRequirement{{Key: "typecheck_status", Equals: passValues}},
			Scores:      []ScoreRequirement{{Key: "code_review_score", Min: th.MinCodeReviewScore}},
		},
		{
			Workflow:    workflow.Build,
			Phase:       workflow.Validation,
			Description: "tests pass",
			Fields:      []FieldRequirement{{Key: "test_status", Equals: passValues}},
		},
		{
			Workflow:    workflow.Debug,
			Phase:       workflow.Investigation,
			Description: "root cause is documented",
			Artifacts: []ArtifactRequirement{{
				Name:     "investigation",
				Globs:    []string{"*investigation*.md", "*root_cause*.md"},
				Sections: []string{"Evidence", "Root Cause"},
			}},
		},
		{
			Workflow:    workflow.Debug,
			Phase:       workflow.Fix,
			Description: "fix is applied with a regression test",
			Fields: []FieldRequirement{
				{Key: "fix_applied"},
				{Key: "regression_test"},
				{Key: "typecheck_status", Equals: passValues},
			},
		},
		{
			Workflow:    workflow.Debug,
			Phase:       workflow.Validation,
			Description: "tests pass",
			Fields:      []FieldRequirement{{Key: "test_status", Equals: passValues}},
		},
		{
			Workflow:    workflow.Review,
			Phase:       workflow.Scope,
			Description: "review scope is fixed",
			Artifacts: []ArtifactRequirement{{
				Name:     "scope",
				Globs:    []string{"*scope*.md"},
				Sections: []string{"Files", "Focus Areas"},
			}},
		},
		{
			Workflow:    workflow.Review,
			Phase:       workflow.Analysis,
			Description: "findings are recorded with confidence",
			Artifacts: []ArtifactRequirement{{
				Name:     "findings",
				Globs:    []string{"*findings*.md"},
				Sections: []string{"Findings"},
			}},
			Scores: []ScoreRequirement{{Key: "confidence_score", Min: th.MinConfidenceScore}},
		},
		{
			Workflow:    workflow.Review,
			Phase:       workflow.Report,
			Description: "a report with a verdict exists",
			Artifacts: []ArtifactRequirement{{
				Name:     "report",
				Globs:    []string{"*report*.md"},
				Sections: []string{"Summary"},
			}},
			Fields: []FieldRequirement{{Key: "verdict"}},
		},
		{
			Workflow:    workflow.Plan,
			Phase:       workflow.Discovery,
			Description: "planning inputs are written down",
			Artifacts: []ArtifactRequirement{{
				Name:     "requirements",
				Globs:    []string{"requirements/*requirements*.md", "*requirements*.md"},
				Sections: []string{"Scope", "Constraints"},
			}},
		},
		{
			Workflow:    workflow.Plan,
			Phase:       workflow.Planning,
			Description: "a plan with milestones and risks exists",
			Artifacts: []ArtifactRequirement{{
				Name:     "plan",
				Globs:    []string{"*plan*.md"},
				Sections: []string{"Milestones", "Risks"},
			}},
		},
	}
}

type ruleKey struct {
	w workflow.Workflow
	p workflow.Phase
}

// validate normalises names and rejects rules that could never be evaluated.
func (r *Rule) validate() error {
	w, err := workflow.ParseWorkflow(string(r.Workflow))
	if err != nil {
		return err
	}
	p, err := workflow.ParsePhase(string(r.Phase))
	if err != nil {
		return err
	}
	if !workflow.Contains(w, p) {
		return fmt.Errorf("phase %s is not part of workflow %s", p, w)
	}
	r.Workflow, r.Phase = w, p

	for i, a := range r.Artifacts {
		if len(a.Globs) == 0 {
			return fmt.Errorf("%s/%s: artifact %d has no globs", w, p, i)
		}
		if a.Name == "" {
			r.Artifacts[i].Name = a.Globs[0]
		}
	}
	for _, f := range r.Fields {
		if f.Key == "" {
			return fmt.Errorf("%s/%s: field requirement without key", w, p)
		}
	}
	for _, s := range r.Scores {
		if s.Key == "" {
			return fmt.Errorf("%s/%s: score requirement without key", w, p)
		}
		if s.Min < 0 || s.Min > 100 {
			return fmt.Errorf("%s/%s: score %s minimum out of range: %d", w, p, s.Key, s.Min)
		}
	}
	return nil
}
