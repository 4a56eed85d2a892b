// Package workflow defines the workflow types and their fixed phase lists.
package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownWorkflow = errors.New("unknown workflow")
	ErrUnknownPhase    = errors.New("unknown phase")
)

// Workflow is the kind of work a task performs.
type Workflow string

const (
	Build  Workflow = "BUILD"
	Debug  Workflow = "DEBUG"
	Review Workflow = "REVIEW"
	Plan   Workflow = "PLAN"
)

// Phase is one step of a workflow.
type Phase string

const (
	Discovery      Phase = "DISCOVERY"
	Architecture   Phase = "ARCHITECTURE"
	Implementation Phase = "IMPLEMENTATION"
	Validation     Phase = "VALIDATION"
	Investigation  Phase = "INVESTIGATION"
	Fix            Phase = "FIX"
	Scope          Phase = "SCOPE"
	Analysis       Phase = "ANALYSIS"
	Report         Phase = "REPORT"
	Planning       Phase = "PLANNING"
	Closure        Phase = "CLOSURE"
)

var phaseLists = map[Workflow][]Phase{
	Build:  {Discovery, Architecture, Implementation, Validation, Closure},
	Debug:  {Investigation, Fix, Validation, Closure},
	Review: {Scope, Analysis, Report, Closure},
	Plan:   {Discovery, Planning, Closure},
}

// All returns every workflow in a stable order.
func All() []Workflow {
	return []Workflow{Build, Debug, Review, Plan}
}

// ParseWorkflow parses a workflow name case-insensitively.
func ParseWorkflow(s string) (Workflow, error) {
	w := Workflow(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := phaseLists[w]; !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownWorkflow, s)
	}
	return w, nil
}

// ParsePhase parses a phase name case-insensitively.
// It does not check membership in any workflow; use Contains for that.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(s)))
	for _, phases := range phaseLists {
		for _, known := range phases {
			if known == p {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownPhase, s)
}

// Lower returns the lower-case name used in task identifiers.
func (w Workflow) Lower() string { return strings.ToLower(string(w)) }

func (w Workflow) String() string { return string(w) }

func (p Phase) String() string { return string(p) }

// Phases returns a copy of the ordered phase list for w, or nil if w is unknown.
func Phases(w Workflow) []Phase {
	phases, ok := phaseLists[w]
	if !ok {
		return nil
	}
	out := make([]Phase, len(phases))
	copy(out, phases)
	return out
}

// First returns the initial phase of w.
func First(w Workflow) (Phase, bool) {
	phases := phaseLists[w]
	if len(phases) == 0 {
		return "", false
	}
	return phases[0], true
}

// IndexOf returns the position of p in w's phase list, or -1.
func IndexOf(w Workflow, p Phase) int {
	for i, known := range phaseLists[w] {
		if known == p {
			return i
		}
	}
	return -1
}

// Contains reports whether p belongs to w.
func Contains(w Workflow, p Phase) bool { return IndexOf(w, p) >= 0 }

// Next returns the immediate successor of p in w.
func Next(w Workflow, p Phase) (Phase, bool) {
	i := IndexOf(w, p)
	phases := phaseLists[w]
	if i < 0 || i+1 >= len(phases) {
		return "", false
	}
	return phases[i+1], true
}

// IsTerminal reports whether p is the final phase of every workflow.
func IsTerminal(p Phase) bool { return p == Closure }
