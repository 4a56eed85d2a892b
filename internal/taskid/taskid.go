// Package taskid generates and validates task identifiers.
//
// An identifier has the form
//
//	{workflow}_{YYYYMMDD}_{HHMMSS}_{role}_{hash8}_{counter}
//
// for example build_20260208_143000_builder_3fa9c0d1_0001. The timestamp is
// UTC, role is a lower-case letters-only agent tag, hash8 is the first eight
// hex characters of a SHA-256 over the creation inputs, and counter is a
// zero-padded process-wide sequence number.
package taskid

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

// ErrInvalidTaskID is returned for identifiers that do not match the structural format.
var ErrInvalidTaskID = errors.New("invalid task id")

const pattern = `(build|debug|review|plan)_(\d{8})_(\d{6})_([a-z]+)_([0-9a-f]{8})_(\d{4,})`

var (
	exactRe    = regexp.MustCompile(`^` + pattern + `$`)
	embeddedRe = regexp.MustCompile(pattern)
	roleStrip  = regexp.MustCompile(`[^a-z]`)
)

// ID is a parsed task identifier.
type ID struct {
	Workflow  workflow.Workflow
	CreatedAt time.Time
	Role      string
	Hash      string
	Counter   int
	raw       string
}

func (id ID) String() string { return id.raw }

// Validate reports whether s is a structurally valid task identifier.
func Validate(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Parse parses and validates s.
func Parse(s string) (ID, error) {
	m := exactRe.FindStringSubmatch(s)
	if m == nil {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidTaskID, s)
	}
	ts, err := time.ParseInLocation("20060102150405", m[2]+m[3], time.UTC)
	if err != nil {
		return ID{}, fmt.Errorf("%w: bad timestamp in %q", ErrInvalidTaskID, s)
	}
	counter, err := strconv.Atoi(m[6])
	if err != nil {
		return ID{}, fmt.Errorf("%w: bad counter in %q", ErrInvalidTaskID, s)
	}
	return ID{
		Workflow:  workflow.Workflow(strings.ToUpper(m[1])),
		CreatedAt: ts,
		Role:      m[4],
		Hash:      m[5],
		Counter:   counter,
		raw:       s,
	}, nil
}

// FindAll returns every distinct task identifier embedded in s, in order of first appearance.
func FindAll(s string) []string {
	locs := embeddedRe.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(locs))
	var out []string
	for _, loc := range locs {
		// an id glued to a preceding letter or digit is part of a longer word
		if loc[0] > 0 && isWordByte(s[loc[0]-1]) {
			continue
		}
		id := s[loc[0]:loc[1]]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// NormalizeRole lower-cases role and drops everything but letters.
// An empty result becomes "agent".
func NormalizeRole(role string) string {
	r := roleStrip.ReplaceAllString(strings.ToLower(role), "")
	if r == "" {
		return "agent"
	}
	return r
}

// Generator issues identifiers from a shared atomic counter.
type Generator struct {
	counter atomic.Int64
	start   int64
	max     int64
	now     func() time.Time
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

// NewGenerator creates a Generator whose counter runs from start to limit and then wraps to start.
func NewGenerator(start, limit int, opts ...GeneratorOption) *Generator {
	if start < 0 {
		start = 0
	}
	if limit < start {
		limit = start
	}
	g := &Generator{start: int64(start), max: int64(limit), now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	g.counter.Store(int64(start) - 1)
	return g
}

// New returns a fresh identifier for a task.
func (g *Generator) New(w workflow.Workflow, role, request string) (string, error) {
	if _, err := workflow.ParseWorkflow(string(w)); err != nil {
		return "", err
	}
	role = NormalizeRole(role)
	ts := g.now().UTC()
	stamp := ts.Format("20060102_150405")

	sum := sha256.Sum256([]byte(strings.Join([]string{w.Lower(), role, request, ts.Format(time.RFC3339Nano)}, "\x00")))
	hash8 := hex.EncodeToString(sum[:])[:8]

	return fmt.Sprintf("%s_%s_%s_%s_%04d", w.Lower(), stamp, role, hash8, g.next()), nil
}

func (g *Generator) next() int64 {
	for {
		cur := g.counter.Load()
		n := cur + 1
		if n > g.max {
			n = g.start
		}
		if g.counter.CompareAndSwap(cur, n) {
			return n
		}
	}
}
