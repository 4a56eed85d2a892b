// Package docparse parses the markdown artifacts agents write into typed records.
//
// Agents write plain markdown. Two shapes are recognised:
//
//   - key/value lines such as "test_status: PASS", "- **Status:** ACTIVE" or
//     "**code_review_score**: 85/100"
//   - headings ("#" through "######") delimiting named sections
//
// Keys are normalised to lower snake case and values have markdown emphasis
// stripped, so "**Test Status:** _pass_" yields test_status=pass.
package docparse

import (
	"bufio"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Document is a parsed markdown artifact.
type Document struct {
	Path string
	// Fields holds key/value lines; the first occurrence of a key wins.
	Fields map[string]string
	// Sections maps a normalised heading to its trimmed body.
	Sections map[string]string
	// Headings lists headings in document order, as written.
	Headings []string
}

var (
	headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)
	// key: value with optional list marker and emphasis around the key or the colon.
	fieldRe = regexp.MustCompile(`^(?:[-*+]\s+)?[*_` + "`" + `]*([A-Za-z][A-Za-z0-9 _\-]{0,63}?)[*_` + "`" + `]*\s*:\s*[*_` + "`" + `]*\s*(.*)$`)
	keySep  = regexp.MustCompile(`[\s\-]+`)
)

// ParseFile reads and parses the document at path.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc := Parse(string(data))
	doc.Path = path
	return doc, nil
}

// Parse parses markdown content.
func Parse(content string) *Document {
	doc := &Document{
		Fields:   make(map[string]string),
		Sections: make(map[string]string),
	}

	type section struct {
		name  string
		level int
		body  []string
	}
	var (
		open    []*section
		inFence bool
	)
	// closeTo records and pops every open section at or below level.
	closeTo := func(level int) {
		for len(open) > 0 && open[len(open)-1].level >= level {
			sec := open[len(open)-1]
			open = open[:len(open)-1]
			key := NormalizeHeading(sec.name)
			if _, ok := doc.Sections[key]; !ok {
				doc.Sections[key] = strings.TrimSpace(strings.Join(sec.body, "\n"))
			}
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
		}
		if !inFence {
			if m := headingRe.FindStringSubmatch(trimmed); m != nil {
				level := len(m[1])
				closeTo(level)
				// nested headings count as content of their parents
				for _, sec := range open {
					sec.body = append(sec.body, line)
				}
				name := StripEmphasis(m[2])
				open = append(open, &section{name: name, level: level})
				doc.Headings = append(doc.Headings, name)
				continue
			}
			if key, value, ok := parseField(trimmed); ok {
				if _, exists := doc.Fields[key]; !exists {
					doc.Fields[key] = value
				}
			}
		}
		for _, sec := range open {
			sec.body = append(sec.body, line)
		}
	}
	closeTo(0)

	return doc
}

func parseField(line string) (string, string, bool) {
	if line == "" || strings.HasPrefix(line, "|") || strings.HasPrefix(line, ">") {
		return "", "", false
	}
	m := fieldRe.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	key := NormalizeKey(m[1])
	if key == "" || strings.Contains(key, "http") {
		return "", "", false
	}
	return key, StripEmphasis(m[2]), true
}

// NormalizeKey lower-cases k and joins words with underscores.
func NormalizeKey(k string) string {
	k = strings.Trim(strings.TrimSpace(k), "*_`")
	return strings.ToLower(keySep.ReplaceAllString(k, "_"))
}

// NormalizeHeading lower-cases a heading and collapses whitespace for comparison.
func NormalizeHeading(h string) string {
	return strings.ToLower(strings.Join(strings.Fields(StripEmphasis(h)), " "))
}

// StripEmphasis removes markdown emphasis markers and backticks surrounding s.
func StripEmphasis(s string) string {
	s = strings.TrimSpace(s)
	for {
		t := strings.TrimSpace(strings.Trim(s, "*_`"))
		if t == s {
			return s
		}
		s = t
	}
}

// Field returns the value for key, normalising key first.
func (d *Document) Field(key string) (string, bool) {
	v, ok := d.Fields[NormalizeKey(key)]
	return v, ok
}

// HasSection reports whether the document has the heading with a non-empty body.
func (d *Document) HasSection(heading string) bool {
	body, ok := d.Sections[NormalizeHeading(heading)]
	return ok && body != ""
}

// FieldEquals compares a field case-insensitively against any of the accepted values.
func (d *Document) FieldEquals(key string, accepted ...string) bool {
	v, ok := d.Field(key)
	if !ok {
		return false
	}
	return MatchesAny(v, accepted...)
}

// MatchesAny reports whether value equals one of accepted, ignoring case and emphasis.
// Only the first word of value is compared, so "PASS (42 tests)" matches "PASS".
func MatchesAny(value string, accepted ...string) bool {
	whole := StripEmphasis(value)
	first := whole
	if f := strings.Fields(whole); len(f) > 0 {
		first = StripEmphasis(strings.TrimRight(f[0], ".,;"))
	}
	for _, a := range accepted {
		if strings.EqualFold(whole, a) || strings.EqualFold(first, a) {
			return true
		}
	}
	return false
}

// ParseScore returns the first whitespace-separated token of value that is an
// integer. A token may carry a "%" or "/N" suffix, so "85", "85/100" and "85%"
// all read as 85; digits inside a word such as "v2" do not count.
func ParseScore(value string) (int, bool) {
	for _, tok := range strings.Fields(value) {
		tok = strings.Trim(StripEmphasis(tok), "()[],;:.")
		if i := strings.IndexByte(tok, '/'); i >= 0 {
			tok = tok[:i]
		}
		tok = strings.TrimSuffix(tok, "%")
		if n, err := strconv.Atoi(tok); err == nil {
			return n, true
		}
	}
	return 0, false
}

// Merge returns a document whose fields and sections combine docs in order; earlier documents win.
func Merge(docs ...*Document) *Document {
	out := &Document{
		Fields:   make(map[string]string),
		Sections: make(map[string]string),
	}
	for _, d := range docs {
		if d == nil {
			continue
		}
		for k, v := range d.Fields {
			if _, ok := out.Fields[k]; !ok {
				out.Fields[k] = v
			}
		}
		for k, v := range d.Sections {
			if _, ok := out.Sections[k]; !ok {
				out.Sections[k] = v
			}
		}
		out.Headings = append(out.Headings, d.Headings...)
	}
	return out
}
