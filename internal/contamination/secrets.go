package contamination

import (
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// SecretFinding is a secret located in scanned content. The secret value itself is not kept.
type SecretFinding struct {
	RuleID      string
	Description string
	Line        int
}

// SecretScanner finds credentials in text.
type SecretScanner interface {
	Scan(content string) ([]SecretFinding, error)
}

// gitleaksScanner runs the gitleaks default rule set.
// The detector is built on first use; building it compiles several hundred rules.
// DetectString returns its findings without recording them on the detector, so
// one detector serves concurrent scans.
type gitleaksScanner struct {
	once     sync.Once
	detector *detect.Detector
	err      error
}

// NewGitleaksScanner returns a SecretScanner backed by the gitleaks default configuration.
func NewGitleaksScanner() SecretScanner {
	return &gitleaksScanner{}
}

func (g *gitleaksScanner) Scan(content string) ([]SecretFinding, error) {
	g.once.Do(func() {
		g.detector, g.err = detect.NewDetectorDefaultConfig()
	})
	if g.err != nil {
		return nil, g.err
	}

	findings := g.detector.DetectString(content)

	out := make([]SecretFinding, 0, len(findings))
	for _, f := range findings {
		out = append(out, SecretFinding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
		})
	}
	return out, nil
}
