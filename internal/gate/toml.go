package gate

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ErrInvalidRules is returned when a rules file cannot be parsed or validated.
var ErrInvalidRules = errors.New("invalid gate rules")

// rulesFile is the on-disk shape of a rules override file:
//
//	[[gate]]
//	workflow = "BUILD"
//	phase = "VALIDATION"
//	  [[gate.field]]
//	  key = "test_status"
//	  equals = ["PASS"]
//	  [[gate.score]]
//	  key = "coverage"
//	  min = 70
type rulesFile struct {
	Gates []Rule `toml:"gate"`
}

// LoadRules reads gate rules from a TOML file.
// A rule in the file replaces the built-in rule for the same workflow and phase.
func LoadRules(path string) ([]Rule, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}

	var f rulesFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRules, path, err)
	}
	for i := range f.Gates {
		if err := f.Gates[i].validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: gate %d: %v", ErrInvalidRules, path, i, err)
		}
	}
	return f.Gates, nil
}
