package coordinator

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"text/template"

	"github.com/fyrsmithlabs/phasegate/internal/workflow"
)

// InstructionData is passed to agent instruction templates.
type InstructionData struct {
	TaskID      string
	ContextPath string
	Workflow    string
	AgentRole   string
	Request     string
	Phases      []workflow.Phase
}

const defaultInstructions = `# Task {{.TaskID}}

You are the {{.AgentRole}} agent for this {{.Workflow}} task.

## Task Isolation

- **Task ID:** {{.TaskID}}
- **Context:** {{.ContextPath}}

1. Work only inside {{.ContextPath}}
2. Prefix every file you create with ` + "`{{.TaskID}}_`" + `
3. Never read or modify another task's directory or the shared memory area
4. Write a heartbeat to ` + "`status/{{.TaskID}}_heartbeat.json`" + ` while working
5. When done, write ` + "`{{.TaskID}}_task_complete.json`" + ` at the context root

## Phases
{{range .Phases}}
- {{.}}{{end}}

## Request

{{.Request}}
`

var baseTemplate = template.Must(template.New("default").Parse(defaultInstructions))

// instructionRenderer renders instructions from {dir}/{agent_type}.md when
// present, falling back to the built-in template. Parsed templates are cached.
type instructionRenderer struct {
	dir string

	mu    sync.Mutex
	cache map[AgentType]*template.Template
}

func newInstructionRenderer(dir string) *instructionRenderer {
	return &instructionRenderer{dir: dir, cache: make(map[AgentType]*template.Template)}
}

func (r *instructionRenderer) template(agent AgentType) (*template.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.cache[agent]; ok {
		return t, nil
	}
	t := baseTemplate
	if r.dir != "" {
		path := filepath.Join(r.dir, string(agent)+".md")
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			t, err = template.New(string(agent)).Option("missingkey=error").Parse(string(raw))
			if err != nil {
				return nil, fmt.Errorf("parse instruction template %s: %w", path, err)
			}
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("read instruction template %s: %w", path, err)
		}
	}
	r.cache[agent] = t
	return t, nil
}

func (r *instructionRenderer) render(agent AgentType, data InstructionData) (string, error) {
	t, err := r.template(agent)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render instructions for %s: %w", agent, err)
	}
	return buf.String(), nil
}
