package taskcontext

import (
	"bytes"
	"text/template"
	"time"
)

type seedData struct {
	TaskID    string
	Workflow  string
	Path      string
	Dir       string
	CreatedAt string
	Allowlist []string
}

var seedTemplates = template.Must(template.New("seed").Parse(`
{{define "readme"}}# Directory: {{.Dir}}

- **Task ID:** {{.TaskID}}
- **Created:** {{.CreatedAt}}

This directory is part of the isolated context for task {{.TaskID}}.

## Isolation Rules

- Only files belonging to task {{.TaskID}} go here
- Every file name starts with ` + "`{{.TaskID}}_`" + `
- Never modify files of other tasks
{{end}}

{{define "active_context"}}# Active Context

- **Task ID:** {{.TaskID}}
- **Workflow:** {{.Workflow}}
- **Created:** {{.CreatedAt}}
- **Status:** INITIALIZED

## Isolation Rules

1. Read and write only inside {{.Path}}
2. Prefix every file with ` + "`{{.TaskID}}_`" + `
3. Do not open or modify files of other tasks
4. Report contamination immediately

## File Naming Convention

- correct: ` + "`{{.TaskID}}_notes.md`" + `
- wrong: ` + "`notes.md`" + `
- allowed at the task root without prefix:{{range .Allowlist}} ` + "`{{.}}`" + `{{end}}

## Communication

- status: ` + "`status/{{.TaskID}}_status.md`" + `
- heartbeat: ` + "`status/{{.TaskID}}_heartbeat.json`" + `
- results: ` + "`artifacts/{{.TaskID}}_results.json`" + `
- completion marker: ` + "`{{.TaskID}}_task_complete.json`" + `
{{end}}

{{define "progress"}}# Progress

- **Task ID:** {{.TaskID}}
- **Workflow:** {{.Workflow}}

| Timestamp | Status | Details |
|-----------|--------|---------|
| {{.CreatedAt}} | INITIALIZED | Task context created |

## Milestones

- [x] Task context initialized
- [ ] Requirements loaded
- [ ] Execution started
- [ ] Results collected
- [ ] Task completed
{{end}}

{{define "patterns"}}# Patterns

| Pattern | Purpose |
|---------|---------|
| ` + "`{{.TaskID}}_*.md`" + ` | task documents |
| ` + "`{{.TaskID}}_*.json`" + ` | task data |

| Directory | Purpose |
|-----------|---------|
| workspace/ | working files |
| artifacts/ | final outputs |
| status/ | status and heartbeat |
| checkpoints/ | state snapshots |
| logs/ | agent logs |
{{end}}

{{define "status"}}# Status

Status: initialized
Updated: {{.CreatedAt}}
{{end}}
`))

type contractData struct {
	Contract
	TaskID    string
	CreatedAt string
}

var contractTemplates = template.Must(template.New("contract").Parse(`
{{define "contract"}}# Task Contract: {{.TaskID}}

| Field | Value |
|-------|-------|
| Agent | {{.Agent}} |
| Workflow | {{.Workflow}} |
| Phase | {{.Phase}} |
| Created | {{.CreatedAt}} |

## Objective
{{.Objective}}

## Requirements
{{with .Requirements}}{{.}}{{else}}(inline, see objective){{end}}

## Success Criteria
{{range .Criteria}}- [ ] {{.}}
{{else}}- [ ] Task completed successfully
{{end}}
## Context Files
{{range .ContextFiles}}- {{.}}
{{else}}- (none specified)
{{end}}
## Instructions
1. Read all context files listed above
2. If anything is unclear, write questions to ` + "`" + QuestionsFile + "`" + ` in this folder and stop
3. Update ` + "`" + RootStatusFile + "`" + ` as you work
4. Write final results to ` + "`" + ResultFile + "`" + `
5. Meet every success criterion before writing the completion marker
{{end}}

{{define "root_status"}}# Task Status: {{.TaskID}}

- Status: PENDING
- Last Update: {{.CreatedAt}}
- Current Step: Awaiting agent pickup

## Completed
(none yet)

## Remaining
- Read contract
- Execute task
- Write result

## Artifacts
(none yet)
{{end}}
`))

func renderSeed(name string, data seedData) ([]byte, error) {
	var buf bytes.Buffer
	if err := seedTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderContract(name string, data contractData) ([]byte, error) {
	var buf bytes.Buffer
	if err := contractTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func newSeedData(taskID, wf, path string, allowlist []string, now time.Time) seedData {
	return seedData{
		TaskID:    taskID,
		Workflow:  wf,
		Path:      path,
		CreatedAt: now.UTC().Format(time.RFC3339),
		Allowlist: allowlist,
	}
}
