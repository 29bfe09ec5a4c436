// Package prompt renders the system and user prompts for each turn mode.
// Building is pure: all state the templates need arrives in the Input.
package prompt

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/iambrandonn/cadence/internal/session"
)

// FeedbackNote is an operator note surfaced to the agent this turn.
type FeedbackNote struct {
	Priority string
	Message  string
}

// Input carries everything a turn's prompts are rendered from.
type Input struct {
	Turn          int
	Goal          string
	NextTask      string
	ContextRecord string // journal record text the reviewer pointed at
	PriorRecord   string // latest journal record, for review and retrospective
	PlanSummary   string
	Feedback      []FeedbackNote
	Resumed       bool
	Infinite      bool
	Corrective    string // parse-failure addendum, set on retry only
}

const systemCommon = `You are one turn of a long-lived autonomous coding loop.
Work only within the project workspace. Record what you did and what you
found in a journal entry before you finish. Keep changes small enough to
review in one sitting.`

var systemByMode = map[session.Mode]string{
	session.ModePlan: `This is a planning turn. Study the goal and the workspace, then produce
a task plan: small, independently verifiable tasks with clear titles.
Do not write production code this turn.`,
	session.ModeExecute: `This is an execution turn. Complete the single task you are given.
Implement, verify, and journal the outcome. Do not pick new work.`,
	session.ModeReview: `This is a review turn. Inspect the most recent work critically: run
checks, read diffs, look for regressions. Then choose what happens next.`,
	session.ModeRetrospective: `This is a retrospective turn. Step back from individual tasks: assess
overall direction against the goal, prune stale plan items, and note
process problems worth fixing. Then choose what happens next.`,
}

const directiveRules = `End your reply with exactly one fenced json block:

` + "```json" + `
{"status": "<continue|done>", "next_task": "<task title>", "journal_file": "<record key>"}
` + "```" + `

Use status "done" only when the goal is fully met.`

const directiveRulesInfinite = `End your reply with exactly one fenced json block:

` + "```json" + `
{"status": "continue", "next_task": "<task title>", "journal_file": "<record key>"}
` + "```" + `

This session never terminates: always name a next task.`

var userTemplate = template.Must(template.New("user").Parse(`Turn {{.Turn}}.
{{- if .Goal}}

Goal: {{.Goal}}
{{- end}}
{{- if .Resumed}}

This session was resumed after an interruption. Re-verify any state you
depend on before building on it.
{{- end}}
{{- if .Feedback}}

Operator feedback to address this turn:
{{- range .Feedback}}
- [{{.Priority}}] {{.Message}}
{{- end}}
{{- end}}
{{- if .PlanSummary}}

Current plan:
{{.PlanSummary}}
{{- end}}
{{- if .Task}}

Your task: {{.Task}}
{{- end}}
{{- if .ContextRecord}}

Context from the turn that chose this task:
{{.ContextRecord}}
{{- end}}
{{- if .PriorRecord}}

Most recent journal entry:
{{.PriorRecord}}
{{- else if .ShowNoHistory}}

There is no prior journal history. This is a fresh start.
{{- end}}
{{- if .Corrective}}

{{.Corrective}}
{{- end}}
`))

type userData struct {
	Turn          int
	Goal          string
	Resumed       bool
	Feedback      []FeedbackNote
	PlanSummary   string
	Task          string
	ContextRecord string
	PriorRecord   string
	ShowNoHistory bool
	Corrective    string
}

// Build renders the system and user prompts for a turn.
func Build(mode session.Mode, in Input) (system string, user string, err error) {
	rules, ok := systemByMode[mode]
	if !ok {
		return "", "", fmt.Errorf("no prompt defined for mode %q", mode)
	}

	var sys strings.Builder
	sys.WriteString(systemCommon)
	sys.WriteString("\n\n")
	sys.WriteString(rules)
	if mode == session.ModeReview || mode == session.ModeRetrospective || mode == session.ModePlan {
		sys.WriteString("\n\n")
		if in.Infinite {
			sys.WriteString(directiveRulesInfinite)
		} else {
			sys.WriteString(directiveRules)
		}
	}

	data := userData{
		Turn:        in.Turn,
		Goal:        in.Goal,
		Resumed:     in.Resumed,
		Feedback:    in.Feedback,
		PlanSummary: in.PlanSummary,
		Corrective:  in.Corrective,
	}
	switch mode {
	case session.ModeExecute:
		task := in.NextTask
		if task == "" {
			task = "Continue with the plan"
		}
		data.Task = task
		data.ContextRecord = in.ContextRecord
	case session.ModeReview, session.ModeRetrospective:
		data.PriorRecord = in.PriorRecord
		data.ShowNoHistory = in.PriorRecord == ""
	case session.ModePlan:
		data.PriorRecord = in.PriorRecord
	}

	var buf strings.Builder
	if err := userTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("failed to render user prompt: %w", err)
	}

	return sys.String(), buf.String(), nil
}

// CorrectiveAddendum is appended to a retried turn after the agent's
// previous output carried no parsable hand-off block.
const CorrectiveAddendum = `Your previous reply did not end with a valid fenced json directive
block. Reply again and finish with exactly one such block.`
