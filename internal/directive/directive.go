// Package directive extracts the structured hand-off block from agent
// output. Review and retrospective turns end with a JSON object naming the
// loop status and the next task; everything else in the transcript is prose.
package directive

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Parse failure sentinels.
var (
	ErrNoDirective  = errors.New("no directive block found in output")
	ErrMissingField = errors.New("directive missing required field")
)

// Loop statuses an agent may report.
const (
	StatusContinue = "continue"
	StatusDone     = "done"
)

// Directive is the parsed hand-off block.
type Directive struct {
	Status      string `json:"status"`
	NextTask    string `json:"next_task"`
	JournalFile string `json:"journal_file"`
}

var (
	fencedPattern = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
	barePattern   = regexp.MustCompile(`(?s)(\{\s*"(?:status|next_task)".*?\})`)
)

// Parse scans output for directive candidates and returns the last
// well-formed one. Fenced json blocks are preferred over bare objects; a
// malformed candidate is skipped rather than failing the parse, so an agent
// that corrects itself later in the transcript still hands off cleanly.
func Parse(output string) (*Directive, error) {
	if d := lastWellFormed(fencedPattern, output); d != nil {
		return d, nil
	}
	if d := lastWellFormed(barePattern, output); d != nil {
		return d, nil
	}
	return nil, ErrNoDirective
}

func lastWellFormed(pattern *regexp.Regexp, output string) *Directive {
	matches := pattern.FindAllStringSubmatch(output, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		var d Directive
		if err := json.Unmarshal([]byte(matches[i][1]), &d); err != nil {
			continue
		}
		if d.Status == "" && d.NextTask == "" {
			continue
		}
		return &d
	}
	return nil
}

// Validate checks a directive against loop policy. When infinite is set the
// session never terminates: an absent status means continue, and a done
// status is rejected because the agent must always name a next task.
func (d *Directive) Validate(infinite bool) error {
	status := strings.TrimSpace(d.Status)
	if infinite {
		if status == StatusDone {
			return fmt.Errorf("%w: next_task is required when the session never terminates", ErrMissingField)
		}
		if d.NextTask == "" {
			return fmt.Errorf("%w: next_task", ErrMissingField)
		}
		return nil
	}

	switch status {
	case StatusDone:
		return nil
	case StatusContinue, "":
		if d.NextTask == "" {
			return fmt.Errorf("%w: next_task", ErrMissingField)
		}
		return nil
	default:
		return fmt.Errorf("%w: status %q is not continue or done", ErrMissingField, d.Status)
	}
}

// Done reports whether the directive terminates the session.
func (d *Directive) Done() bool {
	return strings.TrimSpace(d.Status) == StatusDone
}
