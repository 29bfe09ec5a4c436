package directive

import (
	"errors"
	"testing"
)

func TestParseFencedBlock(t *testing.T) {
	output := "Review complete. The handler tests all pass.\n\n" +
		"```json\n{\"status\": \"continue\", \"next_task\": \"add retry logic\", \"journal_file\": \"journal/20260101-abc.yaml\"}\n```\n"

	d, err := Parse(output)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.Status != StatusContinue {
		t.Errorf("Status = %q", d.Status)
	}
	if d.NextTask != "add retry logic" {
		t.Errorf("NextTask = %q", d.NextTask)
	}
	if d.JournalFile != "journal/20260101-abc.yaml" {
		t.Errorf("JournalFile = %q", d.JournalFile)
	}
}

func TestParseBareObjectFallback(t *testing.T) {
	output := `All good. {"status": "done"} That wraps it up.`

	d, err := Parse(output)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !d.Done() {
		t.Errorf("expected done directive, got %+v", d)
	}
}

func TestParseLastBlockWins(t *testing.T) {
	output := "First attempt:\n```json\n{\"status\": \"continue\", \"next_task\": \"old task\"}\n```\n" +
		"Wait, correcting myself:\n```json\n{\"status\": \"continue\", \"next_task\": \"new task\"}\n```\n"

	d, err := Parse(output)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.NextTask != "new task" {
		t.Errorf("NextTask = %q, want the later block to win", d.NextTask)
	}
}

func TestParseSkipsMalformedCandidates(t *testing.T) {
	output := "```json\n{\"status\": \"continue\", \"next_task\": \"good one\"}\n```\n" +
		"```json\n{\"status\": \"continue\", next_task: broken}\n```\n"

	d, err := Parse(output)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.NextTask != "good one" {
		t.Errorf("NextTask = %q, want the well-formed block", d.NextTask)
	}
}

func TestParseFencedPreferredOverBare(t *testing.T) {
	output := `{"status": "done"} early noise` + "\n```json\n{\"status\": \"continue\", \"next_task\": \"keep going\"}\n```"

	d, err := Parse(output)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.Done() {
		t.Error("bare object should not shadow a fenced block")
	}
}

func TestParseNoDirective(t *testing.T) {
	_, err := Parse("just prose, no structured hand-off here")
	if !errors.Is(err, ErrNoDirective) {
		t.Errorf("err = %v, want ErrNoDirective", err)
	}
}

func TestParseIgnoresUnrelatedJSON(t *testing.T) {
	_, err := Parse("here is some config: ```json\n{\"retries\": 3}\n```")
	if !errors.Is(err, ErrNoDirective) {
		t.Errorf("err = %v, want ErrNoDirective for json without directive fields", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		d        Directive
		infinite bool
		wantErr  bool
	}{
		{"continue with task", Directive{Status: "continue", NextTask: "x"}, false, false},
		{"done terminates", Directive{Status: "done"}, false, false},
		{"continue without task", Directive{Status: "continue"}, false, true},
		{"absent status with task", Directive{NextTask: "x"}, false, false},
		{"unknown status", Directive{Status: "maybe", NextTask: "x"}, false, true},
		{"infinite rejects done", Directive{Status: "done"}, true, true},
		{"infinite absent status ok", Directive{NextTask: "x"}, true, false},
		{"infinite needs task", Directive{Status: "continue"}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate(tt.infinite)
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr && !errors.Is(err, ErrMissingField) {
				t.Errorf("err = %v, want ErrMissingField", err)
			}
		})
	}
}
