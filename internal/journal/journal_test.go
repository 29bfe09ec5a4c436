package journal

import (
	"testing"
	"time"

	"github.com/iambrandonn/cadence/internal/store"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	return NewJournal(st)
}

func TestAppendAndLatest(t *testing.T) {
	j := newTestJournal(t)

	latest, err := j.Latest()
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest != nil {
		t.Fatalf("Latest() on empty journal = %+v, want nil", latest)
	}

	for seq := 1; seq <= 3; seq++ {
		_, err := j.Append(&TurnRecord{
			Seq:      seq,
			Mode:     "execute",
			Task:     "build the widget",
			Findings: "implemented",
			Outcome:  OutcomePass,
		})
		if err != nil {
			t.Fatalf("Append(seq=%d) error = %v", seq, err)
		}
		time.Sleep(time.Millisecond)
	}

	latest, err = j.Latest()
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest == nil || latest.Seq != 3 {
		t.Fatalf("Latest().Seq = %+v, want 3", latest)
	}
}

func TestAppendRejectsZeroSeq(t *testing.T) {
	j := newTestJournal(t)

	if _, err := j.Append(&TurnRecord{Mode: "execute"}); err == nil {
		t.Fatal("Append() with seq 0 should fail")
	}
}

func TestListIsOrdered(t *testing.T) {
	j := newTestJournal(t)

	for seq := 1; seq <= 5; seq++ {
		if _, err := j.Append(&TurnRecord{Seq: seq, Mode: "execute", Task: "t"}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	records, err := j.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("List() returned %d records, want 5", len(records))
	}
	for i, rec := range records {
		if rec.Seq != i+1 {
			t.Errorf("records[%d].Seq = %d, want %d", i, rec.Seq, i+1)
		}
	}
}

func TestReadPreservesFields(t *testing.T) {
	j := newTestJournal(t)

	written, err := j.Append(&TurnRecord{
		Seq:      1,
		Mode:     "review",
		Task:     "verify parser",
		Files:    []string{"internal/directive/directive.go"},
		Findings: "looks correct",
		Outcome:  OutcomeNeedsRework,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := j.Read(written.Key)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Mode != "review" || got.Outcome != OutcomeNeedsRework {
		t.Errorf("Read() = %+v", got)
	}
	if len(got.Files) != 1 || got.Files[0] != "internal/directive/directive.go" {
		t.Errorf("Files = %v", got.Files)
	}
}
