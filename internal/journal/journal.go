// Package journal persists the immutable per-turn records that anchor crash
// recovery: one write-once record per completed agent turn.
package journal

import (
	"errors"
	"fmt"
	"time"

	"github.com/iambrandonn/cadence/internal/store"
)

// Outcome of a reviewed turn.
type Outcome string

const (
	OutcomePass        Outcome = "pass"
	OutcomeNeedsRework Outcome = "needs_rework"
	OutcomeNone        Outcome = ""
)

// TurnRecord is the durable journal of one turn. Immutable once written.
type TurnRecord struct {
	Key       string    `yaml:"-"`
	Seq       int       `yaml:"seq"`
	Timestamp time.Time `yaml:"timestamp"`
	Mode      string    `yaml:"mode"`
	Task      string    `yaml:"task,omitempty"`
	Files     []string  `yaml:"files,omitempty"`
	Findings  string    `yaml:"findings,omitempty"`
	Outcome   Outcome   `yaml:"outcome,omitempty"`
}

// Journal reads and appends turn records.
type Journal struct {
	store *store.Store
}

// NewJournal returns a journal over the given store.
func NewJournal(st *store.Store) *Journal {
	return &Journal{store: st}
}

// Append writes a new turn record and returns it with its key set. The key
// slug comes from the task description so journal filenames read naturally.
func (j *Journal) Append(rec *TurnRecord) (*TurnRecord, error) {
	if rec.Seq <= 0 {
		return nil, fmt.Errorf("turn record seq must be positive, got %d", rec.Seq)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	slug := rec.Task
	if slug == "" {
		slug = rec.Mode
	}

	key, err := j.store.AppendYAML(store.KindJournal, slug, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to append turn record: %w", err)
	}
	rec.Key = key
	return rec, nil
}

// Read returns the record under the given key.
func (j *Journal) Read(key string) (*TurnRecord, error) {
	var rec TurnRecord
	if err := j.store.ReadYAML(store.KindJournal, key, &rec); err != nil {
		return nil, err
	}
	rec.Key = key
	return &rec, nil
}

// Latest returns the most recent record, or nil when the journal is empty.
func (j *Journal) Latest() (*TurnRecord, error) {
	key, err := j.store.Latest(store.KindJournal)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j.Read(key)
}

// List returns every record in key (and therefore time) order.
func (j *Journal) List() ([]*TurnRecord, error) {
	keys, err := j.store.List(store.KindJournal)
	if err != nil {
		return nil, err
	}

	records := make([]*TurnRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := j.Read(key)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
