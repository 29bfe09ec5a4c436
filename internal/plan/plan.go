// Package plan implements the versioned task ledger. Every mutation batch
// produces a new immutable snapshot record; writers use optimistic
// concurrency against the latest snapshot key.
package plan

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iambrandonn/cadence/internal/store"
)

// ErrConflict is returned when a mutation batch is based on a snapshot that
// is no longer the latest.
var ErrConflict = errors.New("ledger conflict: base snapshot is stale")

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskTodo    TaskState = "todo"
	TaskDoing   TaskState = "doing"
	TaskDone    TaskState = "done"
	TaskBlocked TaskState = "blocked"
)

// softDoingLimit is the design intent for concurrently active tasks. Going
// past it is logged, not rejected.
const softDoingLimit = 3

// Task is one work item in the ledger.
type Task struct {
	ID       string    `yaml:"id"`
	Title    string    `yaml:"title"`
	State    TaskState `yaml:"state"`
	Parent   string    `yaml:"parent,omitempty"`
	Note     string    `yaml:"note,omitempty"`
	Priority int       `yaml:"priority,omitempty"`
}

// Snapshot is one immutable version of the ledger.
type Snapshot struct {
	Key       string    `yaml:"-"`
	Version   int       `yaml:"version"`
	TurnSeq   int       `yaml:"turn_seq,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
	Tasks     []Task    `yaml:"tasks"`
}

// Task returns the task with the given id, or nil.
func (s *Snapshot) Task(id string) *Task {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return &s.Tasks[i]
		}
	}
	return nil
}

// Doing returns the number of tasks currently in the doing state.
func (s *Snapshot) Doing() int {
	n := 0
	for i := range s.Tasks {
		if s.Tasks[i].State == TaskDoing {
			n++
		}
	}
	return n
}

// Mutation is one entry in a batch: either a full upsert or a state
// transition of an existing task.
type Mutation struct {
	Upsert   *Task
	SetState *StateChange
}

// StateChange moves an existing task to a new state, optionally replacing
// its note.
type StateChange struct {
	ID    string
	State TaskState
	Note  string
}

// Ledger mediates snapshot reads and mutation batches.
type Ledger struct {
	store  *store.Store
	logger *slog.Logger
	mu     sync.Mutex
}

// NewLedger returns a ledger over the given store.
func NewLedger(st *store.Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: st, logger: logger}
}

// Latest returns the most recent snapshot. When no snapshot exists yet, an
// empty version-0 snapshot with an empty key is returned; Apply accepts that
// key as a valid base.
func (l *Ledger) Latest() (*Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latestLocked()
}

// Apply validates and applies a mutation batch on top of the snapshot
// identified by baseKey, producing a new snapshot. It fails with ErrConflict
// when baseKey is not the current latest. Batches are keyed by the turn
// sequence that produced them: re-applying the same turn's batch after a
// crash is a no-op returning the already-written snapshot.
func (l *Ledger) Apply(baseKey string, turnSeq int, muts []Mutation) (*Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	latest, err := l.latestLocked()
	if err != nil {
		return nil, err
	}

	// Crash-replay safety: this turn's batch already landed.
	if turnSeq > 0 && latest.TurnSeq == turnSeq {
		return latest, nil
	}

	if latest.Key != baseKey {
		return nil, fmt.Errorf("%w: base %q, latest %q", ErrConflict, baseKey, latest.Key)
	}

	next := &Snapshot{
		Version:   latest.Version + 1,
		TurnSeq:   turnSeq,
		CreatedAt: time.Now().UTC(),
		Tasks:     append([]Task(nil), latest.Tasks...),
	}

	for i, mut := range muts {
		switch {
		case mut.Upsert != nil:
			if err := applyUpsert(next, mut.Upsert); err != nil {
				return nil, fmt.Errorf("mutation %d: %w", i, err)
			}
		case mut.SetState != nil:
			if err := applySetState(next, mut.SetState); err != nil {
				return nil, fmt.Errorf("mutation %d: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("mutation %d: empty mutation", i)
		}
	}

	if err := validate(next); err != nil {
		return nil, err
	}

	if doing := next.Doing(); doing > softDoingLimit {
		l.logger.Warn("many tasks in doing state", "count", doing, "limit", softDoingLimit)
	}

	key, err := l.store.AppendYAML(store.KindPlan, fmt.Sprintf("v%04d", next.Version), next)
	if err != nil {
		return nil, fmt.Errorf("failed to write plan snapshot: %w", err)
	}
	next.Key = key

	l.logger.Info("plan snapshot written", "key", key, "version", next.Version, "tasks", len(next.Tasks))
	return next, nil
}

func (l *Ledger) latestLocked() (*Snapshot, error) {
	key, err := l.store.Latest(store.KindPlan)
	if errors.Is(err, store.ErrNotFound) {
		return &Snapshot{}, nil
	}
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := l.store.ReadYAML(store.KindPlan, key, &snap); err != nil {
		return nil, fmt.Errorf("failed to read plan snapshot %s: %w", key, err)
	}
	snap.Key = key
	return &snap, nil
}

func applyUpsert(snap *Snapshot, task *Task) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	if !validTaskState(task.State) {
		return fmt.Errorf("invalid task state %q", task.State)
	}
	if existing := snap.Task(task.ID); existing != nil {
		*existing = *task
		return nil
	}
	snap.Tasks = append(snap.Tasks, *task)
	return nil
}

func applySetState(snap *Snapshot, change *StateChange) error {
	if !validTaskState(change.State) {
		return fmt.Errorf("invalid task state %q", change.State)
	}
	task := snap.Task(change.ID)
	if task == nil {
		return fmt.Errorf("unknown task id %q", change.ID)
	}
	task.State = change.State
	if change.Note != "" {
		task.Note = change.Note
	}
	return nil
}

// validate enforces the snapshot invariants: unique ids, parents that exist,
// and a parent chain free of cycles.
func validate(snap *Snapshot) error {
	byID := make(map[string]*Task, len(snap.Tasks))
	for i := range snap.Tasks {
		task := &snap.Tasks[i]
		if _, dup := byID[task.ID]; dup {
			return fmt.Errorf("duplicate task id %q", task.ID)
		}
		byID[task.ID] = task
	}

	for i := range snap.Tasks {
		task := &snap.Tasks[i]
		if task.Parent == "" {
			continue
		}
		if _, ok := byID[task.Parent]; !ok {
			return fmt.Errorf("task %q references unknown parent %q", task.ID, task.Parent)
		}

		// Walk the parent chain; revisiting a node means a cycle.
		visited := map[string]bool{task.ID: true}
		for cur := task.Parent; cur != ""; {
			if visited[cur] {
				return fmt.Errorf("task %q is part of a parent cycle", task.ID)
			}
			visited[cur] = true
			cur = byID[cur].Parent
		}
	}

	return nil
}

func validTaskState(s TaskState) bool {
	switch s {
	case TaskTodo, TaskDoing, TaskDone, TaskBlocked:
		return true
	default:
		return false
	}
}
