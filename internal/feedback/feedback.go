// Package feedback implements the human feedback mailbox: a three-state
// lifecycle (pending -> in_progress -> done/archived) layered over the record
// store. State lives in the record itself, transitioned by atomic rewrites.
package feedback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iambrandonn/cadence/internal/store"
)

// Priority of a feedback item.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// State of a feedback item. Done and archived are terminal.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateDone       State = "done"
	StateArchived   State = "archived"
)

// Item is a single human-submitted feedback message.
type Item struct {
	Key       string    `yaml:"-"`
	Message   string    `yaml:"summary"`
	Priority  Priority  `yaml:"priority"`
	Interrupt bool      `yaml:"interrupt,omitempty"`
	State     State     `yaml:"status"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Terminal reports whether the item has reached a final state.
func (i *Item) Terminal() bool {
	return i.State == StateDone || i.State == StateArchived
}

// Queue manages feedback items. The orchestrator is the single consumer;
// submissions may arrive concurrently from the CLI / API layer.
type Queue struct {
	store  *store.Store
	logger *slog.Logger

	// Guards claim/resolve so concurrent claimers partition the pending set.
	mu sync.Mutex
}

// NewQueue returns a queue over the given store.
func NewQueue(st *store.Store, logger *slog.Logger) *Queue {
	return &Queue{store: st, logger: logger}
}

// Dir returns the directory feedback records live in, for watchers.
func (q *Queue) Dir() string {
	return q.store.Dir(store.KindFeedback)
}

// Submit records a new pending feedback item.
func (q *Queue) Submit(message string, priority Priority, interrupt bool) (*Item, error) {
	switch priority {
	case PriorityHigh, PriorityMedium, PriorityLow:
	case "":
		priority = PriorityMedium
	default:
		return nil, fmt.Errorf("invalid priority %q", priority)
	}

	item := &Item{
		Message:   message,
		Priority:  priority,
		Interrupt: interrupt,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	}

	key, err := q.store.AppendYAML(store.KindFeedback, message, item)
	if err != nil {
		return nil, fmt.Errorf("failed to submit feedback: %w", err)
	}
	item.Key = key

	q.logger.Info("feedback submitted", "key", key, "priority", priority, "interrupt", interrupt)
	return item, nil
}

// ClaimPending atomically moves every pending item to in_progress and returns
// the claimed set. An item submitted while a claim is running is either seen
// by this claim or left pending for the next one; it is never claimed twice.
func (q *Queue) ClaimPending() ([]*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys, err := q.store.List(store.KindFeedback)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}

	var claimed []*Item
	for _, key := range keys {
		item, err := q.read(key)
		if err != nil {
			return nil, err
		}
		// Re-check state under the lock: only pending items transition.
		if item.State != StatePending {
			continue
		}
		item.State = StateInProgress
		if err := q.store.PutYAML(store.KindFeedback, key, item); err != nil {
			return nil, fmt.Errorf("failed to claim feedback %s: %w", key, err)
		}
		claimed = append(claimed, item)
	}

	if len(claimed) > 0 {
		q.logger.Info("feedback claimed", "count", len(claimed))
	}
	return claimed, nil
}

// Resolve moves an item to a terminal state. Resolving an already-resolved
// item is a no-op, not an error.
func (q *Queue) Resolve(key string, outcome State) error {
	if outcome != StateDone && outcome != StateArchived {
		return fmt.Errorf("invalid resolve outcome %q", outcome)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.read(key)
	if err != nil {
		return err
	}
	if item.Terminal() {
		return nil
	}

	item.State = outcome
	if err := q.store.PutYAML(store.KindFeedback, key, item); err != nil {
		return fmt.Errorf("failed to resolve feedback %s: %w", key, err)
	}

	q.logger.Info("feedback resolved", "key", key, "outcome", outcome)
	return nil
}

// Get returns a single item by key.
func (q *Queue) Get(key string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.read(key)
}

// List returns all items in key order.
func (q *Queue) List() ([]*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys, err := q.store.List(store.KindFeedback)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}

	items := make([]*Item, 0, len(keys))
	for _, key := range keys {
		item, err := q.read(key)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (q *Queue) read(key string) (*Item, error) {
	var item Item
	if err := q.store.ReadYAML(store.KindFeedback, key, &item); err != nil {
		return nil, fmt.Errorf("failed to read feedback %s: %w", key, err)
	}
	item.Key = key
	return &item, nil
}
