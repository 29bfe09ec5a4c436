// Package session defines the per-session state record and its persistence.
// The state record is the crash-recovery anchor: it is rewritten at every
// turn boundary and reloaded on process restart.
package session

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/cadence/internal/store"
)

// Mode is the orchestrator's state-machine state.
type Mode string

const (
	ModePlan          Mode = "plan"
	ModeExecute       Mode = "execute"
	ModeReview        Mode = "review"
	ModeRetrospective Mode = "retrospective"
	ModeDone          Mode = "done"
	ModeStopped       Mode = "stopped"
)

// RetroAuto and RetroOff are the non-numeric retrospective schedules. Any
// positive integer string means "every N turns".
const (
	RetroAuto = "auto"
	RetroOff  = "off"
)

// State is the singleton session record.
type State struct {
	ID   string `yaml:"id"`
	Goal string `yaml:"goal"`

	// Turn is the number of the next turn to run (1-based).
	Turn int  `yaml:"turn"`
	Mode Mode `yaml:"mode"`

	Running bool `yaml:"running"`
	Paused  bool `yaml:"paused"`

	Infinite  bool `yaml:"infinite"`
	StepMode  bool `yaml:"step_mode"`
	PlanFirst bool `yaml:"plan_first"`

	RetroEvery string `yaml:"retro_every"`
	Engine     string `yaml:"engine,omitempty"`

	// Carried across turns (and restarts): the reviewer's chosen next task
	// and the journal record it referenced.
	NextTask    string `yaml:"next_task,omitempty"`
	NextContext string `yaml:"next_context,omitempty"`

	// Out-of-band requests honored at the next turn boundary.
	PendingReview bool `yaml:"pending_review,omitempty"`
	PendingRetro  bool `yaml:"pending_retro,omitempty"`

	// TurnsSinceRetro counts completed turns since the last retrospective,
	// driving the retro schedule across restarts.
	TurnsSinceRetro int `yaml:"turns_since_retro"`

	// CountedTurns counts turns against the session budget. Retrospective
	// turns are excluded unless configured to count.
	CountedTurns int `yaml:"counted_turns"`

	LastTurnKey       string `yaml:"last_turn_key,omitempty"`
	LastCompletedTurn int    `yaml:"last_completed_turn"`
	FatalReason       string `yaml:"fatal_reason,omitempty"`

	StartedAt time.Time `yaml:"started_at"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// NewID returns a time-sortable session id.
func NewID() string {
	return fmt.Sprintf("sess-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8])
}

// RetroInterval parses the retrospective schedule. It returns the turn
// interval, with 0 meaning off and -1 meaning auto.
func (s *State) RetroInterval() int {
	switch s.RetroEvery {
	case RetroAuto, "":
		return -1
	case RetroOff:
		return 0
	}
	n, err := strconv.Atoi(s.RetroEvery)
	if err != nil || n < 1 {
		return -1
	}
	return n
}

// ValidRetroEvery reports whether a schedule string is acceptable.
func ValidRetroEvery(v string) bool {
	if v == RetroAuto || v == RetroOff || v == "" {
		return true
	}
	n, err := strconv.Atoi(v)
	return err == nil && n >= 1
}

// Manager persists session state records.
type Manager struct {
	store *store.Store
}

// NewManager returns a manager over the given store.
func NewManager(st *store.Store) *Manager {
	return &Manager{store: st}
}

// Save atomically rewrites the session record.
func (m *Manager) Save(state *State) error {
	if state.ID == "" {
		return errors.New("session id is required")
	}
	state.UpdatedAt = time.Now().UTC()
	if err := m.store.PutYAML(store.KindSession, state.ID, state); err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}
	return nil
}

// Load returns the most recent session record, or nil when none exists.
// Session ids are time-prefixed, so the latest key is the latest session.
func (m *Manager) Load() (*State, error) {
	key, err := m.store.Latest(store.KindSession)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var state State
	if err := m.store.ReadYAML(store.KindSession, key, &state); err != nil {
		return nil, fmt.Errorf("failed to read session state %s: %w", key, err)
	}
	return &state, nil
}

// Clear removes the session record. Called on explicit stop once the session
// is finished for good.
func (m *Manager) Clear(id string) error {
	return m.store.Remove(store.KindSession, id)
}
