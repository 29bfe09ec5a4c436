package session

import (
	"testing"
	"time"

	"github.com/iambrandonn/cadence/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return NewManager(st)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	m := newTestManager(t)

	state := &State{
		ID:         NewID(),
		Goal:       "ship the widget service",
		Turn:       3,
		Mode:       ModeExecute,
		Running:    true,
		Infinite:   true,
		RetroEvery: "4",
		NextTask:   "wire the handler",
		StartedAt:  time.Now().UTC(),
	}
	if err := m.Save(state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil {
		t.Fatal("Load returned nil after Save")
	}
	if got.ID != state.ID || got.Goal != state.Goal || got.Turn != 3 {
		t.Errorf("round trip mismatch: got %+v", got)
	}
	if got.Mode != ModeExecute || !got.Running || !got.Infinite {
		t.Errorf("flags not preserved: got %+v", got)
	}
	if got.NextTask != "wire the handler" {
		t.Errorf("NextTask = %q", got.NextTask)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("Save should stamp UpdatedAt")
	}
}

func TestLoadReturnsNilWhenNoSession(t *testing.T) {
	m := newTestManager(t)
	got, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil state, got %+v", got)
	}
}

func TestSaveRequiresID(t *testing.T) {
	m := newTestManager(t)
	if err := m.Save(&State{Goal: "no id"}); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestLoadPicksLatestSession(t *testing.T) {
	m := newTestManager(t)

	if err := m.Save(&State{ID: "sess-20250101-000000-aaaa", Goal: "old"}); err != nil {
		t.Fatalf("Save old: %v", err)
	}
	if err := m.Save(&State{ID: "sess-20260101-000000-bbbb", Goal: "new"}); err != nil {
		t.Fatalf("Save new: %v", err)
	}

	got, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Goal != "new" {
		t.Errorf("Load returned %q, want the newer session", got.Goal)
	}
}

func TestClearRemovesSession(t *testing.T) {
	m := newTestManager(t)
	state := &State{ID: NewID(), Goal: "short lived"}
	if err := m.Save(state); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.Clear(state.ID); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Error("session should be gone after Clear")
	}
}

func TestRetroInterval(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"auto", -1},
		{"", -1},
		{"off", 0},
		{"4", 4},
		{"1", 1},
		{"bogus", -1},
		{"0", -1},
	}
	for _, tt := range tests {
		s := &State{RetroEvery: tt.in}
		if got := s.RetroInterval(); got != tt.want {
			t.Errorf("RetroInterval(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestValidRetroEvery(t *testing.T) {
	for _, ok := range []string{"auto", "off", "1", "12", ""} {
		if !ValidRetroEvery(ok) {
			t.Errorf("ValidRetroEvery(%q) = false, want true", ok)
		}
	}
	for _, bad := range []string{"0", "-2", "sometimes"} {
		if ValidRetroEvery(bad) {
			t.Errorf("ValidRetroEvery(%q) = true, want false", bad)
		}
	}
}
