// Package supervisor owns the session lifecycle: it runs the orchestrator
// in a background goroutine, honors pause/stop at turn boundaries, recovers
// crashed sessions from the persisted state record, and watches the
// feedback directory for interrupt requests.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/iambrandonn/cadence/internal/config"
	"github.com/iambrandonn/cadence/internal/eventlog"
	"github.com/iambrandonn/cadence/internal/feedback"
	"github.com/iambrandonn/cadence/internal/fsutil"
	"github.com/iambrandonn/cadence/internal/journal"
	"github.com/iambrandonn/cadence/internal/orchestrator"
	"github.com/iambrandonn/cadence/internal/plan"
	"github.com/iambrandonn/cadence/internal/runner"
	"github.com/iambrandonn/cadence/internal/session"
	"github.com/iambrandonn/cadence/internal/store"
)

// ErrAlreadyRunning is returned by Start/Resume when a loop is active.
var ErrAlreadyRunning = errors.New("a session is already running")

// ErrNoSession is returned by Resume/Status when nothing is persisted.
var ErrNoSession = errors.New("no session found")

// Options configure a session at start or resume.
type Options struct {
	PlanFirst  bool
	Infinite   bool
	StepMode   bool
	RetroEvery string
	Engine     string
	ForceRetro bool // resume directly into a retrospective turn
}

// Supervisor manages one session loop over a workspace's stores.
type Supervisor struct {
	cfg      *config.Config
	run      runner.Runner
	sessions *session.Manager
	journal  *journal.Journal
	ledger   *plan.Ledger
	queue    *feedback.Queue
	events   *eventlog.Log
	logger   *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	pauseReq  atomic.Bool
	interrupt atomic.Bool

	watcher *fsnotify.Watcher
}

// New builds a supervisor over the stores rooted at the given directory.
func New(cfg *config.Config, st *store.Store, run runner.Runner, events *eventlog.Log, logger *slog.Logger) (*Supervisor, error) {
	s := &Supervisor{
		cfg:      cfg,
		run:      run,
		sessions: session.NewManager(st),
		journal:  journal.NewJournal(st),
		ledger:   plan.NewLedger(st, logger),
		queue:    feedback.NewQueue(st, logger),
		events:   events,
		logger:   logger,
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create feedback watcher: %w", err)
	}
	if err := os.MkdirAll(s.queue.Dir(), 0700); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to create feedback directory: %w", err)
	}
	if err := watcher.Add(s.queue.Dir()); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch feedback directory: %w", err)
	}
	s.watcher = watcher
	go s.watchFeedback()

	return s, nil
}

// Close releases the watcher and stops any running loop.
func (s *Supervisor) Close() error {
	_ = s.Stop()
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Start begins a fresh session toward the given goal.
func (s *Supervisor) Start(goal string, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loopActive() {
		return ErrAlreadyRunning
	}

	if !session.ValidRetroEvery(opts.RetroEvery) {
		return fmt.Errorf("invalid retro schedule %q: use auto, off, or a positive turn count", opts.RetroEvery)
	}

	// A finished session's record makes way for the new one.
	if prev, err := s.sessions.Load(); err == nil && prev != nil && prev.Mode == session.ModeDone {
		if err := s.sessions.Clear(prev.ID); err != nil {
			return fmt.Errorf("failed to clear completed session: %w", err)
		}
	}

	mode := session.ModeExecute
	if opts.PlanFirst {
		mode = session.ModePlan
	}
	retroEvery := opts.RetroEvery
	if retroEvery == "" {
		retroEvery = s.cfg.Policy.RetroEvery
	}

	state := &session.State{
		ID:         session.NewID(),
		Goal:       goal,
		Turn:       1,
		Mode:       mode,
		Running:    true,
		Infinite:   opts.Infinite,
		StepMode:   opts.StepMode,
		PlanFirst:  opts.PlanFirst,
		RetroEvery: retroEvery,
		Engine:     opts.Engine,
		StartedAt:  time.Now().UTC(),
	}
	if err := s.sessions.Save(state); err != nil {
		return fmt.Errorf("failed to persist new session: %w", err)
	}

	s.emit(eventlog.Event{Kind: eventlog.KindSessionStarted, Session: state.ID, Detail: map[string]any{"goal": goal}})
	s.launch(state, false)
	return nil
}

// Resume continues the persisted session from its saved turn and mode.
// Sequence numbers carry on from where they stopped.
func (s *Supervisor) Resume(opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loopActive() {
		return ErrAlreadyRunning
	}

	state, err := s.sessions.Load()
	if err != nil {
		return err
	}
	if state == nil {
		return ErrNoSession
	}
	if state.Mode == session.ModeDone {
		return errors.New("session already completed; start a new one")
	}

	state.Paused = false
	state.Running = true
	state.FatalReason = ""
	if opts.ForceRetro {
		state.PendingRetro = true
	}
	if opts.RetroEvery != "" {
		if !session.ValidRetroEvery(opts.RetroEvery) {
			return fmt.Errorf("invalid retro schedule %q", opts.RetroEvery)
		}
		state.RetroEvery = opts.RetroEvery
	}
	if opts.Engine != "" {
		state.Engine = opts.Engine
	}
	if err := s.sessions.Save(state); err != nil {
		return fmt.Errorf("failed to persist resumed session: %w", err)
	}

	s.emit(eventlog.Event{Kind: eventlog.KindSessionResumed, Session: state.ID, Turn: state.Turn})
	s.launch(state, true)
	return nil
}

// Pause asks the loop to stop after the turn in flight completes.
func (s *Supervisor) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loopActive() {
		return errors.New("no session is running")
	}
	s.pauseReq.Store(true)
	return nil
}

// Stop cancels the loop, killing any in-flight agent invocation. The
// session keeps its mode and remains resumable.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	state, err := s.sessions.Load()
	if err != nil || state == nil {
		return err
	}
	// The mode survives the stop so Resume picks up exactly where the
	// session left off, pending review included.
	if state.Running {
		state.Running = false
		if err := s.sessions.Save(state); err != nil {
			return err
		}
	}
	s.emit(eventlog.Event{Kind: eventlog.KindSessionStopped, Session: state.ID, Turn: state.Turn})
	return nil
}

// Status returns the persisted session state.
func (s *Supervisor) Status() (*session.State, error) {
	state, err := s.sessions.Load()
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, ErrNoSession
	}
	return state, nil
}

// Wait blocks until the current loop exits. Returns immediately when no
// loop is running.
func (s *Supervisor) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Running reports whether a loop goroutine is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopActive()
}

func (s *Supervisor) loopActive() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// launch starts the loop goroutine. Callers hold s.mu.
func (s *Supervisor) launch(state *session.State, resumed bool) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.pauseReq.Store(false)

	orch := orchestrator.New(orchestrator.Deps{
		Config:   s.cfg,
		State:    state,
		Sessions: s.sessions,
		Journal:  s.journal,
		Ledger:   s.ledger,
		Queue:    s.queue,
		Runner:   s.run,
		Events:   s.events,
		Logger:   s.logger,
		Resumed:  resumed,
	})

	go func() {
		defer close(done)
		defer cancel()
		s.loop(ctx, orch)
	}()
}

func (s *Supervisor) loop(ctx context.Context, orch *orchestrator.Orchestrator) {
	for {
		if s.interrupt.Swap(false) {
			if err := orch.RequestReview(); err != nil {
				s.logger.Error("failed to schedule interrupt review", "error", err)
				return
			}
		}

		out, err := orch.RunTurn(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				s.logger.Info("loop stopped", "turn", orch.State().Turn)
				return
			}
			// Fatal errors are already persisted and logged.
			return
		}

		if out.Done {
			s.emit(eventlog.Event{Kind: eventlog.KindSessionDone, Session: orch.State().ID, Turn: orch.State().LastCompletedTurn})
			s.logger.Info("session complete", "turns", orch.State().LastCompletedTurn)
			return
		}
		if out.Next == session.ModeStopped {
			return
		}

		if out.StepStop || s.pauseReq.Swap(false) {
			state := orch.State()
			state.Paused = true
			if err := s.sessions.Save(state); err != nil {
				s.logger.Error("failed to persist pause", "error", err)
			}
			s.emit(eventlog.Event{Kind: eventlog.KindSessionPaused, Session: state.ID, Turn: state.Turn})
			s.logger.Info("session paused", "turn", state.Turn)
			return
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// watchFeedback reacts to externally submitted feedback records. An
// interrupt-flagged item schedules an out-of-band review at the next turn
// boundary, and can wake a paused session when configured to.
func (s *Supervisor) watchFeedback() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			s.handleFeedbackFile(event.Name)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("feedback watcher error", "error", err)
		}
	}
}

func (s *Supervisor) handleFeedbackFile(path string) {
	name := filepath.Base(path)
	if fsutil.IsTempFile(name) || !strings.HasSuffix(name, ".yaml") {
		return
	}

	item, err := s.queue.Get(strings.TrimSuffix(name, ".yaml"))
	if err != nil {
		return
	}
	if !item.Interrupt || item.State != feedback.StatePending {
		return
	}

	s.logger.Info("interrupt feedback received", "key", item.Key)
	s.interrupt.Store(true)

	s.mu.Lock()
	active := s.loopActive()
	s.mu.Unlock()

	if active {
		return
	}

	// No loop to pick the flag up: persist the request so the next resume
	// honors it, and optionally wake a paused session.
	state, err := s.sessions.Load()
	if err != nil || state == nil {
		return
	}
	state.PendingReview = true
	if err := s.sessions.Save(state); err != nil {
		s.logger.Error("failed to persist interrupt request", "error", err)
		return
	}

	if state.Paused && s.cfg.Policy.ResumeOnInterrupt {
		if err := s.Resume(Options{}); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.logger.Error("failed to resume on interrupt", "error", err)
		}
	}
}

func (s *Supervisor) emit(evt eventlog.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Append(evt); err != nil {
		s.logger.Warn("failed to append event", "kind", evt.Kind, "error", err)
	}
}
