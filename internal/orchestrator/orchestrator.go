// Package orchestrator runs the mode state machine for a session, one turn
// at a time. It is the only writer of turn records and session state; the
// feedback queue and plan ledger are shared with external submitters.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iambrandonn/cadence/internal/config"
	"github.com/iambrandonn/cadence/internal/directive"
	"github.com/iambrandonn/cadence/internal/eventlog"
	"github.com/iambrandonn/cadence/internal/feedback"
	"github.com/iambrandonn/cadence/internal/journal"
	"github.com/iambrandonn/cadence/internal/plan"
	"github.com/iambrandonn/cadence/internal/prompt"
	"github.com/iambrandonn/cadence/internal/runner"
	"github.com/iambrandonn/cadence/internal/session"
	"github.com/iambrandonn/cadence/internal/store"
)

// ErrFatal marks errors that ended the session. The reason is also
// persisted into the session record for status reporting.
var ErrFatal = errors.New("session stopped on fatal error")

// SelfImprovementGoal seeds an infinite session once its original goal is
// met. The loop never idles: it turns to hardening what already exists.
const SelfImprovementGoal = "Improve the quality of the existing codebase: " +
	"raise test coverage, remove dead code, tighten error handling, and " +
	"simplify anything that has grown convoluted."

// autoRetroInterval is the "auto" schedule: a retrospective after this many
// completed turns.
const autoRetroInterval = 6

// Outcome reports what a completed turn decided.
type Outcome struct {
	Mode     session.Mode // mode that just ran
	Next     session.Mode // mode the session moves to
	Done     bool         // terminal success (finite mode only)
	StepStop bool         // step mode asked for a pause at this boundary
}

// Orchestrator executes turns against a shared set of durable stores.
type Orchestrator struct {
	cfg      *config.Config
	state    *session.State
	sessions *session.Manager
	journal  *journal.Journal
	ledger   *plan.Ledger
	queue    *feedback.Queue
	run      runner.Runner
	events   *eventlog.Log
	logger   *slog.Logger

	// resumed marks the first turn after a crash recovery so prompts can
	// tell the agent to re-verify workspace state.
	resumed bool
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Config   *config.Config
	State    *session.State
	Sessions *session.Manager
	Journal  *journal.Journal
	Ledger   *plan.Ledger
	Queue    *feedback.Queue
	Runner   runner.Runner
	Events   *eventlog.Log
	Logger   *slog.Logger
	Resumed  bool
}

// New builds an orchestrator. The state is owned by the orchestrator from
// here on; callers read it back through the session manager.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		cfg:      d.Config,
		state:    d.State,
		sessions: d.Sessions,
		journal:  d.Journal,
		ledger:   d.Ledger,
		queue:    d.Queue,
		run:      d.Runner,
		events:   d.Events,
		logger:   d.Logger,
		resumed:  d.Resumed,
	}
}

// State exposes the live session state for status reporting.
func (o *Orchestrator) State() *session.State {
	return o.state
}

// RequestReview schedules an out-of-band review at the next turn boundary.
func (o *Orchestrator) RequestReview() error {
	o.state.PendingReview = true
	return o.sessions.Save(o.state)
}

// RunTurn executes exactly one turn and advances the session state. The
// returned Outcome tells the caller whether to keep looping.
func (o *Orchestrator) RunTurn(ctx context.Context) (Outcome, error) {
	mode := o.currentMode()
	seq := o.state.Turn

	// A crash between the journal append and the session save leaves the
	// turn's record on disk with the session still pointing at its sequence
	// number. The record is the source of truth: finish its remaining side
	// effects instead of re-running the turn, so the sequence is never
	// appended twice.
	latest, err := o.journal.Latest()
	if err != nil {
		return Outcome{Mode: mode}, o.fatal(fmt.Sprintf("failed to read journal: %v", err))
	}
	if latest != nil && latest.Seq >= seq {
		return o.reconcile(latest)
	}

	if o.cfg.Policy.MaxTurns > 0 && o.state.CountedTurns >= o.cfg.Policy.MaxTurns {
		return Outcome{Mode: mode, Next: session.ModeStopped}, o.fatal(fmt.Sprintf("turn budget of %d exhausted", o.cfg.Policy.MaxTurns))
	}

	o.emit(eventlog.Event{Kind: eventlog.KindTurnStarted, Turn: seq, Mode: string(mode)})
	o.logger.Info("turn started", "turn", seq, "mode", mode)

	// Step 1: claim pending feedback.
	claimed, err := o.queue.ClaimPending()
	if err != nil {
		return Outcome{Mode: mode}, o.fatal(fmt.Sprintf("failed to claim feedback: %v", err))
	}
	for _, item := range claimed {
		o.emit(eventlog.Event{Kind: eventlog.KindFeedbackClaimed, Turn: seq, Detail: map[string]any{"key": item.Key}})
	}

	// Step 2: load plan and journal context.
	snapshot, err := o.ledger.Latest()
	if err != nil {
		return Outcome{Mode: mode}, o.fatal(fmt.Sprintf("failed to load plan: %v", err))
	}
	in, err := o.buildInput(mode, seq, snapshot, claimed)
	if err != nil {
		return Outcome{Mode: mode}, o.fatal(fmt.Sprintf("failed to gather turn context: %v", err))
	}

	// Steps 3-5: prompt, invoke, parse. Parse failures re-invoke once with
	// a corrective addendum.
	output, dir, err := o.invokeAndParse(ctx, mode, in)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Outcome{Mode: mode, Next: session.ModeStopped}, err
		}
		return Outcome{Mode: mode}, o.fatal(err.Error())
	}

	// Infinite sessions treat a taskless done as "goal met": re-seed and
	// plan again instead of terminating.
	reseed := false
	if o.state.Infinite && dir != nil && dir.Done() && dir.NextTask == "" {
		reseed = true
	}

	next := o.nextMode(mode, dir, reseed)

	// Step 6: persist side effects in strict order. A crash between steps
	// is recovered by replay: the turn record is the anchor and the ledger
	// apply is idempotent on the turn sequence.
	rec, err := o.journal.Append(&journal.TurnRecord{
		Seq:      seq,
		Mode:     string(mode),
		Task:     in.NextTask,
		Findings: clip(output, 16384),
		Outcome:  reviewOutcome(mode, in.NextTask, dir),
	})
	if err != nil {
		return Outcome{Mode: mode}, o.fatal(fmt.Sprintf("failed to persist turn record: %v", err))
	}

	if err := o.applyPlanMutations(mode, seq, snapshot, in.NextTask, dir); err != nil {
		return Outcome{Mode: mode}, o.fatal(fmt.Sprintf("failed to update plan: %v", err))
	}

	for _, item := range claimed {
		if err := o.queue.Resolve(item.Key, feedback.StateDone); err != nil {
			return Outcome{Mode: mode}, o.fatal(fmt.Sprintf("failed to resolve feedback %s: %v", item.Key, err))
		}
		o.emit(eventlog.Event{Kind: eventlog.KindFeedbackResolved, Turn: seq, Detail: map[string]any{"key": item.Key}})
	}

	o.advanceState(mode, next, seq, rec.Key, dir, reseed)
	if err := o.sessions.Save(o.state); err != nil {
		return Outcome{Mode: mode}, o.fatal(fmt.Sprintf("failed to save session state: %v", err))
	}

	o.resumed = false
	o.emit(eventlog.Event{Kind: eventlog.KindTurnCompleted, Turn: seq, Mode: string(mode), Detail: map[string]any{"next": string(next)}})
	o.logger.Info("turn completed", "turn", seq, "mode", mode, "next", next)

	out := Outcome{Mode: mode, Next: next}
	if next == session.ModeDone {
		out.Done = true
	}
	if o.state.StepMode && mode == session.ModeExecute && next != session.ModeDone {
		out.StepStop = true
	}
	return out, nil
}

// reconcile finishes a turn whose record survived a crash before the
// session save. The agent is not re-invoked; the plan, feedback, and
// session effects are re-derived from the record and applied idempotently.
func (o *Orchestrator) reconcile(rec *journal.TurnRecord) (Outcome, error) {
	mode := session.Mode(rec.Mode)
	seq := rec.Seq
	o.logger.Info("reconciling interrupted turn", "turn", seq, "mode", mode)

	var dir *directive.Directive
	if needsDirective(mode) {
		if d, err := directive.Parse(rec.Findings); err == nil {
			dir = d
		}
	}
	reseed := o.state.Infinite && dir != nil && dir.Done() && dir.NextTask == ""
	next := o.nextMode(mode, dir, reseed)

	snapshot, err := o.ledger.Latest()
	if err != nil {
		return Outcome{Mode: mode}, o.fatal(fmt.Sprintf("failed to load plan: %v", err))
	}
	if err := o.applyPlanMutations(mode, seq, snapshot, rec.Task, dir); err != nil {
		return Outcome{Mode: mode}, o.fatal(fmt.Sprintf("failed to update plan: %v", err))
	}

	// Feedback claimed by the interrupted turn was already surfaced to the
	// agent; it resolves with the turn.
	items, err := o.queue.List()
	if err != nil {
		return Outcome{Mode: mode}, o.fatal(fmt.Sprintf("failed to list feedback: %v", err))
	}
	for _, item := range items {
		if item.State != feedback.StateInProgress {
			continue
		}
		if err := o.queue.Resolve(item.Key, feedback.StateDone); err != nil {
			return Outcome{Mode: mode}, o.fatal(fmt.Sprintf("failed to resolve feedback %s: %v", item.Key, err))
		}
		o.emit(eventlog.Event{Kind: eventlog.KindFeedbackResolved, Turn: seq, Detail: map[string]any{"key": item.Key}})
	}

	o.advanceState(mode, next, seq, rec.Key, dir, reseed)
	if err := o.sessions.Save(o.state); err != nil {
		return Outcome{Mode: mode}, o.fatal(fmt.Sprintf("failed to save session state: %v", err))
	}

	o.emit(eventlog.Event{Kind: eventlog.KindTurnCompleted, Turn: seq, Mode: rec.Mode, Detail: map[string]any{"next": string(next), "reconciled": true}})
	o.logger.Info("turn reconciled", "turn", seq, "mode", mode, "next", next)

	out := Outcome{Mode: mode, Next: next}
	if next == session.ModeDone {
		out.Done = true
	}
	if o.state.StepMode && mode == session.ModeExecute && next != session.ModeDone {
		out.StepStop = true
	}
	return out, nil
}

// currentMode resolves the mode for this turn, honoring out-of-band review
// and retrospective requests at the boundary.
func (o *Orchestrator) currentMode() session.Mode {
	if o.state.PendingRetro {
		return session.ModeRetrospective
	}
	if o.state.PendingReview {
		return session.ModeReview
	}
	return o.state.Mode
}

func (o *Orchestrator) buildInput(mode session.Mode, seq int, snapshot *plan.Snapshot, claimed []*feedback.Item) (prompt.Input, error) {
	in := prompt.Input{
		Turn:     seq,
		Goal:     o.state.Goal,
		NextTask: o.state.NextTask,
		Resumed:  o.resumed,
		Infinite: o.state.Infinite,
	}

	for _, item := range claimed {
		in.Feedback = append(in.Feedback, prompt.FeedbackNote{
			Priority: string(item.Priority),
			Message:  item.Message,
		})
	}

	if len(snapshot.Tasks) > 0 {
		in.PlanSummary = summarizePlan(snapshot)
	}

	latest, err := o.journal.Latest()
	if err != nil {
		return in, err
	}
	if latest != nil {
		in.PriorRecord = renderRecord(latest)
	}

	// The directive may point at a specific record as context; a dangling
	// reference renders as no context rather than failing.
	if mode == session.ModeExecute && o.state.NextContext != "" {
		rec, err := o.journal.Read(o.state.NextContext)
		if err == nil {
			in.ContextRecord = renderRecord(rec)
		} else if !errors.Is(err, store.ErrNotFound) {
			return in, err
		}
	}

	return in, nil
}

// needsDirective reports whether a mode must end with a hand-off block.
func needsDirective(mode session.Mode) bool {
	switch mode {
	case session.ModePlan, session.ModeReview, session.ModeRetrospective:
		return true
	}
	return false
}

// invokeAndParse runs steps 3-5: render prompts, invoke the runner with
// bounded retries, and extract a directive where the mode requires one.
func (o *Orchestrator) invokeAndParse(ctx context.Context, mode session.Mode, in prompt.Input) (string, *directive.Directive, error) {
	parseAttempts := o.cfg.Policy.ParseRetries + 1

	for attempt := 0; attempt < parseAttempts; attempt++ {
		if attempt > 0 {
			in.Corrective = prompt.CorrectiveAddendum
			o.emit(eventlog.Event{Kind: eventlog.KindTurnRetry, Turn: in.Turn, Mode: string(mode), Detail: map[string]any{"cause": "parse"}})
		}

		system, user, err := prompt.Build(mode, in)
		if err != nil {
			return "", nil, err
		}

		output, err := o.invokeWithRetry(ctx, in.Turn, mode, runner.Invocation{
			System:  system,
			User:    user,
			Engine:  o.state.Engine,
			Timeout: time.Duration(o.cfg.Runner.TimeoutS) * time.Second,
		})
		if err != nil {
			return "", nil, err
		}

		if !needsDirective(mode) {
			return output, nil, nil
		}

		dir, err := directive.Parse(output)
		if err == nil {
			err = dir.Validate(o.state.Infinite)
		}
		if err == nil {
			return output, dir, nil
		}
		// A done directive in an infinite session with no next task is the
		// goal-met signal, not a malformed reply.
		if o.state.Infinite && dir != nil && dir.Done() {
			return output, dir, nil
		}

		o.logger.Warn("directive parse failed", "turn", in.Turn, "attempt", attempt+1, "error", err)
		if attempt == parseAttempts-1 {
			return "", nil, fmt.Errorf("agent output had no usable directive after %d attempts: %w", parseAttempts, err)
		}
	}
	return "", nil, errors.New("unreachable")
}

// invokeWithRetry runs the agent, retrying runner-level failures a bounded
// number of times.
func (o *Orchestrator) invokeWithRetry(ctx context.Context, turn int, mode session.Mode, inv runner.Invocation) (string, error) {
	attempts := o.cfg.Policy.RunnerRetries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			o.emit(eventlog.Event{Kind: eventlog.KindTurnRetry, Turn: turn, Mode: string(mode), Detail: map[string]any{"cause": "runner"}})
			o.logger.Warn("retrying agent invocation", "turn", turn, "attempt", attempt+1)
		}

		output, err := o.run.Invoke(ctx, inv)
		if err == nil {
			return output, nil
		}
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		lastErr = err
	}

	return "", fmt.Errorf("agent invocation failed after %d attempts: %w", attempts, lastErr)
}

// applyPlanMutations translates the turn's directive into idempotent ledger
// upserts keyed by the turn sequence. Conflicts from a concurrent submitter
// reload the latest snapshot and retry.
func (o *Orchestrator) applyPlanMutations(mode session.Mode, seq int, snapshot *plan.Snapshot, prevTask string, dir *directive.Directive) error {
	muts := planMutations(mode, snapshot, prevTask, dir)
	if len(muts) == 0 {
		return nil
	}

	attempts := o.cfg.Policy.LedgerRetries + 1
	base := snapshot
	for attempt := 0; attempt < attempts; attempt++ {
		applied, err := o.ledger.Apply(base.Key, seq, muts)
		if err == nil {
			o.emit(eventlog.Event{Kind: eventlog.KindPlanSnapshot, Turn: seq, Detail: map[string]any{"version": applied.Version}})
			return nil
		}
		if !errors.Is(err, plan.ErrConflict) || attempt == attempts-1 {
			return err
		}

		o.logger.Warn("plan ledger conflict, reloading", "turn", seq)
		base, err = o.ledger.Latest()
		if err != nil {
			return err
		}
		muts = planMutations(mode, base, prevTask, dir)
		if len(muts) == 0 {
			return nil
		}
	}
	return nil
}

// planMutations derives ledger changes from a turn: the task just worked on
// completes, the task the directive names becomes active.
func planMutations(mode session.Mode, snapshot *plan.Snapshot, prevTask string, dir *directive.Directive) []plan.Mutation {
	var muts []plan.Mutation

	if dir == nil || dir.NextTask == "" {
		return nil
	}

	nextID := store.Slugify(dir.NextTask)

	// A re-issued task stays doing; anything else the reviewer moved past
	// is complete.
	if (mode == session.ModeReview || mode == session.ModeRetrospective) && prevTask != "" {
		if id := store.Slugify(prevTask); id != nextID {
			if t := snapshot.Task(id); t != nil && t.State != plan.TaskDone {
				muts = append(muts, plan.Mutation{SetState: &plan.StateChange{ID: id, State: plan.TaskDone}})
			}
		}
	}

	if t := snapshot.Task(nextID); t == nil {
		muts = append(muts, plan.Mutation{Upsert: &plan.Task{ID: nextID, Title: dir.NextTask, State: plan.TaskDoing}})
	} else if t.State != plan.TaskDoing {
		muts = append(muts, plan.Mutation{SetState: &plan.StateChange{ID: nextID, State: plan.TaskDoing}})
	}

	return muts
}

// nextMode computes the transition out of the mode that just ran.
func (o *Orchestrator) nextMode(mode session.Mode, dir *directive.Directive, reseed bool) session.Mode {
	switch mode {
	case session.ModePlan:
		return session.ModeExecute
	case session.ModeExecute:
		return session.ModeReview
	case session.ModeRetrospective:
		return session.ModeExecute
	case session.ModeReview:
		if reseed {
			return session.ModePlan
		}
		if dir != nil && dir.Done() && !o.state.Infinite {
			return session.ModeDone
		}
		if o.retroDue() {
			return session.ModeRetrospective
		}
		return session.ModeExecute
	}
	return session.ModeStopped
}

// retroDue applies the retro schedule; a retrospective never follows
// another retrospective directly because the counter resets to zero.
func (o *Orchestrator) retroDue() bool {
	interval := o.state.RetroInterval()
	switch {
	case interval == 0:
		return false
	case interval < 0:
		interval = autoRetroInterval
	}
	return o.state.TurnsSinceRetro+1 >= interval
}

// advanceState mutates the session record after a turn's durable side
// effects are in place.
func (o *Orchestrator) advanceState(mode, next session.Mode, seq int, turnKey string, dir *directive.Directive, reseed bool) {
	o.state.LastTurnKey = turnKey
	o.state.LastCompletedTurn = seq

	// Sequence numbers never repeat; the budget counter is what a
	// retrospective may be excused from.
	o.state.Turn = seq + 1
	if mode != session.ModeRetrospective || o.cfg.Policy.RetroCountsTurn {
		o.state.CountedTurns++
	}

	if mode == session.ModeRetrospective {
		o.state.TurnsSinceRetro = 0
		o.state.PendingRetro = false
	} else {
		o.state.TurnsSinceRetro++
	}
	if mode == session.ModeReview {
		o.state.PendingReview = false
	}

	if dir != nil {
		o.state.NextTask = dir.NextTask
		o.state.NextContext = dir.JournalFile
	}

	if reseed {
		o.state.Goal = SelfImprovementGoal
		o.state.NextTask = ""
		o.state.NextContext = ""
		o.state.TurnsSinceRetro = 0
	}

	o.state.Mode = next
	if next == session.ModeDone {
		o.state.Running = false
	}
}

// fatal persists the failure and halts the loop. The mode is left alone so
// a resume retries the turn that failed instead of skipping it.
func (o *Orchestrator) fatal(reason string) error {
	o.state.FatalReason = reason
	o.state.Running = false
	if err := o.sessions.Save(o.state); err != nil {
		o.logger.Error("failed to persist fatal state", "error", err)
	}
	o.emit(eventlog.Event{Kind: eventlog.KindSessionFatal, Turn: o.state.Turn, Detail: map[string]any{"reason": reason}})
	o.logger.Error("session stopped", "reason", reason)
	return fmt.Errorf("%w: %s", ErrFatal, reason)
}

func (o *Orchestrator) emit(evt eventlog.Event) {
	if o.events == nil {
		return
	}
	evt.Session = o.state.ID
	if err := o.events.Append(evt); err != nil {
		o.logger.Warn("failed to append event", "kind", evt.Kind, "error", err)
	}
}

// reviewOutcome scores the reviewed work: a reviewer that re-issues the
// same task is asking for rework, anything else passed.
func reviewOutcome(mode session.Mode, prevTask string, dir *directive.Directive) journal.Outcome {
	if mode != session.ModeReview || dir == nil {
		return journal.OutcomeNone
	}
	if prevTask != "" && dir.NextTask == prevTask {
		return journal.OutcomeNeedsRework
	}
	return journal.OutcomePass
}

func summarizePlan(s *plan.Snapshot) string {
	var b []byte
	for _, t := range s.Tasks {
		b = append(b, fmt.Sprintf("- [%s] %s\n", t.State, t.Title)...)
	}
	return string(b)
}

func renderRecord(r *journal.TurnRecord) string {
	out := fmt.Sprintf("turn %d (%s)", r.Seq, r.Mode)
	if r.Task != "" {
		out += "\ntask: " + r.Task
	}
	if r.Findings != "" {
		out += "\n" + clip(r.Findings, 8192)
	}
	return out
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
