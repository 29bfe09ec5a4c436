// Package eventlog provides an append-only NDJSON log of loop activity.
// The log is observational: the orchestrator recovers from the session
// record and the durable stores, never from this file.
package eventlog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iambrandonn/cadence/internal/ndjson"
)

// Kind identifies an event type.
type Kind string

const (
	KindSessionStarted Kind = "session.started"
	KindSessionResumed Kind = "session.resumed"
	KindSessionPaused  Kind = "session.paused"
	KindSessionStopped Kind = "session.stopped"
	KindSessionDone    Kind = "session.done"
	KindSessionFatal   Kind = "session.fatal"

	KindTurnStarted   Kind = "turn.started"
	KindTurnCompleted Kind = "turn.completed"
	KindTurnRetry     Kind = "turn.retry"

	KindFeedbackClaimed  Kind = "feedback.claimed"
	KindFeedbackResolved Kind = "feedback.resolved"
	KindPlanSnapshot     Kind = "plan.snapshot"
)

// Event is a single log line.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Kind      Kind           `json:"kind"`
	Session   string         `json:"session,omitempty"`
	Turn      int            `json:"turn,omitempty"`
	Mode      string         `json:"mode,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Log appends loop events to an NDJSON file.
type Log struct {
	path    string
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
}

// Open creates or opens the event log for appending.
func Open(logPath string, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Log{
		path:    logPath,
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// Append writes one event, stamping the time if unset.
func (l *Log) Append(evt Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return l.encoder.Encode(&evt)
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Tail reads the last n events from the log file at path. A missing file
// yields an empty slice. A torn final line stops the read without hiding
// the events before it.
func Tail(logPath string, n int, logger *slog.Logger) ([]Event, error) {
	file, err := os.Open(logPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var events []Event
	dec := ndjson.NewDecoder(file, logger)
	for {
		var evt Event
		if err := dec.Decode(&evt); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("stopping at unreadable event line", "error", err)
			}
			break
		}
		events = append(events, evt)
	}

	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}
