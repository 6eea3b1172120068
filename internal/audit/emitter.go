// Package audit records every parsed utterance and its outcome, one
// self-contained JSON line per record, with an optional SQLite store
// behind it for the audit reader.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rallylabs/rally-core/internal/config"
)

// Event is one audit record. Result is "ok" or "error".
type Event struct {
	Timestamp   time.Time `json:"ts"`
	SessionID   string    `json:"session_id"`
	Source      string    `json:"source,omitempty"`
	Raw         string    `json:"raw_text,omitempty"`
	Matched     string    `json:"matched,omitempty"`
	Score       float64   `json:"score,omitempty"`
	Command     string    `json:"command,omitempty"`
	StateBefore string    `json:"state_before,omitempty"`
	StateAfter  string    `json:"state_after,omitempty"`
	Target      string    `json:"target,omitempty"`
	Result      string    `json:"result"`
	Detail      string    `json:"detail,omitempty"`
}

const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Emitter accepts events without ever blocking the caller. A background
// writer appends them to the jsonl log and the store; write failures
// surface on Errors, and records that arrive faster than they can be
// written are dropped and counted.
type Emitter struct {
	log   *slog.Logger
	store *Store
	file  *os.File

	ch      chan Event
	errs    chan error
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	once    sync.Once
	dropped atomic.Int64
}

func NewEmitter(cfg config.AuditConfig, store *Store, log *slog.Logger) (*Emitter, error) {
	var file *os.File
	if cfg.LogPath != "" {
		dir := filepath.Dir(cfg.LogPath)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create log dir: %w", err)
			}
		}
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		file = f
	}

	e := &Emitter{
		log:   log.With(slog.String("component", "audit")),
		store: store,
		file:  file,
		ch:    make(chan Event, 256),
		errs:  make(chan error, 16),
		done:  make(chan struct{}),
	}
	go e.run()
	return e, nil
}

// Record enqueues one event. It never blocks: when the buffer is full
// the event is dropped and counted instead of stalling the router.
// Records arriving after Close are discarded.
func (e *Emitter) Record(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Result == "" {
		ev.Result = ResultOK
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	default:
		n := e.dropped.Add(1)
		e.log.Warn("audit buffer full, record dropped", slog.Int64("dropped_total", n))
	}
}

// Errors reports background write failures.
func (e *Emitter) Errors() <-chan error {
	return e.errs
}

// Dropped returns how many records were discarded due to back-pressure.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close flushes buffered events and releases the log file. The store is
// owned by the caller and stays open.
func (e *Emitter) Close() {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.ch)
		e.mu.Unlock()
		<-e.done
		if e.file != nil {
			e.file.Close()
		}
	})
}

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.ch {
		e.write(ev)
	}
}

func (e *Emitter) write(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		e.report(fmt.Errorf("marshal audit event: %w", err))
		return
	}
	if e.file != nil {
		if _, err := e.file.Write(append(line, '\n')); err != nil {
			e.report(fmt.Errorf("write audit log: %w", err))
		}
	}
	if e.store != nil {
		if err := e.store.Append(context.Background(), ev); err != nil {
			e.report(fmt.Errorf("store audit event: %w", err))
		}
	}
}

func (e *Emitter) report(err error) {
	select {
	case e.errs <- err:
	default:
		e.log.Warn("audit error channel full", slog.String("error", err.Error()))
	}
}
