package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rallylabs/rally-core/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEmitterWritesOneJSONLinePerRecord(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "commands.jsonl")
	cfg := config.Default().Audit
	cfg.LogPath = logPath

	e, err := NewEmitter(cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}

	e.Record(Event{SessionID: "s1", Raw: "平抽球", Matched: "平抽球", Score: 1, Command: "start_training"})
	e.Record(Event{SessionID: "s1", Command: "stop_training"})
	e.Record(Event{SessionID: "s2", Command: "connect", Result: ResultError, Detail: "timeout"})
	e.Close()

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 3 {
		t.Fatalf("got %d lines, want 3", len(events))
	}
	if events[0].Result != ResultOK {
		t.Fatalf("default result = %q, want ok", events[0].Result)
	}
	if events[0].Timestamp.IsZero() {
		t.Fatal("timestamp must be filled")
	}
	if events[2].Result != ResultError || events[2].Detail != "timeout" {
		t.Fatalf("error record mangled: %+v", events[2])
	}
	if e.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0", e.Dropped())
	}
}

func TestStoreAppendAndList(t *testing.T) {
	cfg := config.Default().Audit
	cfg.Path = filepath.Join(t.TempDir(), "audit.db")

	s, err := OpenStore(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	records := []Event{
		{SessionID: "s1", Command: "connect", Timestamp: base},
		{SessionID: "s1", Command: "start_training", Timestamp: base.Add(time.Second)},
		{SessionID: "s2", Command: "scan", Timestamp: base.Add(2 * time.Second)},
	}
	for _, ev := range records {
		if err := s.Append(context.Background(), ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := s.ListSession(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("list session: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events for s1, want 2", len(events))
	}
	if events[0].Command != "connect" || events[1].Command != "start_training" {
		t.Fatalf("session events out of order: %+v", events)
	}

	recent, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 || recent[0].Command != "scan" {
		t.Fatalf("recent order wrong: %+v", recent)
	}
}

func TestStoreEphemeralIsNoOp(t *testing.T) {
	cfg := config.Default().Audit
	cfg.RetentionMode = "ephemeral"
	cfg.Path = filepath.Join(t.TempDir(), "audit.db")

	s, err := OpenStore(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	if err := s.Append(context.Background(), Event{SessionID: "s1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, err := s.Recent(context.Background(), 10)
	if err != nil || events != nil {
		t.Fatalf("ephemeral store returned %v, %v", events, err)
	}
	if _, err := os.Stat(cfg.Path); !os.IsNotExist(err) {
		t.Fatal("ephemeral store must not create a database file")
	}
}

func TestPruneCapsCommandCount(t *testing.T) {
	cfg := config.Default().Audit
	cfg.Path = filepath.Join(t.TempDir(), "audit.db")
	cfg.MaxCommands = 2

	s, err := OpenStore(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return base.Add(time.Minute) }

	for i := 0; i < 5; i++ {
		ev := Event{SessionID: "s1", Command: "shot", Timestamp: base.Add(time.Duration(i) * time.Second)}
		if err := s.Append(context.Background(), ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	recent, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d events after prune, want 2", len(recent))
	}
	if !recent[0].Timestamp.Equal(base.Add(4 * time.Second)) {
		t.Fatalf("prune kept the wrong rows: %+v", recent)
	}
}

func TestPruneDropsExpiredRows(t *testing.T) {
	cfg := config.Default().Audit
	cfg.Path = filepath.Join(t.TempDir(), "audit.db")
	cfg.RetentionDays = 7

	s, err := OpenStore(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	old := Event{SessionID: "s1", Command: "connect", Timestamp: now.Add(-10 * 24 * time.Hour)}
	fresh := Event{SessionID: "s1", Command: "scan", Timestamp: now.Add(-time.Hour)}
	for _, ev := range []Event{old, fresh} {
		if err := s.Append(context.Background(), ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 1 || events[0].Command != "scan" {
		t.Fatalf("retention kept the wrong rows: %+v", events)
	}
}
