package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rallylabs/rally-core/internal/config"
)

// Store keeps audit events in SQLite for the reader and retention
// policies. With retention_mode=ephemeral no database is opened and
// every method is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.AuditConfig
	log   *slog.Logger
	clock func() time.Time
}

func OpenStore(ctx context.Context, cfg config.AuditConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("audit store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("audit store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS commands (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    source TEXT,
    raw_text TEXT,
    matched TEXT,
    score REAL,
    command TEXT,
    state_before TEXT,
    state_after TEXT,
    target TEXT,
    result TEXT NOT NULL,
    detail TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commands_session_created ON commands(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes one event. Ephemeral stores accept and discard.
func (s *Store) Append(ctx context.Context, ev Event) error {
	if s.db == nil {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commands(session_id, source, raw_text, matched, score, command,
		                      state_before, state_after, target, result, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.Source, ev.Raw, ev.Matched, ev.Score, ev.Command,
		ev.StateBefore, ev.StateAfter, ev.Target, ev.Result, ev.Detail,
		ev.Timestamp.Format(time.RFC3339Nano))
	return err
}

// ListSession returns up to limit events for a session, oldest first.
func (s *Store) ListSession(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT session_id, source, raw_text, matched, score, command,
		        state_before, state_after, target, result, detail, created_at
		 FROM commands WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`,
		sessionID, limit)
}

// Recent returns the newest limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT session_id, source, raw_text, matched, score, command,
		        state_before, state_after, target, result, detail, created_at
		 FROM commands ORDER BY created_at DESC LIMIT ?`,
		limit)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var created string
		if err := rows.Scan(&ev.SessionID, &ev.Source, &ev.Raw, &ev.Matched, &ev.Score,
			&ev.Command, &ev.StateBefore, &ev.StateAfter, &ev.Target, &ev.Result,
			&ev.Detail, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			ev.Timestamp = ts
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Prune applies the retention policy: drop rows older than the
// configured day window, then cap the table at max_commands keeping the
// newest rows.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM commands WHERE created_at < ?`,
			cutoff.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	if s.cfg.MaxCommands > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM commands WHERE id IN (
			SELECT id FROM commands ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxCommands); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
