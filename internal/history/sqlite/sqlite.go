package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/adbfleet/adbfleet/internal/history"
)

// Sink writes execution history to SQLite (modernc.org/sqlite driver,
// CGO-free). DSN is a filesystem path; ":memory:" works for tests.
type Sink struct {
	db *sql.DB
}

func New(path string) (*Sink, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	s := &Sink{db: d}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS execution_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			device_serial TEXT NOT NULL,
			script_id TEXT NOT NULL,
			pid INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			stopped_at TIMESTAMP NULL,
			result TEXT NULL,
			detail TEXT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_execution_history_exec ON execution_history(execution_id);`,
		`CREATE INDEX IF NOT EXISTS idx_execution_history_device ON execution_history(device_serial);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	now := time.Now().UTC()
	switch e.Type {
	case history.EventStart:
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO execution_history(execution_id, device_serial, script_id, pid, started_at, stopped_at, result, detail, updated_at)
			VALUES(?, ?, ?, ?, ?, NULL, NULL, NULL, ?)
			ON CONFLICT(execution_id) DO UPDATE SET
				device_serial=excluded.device_serial,
				script_id=excluded.script_id,
				pid=excluded.pid,
				started_at=excluded.started_at,
				updated_at=excluded.updated_at;`,
			e.ExecutionID, e.DeviceSerial, e.ScriptID, e.PID, e.StartedAt.UTC(), now)
		return err
	case history.EventStop:
		var detail sql.NullString
		if e.Detail != "" {
			detail = sql.NullString{String: e.Detail, Valid: true}
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE execution_history
			SET stopped_at=?, result=?, detail=?, updated_at=?
			WHERE execution_id=?;`,
			e.StoppedAt.UTC(), e.Result, detail, now, e.ExecutionID)
		return err
	}
	return errors.New("unknown history event type: " + string(e.Type))
}

// Recent returns the latest executions for a device, most recent first.
func (s *Sink) Recent(ctx context.Context, serial string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, device_serial, script_id, pid, started_at, stopped_at, result, detail
		FROM execution_history
		WHERE device_serial=?
		ORDER BY started_at DESC
		LIMIT ?;`, serial, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]history.Event, 0)
	for rows.Next() {
		var e history.Event
		var stopped sql.NullTime
		var result, detail sql.NullString
		if err := rows.Scan(&e.ExecutionID, &e.DeviceSerial, &e.ScriptID, &e.PID, &e.StartedAt, &stopped, &result, &detail); err != nil {
			return nil, err
		}
		if stopped.Valid {
			e.StoppedAt = stopped.Time
			e.Type = history.EventStop
		} else {
			e.Type = history.EventStart
		}
		e.Result = result.String
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error { return s.db.Close() }
