package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/parapetlabs/parapet/pkg/alerts"
	"github.com/parapetlabs/parapet/pkg/session"
)

// tsLayout is RFC 3339 UTC with a fixed-width fraction. Fixed width
// keeps lexicographic TEXT comparison equal to time comparison, which
// MAX(ts) and the created_at cutoff rely on.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	turn_id    INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	ts         TEXT NOT NULL,
	model      TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_session_turn
	ON events (session_id, turn_id);

CREATE TABLE IF NOT EXISTS alerts (
	id                     TEXT PRIMARY KEY,
	session_id             TEXT NOT NULL,
	created_at             TEXT NOT NULL,
	score                  INTEGER NOT NULL,
	severity               TEXT NOT NULL,
	labels                 TEXT NOT NULL,
	top_reason             TEXT NOT NULL,
	dedupe_key             TEXT NOT NULL UNIQUE,
	spike_turn             INTEGER,
	spike_delta            INTEGER,
	max_user_keyword_delta INTEGER NOT NULL,
	increase_turns         TEXT NOT NULL,
	timeline_url           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_session
	ON alerts (session_id);
CREATE INDEX IF NOT EXISTS idx_alerts_created
	ON alerts (created_at);
`

// SQLite persists events and alerts in one database file. A single
// writer with WAL readers is enough for this workload.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database and runs migrations.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// InsertEvent appends one event and returns its row id. A zero
// timestamp is filled with the current time.
func (s *SQLite) InsertEvent(ctx context.Context, ev session.Event) (int64, error) {
	ts := ev.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (session_id, turn_id, role, content, ts, model)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.TurnID, string(ev.Role), ev.Content,
		ts.UTC().Format(tsLayout), nullIfEmpty(ev.Model),
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert event id: %w", err)
	}
	return id, nil
}

// SessionEvents returns a session's events ordered by turn, then
// insertion.
func (s *SQLite) SessionEvents(ctx context.Context, sessionID string) ([]session.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, turn_id, role, content, ts, model
		 FROM events WHERE session_id = ?
		 ORDER BY turn_id, id`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("session events: %w", err)
	}
	defer rows.Close()

	events := []session.Event{}
	for rows.Next() {
		var ev session.Event
		var role, tsStr string
		var model sql.NullString
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.TurnID, &role, &ev.Content, &tsStr, &model); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Role = session.Role(role)
		ev.TS, _ = time.Parse(tsLayout, tsStr)
		if model.Valid {
			ev.Model = model.String
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListSessions summarizes sessions ordered by most recent activity.
func (s *SQLite) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, COUNT(*), MAX(ts)
		 FROM events GROUP BY session_id
		 ORDER BY MAX(ts) DESC LIMIT ?`, normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	summaries := []SessionSummary{}
	for rows.Next() {
		var sum SessionSummary
		var lastStr string
		if err := rows.Scan(&sum.SessionID, &sum.EventCount, &lastStr); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.LastActivity, _ = time.Parse(tsLayout, lastStr)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Insert stores an alert unless its dedupe key already exists. A
// conflict reports (false, nil).
func (s *SQLite) Insert(ctx context.Context, a alerts.Alert) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts
		 (id, session_id, created_at, score, severity, labels, top_reason,
		  dedupe_key, spike_turn, spike_delta, max_user_keyword_delta,
		  increase_turns, timeline_url)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(dedupe_key) DO NOTHING`,
		a.ID, a.SessionID, a.CreatedAt.UTC().Format(tsLayout), a.Score,
		a.Severity, joinLabels(a.Labels), a.TopReason, a.DedupeKey,
		nullableInt(a.Enrichment.SpikeTurn), nullableInt(a.Enrichment.SpikeDelta),
		a.Enrichment.MaxUserKeywordDelta, joinInts(a.Enrichment.IncreaseTurns),
		a.TimelineURL,
	)
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert alert rows: %w", err)
	}
	return n > 0, nil
}

const sqliteAlertColumns = `id, session_id, created_at, score, severity,
	labels, top_reason, dedupe_key, spike_turn, spike_delta,
	max_user_keyword_delta, increase_turns, timeline_url`

// List returns the newest alerts first.
func (s *SQLite) List(ctx context.Context, limit int) ([]alerts.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteAlertColumns+`
		 FROM alerts ORDER BY created_at DESC LIMIT ?`, normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return scanSQLiteAlerts(rows)
}

// ListBySession returns a session's alerts, newest first.
func (s *SQLite) ListBySession(ctx context.Context, sessionID string) ([]alerts.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteAlertColumns+`
		 FROM alerts WHERE session_id = ?
		 ORDER BY created_at DESC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("session alerts: %w", err)
	}
	return scanSQLiteAlerts(rows)
}

// ListActive returns recent alerts matching the query filters.
func (s *SQLite) ListActive(ctx context.Context, q alerts.ActiveQuery) ([]alerts.Alert, error) {
	query := `SELECT ` + sqliteAlertColumns + ` FROM alerts WHERE created_at >= ?`
	args := []any{q.Cutoff.UTC().Format(tsLayout)}
	if q.MinScore > 0 {
		query += ` AND score >= ?`
		args = append(args, q.MinScore)
	}
	if q.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, q.Severity)
	}
	if q.Label != "" {
		// labels is comma-joined; pad both sides so the match is
		// whole-label, not substring.
		query += ` AND (',' || labels || ',') LIKE ('%,' || ? || ',%')`
		args = append(args, q.Label)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, normalizeLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("active alerts: %w", err)
	}
	return scanSQLiteAlerts(rows)
}

// Reset wipes both tables. Dev tooling only.
func (s *SQLite) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return fmt.Errorf("reset events: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM alerts`); err != nil {
		return fmt.Errorf("reset alerts: %w", err)
	}
	return nil
}

func scanSQLiteAlerts(rows *sql.Rows) ([]alerts.Alert, error) {
	defer rows.Close()

	out := []alerts.Alert{}
	for rows.Next() {
		var a alerts.Alert
		var createdStr, labels, turns string
		var spikeTurn, spikeDelta sql.NullInt64
		if err := rows.Scan(
			&a.ID, &a.SessionID, &createdStr, &a.Score, &a.Severity,
			&labels, &a.TopReason, &a.DedupeKey, &spikeTurn, &spikeDelta,
			&a.Enrichment.MaxUserKeywordDelta, &turns, &a.TimelineURL,
		); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.CreatedAt, _ = time.Parse(tsLayout, createdStr)
		a.Labels = splitLabels(labels)
		a.Enrichment.SpikeTurn = intPtr(spikeTurn)
		a.Enrichment.SpikeDelta = intPtr(spikeDelta)
		a.Enrichment.IncreaseTurns = splitInts(turns)
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var (
	_ EventStore   = (*SQLite)(nil)
	_ alerts.Store = (*SQLite)(nil)
	_ Resetter     = (*SQLite)(nil)
)
