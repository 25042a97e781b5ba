package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/parapetlabs/parapet/pkg/alerts"
	"github.com/parapetlabs/parapet/pkg/session"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	id         BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	turn_id    INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	model      TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_session_turn
	ON events (session_id, turn_id);

CREATE TABLE IF NOT EXISTS alerts (
	id                     TEXT PRIMARY KEY,
	session_id             TEXT NOT NULL,
	created_at             TIMESTAMPTZ NOT NULL,
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

// Postgres persists events and alerts through pgx's database/sql
// adapter.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects and runs migrations.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// InsertEvent appends one event and returns its row id. A zero
// timestamp is filled with the current time.
func (p *Postgres) InsertEvent(ctx context.Context, ev session.Event) (int64, error) {
	ts := ev.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO events (session_id, turn_id, role, content, ts, model)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		ev.SessionID, ev.TurnID, string(ev.Role), ev.Content,
		ts.UTC(), nullIfEmpty(ev.Model),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

// SessionEvents returns a session's events ordered by turn, then
// insertion.
func (p *Postgres) SessionEvents(ctx context.Context, sessionID string) ([]session.Event, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, session_id, turn_id, role, content, ts, model
		 FROM events WHERE session_id = $1
		 ORDER BY turn_id, id`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("session events: %w", err)
	}
	defer rows.Close()

	events := []session.Event{}
	for rows.Next() {
		var ev session.Event
		var role string
		var model sql.NullString
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.TurnID, &role, &ev.Content, &ev.TS, &model); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Role = session.Role(role)
		if model.Valid {
			ev.Model = model.String
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListSessions summarizes sessions ordered by most recent activity.
func (p *Postgres) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT session_id, COUNT(*), MAX(ts)
		 FROM events GROUP BY session_id
		 ORDER BY MAX(ts) DESC LIMIT $1`, normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	summaries := []SessionSummary{}
	for rows.Next() {
		var sum SessionSummary
		if err := rows.Scan(&sum.SessionID, &sum.EventCount, &sum.LastActivity); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Insert stores an alert unless its dedupe key already exists. A
// conflict reports (false, nil).
func (p *Postgres) Insert(ctx context.Context, a alerts.Alert) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO alerts
		 (id, session_id, created_at, score, severity, labels, top_reason,
		  dedupe_key, spike_turn, spike_delta, max_user_keyword_delta,
		  increase_turns, timeline_url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		a.ID, a.SessionID, a.CreatedAt.UTC(), a.Score, a.Severity,
		joinLabels(a.Labels), a.TopReason, a.DedupeKey,
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

const postgresAlertColumns = `id, session_id, created_at, score, severity,
	labels, top_reason, dedupe_key, spike_turn, spike_delta,
	max_user_keyword_delta, increase_turns, timeline_url`

// List returns the newest alerts first.
func (p *Postgres) List(ctx context.Context, limit int) ([]alerts.Alert, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+postgresAlertColumns+`
		 FROM alerts ORDER BY created_at DESC LIMIT $1`, normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return scanPostgresAlerts(rows)
}

// ListBySession returns a session's alerts, newest first.
func (p *Postgres) ListBySession(ctx context.Context, sessionID string) ([]alerts.Alert, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+postgresAlertColumns+`
		 FROM alerts WHERE session_id = $1
		 ORDER BY created_at DESC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("session alerts: %w", err)
	}
	return scanPostgresAlerts(rows)
}

// ListActive returns recent alerts matching the query filters.
func (p *Postgres) ListActive(ctx context.Context, q alerts.ActiveQuery) ([]alerts.Alert, error) {
	query := `SELECT ` + postgresAlertColumns + ` FROM alerts WHERE created_at >= $1`
	args := []any{q.Cutoff.UTC()}
	if q.MinScore > 0 {
		query += fmt.Sprintf(` AND score >= $%d`, len(args)+1)
		args = append(args, q.MinScore)
	}
	if q.Severity != "" {
		query += fmt.Sprintf(` AND severity = $%d`, len(args)+1)
		args = append(args, q.Severity)
	}
	if q.Label != "" {
		query += fmt.Sprintf(` AND (',' || labels || ',') LIKE ('%%,' || $%d || ',%%')`, len(args)+1)
		args = append(args, q.Label)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, normalizeLimit(q.Limit))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("active alerts: %w", err)
	}
	return scanPostgresAlerts(rows)
}

// Reset wipes both tables. Dev tooling only.
func (p *Postgres) Reset(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return fmt.Errorf("reset events: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM alerts`); err != nil {
		return fmt.Errorf("reset alerts: %w", err)
	}
	return nil
}

func scanPostgresAlerts(rows *sql.Rows) ([]alerts.Alert, error) {
	defer rows.Close()

	out := []alerts.Alert{}
	for rows.Next() {
		var a alerts.Alert
		var labels, turns string
		var spikeTurn, spikeDelta sql.NullInt64
		if err := rows.Scan(
			&a.ID, &a.SessionID, &a.CreatedAt, &a.Score, &a.Severity,
			&labels, &a.TopReason, &a.DedupeKey, &spikeTurn, &spikeDelta,
			&a.Enrichment.MaxUserKeywordDelta, &turns, &a.TimelineURL,
		); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Labels = splitLabels(labels)
		a.Enrichment.SpikeTurn = intPtr(spikeTurn)
		a.Enrichment.SpikeDelta = intPtr(spikeDelta)
		a.Enrichment.IncreaseTurns = splitInts(turns)
		out = append(out, a)
	}
	return out, rows.Err()
}

var (
	_ EventStore   = (*Postgres)(nil)
	_ alerts.Store = (*Postgres)(nil)
	_ Resetter     = (*Postgres)(nil)
)
