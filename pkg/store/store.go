// Package store persists events and alerts. Three backends share the
// same interfaces: SQLite for single-node deployments (the default),
// Postgres for shared ones, and Redis as a hot event store. Alert
// inserts ride each backend's uniqueness machinery so dedupe holds
// without application locks.
package store

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/parapetlabs/parapet/pkg/alerts"
	"github.com/parapetlabs/parapet/pkg/session"
)

// DefaultListLimit bounds listing queries when callers pass no limit.
const DefaultListLimit = 100

// SessionSummary is one row of the session listing.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	EventCount   int       `json:"event_count"`
	LastActivity time.Time `json:"last_activity"`
}

// EventStore is the event persistence surface the gateway needs.
// SessionEvents returns events ordered by turn id, then insertion id.
type EventStore interface {
	InsertEvent(ctx context.Context, ev session.Event) (int64, error)
	SessionEvents(ctx context.Context, sessionID string) ([]session.Event, error)
	ListSessions(ctx context.Context, limit int) ([]SessionSummary, error)
}

// Resetter wipes all persisted rows. Dev tooling only.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Backends bundles the stores selected by a DSN.
type Backends struct {
	Events  EventStore
	Alerts  alerts.Store
	closers []io.Closer
}

// Backend kinds reported by Kind.
const (
	KindMemory   = "memory"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
	KindRedis    = "redis"
)

// Kind names the backend a DSN selects, without echoing the DSN
// itself, which may embed credentials.
func Kind(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == "memory":
		return KindMemory
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return KindPostgres
	case strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://"):
		return KindRedis
	default:
		return KindSQLite
	}
}

// Open selects backends from a single DSN:
//
//	""            in-memory events and alerts
//	postgres://   Postgres for both
//	redis://      Redis events, in-memory alerts
//	anything else SQLite database path for both
func Open(dsn string) (*Backends, error) {
	dsn = strings.TrimSpace(dsn)
	switch Kind(dsn) {
	case KindMemory:
		return &Backends{Events: NewMemoryEvents(), Alerts: NewMemoryAlerts()}, nil
	case KindPostgres:
		pg, err := OpenPostgres(dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return &Backends{Events: pg, Alerts: pg, closers: []io.Closer{pg}}, nil
	case KindRedis:
		r, err := OpenRedis(dsn)
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
		// Redis only stores events. Alert dedupe needs a uniqueness
		// constraint, so alerts stay local.
		return &Backends{Events: r, Alerts: NewMemoryAlerts(), closers: []io.Closer{r}}, nil
	default:
		db, err := OpenSQLite(dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return &Backends{Events: db, Alerts: db, closers: []io.Closer{db}}, nil
	}
}

// Close releases every backend owned by this bundle.
func (b *Backends) Close() error {
	var firstErr error
	for _, c := range b.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reset wipes events and alerts on backends that support it.
func (b *Backends) Reset(ctx context.Context) error {
	seen := map[Resetter]bool{}
	for _, target := range []any{b.Events, b.Alerts} {
		r, ok := target.(Resetter)
		if !ok || seen[r] {
			continue
		}
		seen[r] = true
		if err := r.Reset(ctx); err != nil {
			return err
		}
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// joinInts serializes turn lists for single-column storage.
func joinInts(values []int) string {
	if len(values) == 0 {
		return ""
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func splitInts(s string) []int {
	if s == "" {
		return []int{}
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if v, err := strconv.Atoi(p); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// joinLabels keeps the comma-joined storage format for label sets.
func joinLabels(labels []string) string {
	return strings.Join(labels, ",")
}

func splitLabels(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}
