package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/parapetlabs/parapet/pkg/alerts"
	"github.com/parapetlabs/parapet/pkg/session"
)

// memorySession is one session's events plus bookkeeping for the
// TTL sweep.
type memorySession struct {
	events       []session.Event
	lastActivity time.Time
}

// MemoryEvents is a thread-safe in-memory event store. The default
// backend when no DSN is configured, and the test double for
// everything above the store layer. Events live forever unless a TTL
// is set.
type MemoryEvents struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	nextID   int64

	ttl        time.Duration
	cleanupTTL time.Duration

	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

// MemoryOption configures a MemoryEvents store.
type MemoryOption func(*MemoryEvents)

// WithEventTTL drops sessions idle longer than d. Zero keeps them
// forever.
func WithEventTTL(d time.Duration) MemoryOption {
	return func(m *MemoryEvents) { m.ttl = d }
}

// WithCleanupInterval sets how often the TTL sweep runs.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *MemoryEvents) {
		if d > 0 {
			m.cleanupTTL = d
		}
	}
}

// NewMemoryEvents creates an in-memory event store. The cleanup
// goroutine only starts when a TTL is configured.
func NewMemoryEvents(opts ...MemoryOption) *MemoryEvents {
	m := &MemoryEvents{
		sessions:    make(map[string]*memorySession),
		cleanupTTL:  5 * time.Minute,
		stopCleanup: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ttl > 0 {
		go m.cleanupLoop()
	}
	return m
}

// Close stops the cleanup goroutine.
func (m *MemoryEvents) Close() error {
	m.cleanupOnce.Do(func() {
		close(m.stopCleanup)
	})
	return nil
}

// InsertEvent appends one event and returns its id. A zero timestamp
// is filled with the current time.
func (m *MemoryEvents) InsertEvent(ctx context.Context, ev session.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	m.nextID++
	ev.ID = m.nextID

	s, ok := m.sessions[ev.SessionID]
	if !ok {
		s = &memorySession{}
		m.sessions[ev.SessionID] = s
	}
	s.events = append(s.events, ev)
	if ev.TS.After(s.lastActivity) {
		s.lastActivity = ev.TS
	}
	return ev.ID, nil
}

// SessionEvents returns a copy of a session's events ordered by turn,
// then insertion.
func (m *MemoryEvents) SessionEvents(ctx context.Context, sessionID string) ([]session.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok || m.expired(s) {
		return []session.Event{}, nil
	}
	events := make([]session.Event, len(s.events))
	copy(events, s.events)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].TurnID < events[j].TurnID
	})
	return events, nil
}

// ListSessions summarizes sessions ordered by most recent activity.
func (m *MemoryEvents) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := []SessionSummary{}
	for id, s := range m.sessions {
		if m.expired(s) {
			continue
		}
		summaries = append(summaries, SessionSummary{
			SessionID:    id,
			EventCount:   len(s.events),
			LastActivity: s.lastActivity,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].LastActivity.Equal(summaries[j].LastActivity) {
			return summaries[i].SessionID < summaries[j].SessionID
		}
		return summaries[i].LastActivity.After(summaries[j].LastActivity)
	})
	if limit = normalizeLimit(limit); len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// Reset drops every session.
func (m *MemoryEvents) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*memorySession)
	return nil
}

func (m *MemoryEvents) expired(s *memorySession) bool {
	return m.ttl > 0 && time.Since(s.lastActivity) > m.ttl
}

func (m *MemoryEvents) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCleanup:
			return
		}
	}
}

func (m *MemoryEvents) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		if m.expired(s) {
			delete(m.sessions, id)
		}
	}
}

// MemoryAlerts is a thread-safe in-memory alert store with the same
// dedupe contract as the SQL backends.
type MemoryAlerts struct {
	mu    sync.RWMutex
	byKey map[string]bool
	list  []alerts.Alert
}

// NewMemoryAlerts creates an empty in-memory alert store.
func NewMemoryAlerts() *MemoryAlerts {
	return &MemoryAlerts{byKey: map[string]bool{}}
}

// Insert stores an alert unless its dedupe key already exists. A
// conflict reports (false, nil).
func (m *MemoryAlerts) Insert(ctx context.Context, a alerts.Alert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.byKey[a.DedupeKey] {
		return false, nil
	}
	m.byKey[a.DedupeKey] = true
	m.list = append(m.list, a)
	return true, nil
}

// List returns the newest alerts first.
func (m *MemoryAlerts) List(ctx context.Context, limit int) ([]alerts.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filtered(normalizeLimit(limit), func(alerts.Alert) bool { return true }), nil
}

// ListBySession returns a session's alerts, newest first.
func (m *MemoryAlerts) ListBySession(ctx context.Context, sessionID string) ([]alerts.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filtered(0, func(a alerts.Alert) bool {
		return a.SessionID == sessionID
	}), nil
}

// ListActive returns recent alerts matching the query filters.
func (m *MemoryAlerts) ListActive(ctx context.Context, q alerts.ActiveQuery) ([]alerts.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filtered(normalizeLimit(q.Limit), func(a alerts.Alert) bool {
		if a.CreatedAt.Before(q.Cutoff) {
			return false
		}
		if q.MinScore > 0 && a.Score < q.MinScore {
			return false
		}
		if q.Severity != "" && a.Severity != q.Severity {
			return false
		}
		if q.Label != "" && !hasLabel(a.Labels, q.Label) {
			return false
		}
		return true
	}), nil
}

// Reset drops every alert and frees every dedupe key.
func (m *MemoryAlerts) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey = map[string]bool{}
	m.list = nil
	return nil
}

// filtered copies matching alerts newest-first. A non-positive limit
// means unlimited. Callers hold the lock.
func (m *MemoryAlerts) filtered(limit int, keep func(alerts.Alert) bool) []alerts.Alert {
	out := []alerts.Alert{}
	for _, a := range m.list {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

var (
	_ EventStore   = (*MemoryEvents)(nil)
	_ Resetter     = (*MemoryEvents)(nil)
	_ alerts.Store = (*MemoryAlerts)(nil)
	_ Resetter     = (*MemoryAlerts)(nil)
)
