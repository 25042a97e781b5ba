package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parapetlabs/parapet/pkg/session"
)

// DefaultRedisPrefix namespaces every key this store touches.
const DefaultRedisPrefix = "parapet"

// RedisEvents is a hot event store: one list of JSON events per
// session plus a recency zset for session listing. Alerts are not
// stored here; dedupe needs a uniqueness constraint Redis lists do
// not give us.
type RedisEvents struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisEvents store.
type RedisOption func(*RedisEvents)

// WithKeyPrefix replaces the key namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisEvents) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithTTL expires a session's event list this long after its last
// write. Zero keeps events forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisEvents) { r.ttl = ttl }
}

// OpenRedis connects using a redis:// URL.
func OpenRedis(dsn string, opts ...RedisOption) (*RedisEvents, error) {
	parsed, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisEvents(redis.NewClient(parsed), opts...), nil
}

// NewRedisEvents wraps an existing client.
func NewRedisEvents(client *redis.Client, opts ...RedisOption) *RedisEvents {
	r := &RedisEvents{client: client, prefix: DefaultRedisPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close closes the underlying client.
func (r *RedisEvents) Close() error {
	return r.client.Close()
}

func (r *RedisEvents) eventsKey(sessionID string) string {
	return r.prefix + ":events:" + sessionID
}

func (r *RedisEvents) sessionsKey() string {
	return r.prefix + ":sessions"
}

// InsertEvent appends one event. The returned id is the event's
// 1-based position in the session list, which preserves insertion
// order within a session.
func (r *RedisEvents) InsertEvent(ctx context.Context, ev session.Event) (int64, error) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	key := r.eventsKey(ev.SessionID)
	var pushed *redis.IntCmd
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pushed = pipe.RPush(ctx, key, payload)
		// GT keeps the recency score at MAX(ts) even when events
		// arrive out of time order.
		pipe.ZAddGT(ctx, r.sessionsKey(), redis.Z{
			Score:  float64(ev.TS.UnixMilli()),
			Member: ev.SessionID,
		})
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("push event: %w", err)
	}
	return pushed.Val(), nil
}

// SessionEvents returns a session's events ordered by turn, then
// insertion.
func (r *RedisEvents) SessionEvents(ctx context.Context, sessionID string) ([]session.Event, error) {
	raw, err := r.client.LRange(ctx, r.eventsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range events: %w", err)
	}

	events := make([]session.Event, 0, len(raw))
	for i, item := range raw {
		var ev session.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", i, err)
		}
		if ev.ID == 0 {
			ev.ID = int64(i + 1)
		}
		events = append(events, ev)
	}
	// Lists hold arrival order; a stable sort by turn leaves ties in
	// that order.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].TurnID < events[j].TurnID
	})
	return events, nil
}

// ListSessions summarizes sessions ordered by most recent activity.
func (r *RedisEvents) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	limit = normalizeLimit(limit)
	members, err := r.client.ZRevRangeWithScores(ctx, r.sessionsKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("range sessions: %w", err)
	}

	summaries := make([]SessionSummary, 0, len(members))
	for _, m := range members {
		sessionID, _ := m.Member.(string)
		count, err := r.client.LLen(ctx, r.eventsKey(sessionID)).Result()
		if err != nil {
			return nil, fmt.Errorf("count events: %w", err)
		}
		summaries = append(summaries, SessionSummary{
			SessionID:    sessionID,
			EventCount:   int(count),
			LastActivity: time.UnixMilli(int64(m.Score)).UTC(),
		})
	}
	return summaries, nil
}

// Reset deletes every session list and the recency set. Dev tooling
// only.
func (r *RedisEvents) Reset(ctx context.Context) error {
	members, err := r.client.ZRange(ctx, r.sessionsKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("range sessions: %w", err)
	}
	keys := make([]string, 0, len(members)+1)
	for _, sessionID := range members {
		keys = append(keys, r.eventsKey(sessionID))
	}
	keys = append(keys, r.sessionsKey())
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}
	return nil
}

var (
	_ EventStore = (*RedisEvents)(nil)
	_ Resetter   = (*RedisEvents)(nil)
)
