// Package alerts decides when a scored session becomes an alert and
// guarantees at-most-one alert per (session, reason) for the lifetime
// of the store. Dedupe rides on the store's uniqueness constraint, not
// on application locking, so it holds under concurrent emission.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parapetlabs/parapet/pkg/features"
	"github.com/parapetlabs/parapet/pkg/routing"
	"github.com/parapetlabs/parapet/pkg/rules"
	"github.com/parapetlabs/parapet/pkg/scoring"
)

// DefaultThreshold is the minimum score that produces an alert.
const DefaultThreshold = 80

// Enrichment carries the spike context a reviewer wants next to the
// score. Spike fields are nil when the velocity rule never fired.
type Enrichment struct {
	SpikeTurn           *int  `json:"spike_turn"`
	SpikeDelta          *int  `json:"spike_delta"`
	MaxUserKeywordDelta int   `json:"max_user_keyword_delta"`
	IncreaseTurns       []int `json:"increase_turns"`
}

// Alert is the persisted, append-only record of an alert-worthy
// session state. Labels serialize comma-joined in storage and as an
// array in API responses.
type Alert struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	CreatedAt   time.Time  `json:"created_at"`
	Score       int        `json:"score"`
	Severity    string     `json:"severity"`
	Labels      []string   `json:"labels"`
	TopReason   string     `json:"top_reason"`
	DedupeKey   string     `json:"dedupe_key"`
	Enrichment  Enrichment `json:"enrichment"`
	TimelineURL string     `json:"timeline_url"`
}

// ActiveQuery filters the active-alert listing. Zero values mean "no
// filter" except Cutoff, which callers must set.
type ActiveQuery struct {
	Cutoff   time.Time
	MinScore int
	Label    string
	Severity string
	Limit    int
}

// Store persists alerts. Insert must be atomic insert-or-reject on the
// dedupe key: it reports false with a nil error when the key already
// exists.
type Store interface {
	Insert(ctx context.Context, a Alert) (bool, error)
	List(ctx context.Context, limit int) ([]Alert, error)
	ListBySession(ctx context.Context, sessionID string) ([]Alert, error)
	ListActive(ctx context.Context, q ActiveQuery) ([]Alert, error)
}

// DedupeKey builds the alert identity for a session and reason. An
// empty reason is intentional: reason-less alerts for a session all
// collide on one catch-remaining bucket.
func DedupeKey(sessionID, topReason string) string {
	return sessionID + ":" + topReason
}

// Service evaluates score results against the alert threshold and
// emits through the store.
type Service struct {
	store     Store
	threshold int
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithThreshold sets the minimum alerting score.
func WithThreshold(threshold int) ServiceOption {
	return func(s *Service) {
		if threshold > 0 {
			s.threshold = threshold
		}
	}
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService builds a Service over the given store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		threshold: DefaultThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaybeEmit persists an alert for the session when the score clears the
// threshold. It returns (nil, false, nil) below the threshold and when
// the dedupe key already has an alert; both are normal outcomes, not
// errors.
func (s *Service) MaybeEmit(ctx context.Context, sessionID string, res *scoring.Result) (*Alert, bool, error) {
	if res == nil || res.Score < s.threshold {
		return nil, false, nil
	}

	topReason := ""
	if len(res.Reasons) > 0 {
		topReason = res.Reasons[0]
	}

	alert := Alert{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		CreatedAt:   s.now().UTC(),
		Score:       res.Score,
		Severity:    res.Severity,
		Labels:      append([]string{}, res.Labels...),
		TopReason:   topReason,
		DedupeKey:   DedupeKey(sessionID, topReason),
		Enrichment:  enrich(res),
		TimelineURL: routing.TimelineURL(sessionID),
	}

	inserted, err := s.store.Insert(ctx, alert)
	if err != nil {
		return nil, false, fmt.Errorf("insert alert: %w", err)
	}
	if !inserted {
		return nil, false, nil
	}
	return &alert, true, nil
}

// enrich pulls spike context out of the typed evidence variants. The
// velocity evidence contributes the spike fields; the feature snapshot
// contributes the max delta.
func enrich(res *scoring.Result) Enrichment {
	e := Enrichment{IncreaseTurns: []int{}}
	for _, ev := range res.Evidence {
		switch v := ev.(type) {
		case rules.RiskVelocityEvidence:
			spikeTurn, spikeDelta := v.SpikeTurn, v.SpikeDelta
			e.SpikeTurn = &spikeTurn
			e.SpikeDelta = &spikeDelta
			if len(v.IncreaseTurns) > 0 {
				e.IncreaseTurns = append([]int{}, v.IncreaseTurns...)
			}
		case *features.Bundle:
			e.MaxUserKeywordDelta = v.MaxUserKeywordDelta
		}
	}
	return e
}
