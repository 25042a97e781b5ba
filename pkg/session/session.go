// Package session defines conversation events and the helpers that
// canonicalize and group them before feature extraction.
package session

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the accepted values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

const (
	// MaxSessionIDLength caps normalized session identifiers.
	MaxSessionIDLength = 64

	// DefaultSessionID is used when normalization strips everything.
	DefaultSessionID = "default"
)

// Validation errors returned by Event.Validate.
var (
	ErrEmptySessionID = errors.New("empty session_id")
	ErrNegativeTurnID = errors.New("negative turn_id")
	ErrInvalidRole    = errors.New("invalid role")
)

// Event is a single conversation turn submitted for analysis.
// ID is assigned by the event store on insert; TS defaults to the
// ingest time when the caller leaves it zero.
type Event struct {
	ID        int64     `json:"id,omitempty"`
	SessionID string    `json:"session_id"`
	TurnID    int       `json:"turn_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	TS        time.Time `json:"ts,omitempty"`
	Model     string    `json:"model,omitempty"`
}

// Validate checks the fields a caller controls. Content may be empty:
// an empty turn still counts toward persistence.
func (e Event) Validate() error {
	if strings.TrimSpace(e.SessionID) == "" {
		return ErrEmptySessionID
	}
	if e.TurnID < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeTurnID, e.TurnID)
	}
	if !e.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, e.Role)
	}
	return nil
}

var (
	sessionWhitespace = regexp.MustCompile(`\s+`)
	sessionDisallowed = regexp.MustCompile(`[^a-z0-9_-]`)
)

// NormalizeSessionID canonicalizes a caller-supplied session identifier:
// trim, lowercase, collapse whitespace runs to underscores, strip anything
// outside [a-z0-9_-], cap at MaxSessionIDLength. An identifier that strips
// to nothing becomes DefaultSessionID.
func NormalizeSessionID(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = sessionWhitespace.ReplaceAllString(s, "_")
	s = sessionDisallowed.ReplaceAllString(s, "")
	if len(s) > MaxSessionIDLength {
		s = s[:MaxSessionIDLength]
	}
	if s == "" {
		return DefaultSessionID
	}
	return s
}

// TurnGroup collects the events of one conversation turn in arrival order.
type TurnGroup struct {
	TurnID int
	Events []Event
}

// GroupByTurn partitions events into turns ordered by ascending turn id.
// Within a turn, arrival order is preserved. Gaps in turn ids are fine;
// duplicate (turn, role) events are all kept.
func GroupByTurn(events []Event) []TurnGroup {
	byTurn := make(map[int][]Event)
	order := make([]int, 0)
	for _, ev := range events {
		if _, seen := byTurn[ev.TurnID]; !seen {
			order = append(order, ev.TurnID)
		}
		byTurn[ev.TurnID] = append(byTurn[ev.TurnID], ev)
	}
	sort.Ints(order)

	groups := make([]TurnGroup, 0, len(order))
	for _, id := range order {
		groups = append(groups, TurnGroup{TurnID: id, Events: byTurn[id]})
	}
	return groups
}

// UserTurn is the effective user message of one turn.
type UserTurn struct {
	TurnID  int
	Content string
}

// LastUserMessagePerTurn reduces each turn to its final user message,
// skipping turns with no user events. When a client resubmits a turn,
// the latest submission wins.
func LastUserMessagePerTurn(events []Event) []UserTurn {
	turns := make([]UserTurn, 0)
	for _, group := range GroupByTurn(events) {
		last := ""
		found := false
		for _, ev := range group.Events {
			if ev.Role == RoleUser {
				last = ev.Content
				found = true
			}
		}
		if found {
			turns = append(turns, UserTurn{TurnID: group.TurnID, Content: last})
		}
	}
	return turns
}

// AssistantTurns returns the assistant events grouped per turn, ascending.
// Refusal detection scans every assistant message, not just the last.
func AssistantTurns(events []Event) []TurnGroup {
	groups := make([]TurnGroup, 0)
	for _, group := range GroupByTurn(events) {
		kept := TurnGroup{TurnID: group.TurnID}
		for _, ev := range group.Events {
			if ev.Role == RoleAssistant {
				kept.Events = append(kept.Events, ev)
			}
		}
		if len(kept.Events) > 0 {
			groups = append(groups, kept)
		}
	}
	return groups
}
