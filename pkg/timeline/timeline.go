// Package timeline rebuilds an audit view of how a session's score
// evolved. Every turn is rescored over the full event prefix, so the
// per-turn evidence is byte-identical to what a fresh scoring call on
// that prefix would report. That costs O(turns^2) and is deliberate.
package timeline

import (
	"fmt"
	"strings"

	"github.com/parapetlabs/parapet/pkg/features"
	"github.com/parapetlabs/parapet/pkg/rules"
	"github.com/parapetlabs/parapet/pkg/scoring"
	"github.com/parapetlabs/parapet/pkg/session"
)

// Display tuning.
const (
	DefaultTruncate  = 240
	MaxTopSignals    = 3
	truncationMarker = "…"
)

// Highlight marks something notable on a single turn.
type Highlight struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// Entry is one message rendered on the timeline, content truncated.
type Entry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnView is the session state as of one turn: the full score result
// for the event prefix ending at this turn, plus what changed here.
type TurnView struct {
	TurnID     int             `json:"turn_id"`
	Entries    []Entry         `json:"entries,omitempty"`
	Result     *scoring.Result `json:"result"`
	NewLabels  []string        `json:"new_labels"`
	NewReasons []string        `json:"new_reasons"`
	Highlights []Highlight     `json:"highlights"`
}

// Timeline is the full audit view of a session.
type Timeline struct {
	SessionID         string          `json:"session_id,omitempty"`
	Final             *scoring.Result `json:"final"`
	RecommendedAction string          `json:"recommended_action"`
	Explanation       string          `json:"explanation"`
	TopSignals        []string        `json:"top_signals"`
	Turns             []TurnView      `json:"turns"`
}

// Builder rebuilds timelines with a scoring engine.
type Builder struct {
	engine        *scoring.Engine
	truncate      int
	includeEvents bool
}

// Option configures a Builder.
type Option func(*Builder)

// WithTruncate caps rendered message content at n runes. Zero disables
// truncation.
func WithTruncate(n int) Option {
	return func(b *Builder) { b.truncate = n }
}

// WithoutEvents omits per-turn message entries, for callers that only
// want the score trace.
func WithoutEvents() Option {
	return func(b *Builder) { b.includeEvents = false }
}

// NewBuilder wires a Builder to the engine whose results it narrates.
func NewBuilder(engine *scoring.Engine, opts ...Option) *Builder {
	b := &Builder{
		engine:        engine,
		truncate:      DefaultTruncate,
		includeEvents: true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build rebuilds the timeline from scratch. The input events are never
// mutated; rendered content is copied before truncation.
func (b *Builder) Build(sessionID string, events []session.Event) *Timeline {
	groups := session.GroupByTurn(events)

	finalRes, finalBundle := b.engine.Score(events)
	tl := &Timeline{
		SessionID:         sessionID,
		Final:             finalRes,
		RecommendedAction: RecommendedAction(finalRes.Severity),
		Explanation:       explanation(finalRes),
		TopSignals:        topSignals(finalRes),
		Turns:             []TurnView{},
	}

	prefix := make([]session.Event, 0, len(events))
	prevLabels := map[string]bool{}
	prevReasons := map[string]bool{}

	for _, group := range groups {
		prefix = append(prefix, group.Events...)
		res, _ := b.engine.Score(prefix)

		view := TurnView{
			TurnID:     group.TurnID,
			Result:     res,
			NewLabels:  diffOrdered(res.Labels, prevLabels),
			NewReasons: diffOrdered(res.Reasons, prevReasons),
			Highlights: b.highlights(group.TurnID, finalRes, finalBundle),
		}
		if b.includeEvents {
			view.Entries = b.entries(group.Events)
		}
		tl.Turns = append(tl.Turns, view)

		for _, l := range res.Labels {
			prevLabels[l] = true
		}
		for _, r := range res.Reasons {
			prevReasons[r] = true
		}
	}
	return tl
}

// RecommendedAction mirrors the router's severity mapping for display.
// It is an audit aid, not an enforcement path.
func RecommendedAction(severity string) string {
	switch severity {
	case scoring.SeverityMedium:
		return "review"
	case scoring.SeverityHigh:
		return "block"
	}
	return "allow"
}

func explanation(res *scoring.Result) string {
	out := fmt.Sprintf("Scored %d (%s).", res.Score, res.Severity)
	if len(res.Labels) > 0 {
		out += fmt.Sprintf(" Triggered: %s.", strings.Join(res.Labels, ", "))
	}
	return out
}

// topSignals summarizes the strongest findings in label order, capped
// at MaxTopSignals.
func topSignals(res *scoring.Result) []string {
	signals := []string{}
	for _, label := range res.Labels {
		if len(signals) >= MaxTopSignals {
			break
		}
		if s := signalFor(label, res); s != "" {
			signals = append(signals, s)
		}
	}
	return signals
}

func signalFor(label string, res *scoring.Result) string {
	switch label {
	case rules.LabelRefusalRephrase:
		if ev, ok := evidenceAs[rules.RefusalRephraseEvidence](res); ok {
			return fmt.Sprintf("Refusal-rephrase loop (hits=%d).", len(ev.Hits))
		}
	case rules.LabelWeaponInstruction:
		if ev, ok := evidenceAs[rules.WeaponInstructionEvidence](res); ok {
			return fmt.Sprintf("Weapon instruction patterns matched (turns=%d).", len(ev.Matches))
		}
	case rules.LabelDrugSynthesis:
		if ev, ok := evidenceAs[rules.DrugSynthesisEvidence](res); ok {
			return fmt.Sprintf("Drug synthesis request (turns=%d).", len(ev.Matches))
		}
	case rules.LabelDirectPromptAttack:
		if ev, ok := evidenceAs[rules.DirectPromptAttackEvidence](res); ok {
			return fmt.Sprintf("Keyword-dense prompt attack (max_count=%d).", ev.MaxCount)
		}
	case rules.LabelIntentEscalation:
		if ev, ok := evidenceAs[rules.IntentEscalationEvidence](res); ok {
			return fmt.Sprintf("Specificity pressure across %d turns.", len(ev.TurnIndexes))
		}
	case rules.LabelIntentTrajectory:
		if ev, ok := evidenceAs[rules.IntentTrajectoryEvidence](res); ok {
			return fmt.Sprintf("Intent trajectory reached execution (%d phases).", ev.DistinctPhases)
		}
	case rules.LabelRiskVelocity:
		if ev, ok := evidenceAs[rules.RiskVelocityEvidence](res); ok {
			return fmt.Sprintf("Velocity spike (delta=%d at turn %d).", ev.SpikeDelta, ev.SpikeTurn)
		}
	case rules.LabelCrescendoAttack:
		if ev, ok := evidenceAs[rules.CrescendoEvidence](res); ok {
			return fmt.Sprintf("Crescendo escalation (max_delta=%d).", ev.MaxDelta)
		}
	}
	return ""
}

// evidenceAs finds the typed evidence variant in a result.
func evidenceAs[T rules.Evidence](res *scoring.Result) (T, bool) {
	var zero T
	for _, ev := range res.Evidence {
		if typed, ok := ev.(T); ok {
			return typed, true
		}
	}
	return zero, false
}

// highlights annotates one turn from the final result's evidence.
func (b *Builder) highlights(turnID int, res *scoring.Result, bundle *features.Bundle) []Highlight {
	hl := []Highlight{}

	for _, tid := range bundle.RefusalTurnIDs {
		if tid == turnID {
			hl = append(hl, Highlight{Type: "refusal", Title: "Assistant refusal detected"})
			break
		}
	}
	for _, hit := range bundle.RephraseHits {
		if hit.RephraseTurn == turnID {
			hl = append(hl, Highlight{
				Type:   "rephrase",
				Title:  "User rephrased after refusal",
				Detail: fmt.Sprintf("similarity=%v", hit.Similarity),
			})
			break
		}
	}
	if ev, ok := evidenceAs[rules.CrescendoEvidence](res); ok {
		for _, tid := range ev.IncreaseTurns {
			if tid == turnID {
				hl = append(hl, Highlight{Type: "crescendo", Title: "Escalation across turns"})
				break
			}
		}
	}
	if ev, ok := evidenceAs[rules.RiskVelocityEvidence](res); ok && ev.SpikeTurn == turnID {
		hl = append(hl, Highlight{
			Type:   "velocity",
			Title:  "Velocity spike",
			Detail: fmt.Sprintf("delta=%d", ev.SpikeDelta),
		})
	}
	for _, tc := range bundle.UserKeywordProgression {
		if tc.TurnID == turnID && tc.Count > 0 {
			hl = append(hl, Highlight{
				Type:   "keywords",
				Title:  "Sensitive keywords",
				Detail: fmt.Sprintf("count=%d", tc.Count),
			})
			break
		}
	}
	return hl
}

func (b *Builder) entries(events []session.Event) []Entry {
	entries := make([]Entry, 0, len(events))
	for _, ev := range events {
		entries = append(entries, Entry{
			Role:    string(ev.Role),
			Content: truncate(ev.Content, b.truncate),
		})
	}
	return entries
}

// truncate caps content at n runes, appending a marker when cut.
func truncate(content string, n int) string {
	if n <= 0 {
		return content
	}
	runes := []rune(content)
	if len(runes) <= n {
		return content
	}
	return string(runes[:n]) + truncationMarker
}

// diffOrdered returns the items of list absent from prev, preserving
// list order.
func diffOrdered(list []string, prev map[string]bool) []string {
	out := []string{}
	for _, item := range list {
		if !prev[item] {
			out = append(out, item)
		}
	}
	return out
}
