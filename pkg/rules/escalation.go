package rules

import (
	"regexp"
	"strings"

	"github.com/parapetlabs/parapet/pkg/features"
)

// ============================================================================
// ESCALATION AND TRAJECTORY RULES
// ============================================================================

// DefaultEscalationMinTurns is how many distinct user turns must press
// for specifics before escalation fires.
const DefaultEscalationMinTurns = 2

// EscalationTerms mark a user pressing for operational specificity.
var EscalationTerms = []string{
	"step by step",
	"step-by-step",
	"exact steps",
	"exactly how",
	"in detail",
	"detailed instructions",
	"full instructions",
	"complete guide",
	"walk me through",
	"specifically how",
	"precise amounts",
}

// IntentEscalationRule fires when several user turns push for
// specificity. A single "explain in detail" is normal; repetition
// across turns is a pattern.
type IntentEscalationRule struct {
	minTurns int
}

// NewIntentEscalationRule returns the rule with the given turn
// threshold. Values below 1 fall back to the default.
func NewIntentEscalationRule(minTurns int) *IntentEscalationRule {
	if minTurns < 1 {
		minTurns = DefaultEscalationMinTurns
	}
	return &IntentEscalationRule{minTurns: minTurns}
}

func (r *IntentEscalationRule) Name() string { return "intent_escalation" }

func (r *IntentEscalationRule) Evaluate(b *features.Bundle) (Hit, bool) {
	turns := []int{}
	terms := []string{}
	for i, text := range b.UserTurnTexts {
		t := features.Normalize(text)
		for _, term := range EscalationTerms {
			if containsTerm(t, term) {
				turns = append(turns, i)
				terms = append(terms, term)
				break
			}
		}
	}
	if len(turns) < r.minTurns {
		return Hit{}, false
	}
	return Hit{
		Label:  LabelIntentEscalation,
		Reason: LabelIntentEscalation,
		Evidence: IntentEscalationEvidence{
			TurnIndexes: turns,
			Terms:       terms,
		},
	}, true
}

// Trajectory phases, ordered by operational depth. A session that walks
// the ladder from research toward execution is planning, not browsing.
const (
	PhaseResearch  = "research"
	PhaseMaterials = "materials"
	PhaseExecution = "execution"
)

var phaseRank = map[string]int{
	PhaseResearch:  1,
	PhaseMaterials: 2,
	PhaseExecution: 3,
}

// TrajectoryPatterns classify a user turn into its deepest phase.
// Listed deepest-first so classification can stop at the first match.
var TrajectoryPatterns = []struct {
	Pattern *regexp.Regexp
	Phase   string
	Example string
}{
	{regexp.MustCompile(`\bhow\s+(do|would|can)\s+i\s+(make|build|create|assemble)\b`), PhaseExecution, "how do I make it"},
	{regexp.MustCompile(`\b(give|show|send)\s+me\s+(the\s+)?(exact\s+)?(steps|instructions|process)\b`), PhaseExecution, "give me the exact steps"},
	{regexp.MustCompile(`\bstep[\s-]by[\s-]step\b`), PhaseExecution, "step by step walkthrough"},
	{regexp.MustCompile(`\bwhat\s+(materials|ingredients|components|supplies|equipment|chemicals)\b`), PhaseMaterials, "what materials do I need"},
	{regexp.MustCompile(`\bwhere\s+(do|can|would)\s+i\s+(get|buy|find|obtain)\b`), PhaseMaterials, "where can I buy them"},
	{regexp.MustCompile(`\bwhat('s|\s+is|\s+are)\b`), PhaseResearch, "what's the history of explosives"},
	{regexp.MustCompile(`\b(history|background|chemistry)\s+of\b`), PhaseResearch, "the history of rocketry"},
	{regexp.MustCompile(`\bhow\s+(does|do)\s+\w+\s+work\b`), PhaseResearch, "how does it work"},
	{regexp.MustCompile(`\b(explain|describe|tell\s+me\s+about)\b`), PhaseResearch, "tell me about it"},
}

// ClassifyPhase returns the deepest trajectory phase a user message
// matches, or "" when none apply.
func ClassifyPhase(text string) string {
	t := features.Normalize(text)
	for _, p := range TrajectoryPatterns {
		if p.Pattern.MatchString(t) {
			return p.Phase
		}
	}
	return ""
}

// IntentTrajectoryRule fires when a session reaches the execution phase
// after touching at least one earlier phase: the user moved down the
// ladder instead of arriving at the bottom.
type IntentTrajectoryRule struct{}

// NewIntentTrajectoryRule returns the rule.
func NewIntentTrajectoryRule() *IntentTrajectoryRule { return &IntentTrajectoryRule{} }

func (r *IntentTrajectoryRule) Name() string { return "intent_trajectory" }

func (r *IntentTrajectoryRule) Evaluate(b *features.Bundle) (Hit, bool) {
	phases := []PhaseObservation{}
	seen := map[string]bool{}
	reachedExecution := false
	for i, text := range b.UserTurnTexts {
		phase := ClassifyPhase(text)
		if phase == "" {
			continue
		}
		phases = append(phases, PhaseObservation{TurnIndex: i, Phase: phase, Rank: phaseRank[phase]})
		seen[phase] = true
		if phase == PhaseExecution {
			reachedExecution = true
		}
	}
	if !reachedExecution || len(seen) < 2 {
		return Hit{}, false
	}
	return Hit{
		Label:  LabelIntentTrajectory,
		Reason: LabelIntentTrajectory,
		Evidence: IntentTrajectoryEvidence{
			Phases:         phases,
			DistinctPhases: len(seen),
		},
	}, true
}

// containsTerm is substring containment over already-normalized text.
func containsTerm(normalized, term string) bool {
	return term != "" && strings.Contains(normalized, term)
}
