package rules

import "github.com/parapetlabs/parapet/pkg/features"

// DefaultDirectAttackMinCount is the per-turn sensitive keyword count
// that flips a turn from curiosity to attack.
const DefaultDirectAttackMinCount = 2

// DirectPromptAttackRule fires when any single user turn stacks enough
// sensitive keywords. One keyword is a question; several in one breath
// is an attempt.
type DirectPromptAttackRule struct {
	minCount int
}

// NewDirectPromptAttackRule returns the rule with the given per-turn
// keyword threshold. Values below 1 fall back to the default.
func NewDirectPromptAttackRule(minCount int) *DirectPromptAttackRule {
	if minCount < 1 {
		minCount = DefaultDirectAttackMinCount
	}
	return &DirectPromptAttackRule{minCount: minCount}
}

func (r *DirectPromptAttackRule) Name() string { return "direct_prompt_attack" }

func (r *DirectPromptAttackRule) Evaluate(b *features.Bundle) (Hit, bool) {
	maxCount := 0
	maxTurn := -1
	for _, tc := range b.UserKeywordProgression {
		if tc.Count > maxCount {
			maxCount = tc.Count
			maxTurn = tc.TurnID
		}
	}
	if maxCount < r.minCount {
		return Hit{}, false
	}
	return Hit{
		Label:  LabelDirectPromptAttack,
		Reason: LabelDirectPromptAttack,
		Evidence: DirectPromptAttackEvidence{
			MaxCount:  maxCount,
			TurnID:    maxTurn,
			Threshold: r.minCount,
		},
	}, true
}
