package rules

import "github.com/parapetlabs/parapet/pkg/features"

// RefusalRephraseRule fires when a user reworded a request right after
// the assistant refused it. The heavy lifting happens in feature
// extraction; this rule reads the precomputed hits.
type RefusalRephraseRule struct{}

// NewRefusalRephraseRule returns the rule.
func NewRefusalRephraseRule() *RefusalRephraseRule { return &RefusalRephraseRule{} }

func (r *RefusalRephraseRule) Name() string { return "refusal_rephrase" }

func (r *RefusalRephraseRule) Evaluate(b *features.Bundle) (Hit, bool) {
	if len(b.RephraseHits) == 0 {
		return Hit{}, false
	}
	return Hit{
		Label:  LabelRefusalRephrase,
		Reason: ReasonRefusalEvasionLoop,
		Evidence: RefusalRephraseEvidence{
			Hits:         b.RephraseHits,
			RefusalTurns: b.RefusalTurnIDs,
		},
	}, true
}
