package rules

import "github.com/parapetlabs/parapet/pkg/features"

// Velocity and crescendo defaults. Both rules read the keyword delta
// series; velocity wants repeated spikes, crescendo wants one big one.
const (
	DefaultVelocityMinSpikes = 2
	DefaultVelocityMinDelta  = 2
	DefaultCrescendoMinDelta = 2
)

// RiskVelocityRule fires when the keyword count jumps sharply on
// several turns: the session is accelerating, not drifting.
type RiskVelocityRule struct {
	minSpikes int
	minDelta  int
}

// NewRiskVelocityRule returns the rule. Non-positive thresholds fall
// back to the defaults.
func NewRiskVelocityRule(minSpikes, minDelta int) *RiskVelocityRule {
	if minSpikes < 1 {
		minSpikes = DefaultVelocityMinSpikes
	}
	if minDelta < 1 {
		minDelta = DefaultVelocityMinDelta
	}
	return &RiskVelocityRule{minSpikes: minSpikes, minDelta: minDelta}
}

func (r *RiskVelocityRule) Name() string { return "risk_velocity" }

func (r *RiskVelocityRule) Evaluate(b *features.Bundle) (Hit, bool) {
	spikes := []features.TurnDelta{}
	biggest := features.TurnDelta{TurnID: -1}
	for _, d := range b.KeywordDeltas {
		if d.Delta >= r.minDelta {
			spikes = append(spikes, d)
			if d.Delta > biggest.Delta || biggest.TurnID < 0 {
				biggest = d
			}
		}
	}
	if len(spikes) < r.minSpikes {
		return Hit{}, false
	}
	return Hit{
		Label:  LabelRiskVelocity,
		Reason: LabelRiskVelocity,
		Evidence: RiskVelocityEvidence{
			Spikes:        spikes,
			SpikeTurn:     biggest.TurnID,
			SpikeDelta:    biggest.Delta,
			IncreaseTurns: b.IncreaseTurns,
		},
	}, true
}

// CrescendoRule fires on a single large keyword jump between
// consecutive user turns. The spike turn and its delta feed alert
// enrichment downstream.
type CrescendoRule struct {
	minDelta int
}

// NewCrescendoRule returns the rule. Non-positive thresholds fall back
// to the default.
func NewCrescendoRule(minDelta int) *CrescendoRule {
	if minDelta < 1 {
		minDelta = DefaultCrescendoMinDelta
	}
	return &CrescendoRule{minDelta: minDelta}
}

func (r *CrescendoRule) Name() string { return "crescendo" }

func (r *CrescendoRule) Evaluate(b *features.Bundle) (Hit, bool) {
	if b.MaxUserKeywordDelta < r.minDelta {
		return Hit{}, false
	}
	spikeTurn := -1
	for _, d := range b.KeywordDeltas {
		if d.Delta == b.MaxUserKeywordDelta {
			spikeTurn = d.TurnID
			break
		}
	}
	return Hit{
		Label:  LabelCrescendoAttack,
		Reason: ReasonCrescendoEscalation,
		Evidence: CrescendoEvidence{
			MaxDelta:      b.MaxUserKeywordDelta,
			SpikeTurn:     spikeTurn,
			IncreaseTurns: b.IncreaseTurns,
		},
	}, true
}
