// Package rules holds the detection rules evaluated over a session's
// feature bundle. Rules are pure functions of the bundle: no I/O, no
// clocks, no shared state, so a scoring pass is reproducible.
package rules

import (
	"fmt"

	"github.com/parapetlabs/parapet/pkg/features"
)

// Labels attached to scored sessions, in canonical registration order.
const (
	LabelRefusalRephrase    = "REFUSAL_REPHRASE"
	LabelWeaponInstruction  = "WEAPON_INSTRUCTION"
	LabelDrugSynthesis      = "DRUG_SYNTHESIS"
	LabelDirectPromptAttack = "DIRECT_PROMPT_ATTACK"
	LabelIntentEscalation   = "INTENT_ESCALATION"
	LabelIntentTrajectory   = "INTENT_TRAJECTORY"
	LabelRiskVelocity       = "RISK_VELOCITY"
	LabelCrescendoAttack    = "CRESCENDO_ATTACK"
)

// Reasons that differ from their label.
const (
	ReasonRefusalEvasionLoop  = "REFUSAL_EVASION_LOOP"
	ReasonCrescendoEscalation = "CRESCENDO_ESCALATION"
)

// Hit is one rule's positive finding. Evidence is the rule's tagged
// variant; its Key() decides where it lands in the score result.
type Hit struct {
	Label    string
	Reason   string
	Evidence Evidence
}

// Rule evaluates one behavioral signal against a feature bundle.
type Rule interface {
	// Name is the rule's stable snake_case identifier, used for
	// evidence keys and error attribution.
	Name() string

	// Evaluate returns the hit and true when the rule fires.
	Evaluate(b *features.Bundle) (Hit, bool)
}

// Outcome is the result of one evaluation pass: the ordered hits plus
// any per-rule failures, keyed "<rule>_error" for the evidence map.
type Outcome struct {
	Hits   []Hit
	Errors map[string]string
}

// EvaluateAll runs every rule in order. A panicking rule is recovered,
// recorded under "<name>_error", and never stops the pass: one broken
// rule must not take detection down with it.
func EvaluateAll(ruleset []Rule, b *features.Bundle) Outcome {
	out := Outcome{Hits: []Hit{}, Errors: map[string]string{}}
	for _, r := range ruleset {
		hit, ok := evaluateIsolated(r, b, out.Errors)
		if ok {
			out.Hits = append(out.Hits, hit)
		}
	}
	return out
}

func evaluateIsolated(r Rule, b *features.Bundle, errs map[string]string) (hit Hit, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			errs[r.Name()+"_error"] = fmt.Sprintf("%v", rec)
			ok = false
		}
	}()
	return r.Evaluate(b)
}

// DefaultRules returns the full ruleset in canonical order. Order is
// part of the contract: labels and reasons surface in this order.
func DefaultRules() []Rule {
	return []Rule{
		NewRefusalRephraseRule(),
		NewWeaponInstructionRule(),
		NewDrugSynthesisRule(),
		NewDirectPromptAttackRule(DefaultDirectAttackMinCount),
		NewIntentEscalationRule(DefaultEscalationMinTurns),
		NewIntentTrajectoryRule(),
		NewRiskVelocityRule(DefaultVelocityMinSpikes, DefaultVelocityMinDelta),
		NewCrescendoRule(DefaultCrescendoMinDelta),
	}
}

// Threshold keys recognized by TunedRules.
const (
	ThresholdDirectAttackMinKeywords = "direct_attack_min_keywords"
	ThresholdEscalationMinTurns      = "escalation_min_turns"
	ThresholdVelocityMinSpikes       = "velocity_min_spikes"
	ThresholdVelocityMinDelta        = "velocity_min_delta"
	ThresholdCrescendoMinDelta       = "crescendo_min_delta"
)

// TunedRules returns the canonical ruleset with per-rule thresholds
// applied from the table. Unknown keys are ignored; missing or
// non-positive values fall back to each rule's default.
func TunedRules(thresholds map[string]int) []Rule {
	return []Rule{
		NewRefusalRephraseRule(),
		NewWeaponInstructionRule(),
		NewDrugSynthesisRule(),
		NewDirectPromptAttackRule(thresholds[ThresholdDirectAttackMinKeywords]),
		NewIntentEscalationRule(thresholds[ThresholdEscalationMinTurns]),
		NewIntentTrajectoryRule(),
		NewRiskVelocityRule(thresholds[ThresholdVelocityMinSpikes], thresholds[ThresholdVelocityMinDelta]),
		NewCrescendoRule(thresholds[ThresholdCrescendoMinDelta]),
	}
}
