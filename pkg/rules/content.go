package rules

import (
	"regexp"

	"github.com/parapetlabs/parapet/pkg/features"
)

// ============================================================================
// CONTENT RULES: WEAPON INSTRUCTION AND DRUG SYNTHESIS
// ============================================================================
// Both rules scan the effective user message of each turn. Patterns run
// against normalized text (lowercase, ASCII punctuation), so they are
// written lowercase with plain apostrophes.

// WeaponPatterns match requests for weapon construction or acquisition.
var WeaponPatterns = []struct {
	Pattern  *regexp.Regexp
	Category string
	Example  string
}{
	{regexp.MustCompile(`\b(build|make|construct|assemble|making|building)\b.{0,40}\b(bomb|explosive|ied|grenade)\b`), "explosive", "how to build a bomb"},
	{regexp.MustCompile(`\bpipe\s+bomb\b`), "explosive", "pipe bomb parts list"},
	{regexp.MustCompile(`\bdetonat(e|or|ion|ors)\b`), "explosive", "wire a detonator"},
	{regexp.MustCompile(`\bghost\s+gun\b`), "firearm", "where to buy a ghost gun kit"},
	{regexp.MustCompile(`\buntraceable\s+(gun|firearm|weapon)\b`), "firearm", "untraceable firearm"},
	{regexp.MustCompile(`\b3d[\s-]?print(ed|ing)?\b.{0,30}\b(gun|firearm|receiver|suppressor)\b`), "firearm", "3d printed gun files"},
	{regexp.MustCompile(`\b(napalm|thermite|nerve\s+agent|sarin|ricin|mustard\s+gas)\b`), "agent", "how do you make napalm"},
}

// WeaponInstructionRule fires when any user turn matches a weapon
// construction pattern.
type WeaponInstructionRule struct{}

// NewWeaponInstructionRule returns the rule.
func NewWeaponInstructionRule() *WeaponInstructionRule { return &WeaponInstructionRule{} }

func (r *WeaponInstructionRule) Name() string { return "weapon_instruction" }

func (r *WeaponInstructionRule) Evaluate(b *features.Bundle) (Hit, bool) {
	matches := []WeaponMatch{}
	for i, text := range b.UserTurnTexts {
		t := features.Normalize(text)
		for _, p := range WeaponPatterns {
			if p.Pattern.MatchString(t) {
				matches = append(matches, WeaponMatch{TurnIndex: i, Category: p.Category})
				break
			}
		}
	}
	if len(matches) == 0 {
		return Hit{}, false
	}
	return Hit{
		Label:    LabelWeaponInstruction,
		Reason:   LabelWeaponInstruction,
		Evidence: WeaponInstructionEvidence{Matches: matches},
	}, true
}

// Drug synthesis is conjunctive: a turn must pair a synthesis verb with
// a controlled substance. Either alone is legitimate chemistry talk.
var (
	reSynthesisVerb = regexp.MustCompile(`\b(synthesi[sz]e|synthesis|make|making|cook|cooking|extract|extraction|purify|distill|manufacture|manufacturing|recipe)\b`)
	reSubstance     = regexp.MustCompile(`\b(meth|methamphetamine|fentanyl|mdma|ecstasy|lsd|heroin|cocaine|amphetamine|opioid)\b`)
)

// DrugSynthesisRule fires when a single user turn combines a synthesis
// verb with a controlled substance.
type DrugSynthesisRule struct{}

// NewDrugSynthesisRule returns the rule.
func NewDrugSynthesisRule() *DrugSynthesisRule { return &DrugSynthesisRule{} }

func (r *DrugSynthesisRule) Name() string { return "drug_synthesis" }

func (r *DrugSynthesisRule) Evaluate(b *features.Bundle) (Hit, bool) {
	matches := []SynthesisMatch{}
	for i, text := range b.UserTurnTexts {
		t := features.Normalize(text)
		verb := reSynthesisVerb.FindString(t)
		substance := reSubstance.FindString(t)
		if verb != "" && substance != "" {
			matches = append(matches, SynthesisMatch{TurnIndex: i, Verb: verb, Substance: substance})
		}
	}
	if len(matches) == 0 {
		return Hit{}, false
	}
	return Hit{
		Label:    LabelDrugSynthesis,
		Reason:   LabelDrugSynthesis,
		Evidence: DrugSynthesisEvidence{Matches: matches},
	}, true
}
