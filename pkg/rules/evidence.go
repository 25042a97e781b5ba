package rules

import "github.com/parapetlabs/parapet/pkg/features"

// Evidence is the typed per-rule explanation attached to a hit. Each
// rule has its own variant so consumers can type-switch instead of
// digging through string-keyed maps; Key() is the stable name the
// variant lands under in a score result's evidence map.
type Evidence interface {
	Key() string
}

// Compile-time checks that every variant satisfies Evidence.
var (
	_ Evidence = RefusalRephraseEvidence{}
	_ Evidence = WeaponInstructionEvidence{}
	_ Evidence = DrugSynthesisEvidence{}
	_ Evidence = DirectPromptAttackEvidence{}
	_ Evidence = IntentEscalationEvidence{}
	_ Evidence = IntentTrajectoryEvidence{}
	_ Evidence = RiskVelocityEvidence{}
	_ Evidence = CrescendoEvidence{}
)

// RefusalRephraseEvidence carries the detected refusal/rephrase pairs.
type RefusalRephraseEvidence struct {
	Hits         []features.RephraseHit `json:"hits"`
	RefusalTurns []int                  `json:"refusal_turns"`
}

func (RefusalRephraseEvidence) Key() string { return "refusal_rephrase" }

// WeaponMatch pins a weapon pattern category to the user turn index
// that matched it.
type WeaponMatch struct {
	TurnIndex int    `json:"turn_index"`
	Category  string `json:"category"`
}

// WeaponInstructionEvidence lists every matching user turn.
type WeaponInstructionEvidence struct {
	Matches []WeaponMatch `json:"matches"`
}

func (WeaponInstructionEvidence) Key() string { return "weapon_instruction" }

// SynthesisMatch records the verb/substance pair found in one turn.
type SynthesisMatch struct {
	TurnIndex int    `json:"turn_index"`
	Verb      string `json:"verb"`
	Substance string `json:"substance"`
}

// DrugSynthesisEvidence lists the conjunctive matches.
type DrugSynthesisEvidence struct {
	Matches []SynthesisMatch `json:"matches"`
}

func (DrugSynthesisEvidence) Key() string { return "drug_synthesis" }

// DirectPromptAttackEvidence names the densest turn and the threshold
// it crossed.
type DirectPromptAttackEvidence struct {
	MaxCount  int `json:"max_count"`
	TurnID    int `json:"turn_id"`
	Threshold int `json:"threshold"`
}

func (DirectPromptAttackEvidence) Key() string { return "direct_prompt_attack" }

// IntentEscalationEvidence lists the turns that pressed for
// specificity and the term each one used.
type IntentEscalationEvidence struct {
	TurnIndexes []int    `json:"turn_indexes"`
	Terms       []string `json:"terms"`
}

func (IntentEscalationEvidence) Key() string { return "intent_escalation" }

// PhaseObservation is one turn's classified trajectory phase.
type PhaseObservation struct {
	TurnIndex int    `json:"turn_index"`
	Phase     string `json:"phase"`
	Rank      int    `json:"rank"`
}

// IntentTrajectoryEvidence traces the session's walk down the phase
// ladder.
type IntentTrajectoryEvidence struct {
	Phases         []PhaseObservation `json:"phases"`
	DistinctPhases int                `json:"distinct_phases"`
}

func (IntentTrajectoryEvidence) Key() string { return "intent_trajectory" }

// RiskVelocityEvidence describes the spike series. SpikeTurn and
// SpikeDelta name the largest spike; alert enrichment reads them
// directly.
type RiskVelocityEvidence struct {
	Spikes        []features.TurnDelta `json:"spikes"`
	SpikeTurn     int                  `json:"spike_turn"`
	SpikeDelta    int                  `json:"spike_delta"`
	IncreaseTurns []int                `json:"increase_turns"`
}

func (RiskVelocityEvidence) Key() string { return "risk_velocity" }

// CrescendoEvidence describes the single largest keyword jump.
type CrescendoEvidence struct {
	MaxDelta      int   `json:"max_delta"`
	SpikeTurn     int   `json:"spike_turn"`
	IncreaseTurns []int `json:"increase_turns"`
}

func (CrescendoEvidence) Key() string { return "crescendo" }
