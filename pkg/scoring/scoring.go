// Package scoring fuses rule hits into a session risk score with
// severity, confidence, and a coarse risk tier. The pass is
// deterministic: labels and reasons keep rule registration order, and
// evidence maps only ever gain stable string keys.
package scoring

import (
	"math"
	"sort"

	"github.com/parapetlabs/parapet/pkg/features"
	"github.com/parapetlabs/parapet/pkg/rules"
	"github.com/parapetlabs/parapet/pkg/session"
)

// Severity names, ordered by band threshold.
const (
	SeverityNone   = "NONE"
	SeverityLow    = "LOW"
	SeverityMedium = "MEDIUM"
	SeverityHigh   = "HIGH"
)

// Risk tiers, derived from confidence rather than raw score.
const (
	TierNone     = "NONE"
	TierLow      = "LOW"
	TierElevated = "ELEVATED"
	TierHigh     = "HIGH"
	TierCritical = "CRITICAL"
)

// Scoring defaults. MaxTheoretical approximates the full-ruleset weight
// sum plus the maximum persistence bonus; it is a tuning constant, not
// recomputed from the active weights.
const (
	DefaultBaseline       = 0
	DefaultCap            = 100
	DefaultMaxTheoretical = 300
)

// DefaultWeights are the built-in per-label score contributions, the
// last stop in the weight resolution chain.
var DefaultWeights = map[string]int{
	rules.LabelRefusalRephrase:    35,
	rules.LabelWeaponInstruction:  50,
	rules.LabelDrugSynthesis:      45,
	rules.LabelDirectPromptAttack: 40,
	rules.LabelIntentEscalation:   30,
	rules.LabelIntentTrajectory:   45,
	rules.LabelRiskVelocity:       20,
	rules.LabelCrescendoAttack:    55,
}

// Band maps a minimum score to a severity name.
type Band struct {
	MinScore int    `json:"min_score" yaml:"min_score"`
	Severity string `json:"severity" yaml:"severity"`
}

// DefaultBands are the built-in severity thresholds.
var DefaultBands = []Band{
	{MinScore: 0, Severity: SeverityNone},
	{MinScore: 25, Severity: SeverityLow},
	{MinScore: 50, Severity: SeverityMedium},
	{MinScore: 75, Severity: SeverityHigh},
}

// Result is the outcome of one scoring pass over a session.
type Result struct {
	Score      int            `json:"score"`
	Severity   string         `json:"severity"`
	Confidence float64        `json:"confidence"`
	RiskTier   string         `json:"risk_tier"`
	Labels     []string       `json:"labels"`
	Reasons    []string       `json:"reasons"`
	Evidence   map[string]any `json:"evidence"`
}

// HasLabel reports whether the result carries the given label.
func (r *Result) HasLabel(label string) bool {
	for _, l := range r.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Engine runs the ruleset and fuses hits into a Result.
type Engine struct {
	extractor      *features.Extractor
	ruleset        []rules.Rule
	weights        map[string]int
	bands          []Band
	baseline       int
	cap            int
	maxTheoretical int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithExtractor replaces the feature extractor.
func WithExtractor(x *features.Extractor) EngineOption {
	return func(e *Engine) {
		if x != nil {
			e.extractor = x
		}
	}
}

// WithRules replaces the ruleset. Order is preserved and becomes the
// label order of every result.
func WithRules(ruleset []rules.Rule) EngineOption {
	return func(e *Engine) {
		if len(ruleset) > 0 {
			e.ruleset = ruleset
		}
	}
}

// WithWeights overlays per-label weights on top of the built-ins.
// Labels absent from the map keep their default weight.
func WithWeights(weights map[string]int) EngineOption {
	return func(e *Engine) {
		for label, w := range weights {
			e.weights[label] = w
		}
	}
}

// WithBands replaces the severity bands. Bands are sorted ascending by
// threshold; equal thresholds resolve to the later entry.
func WithBands(bands []Band) EngineOption {
	return func(e *Engine) {
		if len(bands) == 0 {
			return
		}
		sorted := make([]Band, len(bands))
		copy(sorted, bands)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinScore < sorted[j].MinScore })
		e.bands = sorted
	}
}

// WithBaseline sets the starting score.
func WithBaseline(baseline int) EngineOption {
	return func(e *Engine) { e.baseline = baseline }
}

// WithCap sets the score clamp ceiling.
func WithCap(limit int) EngineOption {
	return func(e *Engine) {
		if limit > 0 {
			e.cap = limit
		}
	}
}

// WithMaxTheoretical sets the confidence denominator.
func WithMaxTheoretical(total int) EngineOption {
	return func(e *Engine) {
		if total > 0 {
			e.maxTheoretical = total
		}
	}
}

// NewEngine builds an Engine with the default extractor, ruleset,
// weights, and bands, then applies options.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		extractor:      features.NewExtractor(),
		ruleset:        rules.DefaultRules(),
		weights:        map[string]int{},
		bands:          DefaultBands,
		baseline:       DefaultBaseline,
		cap:            DefaultCap,
		maxTheoretical: DefaultMaxTheoretical,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Score runs the full pass for a session's events and returns the
// result plus the extracted bundle for downstream routing, alerting,
// and timeline use.
func (e *Engine) Score(events []session.Event) (*Result, *features.Bundle) {
	bundle := e.extractor.Extract(events)
	return e.ScoreBundle(bundle, len(events) > 0), bundle
}

// ScoreBundle fuses rule hits over an already-extracted bundle.
// includeFeatures controls whether the bundle snapshot lands in the
// evidence map; an empty session reports empty evidence.
func (e *Engine) ScoreBundle(bundle *features.Bundle, includeFeatures bool) *Result {
	res := &Result{
		Labels:   []string{},
		Reasons:  []string{},
		Evidence: map[string]any{},
	}
	if includeFeatures {
		res.Evidence["features"] = bundle
	}

	raw := e.baseline
	seenLabels := map[string]bool{}
	seenReasons := map[string]bool{}

	out := rules.EvaluateAll(e.ruleset, bundle)
	for _, hit := range out.Hits {
		if !seenLabels[hit.Label] {
			seenLabels[hit.Label] = true
			res.Labels = append(res.Labels, hit.Label)
			raw += e.weight(hit.Label)
		}
		if hit.Reason != "" && !seenReasons[hit.Reason] {
			seenReasons[hit.Reason] = true
			res.Reasons = append(res.Reasons, hit.Reason)
		}
		if hit.Evidence != nil {
			res.Evidence[hit.Evidence.Key()] = hit.Evidence
		}
	}
	for key, msg := range out.Errors {
		res.Evidence[key] = msg
	}

	raw += persistenceBonus(bundle.UserTurns())

	res.Score = clamp(raw, 0, e.cap)
	res.Severity = severityFromScore(e.bands, res.Score)
	res.Confidence = confidence(raw, e.maxTheoretical)
	res.RiskTier = riskTier(res.Confidence)
	return res
}

// ConfigSnapshot reports the engine's effective tuning for the config
// endpoint and for debugging score drift between deployments.
func (e *Engine) ConfigSnapshot() map[string]any {
	weights := map[string]int{}
	for label, w := range DefaultWeights {
		weights[label] = w
	}
	for label, w := range e.weights {
		weights[label] = w
	}
	bands := make([]Band, len(e.bands))
	copy(bands, e.bands)
	return map[string]any{
		"baseline":        e.baseline,
		"cap":             e.cap,
		"max_theoretical": e.maxTheoretical,
		"weights":         weights,
		"severity_bands":  bands,
		"rule_count":      len(e.ruleset),
	}
}

func (e *Engine) weight(label string) int {
	if w, ok := e.weights[label]; ok {
		return w
	}
	if w, ok := DefaultWeights[label]; ok {
		return w
	}
	return 0
}

// persistenceBonus penalizes sustained probing: long sessions score
// higher even when no single rule fires strongly.
func persistenceBonus(userTurns int) int {
	switch {
	case userTurns >= 5:
		return 15
	case userTurns >= 3:
		return 5
	}
	return 0
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// severityFromScore walks the ascending bands and keeps the last one
// the score satisfies.
func severityFromScore(bands []Band, score int) string {
	severity := SeverityNone
	for _, b := range bands {
		if score >= b.MinScore {
			severity = b.Severity
		}
	}
	return severity
}

// confidence maps the raw pre-clamp score onto [0,1] with a sub-linear
// curve, so mid-range scores don't read as near-certain. The raw score
// can exceed the denominator when many rules stack; the clamp to 1.0
// covers that.
func confidence(raw, maxTheoretical int) float64 {
	if raw <= 0 || maxTheoretical <= 0 {
		return 0
	}
	c := math.Pow(float64(raw)/float64(maxTheoretical), 0.85)
	c = math.Round(c*1000) / 1000
	if c > 1 {
		return 1
	}
	return c
}

func riskTier(confidence float64) string {
	switch {
	case confidence >= 0.85:
		return TierCritical
	case confidence >= 0.65:
		return TierHigh
	case confidence >= 0.40:
		return TierElevated
	case confidence > 0:
		return TierLow
	}
	return TierNone
}
