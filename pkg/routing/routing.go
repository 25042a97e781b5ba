// Package routing turns a score result into an allow/review/block
// decision. A small set of hard safety patterns short-circuits the
// thresholds entirely: those cannot be weighted away by configuration.
package routing

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/parapetlabs/parapet/pkg/features"
	"github.com/parapetlabs/parapet/pkg/scoring"
)

// Decisions, in increasing order of intervention.
const (
	DecisionAllow  = "allow"
	DecisionReview = "review"
	DecisionBlock  = "block"
)

// Forwarding targets suggested to the gateway executor.
const (
	TargetPrimary = "primary_llm"
	TargetSafe    = "safe_llm"
)

// Hard override markers.
const (
	LabelHardSafety        = "HARD_SAFETY"
	ReasonDangerousRequest = "DANGEROUS_REQUEST"
)

// Threshold defaults.
const (
	DefaultBlockScore  = 85
	DefaultReviewScore = 60
)

// DefaultBlockLabels and DefaultReviewLabels are the label sets that
// force a decision regardless of score.
var (
	DefaultBlockLabels  = []string{"RISK_VELOCITY", "WEAPON_INSTRUCTION"}
	DefaultReviewLabels = []string{"CRESCENDO_ATTACK", "REFUSAL_REPHRASE", "DIRECT_PROMPT_ATTACK"}
)

// ============================================================================
// HARD SAFETY PATTERNS
// ============================================================================
// High-confidence dangerous-request phrasings, matched case-insensitively
// against the raw last and aggregate user text. Deliberately few and
// deliberately blunt.

// DangerousPatterns force a block on match.
var DangerousPatterns = []struct {
	Pattern *regexp.Regexp
	Name    string
	Example string
}{
	{regexp.MustCompile(`(?i)\bpipe\s*bomb\b`), "pipe_bomb", "pipe bomb"},
	{regexp.MustCompile(`(?i)\bhow\s+(to|do\s+i|would\s+i)\s+(make|build)\s+(a\s+)?bomb\b`), "bomb_construction", "how do I build a bomb"},
	{regexp.MustCompile(`(?i)\bexplosive\s+device\b`), "explosive_device", "an explosive device"},
	{regexp.MustCompile(`(?i)\bghost\s+gun\b`), "ghost_gun", "ghost gun"},
	{regexp.MustCompile(`(?i)\b3d\s*print\s+(a\s*)?gun\b`), "printed_gun", "3d print a gun"},
	{regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(previous\s+|prior\s+)?instructions\b`), "jailbreak_override", "ignore all previous instructions"},
}

// HardSafetyViolation scans the session's user text for a dangerous
// request. It returns the matched pattern name.
func HardSafetyViolation(bundle *features.Bundle) (string, bool) {
	if bundle == nil {
		return "", false
	}
	lastUser := strings.TrimSpace(bundle.LastUserContent)
	allUser := strings.TrimSpace(bundle.AllUserContent)
	for _, p := range DangerousPatterns {
		if p.Pattern.MatchString(lastUser) || p.Pattern.MatchString(allUser) {
			return p.Name, true
		}
	}
	return "", false
}

// Decision is the router's verdict for a session, carrying enough
// context to act on without re-reading the score result.
type Decision struct {
	Decision        string   `json:"decision"`
	Score           int      `json:"score"`
	Severity        string   `json:"severity"`
	Labels          []string `json:"labels"`
	TopReason       string   `json:"top_reason"`
	TimelineURL     string   `json:"timeline_url"`
	AlertsURL       string   `json:"alerts_url"`
	SuggestedTarget string   `json:"suggested_target"`
}

// Router applies the hard override and the score/label thresholds.
type Router struct {
	blockScore   int
	reviewScore  int
	blockLabels  map[string]bool
	reviewLabels map[string]bool
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithBlockScore sets the score at which a session is blocked outright.
func WithBlockScore(score int) RouterOption {
	return func(r *Router) { r.blockScore = score }
}

// WithReviewScore sets the score at which a session goes to review.
func WithReviewScore(score int) RouterOption {
	return func(r *Router) { r.reviewScore = score }
}

// WithBlockLabels replaces the block-forcing label set.
func WithBlockLabels(labels []string) RouterOption {
	return func(r *Router) { r.blockLabels = labelSet(labels) }
}

// WithReviewLabels replaces the review-forcing label set.
func WithReviewLabels(labels []string) RouterOption {
	return func(r *Router) { r.reviewLabels = labelSet(labels) }
}

// NewRouter builds a Router with the default thresholds and label
// sets, then applies options.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		blockScore:   DefaultBlockScore,
		reviewScore:  DefaultReviewScore,
		blockLabels:  labelSet(DefaultBlockLabels),
		reviewLabels: labelSet(DefaultReviewLabels),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route decides for one session. The hard override wins before any
// threshold is consulted; it reports severity HIGH and appends the
// HARD_SAFETY label on the decision payload without touching the
// score result itself.
func (r *Router) Route(sessionID string, res *scoring.Result, bundle *features.Bundle) Decision {
	labels := append([]string{}, res.Labels...)

	if _, violated := HardSafetyViolation(bundle); violated {
		if !containsLabel(labels, LabelHardSafety) {
			labels = append(labels, LabelHardSafety)
		}
		return Decision{
			Decision:        DecisionBlock,
			Score:           res.Score,
			Severity:        scoring.SeverityHigh,
			Labels:          labels,
			TopReason:       ReasonDangerousRequest,
			TimelineURL:     TimelineURL(sessionID),
			AlertsURL:       AlertsURL(sessionID),
			SuggestedTarget: TargetSafe,
		}
	}

	decision := DecisionAllow
	switch {
	case res.Score >= r.blockScore || r.anyLabel(labels, r.blockLabels):
		decision = DecisionBlock
	case res.Score >= r.reviewScore || r.anyLabel(labels, r.reviewLabels):
		decision = DecisionReview
	}

	topReason := ""
	if len(res.Reasons) > 0 {
		topReason = res.Reasons[0]
	}
	target := TargetPrimary
	if decision != DecisionAllow {
		target = TargetSafe
	}

	return Decision{
		Decision:        decision,
		Score:           res.Score,
		Severity:        res.Severity,
		Labels:          labels,
		TopReason:       topReason,
		TimelineURL:     TimelineURL(sessionID),
		AlertsURL:       AlertsURL(sessionID),
		SuggestedTarget: target,
	}
}

// TimelineURL is the canonical timeline path for a session.
func TimelineURL(sessionID string) string {
	return fmt.Sprintf("/v1/timeline/%s", sessionID)
}

// AlertsURL is the canonical per-session alerts path.
func AlertsURL(sessionID string) string {
	return fmt.Sprintf("/v1/alerts/%s", sessionID)
}

func (r *Router) anyLabel(labels []string, set map[string]bool) bool {
	for _, l := range labels {
		if set[l] {
			return true
		}
	}
	return false
}

func containsLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func labelSet(labels []string) map[string]bool {
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		trimmed := strings.TrimSpace(l)
		if trimmed != "" {
			set[trimmed] = true
		}
	}
	return set
}
