// Package features turns raw conversation events into the deterministic
// signal bundle the rule evaluators consume. Same events in, same bundle
// out: no clocks, no randomness, no model calls.
package features

import (
	"math"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Package-level compiled regex patterns for performance.
// These are compiled once at startup instead of on every call.
var (
	reToken = regexp.MustCompile(`[a-z0-9']+`)
)

// punctFold maps typographic punctuation onto the ASCII forms the
// keyword and refusal patterns are written against.
var punctFold = strings.NewReplacer(
	"’", "'", // right single quote
	"‘", "'", // left single quote
	"“", `"`, // left double quote
	"”", `"`, // right double quote
	"—", "-", // em dash
	"–", "-", // en dash
)

// Normalize canonicalizes text before any matching: NFKC fold (fullwidth
// forms, ligatures), typographic punctuation to ASCII, then lowercase.
// Lowercasing runs last because NFKC can emit uppercase compatibility
// expansions.
func Normalize(text string) string {
	t := norm.NFKC.String(text)
	t = punctFold.Replace(t)
	return strings.ToLower(t)
}

// Tokens splits normalized text into lowercase word tokens. Apostrophes
// stay inside tokens so "can't" survives as one unit.
func Tokens(text string) []string {
	return reToken.FindAllString(Normalize(text), -1)
}

// Jaccard computes set overlap between two token lists. Either side
// empty yields 0.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, tok := range a {
		setA[tok] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, tok := range b {
		setB[tok] = struct{}{}
	}
	inter := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// KeywordCount reports how many of the given keywords appear in the text
// as substrings of its normalized form. Each keyword counts at most once
// regardless of repetitions.
func KeywordCount(text string, keywords []string) int {
	t := Normalize(text)
	count := 0
	for _, kw := range keywords {
		if kw != "" && strings.Contains(t, kw) {
			count++
		}
	}
	return count
}

// roundSimilarity trims a jaccard score to three decimals so evidence
// stays byte-stable across platforms.
func roundSimilarity(sim float64) float64 {
	return math.Round(sim*1000) / 1000
}
