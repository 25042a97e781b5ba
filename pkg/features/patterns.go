package features

import "regexp"

// ============================================================================
// REFUSAL AND KEYWORD TABLES
// ============================================================================
// Matching always runs over Normalize()d text, so the patterns are written
// lowercase and assume curly apostrophes are already folded to ASCII.

// RefusalPatterns match the assistant-side pushback phrasings the
// rephrase detector anchors on.
var RefusalPatterns = []struct {
	Pattern *regexp.Regexp
	Name    string
	Example string
}{
	{regexp.MustCompile(`\bi can'?t\b`), "cant", "I can't help with that."},
	{regexp.MustCompile(`\bi cannot\b`), "cannot", "I cannot assist with this request."},
	{regexp.MustCompile(`\bi'?m sorry\b`), "sorry", "I'm sorry, but that is not something I can do."},
	{regexp.MustCompile(`\bi won'?t\b`), "wont", "I won't provide that."},
	{regexp.MustCompile(`\bcan'?t help\b`), "cant_help", "Sorry, can't help with that one."},
	{regexp.MustCompile(`\bnot able to\b`), "not_able", "I'm not able to share those details."},
	{regexp.MustCompile(`\bcan'?t do that\b`), "cant_do", "I can't do that."},
}

// IsRefusal reports whether an assistant message reads as a refusal.
func IsRefusal(text string) bool {
	t := Normalize(text)
	for _, p := range RefusalPatterns {
		if p.Pattern.MatchString(t) {
			return true
		}
	}
	return false
}

// DefaultSensitiveKeywords seed the per-turn keyword counter that drives
// progression, crescendo, and velocity signals. Deployments override the
// list through configuration; counting is substring containment, one hit
// per keyword per turn.
var DefaultSensitiveKeywords = []string{
	"system prompt",
	"hidden prompt",
	"bypass",
	"exploit",
	"jailbreak",
	"override",
	"ignore instructions",
	"reveal instructions",
}
