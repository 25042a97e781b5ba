// Package dlp scrubs PII from text leaving the gateway. Patterns are
// deliberately loose; over-redacting a model response is cheaper than
// leaking an identifier.
package dlp

import "regexp"

// Kinds reported by Find and Redact.
const (
	KindSSN      = "SSN"
	KindEmail    = "EMAIL"
	KindCardLike = "CREDIT_CARD_LIKE"
)

// Pre-compiled patterns (compiled once, used on every response).
var (
	reSSN   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	reEmail = regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`)
	reCard  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// redactor maps one pattern to its replacement marker.
type redactor struct {
	Pattern     *regexp.Regexp
	Kind        string
	Replacement string
}

// redactors apply in order: specific identifiers before the loose
// digit-run pattern.
var redactors = []redactor{
	{reSSN, KindSSN, "[REDACTED_SSN]"},
	{reEmail, KindEmail, "[REDACTED_EMAIL]"},
	{reCard, KindCardLike, "[REDACTED_NUMBER]"},
}

// Find reports which PII kinds appear in text, in redaction order.
// Each kind appears at most once.
func Find(text string) []string {
	kinds := []string{}
	for _, r := range redactors {
		if r.Pattern.MatchString(text) {
			kinds = append(kinds, r.Kind)
		}
	}
	return kinds
}

// Redact replaces every PII match with its marker and reports the
// kinds that were applied.
func Redact(text string) (string, []string) {
	kinds := Find(text)
	for _, r := range redactors {
		text = r.Pattern.ReplaceAllString(text, r.Replacement)
	}
	return text, kinds
}
