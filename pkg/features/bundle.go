package features

import (
	"strings"

	"github.com/parapetlabs/parapet/pkg/session"
)

// Default extraction tuning. Overridable per Extractor via options.
const (
	DefaultRephraseThreshold = 0.35
	DefaultRephraseWindow    = 2
)

// RephraseHit records a user message that came back reworded after an
// assistant refusal. Similarity is jaccard over token sets, rounded to
// three decimals.
type RephraseHit struct {
	OriginalTurn int     `json:"original_turn"`
	RefusalTurn  int     `json:"refusal_turn"`
	RephraseTurn int     `json:"rephrase_turn"`
	Similarity   float64 `json:"similarity"`
}

// TurnCount is one point of the keyword progression: the sensitive
// keyword count of a turn's effective user message.
type TurnCount struct {
	TurnID int `json:"turn_id"`
	Count  int `json:"count"`
}

// TurnDelta is the change in keyword count between consecutive user
// turns, attributed to the later turn.
type TurnDelta struct {
	TurnID int `json:"turn_id"`
	Delta  int `json:"delta"`
}

// Bundle is the full deterministic feature set for one session. Every
// slice is non-nil after extraction so downstream evidence never has to
// distinguish empty from missing. MaxUserKeywordDelta is the largest
// positive delta; a session that only de-escalates reports 0.
type Bundle struct {
	UserMessages           int           `json:"user_messages"`
	AssistantMessages      int           `json:"assistant_messages"`
	RefusalTurnIDs         []int         `json:"refusal_turn_ids"`
	RephraseHits           []RephraseHit `json:"rephrase_hits"`
	UserKeywordProgression []TurnCount   `json:"user_keyword_progression"`
	KeywordDeltas          []TurnDelta   `json:"keyword_deltas"`
	MaxUserKeywordDelta    int           `json:"max_user_keyword_delta"`
	IncreaseTurns          []int         `json:"increase_turns"`
	LastUserContent        string        `json:"last_user_content"`
	AllUserContent         string        `json:"all_user_content"`
	UserTurnTexts          []string      `json:"user_turn_texts"`
}

// UserTurns is the number of turns with at least one user message.
func (b *Bundle) UserTurns() int {
	return len(b.UserTurnTexts)
}

// Extractor computes feature bundles. The zero-value is not usable;
// construct with NewExtractor.
type Extractor struct {
	keywords  []string
	threshold float64
	window    int
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithKeywords replaces the sensitive keyword list. Keywords are
// normalized once at construction so counting stays a plain substring
// scan.
func WithKeywords(keywords []string) Option {
	return func(x *Extractor) {
		x.keywords = normalizeKeywords(keywords)
	}
}

// WithRephraseThreshold sets the minimum jaccard similarity for a
// rephrase hit.
func WithRephraseThreshold(threshold float64) Option {
	return func(x *Extractor) {
		if threshold > 0 {
			x.threshold = threshold
		}
	}
}

// WithRephraseWindow sets how many user turns after a refusal are
// checked for a rephrase.
func WithRephraseWindow(window int) Option {
	return func(x *Extractor) {
		if window > 0 {
			x.window = window
		}
	}
}

// NewExtractor builds an Extractor with the default keyword list and
// rephrase tuning, then applies options.
func NewExtractor(opts ...Option) *Extractor {
	x := &Extractor{
		keywords:  normalizeKeywords(DefaultSensitiveKeywords),
		threshold: DefaultRephraseThreshold,
		window:    DefaultRephraseWindow,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Keywords returns the active keyword list.
func (x *Extractor) Keywords() []string {
	out := make([]string, len(x.keywords))
	copy(out, x.keywords)
	return out
}

func normalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		n := Normalize(strings.TrimSpace(kw))
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// Extract computes the bundle for a session's events. The input order
// only matters within a turn (last user message wins); turns themselves
// are sorted by turn id.
func (x *Extractor) Extract(events []session.Event) *Bundle {
	b := &Bundle{
		RefusalTurnIDs:         []int{},
		RephraseHits:           []RephraseHit{},
		UserKeywordProgression: []TurnCount{},
		KeywordDeltas:          []TurnDelta{},
		IncreaseTurns:          []int{},
		UserTurnTexts:          []string{},
	}

	for _, ev := range events {
		switch ev.Role {
		case session.RoleUser:
			b.UserMessages++
		case session.RoleAssistant:
			b.AssistantMessages++
		}
	}

	userTurns := session.LastUserMessagePerTurn(events)
	for _, ut := range userTurns {
		b.UserTurnTexts = append(b.UserTurnTexts, ut.Content)
		b.UserKeywordProgression = append(b.UserKeywordProgression, TurnCount{
			TurnID: ut.TurnID,
			Count:  KeywordCount(ut.Content, x.keywords),
		})
	}
	if len(userTurns) > 0 {
		b.LastUserContent = userTurns[len(userTurns)-1].Content
	}
	b.AllUserContent = strings.Join(b.UserTurnTexts, "\n")

	for i := 1; i < len(b.UserKeywordProgression); i++ {
		prev := b.UserKeywordProgression[i-1]
		cur := b.UserKeywordProgression[i]
		delta := cur.Count - prev.Count
		b.KeywordDeltas = append(b.KeywordDeltas, TurnDelta{TurnID: cur.TurnID, Delta: delta})
		if delta > b.MaxUserKeywordDelta {
			b.MaxUserKeywordDelta = delta
		}
		if delta > 0 {
			b.IncreaseTurns = append(b.IncreaseTurns, cur.TurnID)
		}
	}

	for _, group := range session.AssistantTurns(events) {
		for _, ev := range group.Events {
			if IsRefusal(ev.Content) {
				b.RefusalTurnIDs = append(b.RefusalTurnIDs, group.TurnID)
				break
			}
		}
	}

	b.RephraseHits = x.rephraseHits(userTurns, b.RefusalTurnIDs)
	return b
}

// rephraseHits pairs each refusal with the user turn that provoked it
// and scans the next few user turns for a reworded retry. The first
// candidate over the threshold wins and closes that refusal's window.
func (x *Extractor) rephraseHits(userTurns []session.UserTurn, refusalTurns []int) []RephraseHit {
	hits := []RephraseHit{}
	for _, refusalTurn := range refusalTurns {
		origIdx := -1
		for i, ut := range userTurns {
			if ut.TurnID <= refusalTurn {
				origIdx = i
			}
		}
		if origIdx < 0 {
			continue
		}
		orig := userTurns[origIdx]
		origTokens := Tokens(orig.Content)

		checked := 0
		for i := origIdx + 1; i < len(userTurns) && checked < x.window; i++ {
			cand := userTurns[i]
			if cand.TurnID <= refusalTurn {
				continue
			}
			checked++
			sim := Jaccard(origTokens, Tokens(cand.Content))
			if sim >= x.threshold {
				hits = append(hits, RephraseHit{
					OriginalTurn: orig.TurnID,
					RefusalTurn:  refusalTurn,
					RephraseTurn: cand.TurnID,
					Similarity:   roundSimilarity(sim),
				})
				break
			}
		}
	}
	return hits
}
