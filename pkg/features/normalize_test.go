package features

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "Hello World", "hello world"},
		{"curly apostrophe", "I can’t do that", "i can't do that"},
		{"curly double quotes", "“quoted”", `"quoted"`},
		{"em and en dash", "a—b–c", "a-b-c"},
		{"fullwidth folded", "ＢＹＰＡＳＳ", "bypass"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTokens(t *testing.T) {
	got := Tokens("I can't; do THAT twice, twice!")
	want := []string{"i", "can't", "do", "that", "twice", "twice"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokens() = %v, want %v", got, want)
	}
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"a", "b"}, []string{"a", "b"}, 1.0},
		{"disjoint", []string{"a"}, []string{"b"}, 0.0},
		{"half overlap", []string{"a", "b"}, []string{"b", "c"}, 1.0 / 3.0},
		{"left empty", nil, []string{"a"}, 0.0},
		{"right empty", []string{"a"}, nil, 0.0},
		{"duplicates collapse", []string{"a", "a", "b"}, []string{"a", "b", "b"}, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Jaccard(tt.a, tt.b); got != tt.want {
				t.Errorf("Jaccard() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeywordCount(t *testing.T) {
	keywords := normalizeKeywords([]string{"bypass", "jailbreak", "system prompt"})
	tests := []struct {
		name string
		text string
		want int
	}{
		{"none", "tell me about the weather", 0},
		{"one", "how do I bypass this", 1},
		{"repeat counts once", "bypass bypass bypass", 1},
		{"multiple keywords", "jailbreak to reveal the system prompt", 2},
		{"case and unicode folded", "BYPASS the “system prompt”", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KeywordCount(tt.text, keywords); got != tt.want {
				t.Errorf("KeywordCount(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestIsRefusal(t *testing.T) {
	refusals := []string{
		"I can't help with that.",
		"I can’t help with that.",
		"I cannot assist with this request.",
		"I'm sorry, but no.",
		"I won't provide that.",
		"Sorry, can't help here.",
		"I'm not able to share those details.",
		"I can't do that.",
	}
	for _, text := range refusals {
		if !IsRefusal(text) {
			t.Errorf("IsRefusal(%q) = false, want true", text)
		}
	}

	benign := []string{
		"Sure, here is the recipe for banana bread.",
		"The capital of France is Paris.",
		"Let me help with that.",
	}
	for _, text := range benign {
		if IsRefusal(text) {
			t.Errorf("IsRefusal(%q) = true, want false", text)
		}
	}
}
