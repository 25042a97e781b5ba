package dlp

import (
	"reflect"
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      string
		wantKinds []string
	}{
		{
			name:      "ssn",
			input:     "My SSN is 123-45-6789.",
			want:      "My SSN is [REDACTED_SSN].",
			wantKinds: []string{KindSSN},
		},
		{
			name:      "email mixed case",
			input:     "Reach me at Jordan.Smith+test@Example.CO.UK today",
			want:      "Reach me at [REDACTED_EMAIL] today",
			wantKinds: []string{KindEmail},
		},
		{
			name:      "card with spaces",
			input:     "card: 4111 1111 1111 1111 ok",
			want:      "card: [REDACTED_NUMBER] ok",
			wantKinds: []string{KindCardLike},
		},
		{
			name:      "card with dashes",
			input:     "4111-1111-1111-1111",
			want:      "[REDACTED_NUMBER]",
			wantKinds: []string{KindCardLike},
		},
		{
			name:      "kinds follow table order not text order",
			input:     "mail a@b.io then ssn 123-45-6789",
			want:      "mail [REDACTED_EMAIL] then ssn [REDACTED_SSN]",
			wantKinds: []string{KindSSN, KindEmail},
		},
		{
			name:      "clean text untouched",
			input:     "nothing sensitive here",
			want:      "nothing sensitive here",
			wantKinds: []string{},
		},
		{
			name:      "phone number is not an ssn",
			input:     "call 555-123-4567",
			want:      "call 555-123-4567",
			wantKinds: []string{},
		},
		{
			name:      "short digit run is not a card",
			input:     "order 1234 5678",
			want:      "order 1234 5678",
			wantKinds: []string{},
		},
		{
			name:      "empty input",
			input:     "",
			want:      "",
			wantKinds: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, kinds := Redact(tt.input)
			if got != tt.want {
				t.Errorf("Redact() = %q, want %q", got, tt.want)
			}
			if !reflect.DeepEqual(kinds, tt.wantKinds) {
				t.Errorf("kinds = %v, want %v", kinds, tt.wantKinds)
			}
		})
	}
}

func TestRedactAllOccurrences(t *testing.T) {
	got, kinds := Redact("a@b.io and c@d.io")
	if strings.Contains(got, "@") {
		t.Errorf("second email survived: %q", got)
	}
	if !reflect.DeepEqual(kinds, []string{KindEmail}) {
		t.Errorf("kinds = %v, want one EMAIL entry", kinds)
	}
}

func TestFindWithoutRedacting(t *testing.T) {
	input := "ssn 123-45-6789"
	kinds := Find(input)
	if !reflect.DeepEqual(kinds, []string{KindSSN}) {
		t.Errorf("Find = %v, want [SSN]", kinds)
	}
}
