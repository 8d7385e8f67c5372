package patient

import "testing"

func TestContainsPattern_EscapesWildcards(t *testing.T) {
	tests := []struct{ in, want string }{
		{"juan", `%juan%`},
		{"_", `%\_%`},
		{"100%", `%100\%%`},
		{`a\b`, `%a\\b%`},
		{"", `%%`},
	}
	for _, tt := range tests {
		if got := containsPattern(tt.in); got != tt.want {
			t.Errorf("containsPattern(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
