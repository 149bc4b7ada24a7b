package resolve

import "testing"

// TestExtractBusinessID tests the positional extraction patterns and the
// range/year rejections.
func TestExtractBusinessID(t *testing.T) {
	cfg := DefaultExtractConfig()

	tests := []struct {
		ref    string
		want   string
		wantOK bool
	}{
		{"4321-archive", "4321", true}, // leading run
		{"EMP-4321-old", "4321", true}, // delimited run
		{"legacy_4321", "4321", true},  // trailing run
		{"badge4444", "4444", true},    // trailing run, no delimiter
		{"2024-records", "", false},    // year-like, rejected
		{"EMP-2001-x", "", false},      // year-like inside delimiters
		{"EMP-0999-x", "", false},      // below range
		{"EMP-43210-x", "", false},     // five digits, no 4-digit run
		{"no digits here", "", false},  // nothing to extract
		{"", "", false},                // empty
		{"2024-4321", "4321", true},    // first pattern rejects year, second finds id
		{"4321", "4321", true},         // bare id
	}

	for _, tt := range tests {
		got, ok := ExtractBusinessID(tt.ref, cfg)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ExtractBusinessID(%q) = (%q, %v), want (%q, %v)",
				tt.ref, got, ok, tt.want, tt.wantOK)
		}
	}
}
