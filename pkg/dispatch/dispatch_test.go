package dispatch

import "testing"

func TestE164Pattern(t *testing.T) {
	tests := []struct {
		number string
		want   bool
	}{
		{"+14155552671", true},
		{"+971501234567", true},
		{"14155552671", false},
		{"+0123456789", false},
		{"not-a-number", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.number, func(t *testing.T) {
			if got := e164Pattern.MatchString(tt.number); got != tt.want {
				t.Errorf("e164Pattern.MatchString(%q) = %v, want %v", tt.number, got, tt.want)
			}
		})
	}
}

func TestSplitE164(t *testing.T) {
	tests := []struct {
		number      string
		wantCountry string
		wantBase    string
	}{
		{"+14155552671", "1", "4155552671"},
		{"+971501234567", "97", "1501234567"},
	}
	for _, tt := range tests {
		t.Run(tt.number, func(t *testing.T) {
			gotCountry, gotBase := splitE164(tt.number)
			if gotCountry != tt.wantCountry || gotBase != tt.wantBase {
				t.Errorf("splitE164(%q) = (%q, %q), want (%q, %q)", tt.number, gotCountry, gotBase, tt.wantCountry, tt.wantBase)
			}
		})
	}
}
