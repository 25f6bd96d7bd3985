package policy

import (
	"testing"
	"time"
)

func TestWithinWindowStandard(t *testing.T) {
	cfg := BusinessHoursConfig{
		Start: "09:00", End: "17:00",
		AllowedDays: map[time.Weekday]bool{time.Monday: true, time.Tuesday: true, time.Wednesday: true, time.Thursday: true, time.Friday: true},
	}

	tests := []struct {
		name string
		when time.Time
		want bool
	}{
		{"inside window on weekday", time.Date(2026, 7, 29, 10, 30, 0, 0, time.UTC), true}, // Wednesday
		{"before window", time.Date(2026, 7, 29, 8, 0, 0, 0, time.UTC), false},
		{"at end boundary", time.Date(2026, 7, 29, 17, 0, 0, 0, time.UTC), false},
		{"weekend rejected", time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), false}, // Saturday
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := withinWindow(tt.when, cfg)
			if got != tt.want {
				t.Errorf("withinWindow(%v) = %v, want %v", tt.when, got, tt.want)
			}
		})
	}
}

func TestWithinWindowOvernight(t *testing.T) {
	cfg := BusinessHoursConfig{
		Start: "22:00", End: "06:00",
		AllowedDays: map[time.Weekday]bool{time.Wednesday: true},
	}

	tests := []struct {
		name string
		when time.Time
		want bool
	}{
		{"late evening inside window", time.Date(2026, 7, 29, 23, 0, 0, 0, time.UTC), true},
		{"early morning inside window", time.Date(2026, 7, 29, 3, 0, 0, 0, time.UTC), true},
		{"midday outside window", time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := withinWindow(tt.when, cfg)
			if got != tt.want {
				t.Errorf("withinWindow(%v) = %v, want %v", tt.when, got, tt.want)
			}
		})
	}
}

func TestParseHHMM(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"09:00", 540, false},
		{"00:00", 0, false},
		{"23:59", 1439, false},
		{"not-a-time", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseHHMM(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseHHMM(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseHHMM(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}
