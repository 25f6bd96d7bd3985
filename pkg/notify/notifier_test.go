package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewRejectsBadChannelNames(t *testing.T) {
	tests := []struct {
		name     string
		channels []string
		wantErr  bool
	}{
		{"valid single", []string{"call_log_changes"}, false},
		{"valid multiple", []string{"call_log_changes", "batch_changes"}, false},
		{"empty list", nil, true},
		{"sql injection", []string{"call_log_changes; DROP TABLE call_logs"}, true},
		{"leading digit", []string{"1channel"}, true},
		{"hyphen", []string{"call-log-changes"}, true},
		{"empty name", []string{""}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(nil, nil, tt.channels, nil, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%v) error = %v, wantErr %v", tt.channels, err, tt.wantErr)
			}
		})
	}
}

func TestParsePayload(t *testing.T) {
	tenantID := uuid.New()
	rowID := uuid.New()

	msg, err := parsePayload(`{"schema":"tenant_acme","tenant_id":"` + tenantID.String() + `","id":"` + rowID.String() + `"}`)
	if err != nil {
		t.Fatalf("parsePayload: %v", err)
	}
	if msg.Schema != "tenant_acme" || msg.TenantID != tenantID || msg.ID != rowID {
		t.Errorf("parsed = %+v", msg)
	}
}

func TestParsePayloadRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "42abc"},
		{"missing id", `{"schema":"tenant_acme","tenant_id":"` + uuid.NewString() + `"}`},
		{"bad schema", `{"schema":"tenant_acme; --","tenant_id":"` + uuid.NewString() + `","id":"` + uuid.NewString() + `"}`},
		{"empty schema", `{"tenant_id":"` + uuid.NewString() + `","id":"` + uuid.NewString() + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parsePayload(tt.payload); err == nil {
				t.Errorf("parsePayload(%q) succeeded, want error", tt.payload)
			}
		})
	}
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	b := initialBackoff
	var seen []time.Duration
	for i := 0; i < 10; i++ {
		b = nextBackoff(b)
		seen = append(seen, b)
	}

	if seen[0] != 2*time.Second {
		t.Errorf("first step = %v, want 2s", seen[0])
	}
	last := seen[len(seen)-1]
	if last != maxBackoff {
		t.Errorf("backoff did not cap at %v: %v", maxBackoff, seen)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Errorf("backoff decreased: %v", seen)
		}
	}
}

func TestChannelPatternMatchesAllowList(t *testing.T) {
	// The config default must always pass the allow-list.
	if !channelPattern.MatchString("call_log_changes") {
		t.Error("default channel name rejected")
	}
	if channelPattern.MatchString(strings.Repeat(";", 3)) {
		t.Error("punctuation accepted")
	}
}
