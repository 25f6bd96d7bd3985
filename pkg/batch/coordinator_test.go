package batch

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validSpec() CreateSpec {
	return CreateSpec{
		TenantID:    uuid.New(),
		Schema:      "tenant_acme",
		SubjectID:   "user-1",
		FeatureKey:  "voice-agent",
		AgentRef:    1,
		InitiatedBy: "user-1",
		Entries: []Entry{
			{ToNumber: "+14155552671"},
			{ToNumber: "+971501234567", LeadName: "Lead Two"},
		},
	}
}

func TestValidateSpec(t *testing.T) {
	if err := ValidateSpec(validSpec()); err != nil {
		t.Errorf("valid spec rejected: %v", err)
	}
}

func TestValidateSpecRejectsEmptyEntries(t *testing.T) {
	spec := validSpec()
	spec.Entries = nil
	if err := ValidateSpec(spec); !errors.Is(err, ErrNoEntries) {
		t.Errorf("err = %v, want ErrNoEntries", err)
	}
}

func TestValidateSpecRejectsBadNumbers(t *testing.T) {
	bad := []string{
		"12345",               // no plus
		"+012345678",          // leading zero after plus
		"+1",                  // too short
		"+123456789012345678", // too long
		"",                    // empty
		"+1415555abcd",        // letters
	}
	for _, num := range bad {
		spec := validSpec()
		spec.Entries = append(spec.Entries, Entry{ToNumber: num})
		if err := ValidateSpec(spec); !errors.Is(err, ErrInvalidNumber) {
			t.Errorf("ValidateSpec with %q: err = %v, want ErrInvalidNumber", num, err)
		}
	}
}

func TestValidateSpecRejectsWholeBatchOnOneBadEntry(t *testing.T) {
	// One invalid E.164 fails the whole batch at intake.
	spec := validSpec()
	spec.Entries = []Entry{
		{ToNumber: "+14155552671"},
		{ToNumber: "12345"},
		{ToNumber: "+14155552672"},
	}
	if err := ValidateSpec(spec); !errors.Is(err, ErrInvalidNumber) {
		t.Errorf("err = %v, want ErrInvalidNumber", err)
	}
}

func TestMetaHelpers(t *testing.T) {
	id := uuid.New()
	meta := map[string]any{
		"feature_key": "voice-agent",
		"from_number": "",
		"voice_id":    id.String(),
		"bad_uuid":    "not-a-uuid",
	}

	if got := metaString(meta, "feature_key", "fallback"); got != "voice-agent" {
		t.Errorf("metaString(feature_key) = %q", got)
	}
	if got := metaString(meta, "from_number", "fallback"); got != "fallback" {
		t.Errorf("metaString empty value should fall back, got %q", got)
	}
	if got := metaString(meta, "missing", "fallback"); got != "fallback" {
		t.Errorf("metaString missing key should fall back, got %q", got)
	}

	if got := metaUUID(meta, "voice_id"); got == nil || *got != id {
		t.Errorf("metaUUID(voice_id) = %v, want %s", got, id)
	}
	if got := metaUUID(meta, "bad_uuid"); got != nil {
		t.Errorf("metaUUID(bad_uuid) = %v, want nil", got)
	}
	if got := metaUUID(meta, "missing"); got != nil {
		t.Errorf("metaUUID(missing) = %v, want nil", got)
	}
}

func TestNewDefaultsMaxParallel(t *testing.T) {
	c := New(Config{MaxParallel: 0})
	if c.maxParallel != 8 {
		t.Errorf("maxParallel = %d, want default 8", c.maxParallel)
	}

	c = New(Config{MaxParallel: 3})
	if c.maxParallel != 3 {
		t.Errorf("maxParallel = %d, want 3", c.maxParallel)
	}
}

func TestEnqueueDoesNotBlockWhenFull(t *testing.T) {
	c := New(Config{MaxParallel: 1, Logger: discardLogger()})
	for i := 0; i < cap(c.queue)+10; i++ {
		c.Enqueue("tenant_acme", uuid.New(), uuid.New())
	}
	if len(c.queue) != cap(c.queue) {
		t.Errorf("queue len = %d, want %d", len(c.queue), cap(c.queue))
	}
}
