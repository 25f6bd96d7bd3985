package feature

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestDecisionFromConfig(t *testing.T) {
	tests := []struct {
		name        string
		cfg         json.RawMessage
		wantEnabled bool
	}{
		{"nil config", nil, false},
		{"empty config", json.RawMessage(``), false},
		{"explicit enabled true", json.RawMessage(`{"enabled":true}`), true},
		{"explicit enabled false", json.RawMessage(`{"enabled":false}`), false},
		{"addon config with no enabled key", json.RawMessage(`{"limit":100}`), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decisionFromConfig(tt.cfg)
			if d.Enabled != tt.wantEnabled {
				t.Errorf("decisionFromConfig(%s).Enabled = %v, want %v", tt.cfg, d.Enabled, tt.wantEnabled)
			}
		})
	}
}

func TestCacheRoundTripAndExpiry(t *testing.T) {
	r := &Resolver{cache: make(map[cacheKey]cacheEntry)}
	key := cacheKey{tenant: uuid.New(), feature: "outbound-calling", subject: ""}

	if _, ok := r.fromCache(key); ok {
		t.Fatal("expected miss on empty cache")
	}

	r.store(key, Decision{Enabled: true})
	d, ok := r.fromCache(key)
	if !ok || !d.Enabled {
		t.Fatalf("expected cached hit with Enabled=true, got %+v ok=%v", d, ok)
	}

	// Force expiry.
	r.mu.Lock()
	entry := r.cache[key]
	entry.expires = time.Now().Add(-time.Second)
	r.cache[key] = entry
	r.mu.Unlock()

	if _, ok := r.fromCache(key); ok {
		t.Fatal("expected miss once the entry has expired")
	}
}

func TestInvalidateOnlyAffectsMatchingTenant(t *testing.T) {
	r := &Resolver{cache: make(map[cacheKey]cacheEntry)}
	tenantA := uuid.New()
	tenantB := uuid.New()

	keyA := cacheKey{tenant: tenantA, feature: "outbound-calling"}
	keyB := cacheKey{tenant: tenantB, feature: "outbound-calling"}
	r.store(keyA, Decision{Enabled: true})
	r.store(keyB, Decision{Enabled: true})

	r.Invalidate(tenantA)

	if _, ok := r.fromCache(keyA); ok {
		t.Error("expected tenant A's entry to be invalidated")
	}
	if _, ok := r.fromCache(keyB); !ok {
		t.Error("expected tenant B's entry to survive tenant A's invalidation")
	}
}
