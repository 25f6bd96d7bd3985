package policy

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestRateLimitCheckDisabledWhenZero(t *testing.T) {
	c := &RateLimitCheck{PerMinute: 0}
	for i := 0; i < 100; i++ {
		if rej, err := c.Check(context.Background(), Request{TenantID: uuid.New()}); err != nil || rej != nil {
			t.Fatalf("expected pass with PerMinute=0, got rej=%+v err=%v", rej, err)
		}
	}
}

func TestRateLimitCheckRejectsOverBurst(t *testing.T) {
	c := &RateLimitCheck{PerMinute: 2}
	tenantID := uuid.New()
	req := Request{TenantID: tenantID}

	rej1, _ := c.Check(context.Background(), req)
	rej2, _ := c.Check(context.Background(), req)
	rej3, _ := c.Check(context.Background(), req)

	if rej1 != nil || rej2 != nil {
		t.Fatalf("expected first two requests to pass, got %+v, %+v", rej1, rej2)
	}
	if rej3 == nil || rej3.Kind != RejectRateLimited {
		t.Fatalf("expected third request to be rate-limited, got %+v", rej3)
	}
}

func TestRateLimitCheckIsolatesTenants(t *testing.T) {
	c := &RateLimitCheck{PerMinute: 1}
	tenantA := uuid.New()
	tenantB := uuid.New()

	if rej, _ := c.Check(context.Background(), Request{TenantID: tenantA}); rej != nil {
		t.Fatalf("expected tenant A's first request to pass, got %+v", rej)
	}
	if rej, _ := c.Check(context.Background(), Request{TenantID: tenantA}); rej == nil {
		t.Fatal("expected tenant A's second request to be rate-limited")
	}
	if rej, _ := c.Check(context.Background(), Request{TenantID: tenantB}); rej != nil {
		t.Fatalf("expected tenant B's bucket to be independent, got %+v", rej)
	}
}
