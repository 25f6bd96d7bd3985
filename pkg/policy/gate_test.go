package policy

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

// checkFunc adapts a function to the Check interface for tests.
type checkFunc func(context.Context, Request) (*Rejection, error)

func (f checkFunc) Check(ctx context.Context, req Request) (*Rejection, error) {
	return f(ctx, req)
}

func TestGateShortCircuitsOnFirstRejection(t *testing.T) {
	calls := 0
	track := func(rej *Rejection) Check {
		return checkFunc(func(context.Context, Request) (*Rejection, error) {
			calls++
			return rej, nil
		})
	}

	gate := NewGate(
		track(&Rejection{Kind: RejectFeatureDisabled}),
		track(nil),
	)

	_, rej, err := gate.Evaluate(context.Background(), Request{TenantID: uuid.New()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rej == nil || rej.Kind != RejectFeatureDisabled {
		t.Fatalf("expected RejectFeatureDisabled, got %+v", rej)
	}
	if calls != 1 {
		t.Errorf("expected short-circuit after first check, ran %d checks", calls)
	}
}

func TestGateAcceptsWhenAllChecksPass(t *testing.T) {
	gate := NewGate(
		checkFunc(func(context.Context, Request) (*Rejection, error) { return nil, nil }),
		checkFunc(func(context.Context, Request) (*Rejection, error) { return nil, nil }),
	)

	tenantID := uuid.New()
	vctx, rej, err := gate.Evaluate(context.Background(), Request{TenantID: tenantID, SubjectID: "sub-1", BodyTimezone: "America/New_York"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rej != nil {
		t.Fatalf("expected acceptance, got rejection %+v", rej)
	}
	if vctx.TenantID != tenantID || vctx.SubjectID != "sub-1" || vctx.Timezone != "America/New_York" {
		t.Errorf("unexpected validation context: %+v", vctx)
	}
}

func TestResolvedTimezonePrecedence(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"body wins", Request{BodyTimezone: "A", HeaderTimezone: "B", ProfileTimezone: "C", CookieTimezone: "D"}, "A"},
		{"header wins without body", Request{HeaderTimezone: "B", ProfileTimezone: "C", CookieTimezone: "D"}, "B"},
		{"profile wins without body/header", Request{ProfileTimezone: "C", CookieTimezone: "D"}, "C"},
		{"cookie wins when nothing else set", Request{CookieTimezone: "D"}, "D"},
		{"UTC default", Request{}, "UTC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.req.ResolvedTimezone(); got != tt.want {
				t.Errorf("ResolvedTimezone() = %q, want %q", got, tt.want)
			}
		})
	}
}
