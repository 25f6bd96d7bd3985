// Package policy implements the composable pre-dispatch checks every call
// or batch request passes through before a provider is ever contacted.
package policy

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RejectionKind identifies why a Gate rejected a request. These line up
// with the HTTP surface's error-kind taxonomy one-for-one.
type RejectionKind string

const (
	RejectFeatureDisabled     RejectionKind = "feature-disabled"
	RejectOutsideHours        RejectionKind = "outside-business-hours"
	RejectInsufficientCredits RejectionKind = "insufficient-credits"
	RejectRateLimited         RejectionKind = "rate-limited"
)

// Rejection is returned by a Check when it refuses a request. It is never
// wrapped with fmt.Errorf further up the call chain; callers switch on Kind.
type Rejection struct {
	Kind    RejectionKind
	Details map[string]any
}

func (r *Rejection) Error() string {
	return string(r.Kind)
}

// Request is everything a Check needs to evaluate a single call (or the
// aggregate view of a batch).
type Request struct {
	TenantID        uuid.UUID
	SubjectID       string
	FeatureKey      string
	RequiredCredits int64

	// Timezone precedence inputs, highest priority first: request body,
	// header, subject profile, cookie. The first non-empty value wins.
	BodyTimezone    string
	HeaderTimezone  string
	ProfileTimezone string
	CookieTimezone  string
}

// ResolvedTimezone applies the precedence order: body, header, subject
// profile, cookie, otherwise UTC.
func (r Request) ResolvedTimezone() string {
	for _, tz := range []string{r.BodyTimezone, r.HeaderTimezone, r.ProfileTimezone, r.CookieTimezone} {
		if tz != "" {
			return tz
		}
	}
	return "UTC"
}

// ValidationContext is attached to an accepted request so downstream
// components (CallDispatcher) don't need to re-derive it.
type ValidationContext struct {
	TenantID      uuid.UUID
	SubjectID     string
	CreditBalance int64
	Timezone      string
	ValidatedAt   time.Time
}

// Check is one pure, read-only gate stage. Implementations must not
// mutate state; PolicyGate never writes.
type Check interface {
	Check(ctx context.Context, req Request) (*Rejection, error)
}

// Gate runs a fixed, ordered list of checks and short-circuits on the
// first rejection.
type Gate struct {
	checks []Check
}

// NewGate builds a Gate from an ordered list of checks.
func NewGate(checks ...Check) *Gate {
	return &Gate{checks: checks}
}

// Evaluate runs every check in order. The first rejection is returned
// immediately; an unexpected error from a check aborts evaluation too, so
// the caller can map it to an internal error rather than silently passing
// the gate.
func (g *Gate) Evaluate(ctx context.Context, req Request) (ValidationContext, *Rejection, error) {
	for _, c := range g.checks {
		rej, err := c.Check(ctx, req)
		if err != nil {
			return ValidationContext{}, nil, err
		}
		if rej != nil {
			return ValidationContext{}, rej, nil
		}
	}
	return ValidationContext{
		TenantID:    req.TenantID,
		SubjectID:   req.SubjectID,
		Timezone:    req.ResolvedTimezone(),
		ValidatedAt: time.Now(),
	}, nil, nil
}
