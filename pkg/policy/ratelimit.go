package policy

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RateLimitCheck enforces a per-tenant requests-per-minute ceiling. Each
// tenant gets its own token bucket, refilled continuously at
// PerMinute/60 tokens per second with a burst equal to PerMinute.
type RateLimitCheck struct {
	PerMinute int

	mu      sync.Mutex
	buckets map[uuid.UUID]*rate.Limiter
}

// Check implements Check. A PerMinute of zero or less disables the check
// entirely.
func (r *RateLimitCheck) Check(_ context.Context, req Request) (*Rejection, error) {
	if r.PerMinute <= 0 {
		return nil, nil
	}

	limiter := r.limiterFor(req.TenantID)
	if limiter.Allow() {
		return nil, nil
	}

	return &Rejection{
		Kind: RejectRateLimited,
		Details: map[string]any{
			"retry_after_seconds": 60 / r.PerMinute,
		},
	}, nil
}

func (r *RateLimitCheck) limiterFor(tenantID uuid.UUID) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buckets == nil {
		r.buckets = make(map[uuid.UUID]*rate.Limiter)
	}
	l, ok := r.buckets[tenantID]
	if !ok {
		perSecond := rate.Limit(float64(r.PerMinute) / 60.0)
		l = rate.NewLimiter(perSecond, r.PerMinute)
		r.buckets[tenantID] = l
	}
	return l
}

// Reset drops a tenant's bucket, used by tests and by tenant
// deprovisioning to free memory.
func (r *RateLimitCheck) Reset(tenantID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buckets, tenantID)
}
