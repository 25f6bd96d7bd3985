// Package auth consumes a caller principal already authenticated upstream.
// This service does not issue or verify bearer tokens, session cookies, or
// OIDC identities itself; it trusts a small set of headers set by an
// upstream gateway and turns them into a Principal for the rest of the
// request's lifetime.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Method describes how the caller was authenticated upstream.
const (
	MethodSubject     = "subject"      // validated end-user/service principal
	MethodServiceCall = "service_call" // trusted internal caller, tenant only
)

// Roles recognised by PolicyGate and handler authorization checks.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleCaller   = "caller"
	RoleReadonly = "readonly"
)

// Principal represents the caller of the current request: a subject id,
// tenant id, role, and capability set, all already validated by whatever
// sits in front of this service.
type Principal struct {
	SubjectID    string
	TenantID     uuid.UUID
	TenantSlug   string
	Role         string
	Capabilities []string
	Method       string
}

// HasCapability reports whether the principal carries the named capability.
func (p *Principal) HasCapability(name string) bool {
	if p == nil {
		return false
	}
	for _, c := range p.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

type ctxKey string

const principalKey ctxKey = "auth_principal"

// NewContext stores the principal in the context.
func NewContext(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext extracts the principal from the context. Returns nil if none
// is set.
func FromContext(ctx context.Context) *Principal {
	v, _ := ctx.Value(principalKey).(*Principal)
	return v
}

// Header names the upstream gateway is expected to set once it has
// validated the caller.
const (
	HeaderSubjectID    = "X-Subject-Id"
	HeaderTenantID     = "X-Tenant-Id"
	HeaderTenantSlug   = "X-Tenant-Slug"
	HeaderRole         = "X-Caller-Role"
	HeaderCapabilities = "X-Caller-Capabilities" // comma-separated
)

// Middleware extracts a Principal from upstream-set headers and attaches it
// to the request context. It performs no verification of its own: a
// deployment that exposes this service directly to untrusted callers must
// terminate authentication in front of it.
//
// A request carrying only X-Tenant-Id (no X-Subject-Id) is treated as a
// trusted service-to-service call scoped to that tenant, per the allow-list
// of internal operations that accept tenant-only principals.
func Middleware(allowServiceCall func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantIDRaw := r.Header.Get(HeaderTenantID)
			subjectID := strings.TrimSpace(r.Header.Get(HeaderSubjectID))

			var tenantID uuid.UUID
			if tenantIDRaw != "" {
				id, err := uuid.Parse(tenantIDRaw)
				if err != nil {
					http.Error(w, "invalid "+HeaderTenantID, http.StatusBadRequest)
					return
				}
				tenantID = id
			}

			var p *Principal
			switch {
			case subjectID != "":
				caps := splitCapabilities(r.Header.Get(HeaderCapabilities))
				p = &Principal{
					SubjectID:    subjectID,
					TenantID:     tenantID,
					TenantSlug:   r.Header.Get(HeaderTenantSlug),
					Role:         r.Header.Get(HeaderRole),
					Capabilities: caps,
					Method:       MethodSubject,
				}
			case tenantIDRaw != "" && allowServiceCall != nil && allowServiceCall(r):
				p = &Principal{
					TenantID:   tenantID,
					TenantSlug: r.Header.Get(HeaderTenantSlug),
					Role:       RoleOperator,
					Method:     MethodServiceCall,
				}
			}

			if p != nil {
				r = r.WithContext(NewContext(r.Context(), p))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePrincipal rejects requests that carry no Principal.
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func splitCapabilities(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
