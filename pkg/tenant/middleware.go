package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicecall/orchestrator/internal/auth"
)

// Lookup resolves a tenant slug to its id and display name. pkg/store's
// tenant repository implements this against the public.tenants table.
type Lookup interface {
	LookupBySlug(ctx context.Context, slug string) (id uuid.UUID, name string, err error)
}

// Resolver identifies the tenant slug for the current request.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// HeaderResolver resolves the tenant slug from the X-Tenant-Slug header.
// Intended for development and for trusted internal callers; production
// traffic should arrive with a principal already carrying a tenant slug.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(r *http.Request) (string, error) {
	slug := r.Header.Get("X-Tenant-Slug")
	if slug == "" {
		return "", fmt.Errorf("missing X-Tenant-Slug header")
	}
	return slug, nil
}

// schemaOverrideHeader lets a trusted caller pin an exact schema identifier,
// bypassing slug-based derivation. Still subject to the allow-list.
const schemaOverrideHeader = "X-Schema-Override"

// resolveSchema implements the priority chain: explicit override ->
// subject-schema -> tenant-schema -> environment default -> configured
// default. The core never hardcodes a schema name.
func resolveSchema(r *http.Request, slugResolver Resolver, defaultSchema string) (schema, slug string, err error) {
	if override := strings.TrimSpace(r.Header.Get(schemaOverrideHeader)); override != "" {
		if err := ValidateSchemaIdentifier(override); err != nil {
			return "", "", err
		}
		return override, "", nil
	}

	// Subject-schema: an already-authenticated principal's own tenant slug
	// takes precedence over a generic tenant-resolution header, since it
	// reflects what the upstream authenticator actually validated.
	if p := auth.FromContext(r.Context()); p != nil && p.TenantSlug != "" {
		schema := SchemaName(p.TenantSlug)
		if err := ValidateSchemaIdentifier(schema); err != nil {
			return "", "", err
		}
		return schema, p.TenantSlug, nil
	}

	if slugResolver != nil {
		if slug, err := slugResolver.Resolve(r); err == nil && slug != "" {
			schema := SchemaName(slug)
			if err := ValidateSchemaIdentifier(schema); err != nil {
				return "", "", err
			}
			return schema, slug, nil
		}
	}

	if defaultSchema == "" {
		return "", "", fmt.Errorf("invalid-schema: no schema could be resolved and no default is configured")
	}
	if err := ValidateSchemaIdentifier(defaultSchema); err != nil {
		return "", "", err
	}
	return defaultSchema, "", nil
}

// Middleware resolves the request's tenant schema, acquires a dedicated
// pool connection, sets its search_path to the resolved schema, and stores
// the tenant Info plus the scoped connection in the request context. The
// connection is released once the handler chain returns.
func Middleware(pool *pgxpool.Pool, lookup Lookup, resolver Resolver, defaultSchema string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			schema, slug, err := resolveSchema(r, resolver, defaultSchema)
			if err != nil {
				logger.Warn("schema resolution failed", "error", err)
				http.Error(w, "invalid-schema", http.StatusBadRequest)
				return
			}

			var info Info
			info.Schema = schema
			info.Slug = slug

			if slug != "" && lookup != nil {
				id, name, err := lookup.LookupBySlug(ctx, slug)
				if err != nil {
					logger.Warn("tenant lookup failed", "slug", slug, "error", err)
					http.Error(w, "not-found", http.StatusNotFound)
					return
				}
				info.ID = id
				info.Name = name
			}

			conn, err := pool.Acquire(ctx)
			if err != nil {
				logger.Error("acquiring tenant connection", "error", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			defer conn.Release()

			if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, schema+", public"); err != nil {
				logger.Error("setting search_path", "schema", schema, "error", err)
				http.Error(w, "invalid-schema", http.StatusBadRequest)
				return
			}

			ctx = NewContext(ctx, &info)
			ctx = NewConnContext(ctx, conn)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
