package tenant

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voicecall/orchestrator/internal/auth"
)

func TestHeaderResolver_Resolve(t *testing.T) {
	resolver := HeaderResolver{}

	t.Run("returns slug from header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Tenant-Slug", "acme")

		slug, err := resolver.Resolve(r)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if slug != "acme" {
			t.Errorf("slug = %q, want %q", slug, "acme")
		}
	})

	t.Run("returns error when header missing", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)

		_, err := resolver.Resolve(r)
		if err == nil {
			t.Fatal("expected error for missing header")
		}
	})
}

func TestResolveSchema_PriorityChain(t *testing.T) {
	resolver := HeaderResolver{}

	t.Run("explicit override wins over everything", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(schemaOverrideHeader, "tenant_pinned")
		r.Header.Set("X-Tenant-Slug", "acme")

		schema, slug, err := resolveSchema(r, resolver, "public")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if schema != "tenant_pinned" || slug != "" {
			t.Errorf("schema = %q, slug = %q", schema, slug)
		}
	})

	t.Run("invalid override is rejected", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(schemaOverrideHeader, "bad;schema")

		if _, _, err := resolveSchema(r, resolver, "public"); err == nil {
			t.Fatal("expected invalid-schema error")
		}
	})

	t.Run("subject-schema wins over tenant-schema header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Tenant-Slug", "acme")
		ctx := auth.NewContext(r.Context(), &auth.Principal{TenantSlug: "globex"})
		r = r.WithContext(ctx)

		schema, slug, err := resolveSchema(r, resolver, "public")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if schema != "tenant_globex" || slug != "globex" {
			t.Errorf("schema = %q, slug = %q, want tenant_globex/globex", schema, slug)
		}
	})

	t.Run("tenant-schema header used when no principal", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Tenant-Slug", "acme")

		schema, slug, err := resolveSchema(r, resolver, "public")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if schema != "tenant_acme" || slug != "acme" {
			t.Errorf("schema = %q, slug = %q", schema, slug)
		}
	})

	t.Run("falls back to configured default", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)

		schema, slug, err := resolveSchema(r, resolver, "public")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if schema != "public" || slug != "" {
			t.Errorf("schema = %q, slug = %q", schema, slug)
		}
	})

	t.Run("no default configured is an error", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)

		if _, _, err := resolveSchema(r, resolver, ""); err == nil {
			t.Fatal("expected error when no schema can be resolved")
		}
	})
}

func TestValidateSchemaIdentifier(t *testing.T) {
	if err := ValidateSchemaIdentifier("tenant_acme"); err != nil {
		t.Errorf("expected valid schema to pass, got %v", err)
	}
	if err := ValidateSchemaIdentifier("tenant_acme; drop table x"); err == nil {
		t.Error("expected malicious schema identifier to be rejected")
	}
}
