package provider

import (
	"context"
	"testing"
)

type stubProvider struct{ id string }

func (s stubProvider) ID() string { return s.id }
func (s stubProvider) PlaceCall(context.Context, PlaceCallRequest) (PlaceCallResponse, error) {
	return PlaceCallResponse{}, nil
}
func (s stubProvider) GetCallStatus(context.Context, string) (StatusSnapshot, error) {
	return StatusSnapshot{}, nil
}
func (s stubProvider) CancelCall(context.Context, string) error { return nil }

func newTestRouter() (*Registry, *Router) {
	reg := NewRegistry()
	reg.Register(stubProvider{id: "vapi"})
	reg.Register(stubProvider{id: "backup"})
	router := NewRouter(reg, "vapi", []string{"vapi", "backup"})
	return reg, router
}

func TestRouteReservedAgentIDGoesToPrimary(t *testing.T) {
	_, router := newTestRouter()

	result, err := router.Route("24", "backup")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Provider.ID() != "vapi" {
		t.Errorf("expected reserved agent id to route to primary vapi, got %s", result.Provider.ID())
	}
	if result.UsedFallback {
		t.Error("expected no fallback when the primary is available")
	}
}

func TestRouteFallsBackWhenProviderDisabled(t *testing.T) {
	reg, router := newTestRouter()
	reg.SetDisabled("vapi", true)

	result, err := router.Route("100", "vapi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Provider.ID() != "backup" {
		t.Errorf("expected fallback to backup, got %s", result.Provider.ID())
	}
	if !result.UsedFallback {
		t.Error("expected UsedFallback to be true")
	}
}

func TestRouteFailsWhenAllProvidersDisabled(t *testing.T) {
	reg, router := newTestRouter()
	reg.SetDisabled("vapi", true)
	reg.SetDisabled("backup", true)

	_, err := router.Route("100", "vapi")
	if err != ErrNoProvider {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
}

func TestRouteUnmappedAgentUsesOwnProviderID(t *testing.T) {
	_, router := newTestRouter()

	result, err := router.Route("some-agent", "backup")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Provider.ID() != "backup" {
		t.Errorf("expected agent's own provider mapping to be used, got %s", result.Provider.ID())
	}
}
