// Package provider defines the uniform telephony provider contract and the
// router that selects a provider for a given agent.
package provider

import "context"

// PlaceCallRequest is the language-neutral request shape every provider
// accepts.
type PlaceCallRequest struct {
	ToCountryCode     string
	ToBaseNumber      string
	FromNumber        string
	VoiceRef          string
	AgentRef          string
	LeadName          string
	LeadRef           string
	AddedContext      map[string]any
	Initiator         string
	KnowledgeBaseRefs []string
	IdempotencyKey    string
}

// PlaceCallResponse is the uniform response shape.
type PlaceCallResponse struct {
	CallID        string
	InitialStatus string
	Raw           map[string]any
}

// StatusSnapshot is the result of polling a provider for a call's status.
type StatusSnapshot struct {
	CallID   string
	Status   string
	Duration int
	Raw      map[string]any
}

// Provider is the uniform contract every telephony backend implements.
// Implementations must be idempotent on retried requests carrying the same
// IdempotencyKey.
type Provider interface {
	ID() string
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResponse, error)
	GetCallStatus(ctx context.Context, callID string) (StatusSnapshot, error)
	CancelCall(ctx context.Context, callID string) error
}

// BatchPlacer is implemented by providers that accept a native batch
// request rather than requiring per-entry dispatch. BatchCoordinator type
// -asserts for it and falls back to per-entry PlaceCall otherwise.
type BatchPlacer interface {
	PlaceBatch(ctx context.Context, reqs []PlaceCallRequest) ([]PlaceCallResponse, error)
}
