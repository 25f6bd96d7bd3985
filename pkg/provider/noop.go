package provider

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// NoopProvider accepts every call and immediately reports it as ringing,
// for local development and tests where no real telephony backend is
// configured. It doubles as the always-available routing fallback.
type NoopProvider struct {
	Logger *slog.Logger
}

// ID implements Provider.
func (n *NoopProvider) ID() string { return "noop" }

// PlaceCall implements Provider.
func (n *NoopProvider) PlaceCall(_ context.Context, req PlaceCallRequest) (PlaceCallResponse, error) {
	callID := uuid.NewString()
	if n.Logger != nil {
		n.Logger.Info("noop provider accepted call", "call_id", callID, "to", req.ToCountryCode+req.ToBaseNumber)
	}
	return PlaceCallResponse{CallID: callID, InitialStatus: "ringing", Raw: map[string]any{"provider": "noop"}}, nil
}

// GetCallStatus implements Provider.
func (n *NoopProvider) GetCallStatus(_ context.Context, callID string) (StatusSnapshot, error) {
	return StatusSnapshot{CallID: callID, Status: "completed", Duration: 0}, nil
}

// CancelCall implements Provider.
func (n *NoopProvider) CancelCall(_ context.Context, _ string) error {
	return nil
}
