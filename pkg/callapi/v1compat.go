package callapi

import (
	"net/http"

	"github.com/voicecall/orchestrator/internal/httpserver"
)

// v1StartCallRequest is the legacy camelCase wire shape. The v2 snake_case
// DTO is authoritative; this shim only translates field names at the edge
// and delegates to the shared pipeline.
type v1StartCallRequest struct {
	PhoneNumber  string         `json:"phoneNumber" validate:"required,e164"`
	AgentID      string         `json:"agentId" validate:"required"`
	VoiceID      string         `json:"voiceId" validate:"omitempty,uuid"`
	FromNumber   string         `json:"fromNumber" validate:"omitempty,e164"`
	LeadID       string         `json:"leadId"`
	LeadName     string         `json:"leadName"`
	AddedContext map[string]any `json:"addedContext"`
	Timezone     string         `json:"timezone"`
}

func (h *Handler) handleV1TriggerCall(w http.ResponseWriter, r *http.Request) {
	var req v1StartCallRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	h.startCall(w, r, startCallRequest{
		ToNumber:     req.PhoneNumber,
		AgentID:      req.AgentID,
		VoiceID:      req.VoiceID,
		FromNumber:   req.FromNumber,
		LeadID:       req.LeadID,
		LeadName:     req.LeadName,
		AddedContext: req.AddedContext,
		Timezone:     req.Timezone,
	})
}
