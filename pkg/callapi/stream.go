package callapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicecall/orchestrator/internal/auth"
	"github.com/voicecall/orchestrator/pkg/stream"
)

// HandleStream serves the real-time call-status feed over SSE, or over a
// WebSocket when the client requests an upgrade. Auth is checked inside
// the handler: the SSE headers are committed first, and failures are
// delivered as an in-stream ERROR event followed by close.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		h.serveWebSocket(w, r)
		return
	}

	flusher := stream.CommitSSEHeaders(w)

	p := auth.FromContext(r.Context())
	if p == nil || p.TenantID == uuid.Nil {
		stream.WriteSSEError(w, flusher, "auth", "missing or invalid principal")
		return
	}

	sub := h.hub.Subscribe(p.TenantID, true)
	defer h.hub.Unsubscribe(sub)

	stream.ServeSSE(r.Context(), w, flusher, sub)
}

func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := stream.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the response
	}

	p := auth.FromContext(r.Context())
	if p == nil || p.TenantID == uuid.Nil {
		payload, _ := json.Marshal(map[string]string{
			"type": "ERROR", "error": "auth", "message": "missing or invalid principal",
		})
		_ = conn.WriteMessage(websocket.TextMessage, payload)
		conn.Close()
		return
	}

	sub := h.hub.Subscribe(p.TenantID, true)
	defer h.hub.Unsubscribe(sub)

	stream.ServeWebSocket(r.Context(), conn, sub)
}
