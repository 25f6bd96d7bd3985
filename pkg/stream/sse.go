package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CommitSSEHeaders writes the event-stream response headers and flushes
// them immediately, before any auth decision is made, so auth failures can
// be delivered in-stream.
func CommitSSEHeaders(w http.ResponseWriter) http.Flusher {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	return flusher
}

// WriteSSEError delivers an auth (or setup) failure as an in-stream ERROR
// event. The caller closes the connection by returning from the handler.
func WriteSSEError(w http.ResponseWriter, flusher http.Flusher, kind, message string) {
	payload, _ := json.Marshal(map[string]string{
		"type":    "ERROR",
		"error":   kind,
		"message": message,
	})
	fmt.Fprintf(w, "data: %s\n\n", payload)
	if flusher != nil {
		flusher.Flush()
	}
}

// ServeSSE pumps the subscriber's mailbox onto the response as
// `data: <json>\n\n` frames, sending a comment heartbeat every
// HeartbeatInterval while idle. It returns when the client disconnects,
// ctx is cancelled, or the subscriber is unsubscribed. The caller is
// responsible for calling hub.Unsubscribe.
func ServeSSE(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub *Subscriber) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
