package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	hub := NewHub(8, nil, nil, nil)
	tenantID := uuid.New()

	sub := hub.Subscribe(tenantID, false)
	defer hub.Unsubscribe(sub)

	hub.Publish(tenantID, json.RawMessage(`{"n":1}`))

	select {
	case msg := <-sub.C():
		if string(msg) != `{"n":1}` {
			t.Errorf("msg = %s, want {\"n\":1}", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}

func TestPublishIsTenantScoped(t *testing.T) {
	hub := NewHub(8, nil, nil, nil)

	subA := hub.Subscribe(uuid.New(), false)
	defer hub.Unsubscribe(subA)

	hub.Publish(uuid.New(), json.RawMessage(`{"other":"tenant"}`))

	select {
	case msg := <-subA.C():
		t.Errorf("cross-tenant delivery: got %s", msg)
	default:
	}
}

func TestReplayOnConnect(t *testing.T) {
	hub := NewHub(8, nil, nil, nil)
	tenantID := uuid.New()

	hub.Publish(tenantID, json.RawMessage(`{"seq":1}`))
	hub.Publish(tenantID, json.RawMessage(`{"seq":2}`))

	sub := hub.Subscribe(tenantID, true)
	defer hub.Unsubscribe(sub)

	select {
	case msg := <-sub.C():
		if string(msg) != `{"seq":2}` {
			t.Errorf("replayed msg = %s, want the latest ({\"seq\":2})", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no replay delivered")
	}

	// Exactly one replay: no further message pending.
	select {
	case msg := <-sub.C():
		t.Errorf("unexpected second replay: %s", msg)
	default:
	}
}

func TestNoReplayWhenTopicEmpty(t *testing.T) {
	hub := NewHub(8, nil, nil, nil)

	sub := hub.Subscribe(uuid.New(), true)
	defer hub.Unsubscribe(sub)

	select {
	case msg := <-sub.C():
		t.Errorf("unexpected message on empty topic: %s", msg)
	default:
	}
}

func TestMailboxOverflowDropsOldest(t *testing.T) {
	hub := NewHub(2, nil, nil, nil)
	tenantID := uuid.New()

	sub := hub.Subscribe(tenantID, false)
	defer hub.Unsubscribe(sub)

	for i := 1; i <= 4; i++ {
		hub.Publish(tenantID, json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)))
	}

	// The two oldest were dropped; 3 and 4 remain, in order.
	var got []string
	for i := 0; i < 2; i++ {
		select {
		case msg := <-sub.C():
			got = append(got, string(msg))
		case <-time.After(time.Second):
			t.Fatalf("only received %d messages", len(got))
		}
	}
	if got[0] != `{"seq":3}` || got[1] != `{"seq":4}` {
		t.Errorf("got %v, want [{\"seq\":3} {\"seq\":4}]", got)
	}
}

func TestUnsubscribeClosesMailbox(t *testing.T) {
	hub := NewHub(8, nil, nil, nil)
	sub := hub.Subscribe(uuid.New(), false)

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub) // idempotent

	if _, ok := <-sub.C(); ok {
		t.Error("mailbox still open after Unsubscribe")
	}
}

func TestPublishAfterUnsubscribeDoesNotPanic(t *testing.T) {
	hub := NewHub(8, nil, nil, nil)
	tenantID := uuid.New()

	sub := hub.Subscribe(tenantID, false)
	hub.Unsubscribe(sub)

	hub.Publish(tenantID, json.RawMessage(`{"after":"close"}`))
}

func TestServeSSEFraming(t *testing.T) {
	hub := NewHub(8, nil, nil, nil)
	tenantID := uuid.New()

	sub := hub.Subscribe(tenantID, false)
	hub.Publish(tenantID, json.RawMessage(`{"status":"completed"}`))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	w := httptest.NewRecorder()
	flusher := CommitSSEHeaders(w)
	ServeSSE(ctx, w, flusher, sub)
	hub.Unsubscribe(sub)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if !strings.Contains(w.Body.String(), "data: {\"status\":\"completed\"}\n\n") {
		t.Errorf("body missing SSE frame: %q", w.Body.String())
	}
}

func TestWriteSSEError(t *testing.T) {
	w := httptest.NewRecorder()
	flusher := CommitSSEHeaders(w)
	WriteSSEError(w, flusher, "auth", "missing principal")

	body := w.Body.String()
	if !strings.HasPrefix(body, "data: ") {
		t.Fatalf("body = %q, want data: frame", body)
	}
	var event map[string]string
	if err := json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(body, "data: "), "\n\n")), &event); err != nil {
		t.Fatalf("unmarshaling error event: %v", err)
	}
	if event["type"] != "ERROR" {
		t.Errorf("type = %q, want ERROR", event["type"])
	}
}
