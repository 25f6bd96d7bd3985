// Package notify implements change-data-capture for call-log rows: a
// dedicated connection LISTENs on the allow-listed Postgres channels fed
// by the call_logs AFTER UPDATE trigger, re-fetches each changed row in
// enriched form, and publishes it to the per-tenant topics of the stream
// hub.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicecall/orchestrator/pkg/store"
	"github.com/voicecall/orchestrator/pkg/stream"
	"github.com/voicecall/orchestrator/pkg/tenant"
)

const (
	initialBackoff = time.Second
	maxBackoff     = time.Minute
)

// channelPattern restricts LISTEN channel names to plain identifiers so a
// misconfigured channel can never smuggle SQL into the LISTEN statement.
var channelPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// notification is the JSON payload produced by the notify_call_log_change
// trigger.
type notification struct {
	Schema   string    `json:"schema"`
	TenantID uuid.UUID `json:"tenant_id"`
	ID       uuid.UUID `json:"id"`
}

// Notifier is the LISTEN client. Run blocks until ctx is cancelled,
// reconnecting with exponential backoff whenever the connection drops.
type Notifier struct {
	pool       *pgxpool.Pool
	hub        *stream.Hub
	channels   []string
	logger     *slog.Logger
	reconnects prometheus.Counter
}

// New creates a Notifier listening on the given allow-listed channels.
func New(pool *pgxpool.Pool, hub *stream.Hub, channels []string, logger *slog.Logger, reconnects prometheus.Counter) (*Notifier, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("no change-notification channels configured")
	}
	for _, ch := range channels {
		if !channelPattern.MatchString(ch) {
			return nil, fmt.Errorf("invalid change-notification channel name %q", ch)
		}
	}
	return &Notifier{pool: pool, hub: hub, channels: channels, logger: logger, reconnects: reconnects}, nil
}

// Run listens for change notifications until ctx is cancelled. Each
// dropped connection triggers a reconnect with exponential backoff; the
// backoff resets once a session survives long enough to be considered
// healthy.
func (n *Notifier) Run(ctx context.Context) error {
	n.logger.Info("change notifier started", "channels", n.channels)

	backoff := initialBackoff
	for {
		sessionStart := time.Now()
		err := n.listen(ctx)
		if ctx.Err() != nil {
			n.logger.Info("change notifier stopped")
			return nil
		}
		if err != nil {
			n.logger.Error("change notifier session ended", "error", err, "retry_in", backoff)
		}

		if n.reconnects != nil {
			n.reconnects.Inc()
		}

		if time.Since(sessionStart) > maxBackoff {
			backoff = initialBackoff
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

// nextBackoff doubles the delay up to maxBackoff.
func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// listen runs one LISTEN session on a dedicated connection. It returns
// when the connection fails or ctx is cancelled.
func (n *Notifier) listen(ctx context.Context) error {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listen connection: %w", err)
	}
	defer conn.Release()

	for _, ch := range n.channels {
		// Channel names were validated against channelPattern in New.
		if _, err := conn.Exec(ctx, "LISTEN "+ch); err != nil {
			return fmt.Errorf("listening on %s: %w", ch, err)
		}
	}

	for {
		notif, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("waiting for notification: %w", err)
		}
		n.handle(ctx, notif.Payload)
	}
}

// handle enriches and publishes one notification. Failures are logged and
// swallowed: a bad payload must not tear down the LISTEN session.
func (n *Notifier) handle(ctx context.Context, payload string) {
	msg, err := parsePayload(payload)
	if err != nil {
		n.logger.Warn("discarding change notification", "error", err, "payload", payload)
		return
	}

	enriched, err := n.fetchEnriched(ctx, msg)
	if err != nil {
		n.logger.Warn("enriching changed call log", "call_log_id", msg.ID, "error", err)
		return
	}

	body, err := json.Marshal(enriched)
	if err != nil {
		n.logger.Error("marshaling enriched call log", "call_log_id", msg.ID, "error", err)
		return
	}
	n.hub.Publish(msg.TenantID, body)
}

// parsePayload decodes and validates the trigger's JSON payload.
func parsePayload(payload string) (notification, error) {
	var msg notification
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return notification{}, fmt.Errorf("decoding payload: %w", err)
	}
	if msg.ID == uuid.Nil {
		return notification{}, fmt.Errorf("payload missing call log id")
	}
	if err := tenant.ValidateSchemaIdentifier(msg.Schema); err != nil {
		return notification{}, err
	}
	return msg, nil
}

// fetchEnriched re-reads the changed row with its joins on a short-lived
// connection scoped to the row's tenant schema.
func (n *Notifier) fetchEnriched(ctx context.Context, msg notification) (store.EnrichedCallLog, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return store.EnrichedCallLog{}, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, msg.Schema+", public"); err != nil {
		return store.EnrichedCallLog{}, fmt.Errorf("setting search_path: %w", err)
	}

	return store.NewCallLogRepo(conn).GetEnriched(ctx, msg.TenantID, msg.ID)
}
