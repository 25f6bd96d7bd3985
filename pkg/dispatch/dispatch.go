// Package dispatch implements the single-call pipeline: gate, route,
// insert, call the provider, and record the outcome.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicecall/orchestrator/pkg/ledger"
	"github.com/voicecall/orchestrator/pkg/policy"
	"github.com/voicecall/orchestrator/pkg/provider"
	"github.com/voicecall/orchestrator/pkg/store"
)

// e164Pattern validates to-numbers (E.164).
var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ErrInvalidNumber is returned when a to-number is not E.164.
var ErrInvalidNumber = errors.New("invalid-number")

// conn is what Dispatcher needs from its underlying connection.
type conn interface {
	store.DBTX
	store.Beginner
}

// Request is the validated input to Dispatch.
type Request struct {
	TenantID          uuid.UUID
	SubjectID         string
	ToNumber          string // E.164
	AgentRef          int64
	VoiceRef          *uuid.UUID
	FromNumber        string
	LeadRef           string
	LeadName          string
	AddedContext      map[string]any
	KnowledgeBaseRefs []string
	Initiator         string
	FeatureKey        string
	BatchRef          *uuid.UUID
	BatchEntryRef     *uuid.UUID
	Timezone          string
}

// Result is dispatch-result. Rejection is set alongside Error when
// the failure came from the policy gate, so the HTTP surface can surface
// the typed details (window, required/available credits) verbatim.
type Result struct {
	Success        bool
	CallLogID      uuid.UUID
	ProviderCallID string
	Status         store.CallStatus
	Error          string
	Rejection      *policy.Rejection
}

// Dispatcher implements CallDispatcher.
type Dispatcher struct {
	db                conn
	gate              *policy.Gate
	router            *provider.Router
	minCredits        int64
	providerTimeout   time.Duration
	logger            *slog.Logger
	dispatchedCounter *prometheus.CounterVec
	durationHist      *prometheus.HistogramVec
}

// New creates a Dispatcher. db is the tenant-scoped pooled connection
// (search_path already set by the tenant middleware).
func New(db conn, gate *policy.Gate, router *provider.Router, minCredits int64, providerTimeout time.Duration, logger *slog.Logger, dispatchedCounter *prometheus.CounterVec, durationHist *prometheus.HistogramVec) *Dispatcher {
	return &Dispatcher{
		db: db, gate: gate, router: router, minCredits: minCredits,
		providerTimeout: providerTimeout, logger: logger,
		dispatchedCounter: dispatchedCounter, durationHist: durationHist,
	}
}

// Dispatch runs the full single-call pipeline. Credit settlement is not
// performed here: it is applied by SettleTerminal once the call reaches a
// terminal status, via a webhook or poll.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	if !e164Pattern.MatchString(req.ToNumber) {
		return Result{}, ErrInvalidNumber
	}

	vctx, rej, err := d.gate.Evaluate(ctx, policy.Request{
		TenantID: req.TenantID, SubjectID: req.SubjectID, FeatureKey: req.FeatureKey,
		RequiredCredits: d.minCredits, BodyTimezone: req.Timezone,
	})
	if err != nil {
		return Result{}, fmt.Errorf("evaluating policy gate: %w", err)
	}
	if rej != nil {
		return Result{Success: false, Error: string(rej.Kind), Rejection: rej}, nil
	}
	_ = vctx

	agents := store.NewAgentRepo(d.db)
	agent, err := agents.Get(ctx, req.TenantID, req.AgentRef)
	if err != nil {
		return Result{}, fmt.Errorf("looking up agent %d: %w", req.AgentRef, err)
	}

	route, err := d.router.Route(strconv.FormatInt(req.AgentRef, 10), agent.ProviderID)
	if err != nil {
		if errors.Is(err, provider.ErrNoProvider) {
			return Result{Success: false, Error: "no-provider"}, nil
		}
		return Result{}, fmt.Errorf("routing call: %w", err)
	}

	voiceRef := req.VoiceRef
	if voiceRef == nil {
		voiceRef = agent.VoiceRef // absence is non-fatal
	}

	countryCode, baseNumber := splitE164(req.ToNumber)

	callLogs := store.NewCallLogRepo(d.db)
	id := uuid.New()

	metadata, _ := json.Marshal(req.AddedContext)
	row, err := func() (store.CallLogRow, error) {
		tx, err := d.db.Begin(ctx)
		if err != nil {
			return store.CallLogRow{}, fmt.Errorf("beginning call-log transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		txRepo := store.NewCallLogRepo(tx)
		var leadRef *string
		if req.LeadRef != "" {
			leadRef = &req.LeadRef
		}
		var fromNumber *string
		if req.FromNumber != "" {
			fromNumber = &req.FromNumber
		}
		out, err := txRepo.Create(ctx, store.CreateParams{
			ID: id, TenantID: req.TenantID, InitiatedBy: req.Initiator, LeadRef: leadRef,
			AgentRef: req.AgentRef, VoiceRef: voiceRef, FromNumber: fromNumber,
			ToCountryCode: countryCode, ToBaseNumber: baseNumber, Direction: "outbound",
			Currency: "credits", Metadata: metadata, BatchRef: req.BatchRef, BatchEntryRef: req.BatchEntryRef,
		})
		if err != nil {
			return store.CallLogRow{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return store.CallLogRow{}, fmt.Errorf("committing call-log insert: %w", err)
		}
		return out, nil
	}()
	if err != nil {
		return Result{}, fmt.Errorf("creating call log: %w", err)
	}

	voiceRefStr := ""
	if voiceRef != nil {
		voiceRefStr = voiceRef.String()
	}

	placeCtx, cancel := context.WithTimeout(ctx, d.providerTimeout)
	defer cancel()

	start := time.Now()
	placeResp, placeErr := route.Provider.PlaceCall(placeCtx, provider.PlaceCallRequest{
		ToCountryCode: countryCode, ToBaseNumber: baseNumber, FromNumber: req.FromNumber,
		VoiceRef: voiceRefStr, AgentRef: strconv.FormatInt(req.AgentRef, 10),
		LeadName: req.LeadName, LeadRef: req.LeadRef, AddedContext: req.AddedContext,
		Initiator: req.Initiator, KnowledgeBaseRefs: req.KnowledgeBaseRefs,
		IdempotencyKey: row.ID.String(),
	})
	elapsed := time.Since(start)

	d.observe(route.Provider.ID(), placeErr == nil)
	if d.durationHist != nil {
		d.durationHist.WithLabelValues(route.Provider.ID()).Observe(elapsed.Seconds())
	}

	if placeErr != nil {
		errDetail, _ := json.Marshal(map[string]string{"message": placeErr.Error()})
		if _, txErr := callLogs.Transition(ctx, store.TransitionParams{
			TenantID: req.TenantID, ID: row.ID, Status: store.CallFailed, ErrorDetail: errDetail, EndNow: true,
		}); txErr != nil {
			d.logger.Warn("failed to record provider failure on call log", "call_log_id", row.ID, "error", txErr)
		}
		return Result{Success: false, CallLogID: row.ID, Status: store.CallFailed, Error: "provider-failed"}, nil
	}

	status := store.CallStatus(placeResp.InitialStatus)
	if status != store.CallRinging && status != store.CallInProgress {
		status = store.CallRinging
	}

	updated, err := callLogs.UpdateProviderAccepted(ctx, req.TenantID, row.ID, placeResp.CallID, status)
	if err != nil {
		d.logger.Warn("failed to record provider acceptance on call log", "call_log_id", row.ID, "error", err)
		return Result{Success: true, CallLogID: row.ID, ProviderCallID: placeResp.CallID, Status: status}, nil
	}

	return Result{Success: true, CallLogID: updated.ID, ProviderCallID: placeResp.CallID, Status: updated.Status}, nil
}

func (d *Dispatcher) observe(providerID string, ok bool) {
	if d.dispatchedCounter != nil {
		outcome := "ok"
		if !ok {
			outcome = "error"
		}
		d.dispatchedCounter.WithLabelValues(outcome, providerID).Inc()
	}
}

// TerminalOutcome describes a status update arriving from a provider
// webhook or poll, used by SettleTerminal.
type TerminalOutcome struct {
	TenantID        uuid.UUID
	CallLogID       uuid.UUID
	Status          store.CallStatus
	DurationSeconds *int
	CostCredits     *int64
	RecordingURL    *string
	ErrorDetail     json.RawMessage
}

// SettleTerminal transitions a call log to a terminal status and, only for
// "completed", debits the tenant's wallet for the call's cost. Single-call
// dispatch never pre-debits, so no compensating refund is needed on any
// other terminal branch — the wallet was never touched for a call that was
// merely attempted and failed.
func (d *Dispatcher) SettleTerminal(ctx context.Context, led *ledger.Ledger, outcome TerminalOutcome) (store.CallLogRow, error) {
	if !store.IsTerminal(outcome.Status) {
		return store.CallLogRow{}, fmt.Errorf("SettleTerminal called with non-terminal status %q", outcome.Status)
	}

	callLogs := store.NewCallLogRepo(d.db)
	row, err := callLogs.Transition(ctx, store.TransitionParams{
		TenantID: outcome.TenantID, ID: outcome.CallLogID, Status: outcome.Status,
		DurationSeconds: outcome.DurationSeconds, CostCredits: outcome.CostCredits,
		RecordingURL: outcome.RecordingURL, ErrorDetail: outcome.ErrorDetail, EndNow: true,
	})
	if err != nil {
		if errors.Is(err, store.ErrTerminalTransition) {
			return store.CallLogRow{}, err
		}
		return store.CallLogRow{}, fmt.Errorf("transitioning call log to terminal status: %w", err)
	}

	if outcome.Status == store.CallCompleted && outcome.CostCredits != nil && *outcome.CostCredits > 0 {
		amount := *outcome.CostCredits
		key := "call:" + outcome.CallLogID.String()
		if row.BatchRef != nil {
			// Batched entries were pre-debited the per-call minimum at
			// dispatch; settlement only charges the excess beyond it.
			amount -= d.minCredits
			key += ":excess"
		}
		if amount > 0 {
			if _, err := led.Debit(ctx, outcome.TenantID, amount, "call", outcome.CallLogID.String(),
				"call settlement", nil, key); err != nil {
				return row, fmt.Errorf("settling call debit: %w", err)
			}
		}
	}

	return row, nil
}

func splitE164(number string) (countryCode, base string) {
	digits := number[1:] // drop leading '+'
	// There is no E.164 country-code table: a leading 1 is taken as the
	// NANP country code, and any other number has its first two digits
	// split off as the country code, whatever the real code's length.
	if len(digits) > 0 && digits[0] == '1' {
		return "1", digits[1:]
	}
	if len(digits) >= 2 {
		return digits[:2], digits[2:]
	}
	return digits, ""
}
