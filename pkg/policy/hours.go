package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BusinessHoursConfig is the per-tenant window checked by
// BusinessHoursCheck. AllowedDays holds time.Weekday values (0=Sunday).
type BusinessHoursConfig struct {
	Start       string // "HH:MM", tenant-timezone local
	End         string // "HH:MM", tenant-timezone local
	Timezone    string // IANA zone name
	AllowedDays map[time.Weekday]bool
}

// BusinessHoursCheck rejects requests made outside a tenant's configured
// window. ConfigFor supplies the per-tenant window; Disabled
// reports the tenant-level kill-switch. Clock defaults to time.Now when
// nil, overridable for tests.
type BusinessHoursCheck struct {
	ConfigFor func(ctx context.Context, tenantID uuid.UUID) (BusinessHoursConfig, error)
	Disabled  func(ctx context.Context, req Request) (bool, error)
	Clock     func() time.Time
}

func (b BusinessHoursCheck) now() time.Time {
	if b.Clock != nil {
		return b.Clock()
	}
	return time.Now()
}

// Check implements Check.
func (b BusinessHoursCheck) Check(ctx context.Context, req Request) (*Rejection, error) {
	if b.Disabled != nil {
		disabled, err := b.Disabled(ctx, req)
		if err != nil {
			return nil, err
		}
		if disabled {
			return nil, nil
		}
	}

	cfg, err := b.ConfigFor(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading business hours timezone %q: %w", cfg.Timezone, err)
	}

	userLoc, err := time.LoadLocation(req.ResolvedTimezone())
	if err != nil {
		userLoc = time.UTC
	}

	now := b.now().In(userLoc).In(loc)

	ok, reason := withinWindow(now, cfg)
	if ok {
		return nil, nil
	}

	return &Rejection{
		Kind: RejectOutsideHours,
		Details: map[string]any{
			"window":        fmt.Sprintf("%s-%s %s", cfg.Start, cfg.End, cfg.Timezone),
			"user_timezone": req.ResolvedTimezone(),
			"reason":        reason,
		},
	}, nil
}

func withinWindow(now time.Time, cfg BusinessHoursConfig) (bool, string) {
	if len(cfg.AllowedDays) > 0 && !cfg.AllowedDays[now.Weekday()] {
		return false, "day-not-allowed"
	}

	start, err := parseHHMM(cfg.Start)
	if err != nil {
		return false, "invalid-start"
	}
	end, err := parseHHMM(cfg.End)
	if err != nil {
		return false, "invalid-end"
	}

	minutesNow := now.Hour()*60 + now.Minute()

	if start <= end {
		if minutesNow < start || minutesNow >= end {
			return false, "outside-window"
		}
		return true, ""
	}

	// Overnight window (start > end): open from start through midnight and
	// from midnight through end.
	if minutesNow >= start || minutesNow < end {
		return true, ""
	}
	return false, "outside-window"
}

func parseHHMM(hhmm string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parsing %q: %w", hhmm, err)
	}
	return h*60 + m, nil
}
