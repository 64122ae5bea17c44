package errors

import (
	"errors"
	"fmt"
	"time"
)

type DenialReason string

const (
	ReasonInsufficientCredits DenialReason = "insufficient_credits"
	ReasonDailyCapReached     DenialReason = "daily_cap_reached"
	ReasonCooldownActive      DenialReason = "cooldown_active"
	ReasonHabitDisabled       DenialReason = "habit_disabled"
	ReasonSessionActive       DenialReason = "session_active"
)

// Denial is an expected, user-facing refusal. It carries enough structure for
// a UI to render "wait 4 more minutes" or "5 credits short" on its own.
type Denial struct {
	Reason    DenialReason
	HabitID   string
	PackageID string

	// CooldownActive
	Remaining time.Duration

	// InsufficientCredits
	Balance   int64
	Required  int64
	Shortfall int64

	// DailyCapReached
	Cap int64

	// SessionActive
	Until time.Time
}

func (d *Denial) Error() string {
	switch d.Reason {
	case ReasonInsufficientCredits:
		return fmt.Sprintf("insufficient credits: balance %d, required %d", d.Balance, d.Required)
	case ReasonDailyCapReached:
		return fmt.Sprintf("daily cap reached for habit %s (%d units)", d.HabitID, d.Cap)
	case ReasonCooldownActive:
		return fmt.Sprintf("cooldown active for habit %s: %s remaining", d.HabitID, d.Remaining.Round(time.Second))
	case ReasonHabitDisabled:
		return fmt.Sprintf("habit %s is disabled", d.HabitID)
	case ReasonSessionActive:
		return fmt.Sprintf("package %s already unlocked until %s", d.PackageID, d.Until.Format(time.RFC3339))
	default:
		return string(d.Reason)
	}
}

func (d *Denial) Unwrap() error {
	switch d.Reason {
	case ReasonInsufficientCredits:
		return ErrInsufficientCredits
	case ReasonDailyCapReached:
		return ErrDailyCapReached
	case ReasonCooldownActive:
		return ErrCooldownActive
	case ReasonHabitDisabled:
		return ErrHabitDisabled
	case ReasonSessionActive:
		return ErrSessionActive
	default:
		return nil
	}
}

// RemainingMinutes rounds the cooldown up so a UI never shows "0 minutes".
func (d *Denial) RemainingMinutes() int64 {
	if d.Remaining <= 0 {
		return 0
	}
	return int64((d.Remaining + time.Minute - 1) / time.Minute)
}

// AsDenial extracts a Denial from an error chain.
func AsDenial(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// IsDenial reports whether err is an expected refusal rather than a failure.
func IsDenial(err error) bool {
	_, ok := AsDenial(err)
	return ok
}

func InsufficientCredits(balance, required int64) *Denial {
	shortfall := required - balance
	if shortfall < 0 {
		shortfall = 0
	}
	return &Denial{
		Reason:    ReasonInsufficientCredits,
		Balance:   balance,
		Required:  required,
		Shortfall: shortfall,
	}
}

func DailyCapReached(habitID string, cap int64) *Denial {
	return &Denial{Reason: ReasonDailyCapReached, HabitID: habitID, Cap: cap}
}

func CooldownActive(habitID string, remaining time.Duration) *Denial {
	return &Denial{Reason: ReasonCooldownActive, HabitID: habitID, Remaining: remaining}
}

func HabitDisabled(habitID string) *Denial {
	return &Denial{Reason: ReasonHabitDisabled, HabitID: habitID}
}

func SessionActive(packageID string, until time.Time) *Denial {
	return &Denial{Reason: ReasonSessionActive, PackageID: packageID, Until: until}
}
