package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrInsufficientCredits - spend would take the balance below zero (show shortfall, no state change)
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrDailyCapReached - habit already counted its daily cap of units (earn blocked until tomorrow)
	ErrDailyCapReached = errors.New("daily cap reached")

	// ErrCooldownActive - habit earned too recently (show remaining wait)
	ErrCooldownActive = errors.New("cooldown active")

	// ErrHabitDisabled - habit exists but is switched off
	ErrHabitDisabled = errors.New("habit disabled")

	// ErrSessionActive - unlock requested while a paid session is still running
	ErrSessionActive = errors.New("unlock session active")

	// ErrInvalidConfig - bad habit/app configuration or argument (caller error)
	ErrInvalidConfig = errors.New("invalid config")

	// ErrNotFound - unknown habit, app or session id
	ErrNotFound = errors.New("not found")

	// ErrStorageFailure - persistence unavailable; propagated, never retried by the engine
	ErrStorageFailure = errors.New("storage failure")

	// ErrInternal - broken invariant inside the engine
	ErrInternal = errors.New("internal error")
)
