package model

import (
	"strconv"
	"strings"
	"time"
)

const (
	ReasonHabitPrefix    = "habit:"
	ReasonUnlockPrefix   = "unlock:"
	ReasonWelcomeBonus   = "welcome_bonus"
	ReasonBalanceForward = "balance_forward"
)

// Metadata keys written by the progress tracker on earn transactions.
const (
	MetaDay            = "day"
	MetaUnitsRequested = "units_requested"
	MetaUnitsApplied   = "units_applied"
	MetaValueBefore    = "value_before"
	MetaValueAfter     = "value_after"
	MetaCompleted      = "completed"
	MetaRequestedFor   = "requested_duration"
	MetaSessionID      = "session_id"
)

// Transaction is an immutable ledger entry. Positive deltas earn, negative spend.
type Transaction struct {
	ID             int64             `json:"id"`
	Delta          int64             `json:"delta"`
	Reason         string            `json:"reason"`
	HabitID        string            `json:"habit_id,omitempty"`
	AppID          string            `json:"app_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	Timestamp      time.Time         `json:"ts"`
	Metadata       map[string]string `json:"meta,omitempty"`
}

func HabitReason(habitID string) string {
	return ReasonHabitPrefix + habitID
}

func UnlockReason(packageID string) string {
	return ReasonUnlockPrefix + packageID
}

func (t Transaction) IsEarn() bool {
	return t.Delta > 0
}

func (t Transaction) IsSpend() bool {
	return t.Delta < 0
}

func (t Transaction) IsUnlock() bool {
	return strings.HasPrefix(t.Reason, ReasonUnlockPrefix)
}

// MetaInt reads an integer metadata value; ok is false when absent or malformed.
func (t Transaction) MetaInt(key string) (int64, bool) {
	raw, exists := t.Metadata[key]
	if !exists {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (t Transaction) MetaBool(key string) bool {
	v, err := strconv.ParseBool(t.Metadata[key])
	return err == nil && v
}
