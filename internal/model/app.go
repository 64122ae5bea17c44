package model

import "time"

type Category string

const (
	CategorySocial        Category = "social"
	CategoryEntertainment Category = "entertainment"
	CategoryGames         Category = "games"
	CategoryShopping      Category = "shopping"
	CategoryNews          Category = "news"
	CategoryOther         Category = "other"
)

// AppRule is the lock configuration of one installed package.
type AppRule struct {
	PackageID      string        `json:"package_id"`
	DisplayName    string        `json:"display_name"`
	IsLocked       bool          `json:"is_locked"`
	UnlockCost     int64         `json:"unlock_cost"`
	UnlockDuration time.Duration `json:"unlock_duration"`
	Category       Category      `json:"category"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type SessionEndReason string

const (
	EndExpired SessionEndReason = "expired"
	EndRevoked SessionEndReason = "revoked"
)

// UnlockSession is a paid, time-bounded access grant for one package.
type UnlockSession struct {
	ID              string           `json:"id"` // ULID
	PackageID       string           `json:"package_id"`
	StartedAt       time.Time        `json:"started_at"`
	GrantedDuration time.Duration    `json:"granted_duration"`
	CreditsSpent    int64            `json:"credits_spent"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
	EndReason       SessionEndReason `json:"end_reason,omitempty"`
	IdempotencyKey  string           `json:"idempotency_key"`
	TransactionID   int64            `json:"transaction_id"`
}

func (s UnlockSession) ExpiresAt() time.Time {
	return s.StartedAt.Add(s.GrantedDuration)
}

// IsActive is true while the session is not ended and not yet past expiry.
func (s UnlockSession) IsActive(at time.Time) bool {
	return s.EndedAt == nil && at.Before(s.ExpiresAt())
}

// Remaining returns the time left on an active session, zero otherwise.
func (s UnlockSession) Remaining(at time.Time) time.Duration {
	if !s.IsActive(at) {
		return 0
	}
	return s.ExpiresAt().Sub(at)
}
