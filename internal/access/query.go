// Package access answers whether a foreground app may be used right now.
package access

import (
	"context"
	"time"

	"github.com/harunnryd/stepunlock/internal/apps"
	"github.com/harunnryd/stepunlock/internal/model"
	"github.com/harunnryd/stepunlock/internal/unlock"
)

// LockState is what the foreground watcher needs to decide on an overlay.
type LockState struct {
	PackageID string `json:"package_id"`
	// Locked is the effective answer: a locked rule with no active session.
	Locked bool `json:"locked"`
	// RuleLocked mirrors the stored rule, regardless of sessions.
	RuleLocked    bool                 `json:"rule_locked"`
	Known         bool                 `json:"known"`
	UnlockCost    int64                `json:"unlock_cost,omitempty"`
	Session       *model.UnlockSession `json:"session,omitempty"`
	RemainingTime time.Duration        `json:"remaining_time"`
}

// Query is read only. Expired sessions count as ended from their expiry
// instant on, whether or not a sweep has closed them yet.
type Query struct {
	rules    *apps.RuleStore
	sessions *unlock.Manager
}

func NewQuery(rules *apps.RuleStore, sessions *unlock.Manager) *Query {
	return &Query{rules: rules, sessions: sessions}
}

func (q *Query) IsAppAccessible(ctx context.Context, packageID string, at time.Time) (bool, error) {
	st, err := q.State(ctx, packageID, at)
	if err != nil {
		return false, err
	}
	return !st.Locked, nil
}

func (q *Query) State(ctx context.Context, packageID string, at time.Time) (LockState, error) {
	st := LockState{PackageID: packageID}

	rule, found, err := q.rules.Lookup(ctx, packageID)
	if err != nil {
		return LockState{}, err
	}
	if !found {
		return st, nil
	}
	st.Known = true
	st.RuleLocked = rule.IsLocked
	st.UnlockCost = rule.UnlockCost
	if !rule.IsLocked {
		return st, nil
	}

	sess, ok, err := q.sessions.ActiveSession(ctx, packageID, at)
	if err != nil {
		return LockState{}, err
	}
	if !ok {
		st.Locked = true
		return st, nil
	}
	st.Session = &sess
	st.RemainingTime = sess.Remaining(at)
	return st, nil
}
