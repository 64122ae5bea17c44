// Package unlock sells time-bounded access to locked apps and keeps the
// resulting sessions.
package unlock

import (
	"context"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/stepunlock/internal/apps"
	"github.com/harunnryd/stepunlock/internal/concurrency"
	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/events"
	"github.com/harunnryd/stepunlock/internal/ledger"
	"github.com/harunnryd/stepunlock/internal/logger"
	"github.com/harunnryd/stepunlock/internal/model"
	"github.com/harunnryd/stepunlock/internal/store"

	"github.com/oklog/ulid/v2"
)

// Result is the outcome of Unlock.
type Result struct {
	Session     *model.UnlockSession `json:"session,omitempty"`
	Transaction *model.Transaction   `json:"transaction,omitempty"`
	// AlreadyUnlocked is set when the app has no locked rule; nothing was charged.
	AlreadyUnlocked bool `json:"already_unlocked"`
	// Replayed is set when the idempotency key was already charged.
	Replayed bool  `json:"replayed"`
	Cost     int64 `json:"cost"`
}

type Usage struct {
	Count        int   `json:"count"`
	TotalMinutes int64 `json:"total_minutes"`
	CreditsSpent int64 `json:"credits_spent"`
}

// ProportionalCost scales cost linearly from the baseline duration to the
// requested one, rounding down, and never returns less than 1.
func ProportionalCost(cost int64, baseline, requested time.Duration) int64 {
	if cost <= 0 || requested <= 0 {
		return 1
	}
	if baseline <= 0 {
		return cost
	}
	whole := int64(requested / baseline)
	rem := requested % baseline

	// cost*rem/baseline in 128 bits; rem < baseline keeps hi below the divisor.
	hi, lo := bits.Mul64(uint64(cost), uint64(rem))
	frac, _ := bits.Div64(hi, lo, uint64(baseline))

	total := cost*whole + int64(frac)
	if total < 1 {
		return 1
	}
	return total
}

type Manager struct {
	store     store.Store
	ledger    *ledger.Ledger
	rules     *apps.RuleStore
	publisher events.Publisher
	locks     *concurrency.KeyedLocker

	Now func() time.Time
}

func NewManager(st store.Store, l *ledger.Ledger, rules *apps.RuleStore, publisher events.Publisher) *Manager {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Manager{
		store:     st,
		ledger:    l,
		rules:     rules,
		publisher: publisher,
		locks:     concurrency.NewKeyedLocker(),
		Now:       time.Now,
	}
}

// Unlock charges the ledger and opens a session for packageID. While a session
// for the package is active a new one is refused with a SessionActive denial.
func (m *Manager) Unlock(ctx context.Context, packageID string, requested time.Duration, key string) (Result, error) {
	if strings.TrimSpace(packageID) == "" {
		return Result{}, heikeErrors.InvalidConfig("package id is required")
	}
	if strings.TrimSpace(key) == "" {
		return Result{}, heikeErrors.InvalidConfig("unlock requires an idempotency key")
	}
	if logger.GetOperationID(ctx) == "" {
		ctx = logger.WithOperationID(ctx, key)
	}

	m.locks.Lock(packageID)
	defer m.locks.Unlock(packageID)

	if res, ok, err := m.replay(ctx, key); err != nil || ok {
		return res, err
	}

	rule, found, err := m.rules.Lookup(ctx, packageID)
	if err != nil {
		return Result{}, err
	}
	if !found || !rule.IsLocked {
		return Result{AlreadyUnlocked: true}, nil
	}
	if requested <= 0 {
		return Result{}, heikeErrors.InvalidConfig(fmt.Sprintf("unlock duration must be positive, got %s", requested))
	}

	now := m.Now()
	active, ok, err := m.ActiveSession(ctx, packageID, now)
	if err != nil {
		return Result{}, err
	}
	if ok {
		return Result{}, heikeErrors.SessionActive(packageID, active.ExpiresAt())
	}

	cost := ProportionalCost(rule.UnlockCost, rule.UnlockDuration, requested)
	id := ulid.Make().String()

	appended, err := m.ledger.Append(ctx, ledger.Entry{
		Delta:          -cost,
		Reason:         model.UnlockReason(packageID),
		IdempotencyKey: key,
		AppID:          packageID,
		Timestamp:      now,
		Metadata: map[string]string{
			model.MetaSessionID:    id,
			model.MetaRequestedFor: strconv.FormatInt(int64(requested), 10),
		},
	})
	if err != nil {
		logger.From(ctx).Debug("Unlock refused", "package", packageID, "cost", cost, "error", err)
		return Result{}, err
	}
	if appended.Replayed {
		return m.recover(ctx, appended.Transaction)
	}

	sess := model.UnlockSession{
		ID:              id,
		PackageID:       packageID,
		StartedAt:       appended.Transaction.Timestamp,
		GrantedDuration: requested,
		CreditsSpent:    cost,
		IdempotencyKey:  key,
		TransactionID:   appended.Transaction.ID,
	}
	if err := m.store.PutSession(ctx, sess); err != nil {
		return Result{}, fmt.Errorf("save unlock session: %w", err)
	}
	m.publish(sess)

	logger.From(ctx).Info("App unlocked",
		"package", packageID,
		"session", sess.ID,
		"duration", requested,
		"cost", cost,
		"balance", appended.Balance,
	)
	tx := appended.Transaction
	return Result{Session: &sess, Transaction: &tx, Cost: cost}, nil
}

// replay answers a key that was already charged. ok is false for a fresh key.
func (m *Manager) replay(ctx context.Context, key string) (Result, bool, error) {
	sess, found, err := m.store.SessionByKey(ctx, key)
	if err != nil {
		return Result{}, false, err
	}
	if found {
		res := Result{Session: &sess, Replayed: true, Cost: sess.CreditsSpent}
		if tx, ok, err := m.ledger.Lookup(ctx, key); err != nil {
			return Result{}, false, err
		} else if ok {
			res.Transaction = &tx
		}
		return res, true, nil
	}

	tx, found, err := m.ledger.Lookup(ctx, key)
	if err != nil {
		return Result{}, false, err
	}
	if !found {
		return Result{}, false, nil
	}
	res, err := m.recover(ctx, tx)
	return res, true, err
}

// recover rebuilds the session of a charge whose session write never landed.
func (m *Manager) recover(ctx context.Context, tx model.Transaction) (Result, error) {
	if !tx.IsUnlock() {
		return Result{}, heikeErrors.InvalidConfig(fmt.Sprintf("idempotency key %q already used by %s", tx.IdempotencyKey, tx.Reason))
	}
	if sess, found, err := m.store.SessionByKey(ctx, tx.IdempotencyKey); err != nil {
		return Result{}, err
	} else if found {
		return Result{Session: &sess, Transaction: &tx, Replayed: true, Cost: sess.CreditsSpent}, nil
	}

	id := tx.Metadata[model.MetaSessionID]
	if id == "" {
		id = ulid.Make().String()
	}
	requested, _ := tx.MetaInt(model.MetaRequestedFor)
	sess := model.UnlockSession{
		ID:              id,
		PackageID:       tx.AppID,
		StartedAt:       tx.Timestamp,
		GrantedDuration: time.Duration(requested),
		CreditsSpent:    -tx.Delta,
		IdempotencyKey:  tx.IdempotencyKey,
		TransactionID:   tx.ID,
	}
	logger.From(ctx).Warn("Recreating unlock session from ledger", "package", sess.PackageID, "session", sess.ID)
	if err := m.store.PutSession(ctx, sess); err != nil {
		return Result{}, fmt.Errorf("recreate unlock session: %w", err)
	}
	m.publish(sess)
	return Result{Session: &sess, Transaction: &tx, Replayed: true, Cost: sess.CreditsSpent}, nil
}

// IsLocked is true when the app has a locked rule and no active session.
func (m *Manager) IsLocked(ctx context.Context, packageID string, at time.Time) (bool, error) {
	rule, found, err := m.rules.Lookup(ctx, packageID)
	if err != nil {
		return false, err
	}
	if !found || !rule.IsLocked {
		return false, nil
	}
	active, err := m.HasActiveSession(ctx, packageID, at)
	if err != nil {
		return false, err
	}
	return !active, nil
}

func (m *Manager) HasActiveSession(ctx context.Context, packageID string, at time.Time) (bool, error) {
	_, ok, err := m.ActiveSession(ctx, packageID, at)
	return ok, err
}

// ActiveSession returns the session granting access to packageID at `at`.
// Expiry is judged from the instants alone; ended_at is left to SweepExpired.
func (m *Manager) ActiveSession(ctx context.Context, packageID string, at time.Time) (model.UnlockSession, bool, error) {
	open, err := m.store.ListSessions(ctx, store.SessionFilter{PackageID: packageID, OpenOnly: true})
	if err != nil {
		return model.UnlockSession{}, false, err
	}
	for _, s := range open {
		if s.IsActive(at) {
			return s, true, nil
		}
	}
	return model.UnlockSession{}, false, nil
}

func (m *Manager) ActiveSessions(ctx context.Context, at time.Time) ([]model.UnlockSession, error) {
	open, err := m.store.ListSessions(ctx, store.SessionFilter{OpenOnly: true})
	if err != nil {
		return nil, err
	}
	out := make([]model.UnlockSession, 0, len(open))
	for _, s := range open {
		if s.IsActive(at) {
			out = append(out, s)
		}
	}
	return out, nil
}

// SweepExpired ends every open session whose grant ran out by `at`. Nothing
// is refunded.
func (m *Manager) SweepExpired(ctx context.Context, at time.Time) (int, error) {
	ended, err := m.store.EndExpiredSessions(ctx, at)
	if err != nil {
		return 0, fmt.Errorf("sweep expired sessions: %w", err)
	}
	for _, s := range ended {
		m.publish(s)
	}
	if len(ended) > 0 {
		logger.From(ctx).Debug("Expired unlock sessions", "count", len(ended))
	}
	return len(ended), nil
}

// Revoke ends a session early. Nothing is refunded. A session that already
// ran out is closed as expired instead, and an ended one is returned as is.
func (m *Manager) Revoke(ctx context.Context, sessionID string, at time.Time) (model.UnlockSession, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.UnlockSession{}, err
	}

	m.locks.Lock(sess.PackageID)
	defer m.locks.Unlock(sess.PackageID)

	if sess.EndedAt != nil {
		return sess, nil
	}
	endAt, reason := at, model.EndRevoked
	if !sess.IsActive(at) {
		endAt, reason = sess.ExpiresAt(), model.EndExpired
	}
	ended, err := m.store.EndSession(ctx, sessionID, endAt, reason)
	if err != nil {
		return model.UnlockSession{}, fmt.Errorf("end unlock session: %w", err)
	}
	m.publish(ended)
	logger.From(ctx).Info("Unlock session ended", "package", ended.PackageID, "session", ended.ID, "reason", ended.EndReason)
	return ended, nil
}

// RevokeAll revokes every active session and reports how many were ended.
func (m *Manager) RevokeAll(ctx context.Context, at time.Time) (int, error) {
	active, err := m.ActiveSessions(ctx, at)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range active {
		ended, err := m.Revoke(ctx, s.ID, at)
		if err != nil {
			return n, err
		}
		if ended.EndReason == model.EndRevoked {
			n++
		}
	}
	return n, nil
}

// Sessions lists every stored session of packageID, newest first. An empty
// packageID lists all packages.
func (m *Manager) Sessions(ctx context.Context, packageID string) ([]model.UnlockSession, error) {
	return m.store.ListSessions(ctx, store.SessionFilter{PackageID: packageID})
}

// Usage sums the sessions of packageID started in [from, to).
func (m *Manager) Usage(ctx context.Context, packageID string, from, to time.Time) (Usage, error) {
	sessions, err := m.store.ListSessions(ctx, store.SessionFilter{PackageID: packageID, Since: from, Until: to})
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	for _, s := range sessions {
		u.Count++
		u.TotalMinutes += int64(s.GrantedDuration / time.Minute)
		u.CreditsSpent += s.CreditsSpent
	}
	return u, nil
}

// PurgeOlderThan deletes sessions that ended before t.
func (m *Manager) PurgeOlderThan(ctx context.Context, t time.Time) (int, error) {
	n, err := m.store.PurgeSessions(ctx, t)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	if n > 0 {
		logger.From(ctx).Info("Unlock sessions purged", "count", n, "before", t)
	}
	return n, nil
}

func (m *Manager) publish(s model.UnlockSession) {
	snapshot := s
	at := s.StartedAt
	if s.EndedAt != nil {
		at = *s.EndedAt
	}
	m.publisher.Publish(events.Event{
		Kind:      events.SessionChanged,
		At:        at,
		PackageID: s.PackageID,
		Session:   &snapshot,
	})
}
