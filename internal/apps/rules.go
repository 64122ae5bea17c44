package apps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/events"
	"github.com/harunnryd/stepunlock/internal/logger"
	"github.com/harunnryd/stepunlock/internal/model"
	"github.com/harunnryd/stepunlock/internal/store"
)

// SyncReport lists the package ids a Sync added and removed.
type SyncReport struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

type RuleStore struct {
	store     store.Store
	publisher events.Publisher

	Now func() time.Time
}

func NewRuleStore(st store.Store, publisher events.Publisher) *RuleStore {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &RuleStore{store: st, publisher: publisher, Now: time.Now}
}

// Get fails with ErrNotFound for an unknown package.
func (r *RuleStore) Get(ctx context.Context, packageID string) (model.AppRule, error) {
	return r.store.GetRule(ctx, packageID)
}

// Lookup is Get with absence reported as ok=false.
func (r *RuleStore) Lookup(ctx context.Context, packageID string) (model.AppRule, bool, error) {
	rule, err := r.store.GetRule(ctx, packageID)
	if errors.Is(err, heikeErrors.ErrNotFound) {
		return model.AppRule{}, false, nil
	}
	if err != nil {
		return model.AppRule{}, false, err
	}
	return rule, true, nil
}

func (r *RuleStore) List(ctx context.Context) ([]model.AppRule, error) {
	return r.store.ListRules(ctx)
}

// Add creates the rule for app from c. An app that already has a rule keeps
// it and added is false.
func (r *RuleStore) Add(ctx context.Context, app InstalledApp, c Classification) (rule model.AppRule, added bool, err error) {
	if strings.TrimSpace(app.PackageID) == "" {
		return model.AppRule{}, false, heikeErrors.InvalidConfig("package id is required")
	}
	if c.UnlockCost <= 0 {
		return model.AppRule{}, false, heikeErrors.InvalidConfig(fmt.Sprintf("app %s: unlock cost must be positive, got %d", app.PackageID, c.UnlockCost))
	}
	if c.UnlockDuration <= 0 {
		return model.AppRule{}, false, heikeErrors.InvalidConfig(fmt.Sprintf("app %s: unlock duration must be positive, got %s", app.PackageID, c.UnlockDuration))
	}

	existing, found, err := r.Lookup(ctx, app.PackageID)
	if err != nil {
		return model.AppRule{}, false, err
	}
	if found {
		return existing, false, nil
	}

	name := app.DisplayName
	if name == "" {
		name = app.PackageID
	}
	category := c.Category
	if category == "" {
		category = model.CategoryOther
	}
	now := r.Now()
	rule = model.AppRule{
		PackageID:      app.PackageID,
		DisplayName:    name,
		IsLocked:       c.Locked,
		UnlockCost:     c.UnlockCost,
		UnlockDuration: c.UnlockDuration,
		Category:       category,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.put(ctx, rule); err != nil {
		return model.AppRule{}, false, err
	}
	return rule, true, nil
}

func (r *RuleStore) Remove(ctx context.Context, packageID string) error {
	if err := r.store.DeleteRule(ctx, packageID); err != nil {
		return err
	}
	r.publisher.Publish(events.Event{
		Kind:      events.RuleChanged,
		At:        r.Now(),
		PackageID: packageID,
		Removed:   true,
	})
	return nil
}

func (r *RuleStore) SetLock(ctx context.Context, packageID string, locked bool) (model.AppRule, error) {
	return r.update(ctx, packageID, func(rule *model.AppRule) {
		rule.IsLocked = locked
	})
}

func (r *RuleStore) SetUnlockCost(ctx context.Context, packageID string, cost int64) (model.AppRule, error) {
	if cost <= 0 {
		return model.AppRule{}, heikeErrors.InvalidConfig(fmt.Sprintf("app %s: unlock cost must be positive, got %d", packageID, cost))
	}
	return r.update(ctx, packageID, func(rule *model.AppRule) {
		rule.UnlockCost = cost
	})
}

func (r *RuleStore) SetUnlockDuration(ctx context.Context, packageID string, d time.Duration) (model.AppRule, error) {
	if d <= 0 {
		return model.AppRule{}, heikeErrors.InvalidConfig(fmt.Sprintf("app %s: unlock duration must be positive, got %s", packageID, d))
	}
	return r.update(ctx, packageID, func(rule *model.AppRule) {
		rule.UnlockDuration = d
	})
}

func (r *RuleStore) update(ctx context.Context, packageID string, mutate func(*model.AppRule)) (model.AppRule, error) {
	rule, err := r.Get(ctx, packageID)
	if err != nil {
		return model.AppRule{}, err
	}
	before := rule
	mutate(&rule)
	if rule == before {
		return rule, nil
	}
	rule.UpdatedAt = r.Now()
	if err := r.put(ctx, rule); err != nil {
		return model.AppRule{}, err
	}
	return rule, nil
}

func (r *RuleStore) put(ctx context.Context, rule model.AppRule) error {
	if err := r.store.PutRule(ctx, rule); err != nil {
		return fmt.Errorf("save app rule %s: %w", rule.PackageID, err)
	}
	snapshot := rule
	r.publisher.Publish(events.Event{
		Kind:      events.RuleChanged,
		At:        rule.UpdatedAt,
		PackageID: rule.PackageID,
		Rule:      &snapshot,
	})
	return nil
}

// Sync reconciles the rules with the installed app list: unseen apps get a
// rule from c, known apps keep theirs, uninstalled apps lose theirs.
func (r *RuleStore) Sync(ctx context.Context, installed []InstalledApp, c Classifier) (SyncReport, error) {
	report := SyncReport{Added: []string{}, Removed: []string{}}

	seen := make(map[string]struct{}, len(installed))
	for _, app := range installed {
		if strings.TrimSpace(app.PackageID) == "" {
			continue
		}
		seen[app.PackageID] = struct{}{}
		_, added, err := r.Add(ctx, app, c.Classify(app))
		if err != nil {
			return report, err
		}
		if added {
			report.Added = append(report.Added, app.PackageID)
		}
	}

	rules, err := r.List(ctx)
	if err != nil {
		return report, err
	}
	for _, rule := range rules {
		if _, ok := seen[rule.PackageID]; ok {
			continue
		}
		if err := r.Remove(ctx, rule.PackageID); err != nil && !errors.Is(err, heikeErrors.ErrNotFound) {
			return report, err
		}
		report.Removed = append(report.Removed, rule.PackageID)
	}

	if len(report.Added) > 0 || len(report.Removed) > 0 {
		logger.From(ctx).Info("App rules synced", "added", len(report.Added), "removed", len(report.Removed), "installed", len(seen))
	}
	return report, nil
}
