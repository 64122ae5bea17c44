// Package habit holds the habit catalog and the per-day progress tracker
// that turns habit units into ledger credits.
package habit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/harunnryd/stepunlock/internal/config"
	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/model"
	"github.com/harunnryd/stepunlock/internal/store"
)

// Registry is the catalog of habit definitions.
type Registry struct {
	store store.Store
}

func NewRegistry(st store.Store) *Registry {
	return &Registry{store: st}
}

// Validate rejects definitions the tracker cannot account for.
func Validate(def model.HabitDefinition) error {
	switch {
	case strings.TrimSpace(def.ID) == "":
		return heikeErrors.InvalidConfig("habit id is required")
	case def.DailyCapUnits <= 0:
		return heikeErrors.InvalidConfig(fmt.Sprintf("habit %s: daily cap must be positive, got %d", def.ID, def.DailyCapUnits))
	case def.Cooldown < 0:
		return heikeErrors.InvalidConfig(fmt.Sprintf("habit %s: cooldown must not be negative, got %s", def.ID, def.Cooldown))
	case def.CreditRate < 0:
		return heikeErrors.InvalidConfig(fmt.Sprintf("habit %s: credit rate must not be negative, got %d", def.ID, def.CreditRate))
	case def.RateUnits < 0:
		return heikeErrors.InvalidConfig(fmt.Sprintf("habit %s: rate units must not be negative, got %d", def.ID, def.RateUnits))
	case def.DailyTarget < 0:
		return heikeErrors.InvalidConfig(fmt.Sprintf("habit %s: daily target must not be negative, got %d", def.ID, def.DailyTarget))
	case def.MaxCredits() == math.MaxInt64:
		return heikeErrors.InvalidConfig(fmt.Sprintf("habit %s: daily cap %d at rate %d overflows the ledger", def.ID, def.DailyCapUnits, def.CreditRate))
	}
	return nil
}

func (r *Registry) All(ctx context.Context) ([]model.HabitDefinition, error) {
	return r.store.ListHabits(ctx)
}

// Get fails with ErrNotFound for an unknown id.
func (r *Registry) Get(ctx context.Context, id string) (model.HabitDefinition, error) {
	return r.store.GetHabit(ctx, id)
}

func (r *Registry) Upsert(ctx context.Context, def model.HabitDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	return r.store.PutHabit(ctx, def)
}

func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) (model.HabitDefinition, error) {
	def, err := r.Get(ctx, id)
	if err != nil {
		return model.HabitDefinition{}, err
	}
	if def.Enabled == enabled {
		return def, nil
	}
	def.Enabled = enabled
	if err := r.store.PutHabit(ctx, def); err != nil {
		return model.HabitDefinition{}, err
	}
	return def, nil
}

// Seed inserts the definitions that are not in the catalog yet. Existing ones
// keep whatever the user changed.
func (r *Registry) Seed(ctx context.Context, defs []model.HabitDefinition) (int, error) {
	added := 0
	for _, def := range defs {
		_, err := r.Get(ctx, def.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, heikeErrors.ErrNotFound) {
			return added, err
		}
		if err := r.Upsert(ctx, def); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// DefinitionsFromConfig converts the configured catalog.
func DefinitionsFromConfig(cfgs []config.HabitConfig) ([]model.HabitDefinition, error) {
	defs := make([]model.HabitDefinition, 0, len(cfgs))
	for _, c := range cfgs {
		cooldown, err := config.DurationOrDefault(c.Cooldown, "0s")
		if err != nil {
			return nil, heikeErrors.InvalidConfig(fmt.Sprintf("habit %s: %v", c.ID, err))
		}
		def := model.HabitDefinition{
			ID:            c.ID,
			Name:          c.Name,
			DisplayUnit:   c.DisplayUnit,
			DailyTarget:   c.DailyTarget,
			CreditRate:    c.CreditRate,
			RateUnits:     c.RateUnits,
			Cooldown:      cooldown,
			DailyCapUnits: c.DailyCap,
			Enabled:       c.Enabled,
		}
		if err := Validate(def); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
