package habit_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/harunnryd/stepunlock/internal/config"
	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/habit"
	"github.com/harunnryd/stepunlock/internal/model"
	"github.com/harunnryd/stepunlock/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	good := model.HabitDefinition{ID: "water", DailyTarget: 8, CreditRate: 1, DailyCapUnits: 8}
	require.NoError(t, habit.Validate(good))

	bad := map[string]func(d *model.HabitDefinition){
		"empty id":          func(d *model.HabitDefinition) { d.ID = " " },
		"zero cap":          func(d *model.HabitDefinition) { d.DailyCapUnits = 0 },
		"negative cooldown": func(d *model.HabitDefinition) { d.Cooldown = -time.Second },
		"negative rate":     func(d *model.HabitDefinition) { d.CreditRate = -1 },
		"negative units":    func(d *model.HabitDefinition) { d.RateUnits = -1 },
		"negative target":   func(d *model.HabitDefinition) { d.DailyTarget = -1 },
		"credits overflow": func(d *model.HabitDefinition) {
			d.DailyCapUnits = math.MaxInt64
			d.CreditRate = 2
		},
	}
	big := good
	big.DailyCapUnits = math.MaxInt64
	big.RateUnits = 1000
	require.NoError(t, habit.Validate(big), "a per-batch rate keeps a huge cap payable")

	for name, mutate := range bad {
		t.Run(name, func(t *testing.T) {
			def := good
			mutate(&def)
			assert.ErrorIs(t, habit.Validate(def), heikeErrors.ErrInvalidConfig)
		})
	}
}

func TestRegistryUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	reg := habit.NewRegistry(storetest.NewWorker(t))

	_, err := reg.Get(ctx, "water")
	assert.ErrorIs(t, err, heikeErrors.ErrNotFound)

	err = reg.Upsert(ctx, model.HabitDefinition{ID: "water", DailyCapUnits: 0})
	assert.ErrorIs(t, err, heikeErrors.ErrInvalidConfig)

	require.NoError(t, reg.Upsert(ctx, model.HabitDefinition{ID: "water", DailyTarget: 8, CreditRate: 1, DailyCapUnits: 8, Enabled: true}))
	def, err := reg.Get(ctx, "water")
	require.NoError(t, err)
	assert.Equal(t, "water", def.Name)
	assert.True(t, def.Enabled)

	def, err = reg.SetEnabled(ctx, "water", false)
	require.NoError(t, err)
	assert.False(t, def.Enabled)

	_, err = reg.SetEnabled(ctx, "missing", true)
	assert.ErrorIs(t, err, heikeErrors.ErrNotFound)
}

func TestSeedKeepsUserEdits(t *testing.T) {
	ctx := context.Background()
	reg := habit.NewRegistry(storetest.NewWorker(t))

	defs, err := habit.DefinitionsFromConfig(config.DefaultHabits())
	require.NoError(t, err)
	require.Len(t, defs, 4)

	n, err := reg.Seed(ctx, defs)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = reg.SetEnabled(ctx, "journal", false)
	require.NoError(t, err)

	n, err = reg.Seed(ctx, defs)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	journal, err := reg.Get(ctx, "journal")
	require.NoError(t, err)
	assert.False(t, journal.Enabled)

	all, err := reg.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestDefinitionsFromConfig(t *testing.T) {
	defs, err := habit.DefinitionsFromConfig(config.DefaultHabits())
	require.NoError(t, err)

	byID := make(map[string]model.HabitDefinition)
	for _, d := range defs {
		byID[d.ID] = d
	}
	assert.Equal(t, 15*time.Minute, byID["water"].Cooldown)
	assert.Equal(t, int64(1000), byID["steps"].RateUnits)
	assert.Equal(t, int64(20000), byID["steps"].DailyCapUnits)

	_, err = habit.DefinitionsFromConfig([]config.HabitConfig{{ID: "x", DailyCap: 1, Cooldown: "soon"}})
	assert.ErrorIs(t, err, heikeErrors.ErrInvalidConfig)
}
