package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/model"
	"github.com/harunnryd/stepunlock/internal/store"
)

const habitColumns = `id, name, display_unit, daily_target, credit_rate, rate_units, cooldown_ns, daily_cap_units, enabled`

func scanHabit(row rowScanner) (model.HabitDefinition, error) {
	var (
		def      model.HabitDefinition
		cooldown int64
		enabled  int
	)
	if err := row.Scan(&def.ID, &def.Name, &def.DisplayUnit, &def.DailyTarget, &def.CreditRate, &def.RateUnits, &cooldown, &def.DailyCapUnits, &enabled); err != nil {
		return model.HabitDefinition{}, err
	}
	def.Cooldown = time.Duration(cooldown)
	def.Enabled = enabled != 0
	return def, nil
}

func (s *Store) ListHabits(ctx context.Context) ([]model.HabitDefinition, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT `+habitColumns+` FROM habits ORDER BY id`)
	if err != nil {
		return nil, heikeErrors.StorageFailure("list habits", err)
	}
	defer rows.Close()

	out := make([]model.HabitDefinition, 0)
	for rows.Next() {
		def, err := scanHabit(rows)
		if err != nil {
			return nil, heikeErrors.StorageFailure("list habits", err)
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, heikeErrors.StorageFailure("list habits", err)
	}
	return out, nil
}

func (s *Store) GetHabit(ctx context.Context, id string) (model.HabitDefinition, error) {
	if err := s.ready(ctx); err != nil {
		return model.HabitDefinition{}, err
	}
	def, err := scanHabit(s.sqlDB.QueryRowContext(ctx, `SELECT `+habitColumns+` FROM habits WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.HabitDefinition{}, heikeErrors.NotFound(fmt.Sprintf("habit %q not found", id))
	}
	if err != nil {
		return model.HabitDefinition{}, heikeErrors.StorageFailure("get habit", err)
	}
	return def, nil
}

func (s *Store) PutHabit(ctx context.Context, def model.HabitDefinition) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO habits (`+habitColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   display_unit = excluded.display_unit,
		   daily_target = excluded.daily_target,
		   credit_rate = excluded.credit_rate,
		   rate_units = excluded.rate_units,
		   cooldown_ns = excluded.cooldown_ns,
		   daily_cap_units = excluded.daily_cap_units,
		   enabled = excluded.enabled`,
		def.ID, def.Name, def.DisplayUnit, def.DailyTarget, def.CreditRate, def.RateUnits,
		int64(def.Cooldown), def.DailyCapUnits, boolToInt(def.Enabled),
	)
	if err != nil {
		return heikeErrors.StorageFailure("put habit", err)
	}
	return nil
}

const progressColumns = `habit_id, day, current_value, target_value, is_completed, last_earned_at, streak_count, updated_at`

func scanProgress(row rowScanner) (model.HabitProgress, error) {
	var (
		p          model.HabitProgress
		day        string
		completed  int
		lastEarned sql.NullInt64
		updated    sql.NullInt64
	)
	if err := row.Scan(&p.HabitID, &day, &p.CurrentValue, &p.TargetValue, &completed, &lastEarned, &p.StreakCount, &updated); err != nil {
		return model.HabitProgress{}, err
	}
	p.Day = model.Day(day)
	p.IsCompleted = completed != 0
	p.LastEarnedAt = fromNullNanos(lastEarned)
	p.UpdatedAt = fromNullNanos(updated)
	return p, nil
}

func (s *Store) GetProgress(ctx context.Context, habitID string, day model.Day) (model.HabitProgress, bool, error) {
	if err := s.ready(ctx); err != nil {
		return model.HabitProgress{}, false, err
	}
	p, err := scanProgress(s.sqlDB.QueryRowContext(ctx,
		`SELECT `+progressColumns+` FROM habit_progress WHERE habit_id = ? AND day = ?`, habitID, string(day)))
	if errors.Is(err, sql.ErrNoRows) {
		return model.HabitProgress{}, false, nil
	}
	if err != nil {
		return model.HabitProgress{}, false, heikeErrors.StorageFailure("get progress", err)
	}
	return p, true, nil
}

func (s *Store) PutProgress(ctx context.Context, p model.HabitProgress) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO habit_progress (`+progressColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(habit_id, day) DO UPDATE SET
		   current_value = excluded.current_value,
		   target_value = excluded.target_value,
		   is_completed = excluded.is_completed,
		   last_earned_at = excluded.last_earned_at,
		   streak_count = excluded.streak_count,
		   updated_at = excluded.updated_at`,
		p.HabitID, string(p.Day), p.CurrentValue, p.TargetValue, boolToInt(p.IsCompleted),
		toNullNanos(p.LastEarnedAt), p.StreakCount, toNullNanos(p.UpdatedAt),
	)
	if err != nil {
		return heikeErrors.StorageFailure("put progress", err)
	}
	return nil
}

func (s *Store) ListProgress(ctx context.Context, filter store.ProgressFilter) ([]model.HabitProgress, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if filter.HabitID != "" {
		where = append(where, "habit_id = ?")
		args = append(args, filter.HabitID)
	}
	if !filter.From.IsZero() {
		where = append(where, "day >= ?")
		args = append(args, string(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "day <= ?")
		args = append(args, string(filter.To))
	}
	if filter.CompletedOnly {
		where = append(where, "is_completed = 1")
	}

	query := `SELECT ` + progressColumns + ` FROM habit_progress`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY day, habit_id`

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, heikeErrors.StorageFailure("list progress", err)
	}
	defer rows.Close()

	out := make([]model.HabitProgress, 0)
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, heikeErrors.StorageFailure("list progress", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, heikeErrors.StorageFailure("list progress", err)
	}
	return out, nil
}

func scanStreak(row rowScanner) (model.Streak, error) {
	var (
		st  model.Streak
		day string
	)
	if err := row.Scan(&st.HabitID, &st.CurrentStreakDays, &st.LongestStreakDays, &day); err != nil {
		return model.Streak{}, err
	}
	st.LastEarnedDay = model.Day(day)
	return st, nil
}

func (s *Store) GetStreak(ctx context.Context, habitID string) (model.Streak, bool, error) {
	if err := s.ready(ctx); err != nil {
		return model.Streak{}, false, err
	}
	st, err := scanStreak(s.sqlDB.QueryRowContext(ctx,
		`SELECT habit_id, current_streak_days, longest_streak_days, last_earned_day FROM streaks WHERE habit_id = ?`, habitID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Streak{}, false, nil
	}
	if err != nil {
		return model.Streak{}, false, heikeErrors.StorageFailure("get streak", err)
	}
	return st, true, nil
}

func (s *Store) PutStreak(ctx context.Context, st model.Streak) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO streaks (habit_id, current_streak_days, longest_streak_days, last_earned_day) VALUES (?, ?, ?, ?)
		 ON CONFLICT(habit_id) DO UPDATE SET
		   current_streak_days = excluded.current_streak_days,
		   longest_streak_days = excluded.longest_streak_days,
		   last_earned_day = excluded.last_earned_day`,
		st.HabitID, st.CurrentStreakDays, st.LongestStreakDays, string(st.LastEarnedDay),
	)
	if err != nil {
		return heikeErrors.StorageFailure("put streak", err)
	}
	return nil
}

func (s *Store) ListStreaks(ctx context.Context) ([]model.Streak, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT habit_id, current_streak_days, longest_streak_days, last_earned_day FROM streaks ORDER BY habit_id`)
	if err != nil {
		return nil, heikeErrors.StorageFailure("list streaks", err)
	}
	defer rows.Close()

	out := make([]model.Streak, 0)
	for rows.Next() {
		st, err := scanStreak(rows)
		if err != nil {
			return nil, heikeErrors.StorageFailure("list streaks", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, heikeErrors.StorageFailure("list streaks", err)
	}
	return out, nil
}

const ruleColumns = `package_id, display_name, is_locked, unlock_cost, unlock_duration_ns, category, created_at, updated_at`

func scanRule(row rowScanner) (model.AppRule, error) {
	var (
		r        model.AppRule
		locked   int
		duration int64
		category string
		created  sql.NullInt64
		updated  sql.NullInt64
	)
	if err := row.Scan(&r.PackageID, &r.DisplayName, &locked, &r.UnlockCost, &duration, &category, &created, &updated); err != nil {
		return model.AppRule{}, err
	}
	r.IsLocked = locked != 0
	r.UnlockDuration = time.Duration(duration)
	r.Category = model.Category(category)
	r.CreatedAt = fromNullNanos(created)
	r.UpdatedAt = fromNullNanos(updated)
	return r, nil
}

func (s *Store) GetRule(ctx context.Context, packageID string) (model.AppRule, error) {
	if err := s.ready(ctx); err != nil {
		return model.AppRule{}, err
	}
	r, err := scanRule(s.sqlDB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM app_rules WHERE package_id = ?`, packageID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.AppRule{}, heikeErrors.NotFound(fmt.Sprintf("app rule %q not found", packageID))
	}
	if err != nil {
		return model.AppRule{}, heikeErrors.StorageFailure("get rule", err)
	}
	return r, nil
}

func (s *Store) PutRule(ctx context.Context, r model.AppRule) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO app_rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(package_id) DO UPDATE SET
		   display_name = excluded.display_name,
		   is_locked = excluded.is_locked,
		   unlock_cost = excluded.unlock_cost,
		   unlock_duration_ns = excluded.unlock_duration_ns,
		   category = excluded.category,
		   created_at = excluded.created_at,
		   updated_at = excluded.updated_at`,
		r.PackageID, r.DisplayName, boolToInt(r.IsLocked), r.UnlockCost, int64(r.UnlockDuration),
		string(r.Category), toNullNanos(r.CreatedAt), toNullNanos(r.UpdatedAt),
	)
	if err != nil {
		return heikeErrors.StorageFailure("put rule", err)
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, packageID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM app_rules WHERE package_id = ?`, packageID)
	if err != nil {
		return heikeErrors.StorageFailure("delete rule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return heikeErrors.StorageFailure("delete rule", err)
	}
	if n == 0 {
		return heikeErrors.NotFound(fmt.Sprintf("app rule %q not found", packageID))
	}
	return nil
}

func (s *Store) ListRules(ctx context.Context) ([]model.AppRule, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT `+ruleColumns+` FROM app_rules ORDER BY package_id`)
	if err != nil {
		return nil, heikeErrors.StorageFailure("list rules", err)
	}
	defer rows.Close()

	out := make([]model.AppRule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, heikeErrors.StorageFailure("list rules", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, heikeErrors.StorageFailure("list rules", err)
	}
	return out, nil
}
