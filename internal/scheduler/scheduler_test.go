package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/stepunlock/internal/config"
	"github.com/harunnryd/stepunlock/internal/engine"
)

type fakeTarget struct {
	mu       sync.Mutex
	sweeps   []time.Time
	purges   []time.Time
	purgeErr error
}

func (f *fakeTarget) Sweep(ctx context.Context, at time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps = append(f.sweeps, at)
	return 1, nil
}

func (f *fakeTarget) Purge(ctx context.Context, before time.Time) (engine.PurgeReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.purgeErr != nil {
		return engine.PurgeReport{}, f.purgeErr
	}
	f.purges = append(f.purges, before)
	return engine.PurgeReport{Transactions: 2, Sessions: 1}, nil
}

func (f *fakeTarget) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sweeps), len(f.purges)
}

type fakeObserver struct {
	sweeps, purged, errors int
}

func (o *fakeObserver) RecordSweep()                 { o.sweeps++ }
func (o *fakeObserver) RecordPurge(tx, sessions int) { o.purged += tx + sessions }
func (o *fakeObserver) ObserveError(op string, err error) {
	if err != nil {
		o.errors++
	}
}

func newTestScheduler(t *testing.T, target Target, cfg config.SchedulerConfig) *Scheduler {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "scheduler.json"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	sched, err := NewScheduler(store, target, cfg)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	return sched
}

func TestScheduler_RejectsBadConfig(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "scheduler.json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewScheduler(store, &fakeTarget{}, config.SchedulerConfig{TickInterval: "often"}); err == nil {
		t.Error("expected error for bad tick interval")
	}
	if _, err := NewScheduler(store, &fakeTarget{}, config.SchedulerConfig{Retention: "-1h"}); err == nil {
		t.Error("expected error for negative retention")
	}

	sched, err := NewScheduler(store, &fakeTarget{}, config.SchedulerConfig{PurgeEnabled: true, PurgeSchedule: "every day"})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	if err := sched.Init(context.Background()); err == nil {
		t.Error("Init should reject an invalid purge schedule")
	}
}

func TestScheduler_ComponentLifecycle(t *testing.T) {
	target := &fakeTarget{}
	sched := newTestScheduler(t, target, config.SchedulerConfig{TickInterval: "10ms"})
	ctx := context.Background()

	if err := sched.Health(ctx); err == nil {
		t.Error("Health should fail when not initialized")
	}
	if err := sched.Start(ctx); err == nil {
		t.Error("Start should fail when not initialized")
	}

	if err := sched.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !sched.IsRunning() {
		t.Error("Scheduler should be running after Start")
	}
	if err := sched.Health(ctx); err != nil {
		t.Errorf("Health check failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if sweeps, _ := target.counts(); sweeps >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ticker never swept")
		}
		time.Sleep(5 * time.Millisecond)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if sched.IsRunning() {
		t.Error("Scheduler should not be running after Stop")
	}
	if err := sched.Health(ctx); err == nil {
		t.Error("Health should fail after Stop")
	}
	if _, purges := target.counts(); purges != 0 {
		t.Errorf("purge disabled, got %d runs", purges)
	}
}

func TestScheduler_PurgeRunsWhenDue(t *testing.T) {
	target := &fakeTarget{}
	obs := &fakeObserver{}
	sched := newTestScheduler(t, target, config.SchedulerConfig{
		PurgeEnabled:  true,
		PurgeSchedule: "0 3 * * *",
		Retention:     "720h",
	})
	sched.SetObserver(obs)

	now := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	sched.Now = func() time.Time { return now }
	ctx := context.Background()
	if err := sched.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	sched.Tick(ctx)
	if _, purges := target.counts(); purges != 0 {
		t.Fatalf("purge ran before its schedule: %d", purges)
	}

	now = now.Add(2 * time.Hour)
	sched.Tick(ctx)
	sched.Tick(ctx)
	_, purges := target.counts()
	if purges != 1 {
		t.Fatalf("expected one purge, got %d", purges)
	}
	if want := now.Add(-720 * time.Hour); !target.purges[0].Equal(want) {
		t.Errorf("purge cutoff = %s, want %s", target.purges[0], want)
	}
	if obs.sweeps != 3 || obs.purged != 3 || obs.errors != 0 {
		t.Errorf("observer = %+v", obs)
	}

	job, ok := sched.store.Get(PurgeJobID)
	if !ok {
		t.Fatal("purge job missing")
	}
	if want := time.Date(2024, 6, 2, 3, 0, 0, 0, time.UTC); !job.NextRun.Equal(want) {
		t.Errorf("next run = %s, want %s", job.NextRun, want)
	}
}

func TestScheduler_FailedPurgeIsRetried(t *testing.T) {
	target := &fakeTarget{purgeErr: errors.New("disk full")}
	obs := &fakeObserver{}
	sched := newTestScheduler(t, target, config.SchedulerConfig{PurgeEnabled: true, PurgeSchedule: "@every 1h"})
	sched.SetObserver(obs)

	now := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	sched.Now = func() time.Time { return now }
	ctx := context.Background()
	if err := sched.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	now = now.Add(90 * time.Minute)
	sched.Tick(ctx)
	if obs.errors != 1 {
		t.Fatalf("expected the purge failure to be observed, got %d", obs.errors)
	}
	job, _ := sched.store.Get(PurgeJobID)
	if job.Lease != nil {
		t.Error("failed run should release its lease")
	}

	target.mu.Lock()
	target.purgeErr = nil
	target.mu.Unlock()
	sched.Tick(ctx)
	if _, purges := target.counts(); purges != 1 {
		t.Errorf("expected the retry to purge, got %d", purges)
	}
}
