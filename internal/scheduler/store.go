package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
)

type LeaseStatus string

const (
	StatusLeased LeaseStatus = "LEASED"
)

type Lease struct {
	RunID     string      `json:"run_id"`
	Status    LeaseStatus `json:"status"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Job is a cron-scheduled maintenance run whose next fire time survives
// restarts, so a purge missed while the host was down runs on the next start.
type Job struct {
	ID        string    `json:"id"`
	Schedule  string    `json:"schedule"` // cron spec or "@every 24h"
	NextRun   time.Time `json:"next_run"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastRunID string    `json:"last_run_id,omitempty"`
	Lease     *Lease    `json:"lease,omitempty"`
}

type jobList struct {
	Jobs map[string]*Job `json:"jobs"`
}

type Store struct {
	path string
	data jobList
	mu   sync.RWMutex
}

func NewStore(path string) (*Store, error) {
	s := &Store{
		path: path,
		data: jobList{Jobs: make(map[string]*Job)},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return heikeErrors.StorageFailure("load scheduler state", err)
	}
	if len(content) == 0 {
		return nil
	}
	var data jobList
	if err := json.Unmarshal(content, &data); err != nil {
		return heikeErrors.StorageFailure("decode scheduler state", err)
	}
	if data.Jobs == nil {
		data.Jobs = make(map[string]*Job)
	}
	s.data = data
	return nil
}

// save persists the job list; the caller holds the write lock.
func (s *Store) save() error {
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(b)); err != nil {
		return heikeErrors.StorageFailure("save scheduler state", err)
	}
	return nil
}

func (s *Store) Init(ctx context.Context) error {
	return s.load()
}

// Ensure registers job id with schedule. A known job keeps its next run
// unless the schedule changed.
func (s *Store) Ensure(id, schedule string, now time.Time) (Job, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return Job{}, heikeErrors.InvalidConfig(fmt.Sprintf("job %s: invalid cron schedule %q: %v", id, schedule, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.data.Jobs[id]; ok && j.Schedule == schedule {
		return *j, nil
	}
	j := &Job{ID: id, Schedule: schedule, NextRun: sched.Next(now)}
	if prev, ok := s.data.Jobs[id]; ok {
		j.LastRun = prev.LastRun
		j.LastRunID = prev.LastRunID
	}
	s.data.Jobs[id] = j
	if err := s.save(); err != nil {
		return Job{}, err
	}
	return *j, nil
}

func (s *Store) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.data.Jobs))
	for _, j := range s.data.Jobs {
		out = append(out, *j)
	}
	return out
}

func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.data.Jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Due reports whether job id should run at now. Missed runs collapse into one.
func (s *Store) Due(id string, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.data.Jobs[id]
	if !ok {
		return false, heikeErrors.NotFound(fmt.Sprintf("job %q not found", id))
	}
	if j.Lease != nil && j.Lease.Status == StatusLeased && now.Before(j.Lease.ExpiresAt) {
		return false, nil
	}
	return !j.NextRun.After(now), nil
}

// AcquireLease marks a run in progress. An unexpired lease held by another
// run is refused.
func (s *Store) AcquireLease(id, runID string, expiresAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.data.Jobs[id]
	if !ok {
		return heikeErrors.NotFound(fmt.Sprintf("job %q not found", id))
	}
	if j.Lease != nil && j.Lease.Status == StatusLeased && now.Before(j.Lease.ExpiresAt) {
		return fmt.Errorf("job %s already leased by run %s", id, j.Lease.RunID)
	}
	j.Lease = &Lease{RunID: runID, Status: StatusLeased, ExpiresAt: expiresAt}
	return s.save()
}

// Complete clears the lease of runID and schedules the next run after now.
func (s *Store) Complete(id, runID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.data.Jobs[id]
	if !ok {
		return heikeErrors.NotFound(fmt.Sprintf("job %q not found", id))
	}
	if j.Lease == nil || j.Lease.RunID != runID {
		return fmt.Errorf("job %s: lease mismatch for run %s", id, runID)
	}
	sched, err := cron.ParseStandard(j.Schedule)
	if err != nil {
		return heikeErrors.InvalidConfig(fmt.Sprintf("job %s: invalid cron schedule: %v", id, err))
	}

	j.Lease = nil
	j.LastRun = now
	j.LastRunID = runID
	j.NextRun = sched.Next(now)
	return s.save()
}

// Release drops the lease of a failed run without advancing the schedule.
func (s *Store) Release(id, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.data.Jobs[id]
	if !ok {
		return heikeErrors.NotFound(fmt.Sprintf("job %q not found", id))
	}
	if j.Lease == nil || j.Lease.RunID != runID {
		return nil
	}
	j.Lease = nil
	return s.save()
}

func generateRunID() string {
	return ulid.Make().String()
}
