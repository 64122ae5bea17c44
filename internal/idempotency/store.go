package idempotency

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"

	"github.com/natefinch/atomic"
)

// ProcessedKeys maps an idempotency key to the id of the transaction that
// consumed it.
type ProcessedKeys struct {
	Keys map[string]int64 `json:"keys"`
}

// Store is a durable key set. The file ledger keeps the keys of purged
// transactions here so a late retry can never be paid twice.
type Store struct {
	path  string
	state ProcessedKeys
	mu    sync.RWMutex
}

func NewStore(path string) (*Store, error) {
	s := &Store{
		path: path,
		state: ProcessedKeys{
			Keys: make(map[string]int64),
		},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s.save()
	}

	if err != nil {
		return err
	}

	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, &s.state); err != nil {
		return err
	}
	if s.state.Keys == nil {
		s.state.Keys = make(map[string]int64)
	}
	return nil
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}

	return atomic.WriteFile(s.path, bytes.NewReader(data))
}

func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// Lookup returns the transaction id recorded for key.
func (s *Store) Lookup(key string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.state.Keys[key]
	return id, ok
}

// MarkAll records keys in memory and persists them in one atomic write.
// On a write error the in-memory set is rolled back.
func (s *Store) MarkAll(keys map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := make([]string, 0, len(keys))
	for k, id := range keys {
		if _, exists := s.state.Keys[k]; exists {
			continue
		}
		s.state.Keys[k] = id
		added = append(added, k)
	}
	if len(added) == 0 {
		return nil
	}
	if err := s.save(); err != nil {
		for _, k := range added {
			delete(s.state.Keys, k)
		}
		return err
	}
	return nil
}

// MaxID returns the largest transaction id ever recorded, 0 when empty.
func (s *Store) MaxID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for _, id := range s.state.Keys {
		if id > max {
			max = id
		}
	}
	return max
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.Keys)
}
