// Package events fans out engine state changes to in-process observers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/stepunlock/internal/model"
)

type Kind string

const (
	BalanceChanged  Kind = "balance.changed"
	ProgressChanged Kind = "progress.changed"
	StreakChanged   Kind = "streak.changed"
	SessionChanged  Kind = "session.changed"
	RuleChanged     Kind = "rule.changed"
)

// Event carries the new state; only the fields relevant to Kind are set.
type Event struct {
	Kind Kind
	At   time.Time

	// BalanceChanged
	Balance int64
	Delta   int64
	Reason  string

	HabitID   string
	PackageID string

	Progress *model.HabitProgress
	Streak   *model.Streak
	Session  *model.UnlockSession
	Rule     *model.AppRule
	// Removed is set on RuleChanged when the rule was deleted.
	Removed bool
}

type Publisher interface {
	Publish(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

type subscriber struct {
	ch chan Event
}

// Bus delivers events to subscriber channels without ever blocking the
// publisher. A subscriber whose buffer is full misses the event and the drop
// is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
	onDrop  func(Kind)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// OnDrop registers a hook called for every dropped event.
func (b *Bus) OnDrop(fn func(Kind)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe returns a channel of events and a cancel func that closes it.
// Cancel is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(e.Kind)
			}
		}
	}
}

// Dropped reports how many deliveries were skipped because a buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel; later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
