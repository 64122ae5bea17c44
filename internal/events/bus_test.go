package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(Event{Kind: BalanceChanged, Balance: 7})

	ea := <-a
	eb := <-b
	assert.Equal(t, BalanceChanged, ea.Kind)
	assert.Equal(t, int64(7), eb.Balance)
	assert.False(t, ea.At.IsZero())
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	drops := map[Kind]int{}
	bus.OnDrop(func(k Kind) {
		mu.Lock()
		drops[k]++
		mu.Unlock()
	})

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Kind: ProgressChanged})
	bus.Publish(Event{Kind: StreakChanged})
	bus.Publish(Event{Kind: StreakChanged})

	assert.Equal(t, uint64(2), bus.Dropped())
	assert.Equal(t, 2, drops[StreakChanged])
	assert.Equal(t, ProgressChanged, (<-ch).Kind)
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	require.Equal(t, 1, bus.Subscribers())

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.Subscribers())

	// publishing after cancel is harmless
	bus.Publish(Event{Kind: RuleChanged})
}

func TestCloseEndsSubscriptions(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	bus.Close()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	late, _ := bus.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
	bus.Publish(Event{Kind: SessionChanged})
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	p.Publish(Event{Kind: BalanceChanged})
}
