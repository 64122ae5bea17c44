package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLockerSerializesSameKey(t *testing.T) {
	locker := NewKeyedLocker()
	var inside int32
	var maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locker.With("water", func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, locker.Len())
}

func TestKeyedLockerDifferentKeysDoNotBlock(t *testing.T) {
	locker := NewKeyedLocker()
	locker.Lock("steps")

	done := make(chan struct{})
	go func() {
		locker.Lock("water")
		locker.Unlock("water")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
	locker.Unlock("steps")
	assert.Equal(t, 0, locker.Len())
}

func TestKeyedLockerUnlockUnknownKey(t *testing.T) {
	locker := NewKeyedLocker()
	assert.NotPanics(t, func() { locker.Unlock("missing") })
}

func TestSafeGoRecoversPanic(t *testing.T) {
	recovered := make(chan interface{}, 1)
	SafeGo(func() { panic("boom") }, func(r interface{}) { recovered <- r })

	select {
	case r := <-recovered:
		assert.Equal(t, "boom", r)
	case <-time.After(time.Second):
		t.Fatal("panic was not recovered")
	}
}
