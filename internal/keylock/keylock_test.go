package keylock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_SerializesSameKey(t *testing.T) {
	var m Map
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("k")
			defer unlock()
			n := atomic.AddInt32(&active, 1)
			for {
				cur := atomic.LoadInt32(&maxActive)
				if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive)
	assert.Equal(t, 0, m.Len())
}

func TestLock_DifferentKeysDoNotBlock(t *testing.T) {
	var m Map
	unlockA := m.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := m.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestTryLock(t *testing.T) {
	var m Map
	unlock, ok := m.TryLock("exec-1")
	require.True(t, ok)
	assert.True(t, m.Held("exec-1"))

	_, ok = m.TryLock("exec-1")
	assert.False(t, ok)

	unlock()
	assert.False(t, m.Held("exec-1"))
	unlock2, ok := m.TryLock("exec-1")
	require.True(t, ok)
	unlock2()
}
