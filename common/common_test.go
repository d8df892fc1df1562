package common

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyMutex_SerializesAccessPerKey(t *testing.T) {
	var km KeyMutex[int]

	release := km.Lock(1)
	unlocked := make(chan struct{})
	go func() {
		r := km.Lock(1)
		close(unlocked)
		r()
	}()

	select {
	case <-unlocked:
		t.Fatal("second Lock on the same key granted while the first is held")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	<-unlocked
}

func TestKeyMutex_DifferentKeysDoNotBlockEachOther(t *testing.T) {
	var km KeyMutex[string]

	release := km.Lock("a")
	defer release()

	done := make(chan struct{})
	go func() {
		r := km.Lock("b")
		r()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key was blocked")
	}
}

func TestKeyMutex_GCReclaimsUnlockedMutexes(t *testing.T) {
	var km KeyMutex[int]
	for i := 0; i < 1000; i++ {
		km.Lock(i)()
	}

	// the 1000th call triggers a gc sweep before its own key is inserted,
	// so at most that one key's entry can still be present afterwards.
	count := 0
	km.mutexes.Range(func(_, _ any) bool { count++; return true })
	assert.LessOrEqual(t, count, 1)
}

func TestEvent_BroadcastWakesAllWaiters(t *testing.T) {
	e := NewEvent()
	const n = 5
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			e.Wait()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	e.Broadcast()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not every waiter woke up after Broadcast")
	}
}

func TestAssert(t *testing.T) {
	assert.NotPanics(t, func() { Assert(true, "unreachable") })
	assert.PanicsWithValue(t, "boom", func() { Assert(false, "boom") })
}

func TestStats_AvgAccumulatesPerKey(t *testing.T) {
	s := NewStats()
	s.Avg("latency", 1.0)
	s.Avg("latency", 3.0)
	assert.Equal(t, 2, s.counts["latency"])
	assert.Equal(t, 4.0, s.avg["latency"])
}
