package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzele/corekernel/internal/lock"
)

func TestRunQueueFIFOWithinBucket(t *testing.T) {
	rq := NewRunQueue()
	rq.Add(1, 10)
	rq.Add(2, 10)
	rq.Add(3, 10)

	id, ok := rq.Next()
	require.True(t, ok)
	require.Equal(t, lock.ThreadID(1), id)
	id2, _ := rq.Next()
	require.Equal(t, lock.ThreadID(2), id2)
	id3, _ := rq.Next()
	require.Equal(t, lock.ThreadID(3), id3)

	_, ok4 := rq.Next()
	require.False(t, ok4)
}

func TestRunQueueReadyMaskClearsWhenEmpty(t *testing.T) {
	rq := NewRunQueue()
	rq.Add(1, 40)
	require.NotZero(t, rq.ReadyMask())
	rq.Remove(1, 40)
	require.Zero(t, rq.ReadyMask())
}

func TestRunQueuePicksLowestBucketFirst(t *testing.T) {
	rq := NewRunQueue()
	rq.Add(1, 200) // bucket 50
	rq.Add(2, 4)   // bucket 1
	id, _ := rq.Next()
	require.Equal(t, lock.ThreadID(2), id)
}

func TestRunQueueCount(t *testing.T) {
	rq := NewRunQueue()
	rq.Add(1, 0)
	rq.Add(2, 100)
	require.Equal(t, 2, rq.Count())
}

func TestLockQueueManagerHandoff(t *testing.T) {
	m := NewLockQueueManager()
	mu := lock.Init(lock.ClassWait, 0, "queue-mutex")
	mu.SetWaiter(m.AsWaiter())

	mu.Lock(1, "queue_test.go", 0)

	var wg sync.WaitGroup
	wg.Add(1)
	gotLock := make(chan struct{})
	go func() {
		defer wg.Done()
		mu.Lock(2, "queue_test.go", 0)
		close(gotLock)
		mu.Unlock(2)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-gotLock:
		t.Fatal("waiter acquired lock before release")
	default:
	}

	mu.Unlock(1)
	select {
	case <-gotLock:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
	wg.Wait()
}

func TestWaitChannelBroadcastWakesAllSleepers(t *testing.T) {
	wc := NewWaitChannel()
	const n = 3
	var wg sync.WaitGroup
	wg.Add(n)
	woken := make(chan int, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			wc.Sleep("chan-a")
			woken <- i
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	wc.Wake("chan-a")
	wg.Wait()
	require.Len(t, woken, n)
}
