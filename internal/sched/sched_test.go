package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzele/corekernel/internal/archswitch"
	"github.com/oichkatzele/corekernel/internal/lock"
)

func newTestManager(t *testing.T, numCPUs int) *Manager {
	m := NewManager(numCPUs)
	for i := 0; i < numCPUs; i++ {
		m.InitCPU(i, lock.ThreadID(1000+i))
	}
	t.Cleanup(archswitch.Reset)
	return m
}

func TestSubmitNewThreadPicksLeastLoadedCPU(t *testing.T) {
	m := newTestManager(t, 2)

	busy := NewThread(1, 40)
	LockThread(busy)
	m.SubmitNewThread(busy)
	UnlockThread(busy)
	require.Equal(t, int32(0), busy.CPUID) // both empty, first wins tie

	fresh := NewThread(2, 40)
	LockThread(fresh)
	m.SubmitNewThread(fresh)
	UnlockThread(fresh)
	require.Equal(t, int32(1), fresh.CPUID, "second thread should land on the less-loaded cpu")
}

func TestAgainPreemptedWithNothingElseReadyKeepsRunning(t *testing.T) {
	m := newTestManager(t, 1)

	td := NewThread(1, 0)
	LockThread(td)
	m.SubmitNewThread(td)
	UnlockThread(td)
	require.Equal(t, StateReady, td.State)

	// "run" td: pop it from the runqueue path via Again selecting it next.
	next := m.Again(0, m.CPU(0).idle, Yielded, false)
	require.Equal(t, td, next)
	require.Equal(t, StateRunning, td.State)

	// td is preempted; with nothing else ready, Again returns td itself
	// without putting it back on the runqueue, and td stays Running.
	back := m.Again(0, td, Preempted, false)
	require.Equal(t, td, back)
	require.Equal(t, StateRunning, td.State)
}

func TestAgainExitedGoesToCleanupQueue(t *testing.T) {
	m := newTestManager(t, 1)
	td := NewThread(1, 0)
	LockThread(td)
	m.SubmitNewThread(td)
	UnlockThread(td)

	m.Again(0, m.CPU(0).idle, Yielded, false) // make td current
	next := m.Again(0, td, Exited, false)
	require.True(t, next.Idle)
	require.Equal(t, StateExited, td.State)

	cleaned := m.CPU(0).DrainCleanup()
	require.Len(t, cleaned, 1)
	require.Equal(t, td, cleaned[0])
}

func TestAgainBlockedThenReadiedByLockHandoff(t *testing.T) {
	m := newTestManager(t, 1)
	td := NewThread(1, 0)
	LockThread(td)
	m.SubmitNewThread(td)
	UnlockThread(td)

	m.Again(0, m.CPU(0).idle, Yielded, false)
	next := m.Again(0, td, Blocked, false)
	require.True(t, next.Idle, "nothing else runnable, falls back to idle")
	require.Equal(t, StateBlocked, td.State)

	// simulate the lock owner unblocking td: it becomes ready again.
	LockThread(td)
	m.SubmitReadyThread(td)
	UnlockThread(td)

	resumed := m.Again(0, m.CPU(0).idle, Yielded, false)
	require.Equal(t, td, resumed)
	require.Equal(t, StateRunning, td.State)
}

func TestArchswitchHookInvokedOnEveryTransition(t *testing.T) {
	defer archswitch.Reset()
	m := newTestManager(t, 1)
	var calls int
	archswitch.Switch = func(cur, next archswitch.ThreadHandle) { calls++ }

	td := NewThread(1, 0)
	LockThread(td)
	m.SubmitNewThread(td)
	UnlockThread(td)

	m.Again(0, m.CPU(0).idle, Yielded, false)
	require.Equal(t, 1, calls)
}

func TestRemoveReadyThreadTakesItOffRunqueue(t *testing.T) {
	m := newTestManager(t, 1)
	td := NewThread(1, 0)
	LockThread(td)
	m.SubmitNewThread(td)
	m.RemoveReadyThread(td)
	UnlockThread(td)

	next := m.Again(0, m.CPU(0).idle, Yielded, false)
	require.True(t, next.Idle)
}
