package locking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepReleasesOrphanedLock(t *testing.T) {
	manager, checker := newTestManager(t)
	monitor := NewMonitor(manager, checker, time.Second)

	dead := holderWithPID(88881)
	require.NoError(t, manager.Acquire("merge", dead, 10*time.Millisecond))
	checker.kill(dead.PID)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, monitor.Sweep())

	lock, err := manager.Status("merge")
	require.NoError(t, err)
	assert.Nil(t, lock, "orphaned lock released within one sweep")

	// And re-acquirable immediately.
	require.NoError(t, manager.Acquire("merge", NewHolder(), time.Minute))
}

func TestSweepLeavesExpiredButAliveHolder(t *testing.T) {
	manager, checker := newTestManager(t)
	monitor := NewMonitor(manager, checker, time.Second)

	alive := holderWithPID(88882)
	require.NoError(t, manager.Acquire("build", alive, 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, monitor.Sweep())

	lock, err := manager.Status("build")
	require.NoError(t, err)
	require.NotNil(t, lock, "expired lock with a live holder is the monitor's business only once the holder dies")
	assert.Equal(t, alive.ID(), lock.HolderID)
}

func TestSweepLeavesLiveLocks(t *testing.T) {
	manager, checker := newTestManager(t)
	monitor := NewMonitor(manager, checker, time.Second)

	holder := holderWithPID(88883)
	require.NoError(t, manager.Acquire("build", holder, time.Minute))

	require.NoError(t, monitor.Sweep())

	lock, err := manager.Status("build")
	require.NoError(t, err)
	require.NotNil(t, lock)
}

func TestSweepBreaksTwoNodeCycle(t *testing.T) {
	manager, checker := newTestManager(t)
	monitor := NewMonitor(manager, checker, time.Second)

	holderX := holderWithPID(77001)
	holderY := holderWithPID(77002)

	// X holds a (older), Y holds b; X polls on b, Y polls on a.
	require.NoError(t, manager.Acquire("a", holderX, time.Hour))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, manager.Acquire("b", holderY, time.Hour))

	require.NoError(t, manager.waiters.register(holderX, "b"))
	require.NoError(t, manager.waiters.register(holderY, "a"))

	require.NoError(t, monitor.Sweep())

	// The oldest lock in the cycle is force-released.
	lockA, err := manager.Status("a")
	require.NoError(t, err)
	assert.Nil(t, lockA, "oldest lock in the cycle is released")

	lockB, err := manager.Status("b")
	require.NoError(t, err)
	require.NotNil(t, lockB, "the younger lock survives")
	assert.Equal(t, holderY.ID(), lockB.HolderID)
}

func TestSweepSparesUncontestedOlderLock(t *testing.T) {
	manager, checker := newTestManager(t)
	monitor := NewMonitor(manager, checker, time.Second)

	holderX := holderWithPID(77011)
	holderY := holderWithPID(77012)

	// X also holds an older lock nobody waits on. The victim must be the
	// oldest lock the cycle's wait edges cross, never a bystander.
	require.NoError(t, manager.Acquire("unrelated", holderX, time.Hour))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, manager.Acquire("a", holderX, time.Hour))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, manager.Acquire("b", holderY, time.Hour))

	require.NoError(t, manager.waiters.register(holderX, "b"))
	require.NoError(t, manager.waiters.register(holderY, "a"))

	require.NoError(t, monitor.Sweep())

	unrelated, err := manager.Status("unrelated")
	require.NoError(t, err)
	require.NotNil(t, unrelated, "a lock outside the cycle survives")
	assert.Equal(t, holderX.ID(), unrelated.HolderID)

	lockA, err := manager.Status("a")
	require.NoError(t, err)
	assert.Nil(t, lockA, "the oldest contested lock is released, breaking the cycle")

	lockB, err := manager.Status("b")
	require.NoError(t, err)
	require.NotNil(t, lockB)
}

func TestSweepIgnoresDeadWaiters(t *testing.T) {
	manager, checker := newTestManager(t)
	monitor := NewMonitor(manager, checker, time.Second)

	holderX := holderWithPID(77003)
	holderY := holderWithPID(77004)

	require.NoError(t, manager.Acquire("a", holderX, time.Hour))
	require.NoError(t, manager.Acquire("b", holderY, time.Hour))
	require.NoError(t, manager.waiters.register(holderX, "b"))
	require.NoError(t, manager.waiters.register(holderY, "a"))

	// A killed poller cannot be part of a live deadlock.
	checker.kill(holderX.PID)

	require.NoError(t, monitor.Sweep())

	lockA, err := manager.Status("a")
	require.NoError(t, err)
	require.NotNil(t, lockA)
	lockB, err := manager.Status("b")
	require.NoError(t, err)
	require.NotNil(t, lockB)
}

func TestSweepNoCycleNoAction(t *testing.T) {
	manager, checker := newTestManager(t)
	monitor := NewMonitor(manager, checker, time.Second)

	holderX := holderWithPID(77005)
	holderY := holderWithPID(77006)

	// X waits on Y but Y waits on nothing: a chain, not a cycle.
	require.NoError(t, manager.Acquire("b", holderY, time.Hour))
	require.NoError(t, manager.waiters.register(holderX, "b"))

	require.NoError(t, monitor.Sweep())

	lockB, err := manager.Status("b")
	require.NoError(t, err)
	require.NotNil(t, lockB)
}

func TestFindCycle(t *testing.T) {
	graph := map[string]map[string]string{
		"x": {"y": "lock-xy"},
		"y": {"z": "lock-yz"},
		"z": {"x": "lock-zx"},
	}
	cycle := findCycle(graph, "x")
	assert.Len(t, cycle, 3)

	chain := map[string]map[string]string{
		"x": {"y": "lock-xy"},
		"y": {"z": "lock-yz"},
	}
	assert.Nil(t, findCycle(chain, "x"))
}
