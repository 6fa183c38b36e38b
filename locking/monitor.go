package locking

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/ByteMirror/lockstep/log"
)

// DefaultMonitorInterval is how often the deadlock monitor sweeps the store.
const DefaultMonitorInterval = 60 * time.Second

// Monitor is the background sweep over the lock store. It force-releases
// orphaned locks (TTL expired, holder dead) and breaks wait-for cycles among
// currently-polling callers. It appends to the audit log via the manager and
// never truncates it.
type Monitor struct {
	manager  *Manager
	checker  ProcessChecker
	interval time.Duration
	every    *log.Every
}

// NewMonitor creates a monitor over the given manager. A nil checker gets the
// OS-level probe; a non-positive interval gets the default.
func NewMonitor(manager *Manager, checker ProcessChecker, interval time.Duration) *Monitor {
	if checker == nil {
		checker = OSProcessChecker{}
	}
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &Monitor{
		manager:  manager,
		checker:  checker,
		interval: interval,
		every:    log.NewEvery(10 * time.Minute),
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	log.InfoLog.Printf("deadlock monitor started (interval %s)", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.InfoLog.Printf("deadlock monitor stopping")
			return
		case <-ticker.C:
			if err := m.Sweep(); err != nil {
				log.ErrorLog.Printf("monitor sweep failed: %v", err)
			}
		}
	}
}

// Sweep runs one pass: orphan detection first, then cycle detection.
func (m *Monitor) Sweep() error {
	if err := m.sweepOrphans(); err != nil {
		return err
	}
	return m.sweepCycles()
}

// sweepOrphans force-releases locks whose TTL elapsed and whose holder
// process is no longer alive. This is the sole recovery path for holders
// killed without releasing.
func (m *Monitor) sweepOrphans() error {
	locks, err := m.manager.List()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, lock := range locks {
		if !lock.Expired(now) {
			continue
		}
		if m.checker.Alive(lock.PID) {
			if m.every.ShouldLog() {
				log.WarningLog.Printf("lock %q expired but holder pid %d is alive, leaving it",
					lock.Name, lock.PID)
			}
			continue
		}
		if _, err := m.manager.ForceRelease(lock.Name, "orphaned: ttl expired and holder dead"); err != nil {
			log.ErrorLog.Printf("failed to force-release orphaned lock %q: %v", lock.Name, err)
		}
	}
	return nil
}

// sweepCycles builds the wait-for graph from the waiter registry and the
// current lock records, then breaks each cycle by force-releasing the oldest
// lock its wait edges cross. Only contested locks are candidates: a cycle
// member may hold older locks nobody waits on, and those must survive.
func (m *Monitor) sweepCycles() error {
	waiters, err := m.manager.Waiters()
	if err != nil {
		return err
	}
	if len(waiters) == 0 {
		return nil
	}

	locks, err := m.manager.List()
	if err != nil {
		return err
	}

	lockByName := make(map[string]*Lock)
	for i := range locks {
		lockByName[locks[i].Name] = &locks[i]
	}

	// Edge waiter -> holder of the lock it polls on, annotated with that lock's
	// name. Dead waiters are skipped: a killed poller cannot be part of a live
	// deadlock. Parallel edges keep the older lock so victim choice stays
	// deterministic.
	graph := make(map[string]map[string]string)
	for _, waiter := range waiters {
		if !m.checker.Alive(waiter.PID) {
			continue
		}
		contested := lockByName[waiter.WaitingFor]
		if contested == nil || contested.HolderID == waiter.HolderID {
			continue
		}
		if graph[waiter.HolderID] == nil {
			graph[waiter.HolderID] = make(map[string]string)
		}
		if prev, ok := graph[waiter.HolderID][contested.HolderID]; ok &&
			lockByName[prev].AcquiredAt.Before(contested.AcquiredAt) {
			continue
		}
		graph[waiter.HolderID][contested.HolderID] = contested.Name
	}

	for node := range graph {
		cycle := findCycle(graph, node)
		if len(cycle) == 0 {
			continue
		}

		oldest := oldestLockOnCycle(cycle, graph, lockByName)
		if oldest == nil {
			continue
		}
		log.WarningLog.Printf("deadlock cycle detected among %s, force-releasing oldest lock %q",
			strings.Join(cycle, " -> "), oldest.Name)
		if _, err := m.manager.ForceRelease(oldest.Name,
			"deadlock: wait cycle of "+strconv.Itoa(len(cycle))+" holders"); err != nil {
			log.ErrorLog.Printf("failed to break deadlock on %q: %v", oldest.Name, err)
		}
		// Re-sweep next interval rather than chasing every cycle in one pass.
		return nil
	}
	return nil
}

// findCycle runs a DFS from start and returns the members of the first cycle
// that includes start, or nil.
func findCycle(graph map[string]map[string]string, start string) []string {
	visited := make(map[string]bool)
	var path []string

	var dfs func(node string) []string
	dfs = func(node string) []string {
		visited[node] = true
		path = append(path, node)

		for next := range graph[node] {
			if next == start {
				cycle := make([]string, len(path))
				copy(cycle, path)
				return cycle
			}
			if !visited[next] {
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			}
		}

		path = path[:len(path)-1]
		return nil
	}

	return dfs(start)
}

// oldestLockOnCycle picks the victim among the locks the cycle's wait edges
// cross. cycle is in path order, so consecutive members (wrapping around) are
// exactly the graph edges DFS followed.
func oldestLockOnCycle(cycle []string, graph map[string]map[string]string, lockByName map[string]*Lock) *Lock {
	var oldest *Lock
	for i, from := range cycle {
		to := cycle[(i+1)%len(cycle)]
		name, ok := graph[from][to]
		if !ok {
			continue
		}
		lock := lockByName[name]
		if lock == nil {
			continue
		}
		if oldest == nil || lock.AcquiredAt.Before(oldest.AcquiredAt) {
			oldest = lock
		}
	}
	return oldest
}
