package locking

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ByteMirror/lockstep/audit"
	"github.com/ByteMirror/lockstep/log"
)

// Backoff computes caller-side retry delays: exponential with a cap and ±20%
// jitter to spread out herds of callers racing for the same name.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff returns the standard acquire retry backoff.
func DefaultBackoff() Backoff {
	return Backoff{Base: 100 * time.Millisecond, Cap: 5 * time.Second}
}

// NextDelay calculates the delay before the given retry attempt (0-based).
func (b Backoff) NextDelay(attempt int) time.Duration {
	delay := b.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= b.Cap {
			delay = b.Cap
			break
		}
	}
	// ±20% jitter
	jitter := time.Duration(rand.Int63n(int64(delay)*2/5+1)) - delay/5
	return delay + jitter
}

// Manager exposes acquire/release/inspect operations over a Store. All
// operations are non-blocking: a caller wanting to wait uses AcquireWithRetry,
// which polls with backoff and can be cancelled at any time.
type Manager struct {
	store   *Store
	waiters *waiterRegistry
	checker ProcessChecker
	auditor *audit.Logger
	backoff Backoff
}

// NewManager creates a lock manager over the given store. A nil checker gets
// the OS-level signal-0 probe; a nil auditor discards audit events.
func NewManager(store *Store, auditor *audit.Logger, checker ProcessChecker) *Manager {
	if checker == nil {
		checker = OSProcessChecker{}
	}
	return &Manager{
		store:   store,
		waiters: newWaiterRegistry(store.Dir()),
		checker: checker,
		auditor: auditor,
		backoff: DefaultBackoff(),
	}
}

// SetBackoff overrides the retry backoff used by AcquireWithRetry.
func (m *Manager) SetBackoff(b Backoff) {
	m.backoff = b
}

// free reports whether an existing record no longer blocks a new acquisition:
// the TTL has expired or the holder process is dead.
func (m *Manager) free(lock *Lock, now time.Time) bool {
	if lock == nil {
		return true
	}
	if lock.Expired(now) {
		return true
	}
	return !m.checker.Alive(lock.PID)
}

// Acquire attempts to take the named lock for holder. It returns ErrBusy if a
// live, non-expired lock with a different holder exists. Two concurrent
// acquisitions of the same name can never both succeed: the decision is made
// under the store's per-name OS-level lock.
func (m *Manager) Acquire(name string, holder Holder, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	err := m.store.Mutate(name, func(current *Lock) (*Lock, error) {
		now := time.Now()
		if current != nil && current.HolderID != holder.ID() && !m.free(current, now) {
			return nil, fmt.Errorf("lock %q held by %s since %s: %w",
				name, current.HolderID, current.AcquiredAt.Format(time.RFC3339), ErrBusy)
		}
		if current != nil && current.HolderID != holder.ID() {
			log.WarningLog.Printf("lock %q: taking over stale record (holder %s, acquired %s)",
				name, current.HolderID, current.AcquiredAt.Format(time.RFC3339))
		}
		return &Lock{
			Name:       name,
			HolderID:   holder.ID(),
			PID:        holder.PID,
			AcquiredAt: now,
			TTL:        ttl,
		}, nil
	})
	if err != nil {
		return err
	}

	if err := m.auditor.Append(audit.Event{
		Kind:   audit.KindLockAcquire,
		Name:   name,
		Holder: holder.ID(),
	}); err != nil {
		log.WarningLog.Printf("failed to audit lock acquire: %v", err)
	}
	return nil
}

// AcquireWithRetry polls Acquire with exponential backoff until it succeeds
// or ctx is cancelled. While backing off, the caller is registered in the
// waiter registry so the deadlock monitor can see the wait-for relation.
func (m *Manager) AcquireWithRetry(ctx context.Context, name string, holder Holder, ttl time.Duration) error {
	registered := false
	defer func() {
		if registered {
			if err := m.waiters.unregister(holder, name); err != nil {
				log.WarningLog.Printf("failed to unregister waiter: %v", err)
			}
		}
	}()

	for attempt := 0; ; attempt++ {
		err := m.Acquire(name, holder, ttl)
		if err == nil {
			return nil
		}
		if !IsBusy(err) {
			return err
		}

		if !registered {
			if regErr := m.waiters.register(holder, name); regErr != nil {
				log.WarningLog.Printf("failed to register waiter: %v", regErr)
			} else {
				registered = true
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.backoff.NextDelay(attempt)):
		}
	}
}

// Release gives up the named lock. Releasing a lock not held by holder
// returns ErrNotHeld and has no effect, so a zombie holder can never release
// a lock that was reassigned after its TTL expired.
func (m *Manager) Release(name string, holder Holder) error {
	err := m.store.Mutate(name, func(current *Lock) (*Lock, error) {
		if current == nil || current.HolderID != holder.ID() {
			return current, fmt.Errorf("lock %q: %w", name, ErrNotHeld)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	if err := m.auditor.Append(audit.Event{
		Kind:   audit.KindLockRelease,
		Name:   name,
		Holder: holder.ID(),
	}); err != nil {
		log.WarningLog.Printf("failed to audit lock release: %v", err)
	}
	return nil
}

// ForceRelease removes the named lock regardless of holder. The prior holder
// is always logged and audited. Returns the removed record, nil if none.
func (m *Manager) ForceRelease(name, reason string) (*Lock, error) {
	var prior *Lock
	err := m.store.Mutate(name, func(current *Lock) (*Lock, error) {
		prior = current
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, nil
	}

	log.WarningLog.Printf("force-released lock %q (prior holder %s, reason: %s)",
		name, prior.HolderID, reason)
	if err := m.auditor.Append(audit.Event{
		Kind:   audit.KindLockForceRelease,
		Name:   name,
		Holder: prior.HolderID,
		Detail: map[string]string{"reason": reason},
	}); err != nil {
		log.WarningLog.Printf("failed to audit force release: %v", err)
	}
	return prior, nil
}

// Status returns the current record for name, or nil when absent.
func (m *Manager) Status(name string) (*Lock, error) {
	return m.store.Get(name)
}

// List returns all current lock records.
func (m *Manager) List() ([]Lock, error) {
	return m.store.List()
}

// Waiters returns the currently-polling callers.
func (m *Manager) Waiters() ([]Waiter, error) {
	return m.waiters.snapshot()
}
