package locking

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// The registry deliberately does not use a .json suffix so Store.List never
// mistakes it for a lock record.
const waitersFileName = "waiters.registry"

// Waiter records one caller backing off on a lock held by someone else. The
// deadlock monitor builds its wait-for graph from these records.
type Waiter struct {
	HolderID   string    `json:"holder_id"`
	PID        int       `json:"pid"`
	WaitingFor string    `json:"waiting_for"`
	Since      time.Time `json:"since"`
}

// waiterRegistry is the shared, flock-guarded list of currently-polling
// callers. One guard protects the whole registry; it is small and mutated
// rarely compared to lock records.
type waiterRegistry struct {
	dir string
}

func newWaiterRegistry(dir string) *waiterRegistry {
	return &waiterRegistry{dir: dir}
}

func (w *waiterRegistry) path() string {
	return filepath.Join(w.dir, waitersFileName)
}

func (w *waiterRegistry) guardPathName() string {
	return filepath.Join(w.dir, waitersFileName+".flock")
}

func (w *waiterRegistry) withGuard(fn func() error) error {
	guard, err := os.OpenFile(w.guardPathName(), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open waiter registry guard: %w", err)
	}
	defer guard.Close()

	if err := unix.Flock(int(guard.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to flock waiter registry: %w", err)
	}
	defer unix.Flock(int(guard.Fd()), unix.LOCK_UN)

	return fn()
}

func (w *waiterRegistry) load() ([]Waiter, error) {
	data, err := os.ReadFile(w.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read waiter registry: %w", err)
	}

	var waiters []Waiter
	if err := json.Unmarshal(data, &waiters); err != nil {
		return nil, fmt.Errorf("%w: waiter registry is malformed: %v", ErrStoreCorruption, err)
	}
	return waiters, nil
}

func (w *waiterRegistry) save(waiters []Waiter) error {
	data, err := json.MarshalIndent(waiters, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal waiter registry: %w", err)
	}

	tmp := w.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write waiter registry: %w", err)
	}
	if err := os.Rename(tmp, w.path()); err != nil {
		return fmt.Errorf("failed to replace waiter registry: %w", err)
	}
	return nil
}

// register records that holder is polling on name. Idempotent per
// (holder, name) pair.
func (w *waiterRegistry) register(holder Holder, name string) error {
	return w.withGuard(func() error {
		waiters, err := w.load()
		if err != nil {
			return err
		}
		for _, entry := range waiters {
			if entry.HolderID == holder.ID() && entry.WaitingFor == name {
				return nil
			}
		}
		waiters = append(waiters, Waiter{
			HolderID:   holder.ID(),
			PID:        holder.PID,
			WaitingFor: name,
			Since:      time.Now(),
		})
		return w.save(waiters)
	})
}

// unregister removes holder's wait on name. Abandoning a poll loop has no
// other side effects: the waiter never held the lock.
func (w *waiterRegistry) unregister(holder Holder, name string) error {
	return w.withGuard(func() error {
		waiters, err := w.load()
		if err != nil {
			return err
		}
		kept := waiters[:0]
		for _, entry := range waiters {
			if entry.HolderID == holder.ID() && entry.WaitingFor == name {
				continue
			}
			kept = append(kept, entry)
		}
		return w.save(kept)
	})
}

// snapshot returns the current waiter list.
func (w *waiterRegistry) snapshot() ([]Waiter, error) {
	var waiters []Waiter
	err := w.withGuard(func() error {
		var err error
		waiters, err = w.load()
		return err
	})
	return waiters, err
}
