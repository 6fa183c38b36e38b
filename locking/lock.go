package locking

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL bounds how long a lock stays live without a refresh.
const DefaultTTL = 300 * time.Second

var (
	// ErrBusy means a live, non-expired lock with a different holder exists.
	// Transient: the caller may retry with backoff.
	ErrBusy = errors.New("lock busy")
	// ErrNotHeld means the named lock is not held by the given holder.
	ErrNotHeld = errors.New("lock not held")
	// ErrStoreCorruption means a lock store file is unreadable or malformed.
	// Fatal: it indicates a crashed write and is never silently repaired.
	ErrStoreCorruption = errors.New("lock store corruption")
)

// IsBusy reports whether err is a transient lock-held failure.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsNotHeld reports whether err is a release of a lock the caller does not hold.
func IsNotHeld(err error) bool {
	return errors.Is(err, ErrNotHeld)
}

// Lock is a named, exclusive, TTL-bounded mutual-exclusion token. The on-disk
// record under the store's per-name advisory lock is the source of truth;
// any in-memory copy is a cache.
type Lock struct {
	Name       string        `json:"name"`
	HolderID   string        `json:"holder_id"`
	PID        int           `json:"pid"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
}

// Expired reports whether the lock's TTL has elapsed.
func (l *Lock) Expired(now time.Time) bool {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return now.Sub(l.AcquiredAt) > ttl
}

// Holder identifies one acquiring caller: process id plus a per-session id.
type Holder struct {
	PID     int
	Session string
}

// NewHolder creates a holder identity for the current process.
func NewHolder() Holder {
	return Holder{PID: os.Getpid(), Session: uuid.NewString()}
}

// ID returns the opaque holder identifier stored in lock records.
func (h Holder) ID() string {
	return fmt.Sprintf("%d:%s", h.PID, h.Session)
}
