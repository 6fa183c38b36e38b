package locking

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// Store is the durable on-disk representation of named locks: one JSON record
// per name, each guarded by its own advisory lock file. Per-name guards keep
// unrelated names from serializing against each other.
type Store struct {
	dir string
}

// NewStore opens (creating if needed) a lock store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) recordPath(name string) string {
	return filepath.Join(s.dir, encodeName(name)+".json")
}

func (s *Store) guardPath(name string) string {
	return filepath.Join(s.dir, encodeName(name)+".flock")
}

// encodeName makes a lock name usable as a file name. The mapping is
// injective: every byte outside a safe set, including the escape character
// itself, becomes "_" plus its hex value, so distinct names can never share a
// record file.
func encodeName(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return b.String()
}

// withGuard runs fn while holding the OS-level exclusive advisory lock for
// name. This is the serialization primitive across independent processes:
// two concurrent mutations of the same name can never interleave.
func (s *Store) withGuard(name string, fn func() error) error {
	guard, err := os.OpenFile(s.guardPath(name), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock guard for %q: %w", name, err)
	}
	defer guard.Close()

	if err := unix.Flock(int(guard.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to flock guard for %q: %w", name, err)
	}
	defer unix.Flock(int(guard.Fd()), unix.LOCK_UN)

	return fn()
}

// read loads the record for name, returning nil when absent. Must be called
// with the guard held.
func (s *Store) read(name string) (*Lock, error) {
	data, err := os.ReadFile(s.recordPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lock record for %q: %w", name, err)
	}

	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("%w: lock record for %q is malformed: %v", ErrStoreCorruption, name, err)
	}
	return &lock, nil
}

// write persists the record for name atomically (temp file + rename). Must be
// called with the guard held.
func (s *Store) write(name string, lock *Lock) error {
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock record for %q: %w", name, err)
	}

	tmp := s.recordPath(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write lock record for %q: %w", name, err)
	}
	if err := os.Rename(tmp, s.recordPath(name)); err != nil {
		return fmt.Errorf("failed to replace lock record for %q: %w", name, err)
	}
	return nil
}

// remove deletes the record for name. Must be called with the guard held.
func (s *Store) remove(name string) error {
	if err := os.Remove(s.recordPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock record for %q: %w", name, err)
	}
	return nil
}

// Mutate reads the current record for name and applies fn to it under the
// per-name guard. fn returns the record to persist, or nil to delete it.
func (s *Store) Mutate(name string, fn func(current *Lock) (*Lock, error)) error {
	return s.withGuard(name, func() error {
		current, err := s.read(name)
		if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		if next == nil {
			return s.remove(name)
		}
		return s.write(name, next)
	})
}

// Get returns the record for name, or nil when absent.
func (s *Store) Get(name string) (*Lock, error) {
	var lock *Lock
	err := s.withGuard(name, func() error {
		var err error
		lock, err = s.read(name)
		return err
	})
	return lock, err
}

// List returns all lock records in the store, ordered by name.
func (s *Store) List() ([]Lock, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock store directory: %w", err)
	}

	// Record files are only ever replaced by atomic rename, so reading them
	// directly sees whole records. File names are encoded, so the lock's real
	// name comes from the record itself.
	var locks []Lock
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read lock record %s: %w", entry.Name(), err)
		}
		var lock Lock
		if err := json.Unmarshal(data, &lock); err != nil {
			return nil, fmt.Errorf("%w: lock record %s is malformed: %v", ErrStoreCorruption, entry.Name(), err)
		}
		locks = append(locks, lock)
	}

	sort.Slice(locks, func(i, j int) bool { return locks[i].Name < locks[j].Name })
	return locks, nil
}
