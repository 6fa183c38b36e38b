package mergequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ByteMirror/lockstep/audit"
	"github.com/ByteMirror/lockstep/locking"
	"github.com/ByteMirror/lockstep/log"
)

// MergeLockName is the named lock held during the actual merge so no two
// queue instances sharing the same remote can merge concurrently.
const MergeLockName = "merge"

// DefaultTimeout is the ceiling for an entry in PRECHECKING or MERGING.
const DefaultTimeout = 600 * time.Second

// ErrExpired means a queue entry exceeded the timeout ceiling. Terminal: the
// caller must re-enqueue.
var ErrExpired = errors.New("queue entry expired")

// Status is the state of one queue entry.
type Status int

const (
	StatusQueued Status = iota
	StatusPrechecking
	StatusMerging
	StatusMerged
	StatusFailed
	StatusExpired
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "QUEUED"
	case StatusPrechecking:
		return "PRECHECKING"
	case StatusMerging:
		return "MERGING"
	case StatusMerged:
		return "MERGED"
	case StatusFailed:
		return "FAILED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status ends an entry's life in the active queue.
func (s Status) Terminal() bool {
	return s == StatusMerged || s == StatusFailed || s == StatusExpired
}

// Entry is one pending or active integration.
type Entry struct {
	IntegrationID string     `json:"integration_id"`
	OwnerID       string     `json:"owner_id"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	Status        Status     `json:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Diagnostic    string     `json:"diagnostic,omitempty"`
}

// Integrator prechecks and performs the actual integration. Precheck must be
// a dry run: it simulates the merge against the current target tip without
// mutating shared state.
type Integrator interface {
	Precheck(ctx context.Context, integrationID string) error
	Merge(ctx context.Context, integrationID string) error
}

// Queue is the single-lane FIFO serializing merges onto the shared target.
// Entries are served strictly in enqueued_at order; there is no priority lane.
// The queue state file has its own flock guard, distinct from the merge
// execution lock.
type Queue struct {
	path        string
	historyPath string
	manager     *locking.Manager
	holder      locking.Holder
	auditor     *audit.Logger
	integrator  Integrator

	// Timeout expires entries stuck in PRECHECKING or MERGING.
	Timeout time.Duration
}

// NewQueue creates a merge queue persisted at path. Terminal entries are
// appended to path+".history".
func NewQueue(path string, manager *locking.Manager, auditor *audit.Logger, integrator Integrator) *Queue {
	return &Queue{
		path:        path,
		historyPath: path + ".history",
		manager:     manager,
		holder:      locking.NewHolder(),
		auditor:     auditor,
		integrator:  integrator,
		Timeout:     DefaultTimeout,
	}
}

func (q *Queue) withGuard(fn func() error) error {
	guard, err := os.OpenFile(q.path+".flock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open queue guard: %w", err)
	}
	defer guard.Close()

	if err := unix.Flock(int(guard.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to flock queue state: %w", err)
	}
	defer unix.Flock(int(guard.Fd()), unix.LOCK_UN)

	return fn()
}

func (q *Queue) load() ([]Entry, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read queue state: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: queue state is malformed: %v", locking.ErrStoreCorruption, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt) })
	return entries, nil
}

func (q *Queue) save(entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal queue state: %w", err)
	}

	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write queue state: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("failed to replace queue state: %w", err)
	}
	return nil
}

// mutate applies fn to the entry list under the queue guard.
func (q *Queue) mutate(fn func(entries []Entry) ([]Entry, error)) error {
	return q.withGuard(func() error {
		entries, err := q.load()
		if err != nil {
			return err
		}
		next, err := fn(entries)
		if err != nil {
			return err
		}
		return q.save(next)
	})
}

// Enqueue appends an integration to the queue and returns its 1-based
// position. Enqueueing an integration id that is already queued is an
// idempotent no-op returning the existing position.
func (q *Queue) Enqueue(integrationID, ownerID string) (int, error) {
	position := 0
	appended := false
	err := q.mutate(func(entries []Entry) ([]Entry, error) {
		for i, entry := range entries {
			if entry.IntegrationID == integrationID {
				position = i + 1
				return entries, nil
			}
		}
		entries = append(entries, Entry{
			IntegrationID: integrationID,
			OwnerID:       ownerID,
			EnqueuedAt:    time.Now(),
			Status:        StatusQueued,
		})
		position = len(entries)
		appended = true
		return entries, nil
	})
	if err != nil {
		return 0, err
	}

	if appended {
		q.auditTransition(integrationID, "", StatusQueued, "")
		log.InfoLog.Printf("enqueued integration %s at position %d", integrationID, position)
	}
	return position, nil
}

// Entries returns the active queue in service order.
func (q *Queue) Entries() ([]Entry, error) {
	var entries []Entry
	err := q.withGuard(func() error {
		var err error
		entries, err = q.load()
		return err
	})
	return entries, err
}

// Status returns the active entry for an integration, or nil if it is not
// queued (it may already be terminal; see the history file).
func (q *Queue) Status(integrationID string) (*Entry, error) {
	entries, err := q.Entries()
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].IntegrationID == integrationID {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// Advance services the queue once: expired entries are swept out first, then
// the next QUEUED entry (strict enqueued_at order) is run to a terminal
// state. A precheck failure does not consume the call; the next entry is
// promoted in the same pass so one bad integration never stalls the lane.
func (q *Queue) Advance(ctx context.Context) error {
	if err := q.expireStuck(); err != nil {
		return err
	}

	for {
		entry, err := q.promoteNext()
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}

		if err := q.precheck(ctx, entry); err != nil {
			// FAILED with diagnostic already recorded, try the next entry.
			continue
		}

		return q.merge(ctx, entry)
	}
}

// Run is the pull-model scheduler: a periodic tick guarantees forward
// progress even if a finishing caller crashed before invoking Advance.
func (q *Queue) Run(ctx context.Context, tick time.Duration) {
	log.InfoLog.Printf("merge queue scheduler started (tick %s)", tick)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.InfoLog.Printf("merge queue scheduler stopping")
			return
		case <-ticker.C:
			if err := q.Advance(ctx); err != nil {
				log.ErrorLog.Printf("merge queue advance failed: %v", err)
			}
		}
	}
}

// promoteNext transitions the head QUEUED entry to PRECHECKING, or returns
// nil when the lane is busy or empty. Exactly one entry may be in
// PRECHECKING or MERGING at a time.
func (q *Queue) promoteNext() (*Entry, error) {
	var promoted *Entry
	err := q.mutate(func(entries []Entry) ([]Entry, error) {
		for _, entry := range entries {
			if entry.Status == StatusPrechecking || entry.Status == StatusMerging {
				return entries, nil
			}
		}
		for i := range entries {
			if entries[i].Status != StatusQueued {
				continue
			}
			now := time.Now()
			entries[i].Status = StatusPrechecking
			entries[i].StartedAt = &now
			copied := entries[i]
			promoted = &copied
			return entries, nil
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	if promoted != nil {
		q.auditTransition(promoted.IntegrationID, StatusQueued.String(), StatusPrechecking, "")
	}
	return promoted, nil
}

// precheck dry-runs the integration. On conflict the entry goes terminal with
// a diagnostic naming it, and the error is returned so Advance moves on.
func (q *Queue) precheck(ctx context.Context, entry *Entry) error {
	err := q.integrator.Precheck(ctx, entry.IntegrationID)
	if err != nil {
		diag := fmt.Sprintf("precheck of %s against target tip failed: %v (resolve and re-enqueue)",
			entry.IntegrationID, err)
		if ferr := q.finish(entry.IntegrationID, StatusFailed, diag); ferr != nil {
			return ferr
		}
		log.WarningLog.Printf("%s", diag)
		return err
	}
	return nil
}

// merge performs the actual integration under the merge lock.
func (q *Queue) merge(ctx context.Context, entry *Entry) error {
	if err := q.setStatus(entry.IntegrationID, StatusMerging); err != nil {
		return err
	}

	mergeCtx, cancel := context.WithTimeout(ctx, q.Timeout)
	defer cancel()

	if err := q.manager.AcquireWithRetry(mergeCtx, MergeLockName, q.holder, q.Timeout); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return q.expire(entry.IntegrationID,
				fmt.Sprintf("timed out waiting for %s lock after %s", MergeLockName, q.Timeout))
		}
		return q.finish(entry.IntegrationID, StatusFailed,
			fmt.Sprintf("could not take %s lock: %v (retry by re-enqueueing %s)", MergeLockName, err, entry.IntegrationID))
	}
	defer func() {
		if err := q.manager.Release(MergeLockName, q.holder); err != nil && !locking.IsNotHeld(err) {
			log.ErrorLog.Printf("failed to release merge lock: %v", err)
		}
	}()

	if err := q.integrator.Merge(mergeCtx, entry.IntegrationID); err != nil {
		if mergeCtx.Err() == context.DeadlineExceeded {
			return q.expire(entry.IntegrationID,
				fmt.Sprintf("merge of %s exceeded %s", entry.IntegrationID, q.Timeout))
		}
		return q.finish(entry.IntegrationID, StatusFailed,
			fmt.Sprintf("merge of %s failed: %v (re-enqueue after fixing)", entry.IntegrationID, err))
	}
	return q.finish(entry.IntegrationID, StatusMerged, "")
}

// expire retires the active entry as EXPIRED and surfaces ErrExpired to the
// caller so the CLI can report the timeout distinctly.
func (q *Queue) expire(integrationID, diagnostic string) error {
	diag := fmt.Sprintf("%s: %v", diagnostic, ErrExpired)
	if err := q.finish(integrationID, StatusExpired, diag); err != nil {
		return err
	}
	log.WarningLog.Printf("integration %s expired: %s", integrationID, diag)
	return fmt.Errorf("integration %s: %w", integrationID, ErrExpired)
}

// expireStuck forcibly expires entries stuck in PRECHECKING or MERGING beyond
// the timeout ceiling, typically left behind by a crashed process, and
// force-releases the merge lock they may still hold. A stuck entry must never
// stall subsequent integrations indefinitely.
func (q *Queue) expireStuck() error {
	now := time.Now()
	var expired []Entry
	err := q.mutate(func(entries []Entry) ([]Entry, error) {
		for i := range entries {
			s := entries[i].Status
			if s != StatusPrechecking && s != StatusMerging {
				continue
			}
			if entries[i].StartedAt == nil || now.Sub(*entries[i].StartedAt) <= q.Timeout {
				continue
			}
			entries[i].Status = StatusExpired
			entries[i].FinishedAt = &now
			entries[i].Diagnostic = fmt.Sprintf("stuck in %s beyond %s: %v", s, q.Timeout, ErrExpired)
			expired = append(expired, entries[i])
		}
		return entries, nil
	})
	if err != nil {
		return err
	}

	for _, entry := range expired {
		if entry.Diagnostic != "" {
			log.WarningLog.Printf("integration %s expired: %s", entry.IntegrationID, entry.Diagnostic)
		}
		if _, err := q.manager.ForceRelease(MergeLockName, "merge queue entry "+entry.IntegrationID+" expired"); err != nil {
			log.ErrorLog.Printf("failed to force-release merge lock for expired entry: %v", err)
		}
		q.auditTransition(entry.IntegrationID, "", StatusExpired, entry.Diagnostic)
		if err := q.retire(entry.IntegrationID); err != nil {
			return err
		}
	}
	return nil
}

// setStatus transitions a non-terminal entry in place.
func (q *Queue) setStatus(integrationID string, status Status) error {
	prior := ""
	err := q.mutate(func(entries []Entry) ([]Entry, error) {
		for i := range entries {
			if entries[i].IntegrationID != integrationID {
				continue
			}
			prior = entries[i].Status.String()
			entries[i].Status = status
			return entries, nil
		}
		return entries, fmt.Errorf("integration %s not in queue", integrationID)
	})
	if err != nil {
		return err
	}
	q.auditTransition(integrationID, prior, status, "")
	return nil
}

// finish moves an entry to a terminal status and retires it to history.
func (q *Queue) finish(integrationID string, status Status, diagnostic string) error {
	prior := ""
	now := time.Now()
	err := q.mutate(func(entries []Entry) ([]Entry, error) {
		for i := range entries {
			if entries[i].IntegrationID != integrationID {
				continue
			}
			prior = entries[i].Status.String()
			entries[i].Status = status
			entries[i].FinishedAt = &now
			entries[i].Diagnostic = diagnostic
			return entries, nil
		}
		return entries, fmt.Errorf("integration %s not in queue", integrationID)
	})
	if err != nil {
		return err
	}
	q.auditTransition(integrationID, prior, status, diagnostic)
	return q.retire(integrationID)
}

// retire removes a terminal entry from the active queue and appends it to the
// history log.
func (q *Queue) retire(integrationID string) error {
	return q.mutate(func(entries []Entry) ([]Entry, error) {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.IntegrationID == integrationID && entry.Status.Terminal() {
				if err := q.appendHistory(entry); err != nil {
					log.WarningLog.Printf("failed to append queue history: %v", err)
				}
				continue
			}
			kept = append(kept, entry)
		}
		return kept, nil
	})
}

func (q *Queue) appendHistory(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(q.historyPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

func (q *Queue) auditTransition(integrationID, from string, to Status, diagnostic string) {
	detail := map[string]string{"to": to.String()}
	if from != "" {
		detail["from"] = from
	}
	if diagnostic != "" {
		detail["diagnostic"] = diagnostic
	}
	if err := q.auditor.Append(audit.Event{
		Kind:   audit.KindQueueTransition,
		Name:   integrationID,
		Detail: detail,
	}); err != nil {
		log.WarningLog.Printf("failed to audit queue transition: %v", err)
	}
}
