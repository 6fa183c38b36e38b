package planner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ByteMirror/lockstep/audit"
	"github.com/ByteMirror/lockstep/conflict"
	"github.com/ByteMirror/lockstep/locking"
	"github.com/ByteMirror/lockstep/log"
)

// ErrForbidConflict means the requested batch violates a FORBID rule and must
// not execute at all. Non-retryable without reconfiguring the rule set.
var ErrForbidConflict = errors.New("forbidden conflict")

// Mode is the execution mode chosen for a batch.
type Mode int

const (
	ModeParallel Mode = iota
	ModeSerial
	ModeDegraded
)

// String returns the string representation of the mode
func (m Mode) String() string {
	switch m {
	case ModeParallel:
		return "PARALLEL_RUN"
	case ModeSerial:
		return "SERIAL_RUN"
	case ModeDegraded:
		return "DEGRADED_RUN"
	default:
		return "Unknown"
	}
}

// State is the terminal state of one execution request.
type State int

const (
	StateDone State = iota
	StateFailed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "Unknown"
	}
}

// GroupRunner executes one group's work. The planner wraps it in lock
// acquire/release; it never retries a failed group on its own.
type GroupRunner func(ctx context.Context, group conflict.Group) error

// GroupResult is the per-group outcome of a run.
type GroupResult struct {
	GroupID string
	// Started is false when the group was aborted before dispatch, e.g. a
	// sibling's acquisition failed in a parallel run.
	Started bool
	Err     error
}

// ExecutionResult is what PlanAndRun reports back to the caller.
type ExecutionResult struct {
	Phase  string
	Mode   Mode
	State  State
	Report conflict.Report
	Groups []GroupResult
}

// Planner combines the conflict detector's verdict with system load sampling
// to choose an execution mode, then drives group invocation under the lock
// manager. Retry policy belongs to the caller.
type Planner struct {
	detector *conflict.Detector
	manager  *locking.Manager
	auditor  *audit.Logger
	holder   locking.Holder
	ttl      time.Duration

	// LoadCeiling forces serial execution when the sampled load exceeds it.
	// Zero disables the check.
	LoadCeiling float64
	// LoadSampler reports current system load. Defaults to the 1-minute load
	// average, falling back to the active-lock count.
	LoadSampler func() (float64, error)
	// SerialOrder decides dispatch order for serial modes. The default keeps
	// the caller's request order: oldest dispatch request wins.
	SerialOrder func([]conflict.Group) []conflict.Group
	// FailFast aborts a serial run at the first group failure.
	FailFast bool
}

// NewPlanner creates a planner. The holder identity is used for every lock
// the planner takes on behalf of dispatched groups.
func NewPlanner(detector *conflict.Detector, manager *locking.Manager, auditor *audit.Logger, holder locking.Holder, ttl time.Duration) *Planner {
	if ttl <= 0 {
		ttl = locking.DefaultTTL
	}
	p := &Planner{
		detector: detector,
		manager:  manager,
		auditor:  auditor,
		holder:   holder,
		ttl:      ttl,
	}
	p.LoadSampler = func() (float64, error) {
		load, err := systemLoadAverage()
		if err == nil {
			return load, nil
		}
		locks, listErr := manager.List()
		if listErr != nil {
			return 0, listErr
		}
		return float64(len(locks)), nil
	}
	p.SerialOrder = func(groups []conflict.Group) []conflict.Group { return groups }
	return p
}

// PlanAndRun evaluates the batch, picks a mode, and dispatches the groups.
// A FORBID-level conflict refuses the whole batch before anything runs.
func (p *Planner) PlanAndRun(ctx context.Context, groups []conflict.Group, phase string, runner GroupRunner) (*ExecutionResult, error) {
	report := p.detector.Detect(groups)
	p.auditConflicts(phase, report)

	result := &ExecutionResult{Phase: phase, Report: report}

	if report.HasForbid() {
		result.State = StateFailed
		first := firstForbid(report)
		return result, fmt.Errorf("groups %s and %s overlap under rule %q: %w (reconfigure the rule set or drop one group)",
			first.GroupA, first.GroupB, first.Rule.Name, ErrForbidConflict)
	}

	mode, reason := p.chooseMode(report)
	result.Mode = mode
	log.InfoLog.Printf("phase %s: planned %s for %d groups (%s)", phase, mode, len(groups), reason)
	if err := p.auditor.Append(audit.Event{
		Kind: audit.KindPlanMode,
		Name: phase,
		Detail: map[string]string{
			"mode":   mode.String(),
			"reason": reason,
			"groups": strconv.Itoa(len(groups)),
		},
	}); err != nil {
		log.WarningLog.Printf("failed to audit plan mode: %v", err)
	}

	switch mode {
	case ModeParallel:
		result.Groups = p.runParallel(ctx, groups, runner)
	default:
		result.Groups = p.runSerial(ctx, groups, runner)
	}

	result.State = StateDone
	for _, g := range result.Groups {
		if g.Err != nil || !g.Started {
			result.State = StateFailed
			break
		}
	}
	return result, nil
}

// chooseMode applies the load ceiling first: heavy load forces serial even
// when the batch is logically parallel-safe.
func (p *Planner) chooseMode(report conflict.Report) (Mode, string) {
	if p.LoadCeiling > 0 {
		load, err := p.LoadSampler()
		if err != nil {
			log.WarningLog.Printf("load sampling failed, assuming safe: %v", err)
		} else if load > p.LoadCeiling {
			return ModeSerial, fmt.Sprintf("load %.2f above ceiling %.2f", load, p.LoadCeiling)
		}
	}
	if report.HasMutex() {
		return ModeDegraded, "mutex conflict requires serialization"
	}
	return ModeParallel, "no conflicts"
}

// runParallel acquires every group's lock concurrently. The first BUSY or
// failure aborts the groups that have not started yet; groups already started
// run to completion. There is no mid-flight downgrade to serial: the partial
// outcome is reported to the caller.
func (p *Planner) runParallel(ctx context.Context, groups []conflict.Group, runner GroupRunner) []GroupResult {
	results := make([]GroupResult, len(groups))
	var aborted atomic.Bool

	eg, egCtx := errgroup.WithContext(ctx)
	if limit := batchConcurrency(groups); limit > 0 {
		eg.SetLimit(limit)
	}

	for i := range groups {
		i, group := i, groups[i]
		results[i].GroupID = group.ID
		eg.Go(func() error {
			if aborted.Load() {
				results[i].Err = fmt.Errorf("aborted before start: a sibling group failed to acquire its lock")
				return nil
			}

			if err := p.manager.Acquire(group.ID, p.holder, p.ttl); err != nil {
				aborted.Store(true)
				results[i].Err = err
				return nil
			}
			results[i].Started = true
			defer func() {
				if err := p.manager.Release(group.ID, p.holder); err != nil {
					log.ErrorLog.Printf("failed to release lock for group %s: %v", group.ID, err)
				}
			}()

			if err := runner(egCtx, group); err != nil {
				results[i].Err = err
			}
			return nil
		})
	}

	// Worker errors land in results; Wait only joins.
	_ = eg.Wait()
	return results
}

// runSerial executes groups one at a time, each wrapped in acquire, run,
// release. A group's failure does not abort later groups unless FailFast.
func (p *Planner) runSerial(ctx context.Context, groups []conflict.Group, runner GroupRunner) []GroupResult {
	ordered := p.SerialOrder(groups)
	results := make([]GroupResult, 0, len(ordered))

	for _, group := range ordered {
		result := GroupResult{GroupID: group.ID}

		if err := p.manager.AcquireWithRetry(ctx, group.ID, p.holder, p.ttl); err != nil {
			result.Err = err
			results = append(results, result)
			if p.FailFast || ctx.Err() != nil {
				break
			}
			continue
		}
		result.Started = true

		err := runner(ctx, group)
		if releaseErr := p.manager.Release(group.ID, p.holder); releaseErr != nil {
			log.ErrorLog.Printf("failed to release lock for group %s: %v", group.ID, releaseErr)
		}
		if err != nil {
			result.Err = err
			results = append(results, result)
			if p.FailFast {
				break
			}
			continue
		}
		results = append(results, result)
	}
	return results
}

func (p *Planner) auditConflicts(phase string, report conflict.Report) {
	if len(report.Conflicts) == 0 {
		return
	}
	for _, c := range report.Conflicts {
		if err := p.auditor.Append(audit.Event{
			Kind: audit.KindConflictVerdict,
			Name: phase,
			Detail: map[string]string{
				"group_a":  c.GroupA,
				"group_b":  c.GroupB,
				"rule":     c.Rule.Name,
				"action":   c.Rule.Action.String(),
				"severity": c.Rule.Severity.String(),
			},
		}); err != nil {
			log.WarningLog.Printf("failed to audit conflict verdict: %v", err)
		}
	}
}

// batchConcurrency returns the tightest positive per-group cap, 0 for none.
func batchConcurrency(groups []conflict.Group) int {
	limit := 0
	for _, g := range groups {
		if g.MaxConcurrent > 0 && (limit == 0 || g.MaxConcurrent < limit) {
			limit = g.MaxConcurrent
		}
	}
	return limit
}

func firstForbid(report conflict.Report) conflict.Conflict {
	for _, c := range report.Conflicts {
		if c.Rule.Action == conflict.ActionForbid {
			return c
		}
	}
	return conflict.Conflict{}
}
