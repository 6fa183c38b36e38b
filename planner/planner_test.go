package planner

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ByteMirror/lockstep/conflict"
	"github.com/ByteMirror/lockstep/locking"
	"github.com/ByteMirror/lockstep/log"
)

// TestMain runs before all tests to set up the test environment
func TestMain(m *testing.M) {
	log.Initialize(false)
	defer log.Close()
	os.Exit(m.Run())
}

func newTestPlanner(t *testing.T, rules []conflict.Rule) (*Planner, *locking.Manager) {
	t.Helper()
	store, err := locking.NewStore(t.TempDir())
	require.NoError(t, err)
	manager := locking.NewManager(store, nil, nil)
	manager.SetBackoff(locking.Backoff{Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond})

	p := NewPlanner(conflict.NewDetector(rules), manager, nil, locking.NewHolder(), time.Minute)
	p.LoadCeiling = 0 // disable load sampling unless a test opts in
	return p, manager
}

// recorder tracks which groups ran and in what order.
type recorder struct {
	mu    sync.Mutex
	order []string
	errs  map[string]error
}

func (r *recorder) run(ctx context.Context, group conflict.Group) error {
	r.mu.Lock()
	r.order = append(r.order, group.ID)
	err := r.errs[group.ID]
	r.mu.Unlock()
	return err
}

func (r *recorder) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func mutexRule(patterns ...string) conflict.Rule {
	return conflict.Rule{Name: "core-mutex", Severity: conflict.SeverityWarn, Action: conflict.ActionMutex, PathPatterns: patterns}
}

func TestPlanAndRunParallel(t *testing.T) {
	p, _ := newTestPlanner(t, nil)
	rec := &recorder{}

	groups := []conflict.Group{
		{ID: "docs", DeclaredPaths: []string{"docs/**"}},
		{ID: "tests", DeclaredPaths: []string{"test/**"}},
	}

	result, err := p.PlanAndRun(context.Background(), groups, "phase-1", rec.run)
	require.NoError(t, err)

	assert.Equal(t, ModeParallel, result.Mode)
	assert.Equal(t, StateDone, result.State)
	assert.ElementsMatch(t, []string{"docs", "tests"}, rec.ran())
	for _, g := range result.Groups {
		assert.True(t, g.Started)
		assert.NoError(t, g.Err)
	}
}

func TestPlanAndRunDegradedOnMutex(t *testing.T) {
	p, _ := newTestPlanner(t, []conflict.Rule{mutexRule("src/core/**")})
	rec := &recorder{}

	groups := []conflict.Group{
		{ID: "A", DeclaredPaths: []string{"src/core/**"}},
		{ID: "B", DeclaredPaths: []string{"src/core/util.go"}},
	}

	result, err := p.PlanAndRun(context.Background(), groups, "phase-1", rec.run)
	require.NoError(t, err)

	assert.Equal(t, ModeDegraded, result.Mode)
	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, []string{"A", "B"}, rec.ran(), "serial dispatch keeps request order")
}

func TestPlanAndRunRefusesForbid(t *testing.T) {
	p, _ := newTestPlanner(t, []conflict.Rule{
		{Name: "migrations", Severity: conflict.SeverityFatal, Action: conflict.ActionForbid, PathPatterns: []string{"db/**"}},
	})
	rec := &recorder{}

	groups := []conflict.Group{
		{ID: "A", DeclaredPaths: []string{"db/schema.sql"}},
		{ID: "B", DeclaredPaths: []string{"db/**"}},
	}

	result, err := p.PlanAndRun(context.Background(), groups, "phase-1", rec.run)
	require.ErrorIs(t, err, ErrForbidConflict)
	assert.ErrorContains(t, err, "migrations", "refusal names the rule")

	assert.Equal(t, StateFailed, result.State)
	assert.Empty(t, rec.ran(), "nothing runs on a FORBID verdict")
}

func TestPlanAndRunLoadCeilingForcesSerial(t *testing.T) {
	p, _ := newTestPlanner(t, nil)
	p.LoadCeiling = 1.0
	p.LoadSampler = func() (float64, error) { return 7.5, nil }
	rec := &recorder{}

	groups := []conflict.Group{
		{ID: "docs", DeclaredPaths: []string{"docs/**"}},
		{ID: "tests", DeclaredPaths: []string{"test/**"}},
	}

	result, err := p.PlanAndRun(context.Background(), groups, "phase-1", rec.run)
	require.NoError(t, err)

	assert.Equal(t, ModeSerial, result.Mode, "load above ceiling forces serial even when parallel-safe")
	assert.Equal(t, []string{"docs", "tests"}, rec.ran())
}

func TestParallelAbortsOnBusySibling(t *testing.T) {
	p, manager := newTestPlanner(t, nil)
	rec := &recorder{}

	// Another holder already owns one of the group locks.
	other := locking.NewHolder()
	require.NoError(t, manager.Acquire("held", other, time.Minute))

	groups := []conflict.Group{
		{ID: "held", DeclaredPaths: []string{"a/**"}},
		{ID: "free", DeclaredPaths: []string{"b/**"}},
	}

	result, err := p.PlanAndRun(context.Background(), groups, "phase-1", rec.run)
	require.NoError(t, err)

	assert.Equal(t, ModeParallel, result.Mode)
	assert.Equal(t, StateFailed, result.State)

	var heldResult *GroupResult
	for i := range result.Groups {
		if result.Groups[i].GroupID == "held" {
			heldResult = &result.Groups[i]
		}
	}
	require.NotNil(t, heldResult)
	assert.False(t, heldResult.Started)
	assert.True(t, locking.IsBusy(heldResult.Err))
}

func TestSerialContinuesPastFailure(t *testing.T) {
	p, _ := newTestPlanner(t, []conflict.Rule{mutexRule("src/**")})
	rec := &recorder{errs: map[string]error{"A": errors.New("boom")}}

	groups := []conflict.Group{
		{ID: "A", DeclaredPaths: []string{"src/a/**"}},
		{ID: "B", DeclaredPaths: []string{"src/**"}},
	}

	result, err := p.PlanAndRun(context.Background(), groups, "phase-1", rec.run)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, []string{"A", "B"}, rec.ran(), "a failure does not abort later groups")
}

func TestSerialFailFast(t *testing.T) {
	p, _ := newTestPlanner(t, []conflict.Rule{mutexRule("src/**")})
	p.FailFast = true
	rec := &recorder{errs: map[string]error{"A": errors.New("boom")}}

	groups := []conflict.Group{
		{ID: "A", DeclaredPaths: []string{"src/a/**"}},
		{ID: "B", DeclaredPaths: []string{"src/**"}},
	}

	result, err := p.PlanAndRun(context.Background(), groups, "phase-1", rec.run)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, []string{"A"}, rec.ran(), "fail-fast stops at the first failure")
}

func TestLocksReleasedAfterRun(t *testing.T) {
	p, manager := newTestPlanner(t, nil)
	rec := &recorder{}

	groups := []conflict.Group{{ID: "solo", DeclaredPaths: []string{"x/**"}}}

	_, err := p.PlanAndRun(context.Background(), groups, "phase-1", rec.run)
	require.NoError(t, err)

	locks, err := manager.List()
	require.NoError(t, err)
	assert.Empty(t, locks, "planner releases every lock it took")
}

func TestBatchConcurrency(t *testing.T) {
	groups := []conflict.Group{
		{ID: "a", MaxConcurrent: 4},
		{ID: "b", MaxConcurrent: 2},
		{ID: "c"},
	}
	assert.Equal(t, 2, batchConcurrency(groups))
	assert.Equal(t, 0, batchConcurrency([]conflict.Group{{ID: "x"}}))
}
