package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var events []Event
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var event Event
		require.NoError(t, json.Unmarshal([]byte(line), &event))
		events = append(events, event)
	}
	return events
}

func TestAppendWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger := NewLogger(path)

	require.NoError(t, logger.Append(Event{
		Kind:   KindLockAcquire,
		Name:   "build-index",
		Holder: "1234:abc",
		Detail: map[string]string{"ttl": "300s"},
	}))
	require.NoError(t, logger.Append(Event{
		Kind: KindLockRelease,
		Name: "build-index",
	}))

	events := readEvents(t, path)
	require.Len(t, events, 2)
	assert.Equal(t, KindLockAcquire, events[0].Kind)
	assert.Equal(t, "build-index", events[0].Name)
	assert.Equal(t, "300s", events[0].Detail["ttl"])
	assert.Equal(t, KindLockRelease, events[1].Kind)
}

func TestAppendStampsTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger := NewLogger(path)

	before := time.Now()
	require.NoError(t, logger.Append(Event{Kind: KindPlanMode}))

	events := readEvents(t, path)
	require.Len(t, events, 1)
	assert.False(t, events[0].Time.IsZero())
	assert.False(t, events[0].Time.Before(before.Truncate(time.Second)))
}

func TestAppendPreservesExplicitTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger := NewLogger(path)

	stamp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, logger.Append(Event{Kind: KindConflictVerdict, Time: stamp}))

	events := readEvents(t, path)
	require.Len(t, events, 1)
	assert.True(t, events[0].Time.Equal(stamp))
}

func TestNilLoggerDiscards(t *testing.T) {
	var logger *Logger
	assert.NoError(t, logger.Append(Event{Kind: KindQueueTransition}))
}

func TestConcurrentAppendsInterleaveWholeLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger := NewLogger(path)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, logger.Append(Event{Kind: KindLockAcquire, Name: "shared"}))
			}
		}()
	}
	wg.Wait()

	events := readEvents(t, path)
	assert.Len(t, events, 80)
}
