package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Event is one line-oriented audit record. The core only ever appends these;
// it never reads its own log back to make decisions.
type Event struct {
	Time   time.Time         `json:"time"`
	Kind   string            `json:"kind"`
	Name   string            `json:"name,omitempty"`
	Holder string            `json:"holder,omitempty"`
	Detail map[string]string `json:"detail,omitempty"`
}

// Event kinds appended by the core.
const (
	KindLockAcquire      = "lock.acquire"
	KindLockRelease      = "lock.release"
	KindLockForceRelease = "lock.force_release"
	KindConflictVerdict  = "conflict.verdict"
	KindPlanMode         = "plan.mode"
	KindQueueTransition  = "queue.transition"
)

// Logger appends JSONL records to a single file. Writes use O_APPEND so
// concurrent appenders from separate processes interleave whole lines.
type Logger struct {
	mu   sync.Mutex
	path string
}

// NewLogger creates an append-only audit logger at the given path.
func NewLogger(path string) *Logger {
	return &Logger{path: path}
}

// Append writes one event. A nil logger discards events so callers that do
// not care about auditing can pass nil.
func (l *Logger) Append(event Event) error {
	if l == nil {
		return nil
	}

	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}
