package persistence

import (
	"fmt"
	"sync"
	"time"

	"github.com/harun/tablesync/pkg/session"
)

// WriteError reports a snapshot write that failed on every attempt.
type WriteError struct {
	Kind      session.Kind
	SessionID string
	Attempts  int
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("persist %s %q failed after %d attempt(s): %v", e.Kind, e.SessionID, e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// DeadLetter is an abandoned write kept for inspection.
type DeadLetter struct {
	Kind      session.Kind `json:"kind"`
	SessionID string       `json:"sessionId"`
	Data      []byte       `json:"data,omitempty"`
	Error     string       `json:"error"`
	Attempts  int          `json:"attempts"`
	FailedAt  time.Time    `json:"failedAt"`
}

// journal is a bounded ring of the most recent dead letters.
type journal struct {
	mu      sync.Mutex
	entries []DeadLetter
	next    int
	full    bool
}

func newJournal(capacity int) *journal {
	if capacity <= 0 {
		capacity = 100
	}
	return &journal{entries: make([]DeadLetter, capacity)}
}

func (j *journal) add(dl DeadLetter) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries[j.next] = dl
	j.next = (j.next + 1) % len(j.entries)
	if j.next == 0 {
		j.full = true
	}
}

// list returns the retained entries, oldest first.
func (j *journal) list() []DeadLetter {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.full {
		return append([]DeadLetter(nil), j.entries[:j.next]...)
	}
	out := make([]DeadLetter, 0, len(j.entries))
	out = append(out, j.entries[j.next:]...)
	return append(out, j.entries[:j.next]...)
}
