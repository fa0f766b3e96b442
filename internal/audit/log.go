// Package audit keeps the bounded, append-only record of credential access
// attempts.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/371-Minds/credvault/internal/expressions"
	"github.com/371-Minds/credvault/pkg/schema"
)

// DefaultCapacity is the number of entries kept before the log trims itself.
const DefaultCapacity = 10000

// Entry is one access attempt. Entries are never modified after Append.
type Entry struct {
	ID           string            `json:"id"`
	CredentialID string            `json:"credential_id"`
	AgentID      string            `json:"agent_id"`
	Owner        string            `json:"owner,omitempty"` // credential creator when the attempt was made
	Action       string            `json:"action"`
	Timestamp    time.Time         `json:"timestamp"`
	Success      bool              `json:"success"`
	Source       map[string]string `json:"source,omitempty"`
}

// Query selects entries. Zero-valued fields do not filter.
type Query struct {
	AgentID      string
	CredentialID string
	Since        time.Time
	// Where is an optional expr-lang boolean expression over credential_id,
	// agent_id, owner, action, success, timestamp and source.
	Where string
}

// Log is a size-bounded audit log. When it grows past its capacity it
// drops the oldest entries, keeping the newest capacity/2 (at least one). Safe for
// concurrent use.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	clock    func() time.Time
	filter   *expressions.ExprEngine
}

// NewLog creates an empty log. capacity <= 0 selects DefaultCapacity and a
// nil clock selects time.Now.
func NewLog(capacity int, clock func() time.Time) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clock == nil {
		clock = time.Now
	}
	return &Log{
		capacity: capacity,
		clock:    clock,
		filter:   expressions.NewExprEngine(),
	}
}

// Capacity returns the configured bound.
func (l *Log) Capacity() int {
	return l.capacity
}

// Append records e, filling ID and Timestamp when unset, and returns the
// stored entry.
func (l *Log) Append(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock().UTC()
	}
	e.Source = cloneSource(e.Source)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, e)
	if len(l.entries) > l.capacity {
		keep := l.keep()
		trimmed := make([]Entry, keep, l.capacity+1)
		copy(trimmed, l.entries[len(l.entries)-keep:])
		l.entries = trimmed
	}
	return e
}

// keep is how many entries survive a trim.
func (l *Log) keep() int {
	return max(l.capacity/2, 1)
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns a copy of all retained entries in append order.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Restore replaces the log contents with entries, keeping only the newest
// capacity/2 when entries exceeds the capacity.
func (l *Log) Restore(entries []Entry) {
	if len(entries) > l.capacity {
		entries = entries[len(entries)-l.keep():]
	}
	cp := make([]Entry, len(entries))
	copy(cp, entries)

	l.mu.Lock()
	l.entries = cp
	l.mu.Unlock()
}

// Query returns matching entries in append order. No match yields an empty,
// non-nil slice. An invalid Where expression is a VALIDATION_ERROR.
func (l *Log) Query(ctx context.Context, q Query) ([]Entry, error) {
	if err := l.ValidateWhere(ctx, q.Where); err != nil {
		return nil, err
	}
	entries := l.Entries()
	out := make([]Entry, 0)
	for _, e := range entries {
		if q.AgentID != "" && e.AgentID != q.AgentID {
			continue
		}
		if q.CredentialID != "" && e.CredentialID != q.CredentialID {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		if q.Where != "" {
			ok, err := expressions.EvaluateBool(ctx, l.filter, q.Where, filterEnv(e))
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// ValidateWhere checks that expr compiles against the filter environment.
func (l *Log) ValidateWhere(ctx context.Context, expr string) error {
	if expr == "" {
		return nil
	}
	_, err := expressions.EvaluateBool(ctx, l.filter, expr, filterEnv(Entry{Action: schema.ActionRead}))
	return err
}

func filterEnv(e Entry) map[string]any {
	source := make(map[string]any, len(e.Source))
	for k, v := range e.Source {
		source[k] = v
	}
	return map[string]any{
		"id":            e.ID,
		"credential_id": e.CredentialID,
		"agent_id":      e.AgentID,
		"owner":         e.Owner,
		"action":        e.Action,
		"success":       e.Success,
		"timestamp":     e.Timestamp,
		"source":        source,
	}
}

func cloneSource(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
