package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/371-Minds/credvault/pkg/schema"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestAppend_FillsIDAndTimestamp(t *testing.T) {
	clk := newClock()
	l := NewLog(0, clk.Now)
	assert.Equal(t, DefaultCapacity, l.Capacity())

	e := l.Append(Entry{CredentialID: "c1", AgentID: "svcA", Action: schema.ActionWrite, Success: true})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, clk.Now(), e.Timestamp)

	other := l.Append(Entry{CredentialID: "c1", AgentID: "svcA", Action: schema.ActionRead})
	assert.NotEqual(t, e.ID, other.ID)
	assert.Equal(t, 2, l.Len())
}

func TestAppend_SourceIsCopied(t *testing.T) {
	l := NewLog(10, nil)
	src := map[string]string{"transport": "mcp"}
	l.Append(Entry{Action: schema.ActionRead, Source: src})
	src["transport"] = "changed"

	assert.Equal(t, "mcp", l.Entries()[0].Source["transport"])
}

func TestAppend_TrimsToHalfCapacity(t *testing.T) {
	l := NewLog(10, nil)
	for i := 0; i < 10; i++ {
		l.Append(Entry{CredentialID: fmt.Sprintf("c%d", i), Action: schema.ActionRead})
	}
	assert.Equal(t, 10, l.Len(), "at capacity, nothing trimmed")

	l.Append(Entry{CredentialID: "c10", Action: schema.ActionRead})
	require.Equal(t, 5, l.Len())

	entries := l.Entries()
	assert.Equal(t, "c6", entries[0].CredentialID)
	assert.Equal(t, "c10", entries[4].CredentialID)
}

func TestAppend_CapacityOneKeepsNewest(t *testing.T) {
	l := NewLog(1, nil)
	l.Append(Entry{CredentialID: "c0", Action: schema.ActionRead})
	l.Append(Entry{CredentialID: "c1", Action: schema.ActionRead})
	l.Append(Entry{CredentialID: "c2", Action: schema.ActionRead})

	entries := l.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "c2", entries[0].CredentialID)

	l.Restore([]Entry{{ID: "e0"}, {ID: "e1"}})
	got := l.Entries()
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].ID)
}

func TestQuery_Filters(t *testing.T) {
	clk := newClock()
	l := NewLog(100, clk.Now)
	ctx := context.Background()

	l.Append(Entry{CredentialID: "c1", AgentID: "svcA", Owner: "svcA", Action: schema.ActionWrite, Success: true})
	clk.Advance(2 * time.Hour)
	l.Append(Entry{CredentialID: "c1", AgentID: "svcB", Owner: "svcA", Action: schema.ActionRead, Success: false})
	l.Append(Entry{CredentialID: "c2", AgentID: "svcA", Owner: "svcC", Action: schema.ActionRead, Success: true,
		Source: map[string]string{"transport": "mcp"}})

	all, err := l.Query(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byAgent, err := l.Query(ctx, Query{AgentID: "svcA"})
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	byCred, err := l.Query(ctx, Query{CredentialID: "c1", AgentID: "svcB"})
	require.NoError(t, err)
	require.Len(t, byCred, 1)
	assert.False(t, byCred[0].Success)

	recent, err := l.Query(ctx, Query{Since: clk.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	failed, err := l.Query(ctx, Query{Where: `action == "read" && !success`})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "svcB", failed[0].AgentID)

	viaMCP, err := l.Query(ctx, Query{Where: `source.transport == "mcp"`})
	require.NoError(t, err)
	require.Len(t, viaMCP, 1)
	assert.Equal(t, "c2", viaMCP[0].CredentialID)

	ownedBySvcA, err := l.Query(ctx, Query{Where: `owner == "svcA"`})
	require.NoError(t, err)
	require.Len(t, ownedBySvcA, 2)
	assert.Equal(t, "svcB", ownedBySvcA[1].AgentID)

	none, err := l.Query(ctx, Query{AgentID: "nobody"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestQuery_InvalidWhere(t *testing.T) {
	l := NewLog(10, nil)
	ctx := context.Background()

	_, err := l.Query(ctx, Query{Where: `action ==`})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	l.Append(Entry{Action: schema.ActionRead})
	_, err = l.Query(ctx, Query{Where: `agent_id`})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestRestore(t *testing.T) {
	l := NewLog(4, nil)
	var entries []Entry
	for i := 0; i < 6; i++ {
		entries = append(entries, Entry{ID: fmt.Sprintf("e%d", i), Action: schema.ActionRead})
	}

	l.Restore(entries[:3])
	assert.Equal(t, 3, l.Len())

	l.Restore(entries)
	got := l.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, "e4", got[0].ID)
	assert.Equal(t, "e5", got[1].ID)
}

func TestAppend_Concurrent(t *testing.T) {
	l := NewLog(1000, nil)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append(Entry{Action: schema.ActionRead})
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, l.Len())

	seen := make(map[string]bool)
	for _, e := range l.Entries() {
		assert.False(t, seen[e.ID], "duplicate id")
		seen[e.ID] = true
	}
}
