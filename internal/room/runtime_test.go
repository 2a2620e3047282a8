package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/linewatch/internal/models"
)

type changeLog struct {
	mu      sync.Mutex
	changes []models.Change
}

func (l *changeLog) add(c models.Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.changes)
}

func newTestRegistry(t *testing.T, clk clockwork.Clock, duration time.Duration) (*Registry, *changeLog) {
	t.Helper()
	changes := &changeLog{}
	cfg := RuntimeConfig{
		DataDir:       t.TempDir(),
		NumLines:      20,
		Clock:         clk,
		Duration:      func() time.Duration { return duration },
		ChangeHandler: func(roomID string) func(models.Change) { return changes.add },
		TickHandler:   func(roomID string) func(int, time.Duration) { return func(int, time.Duration) {} },
	}
	return NewRegistry(context.Background(), cfg), changes
}

func TestGetOrCreateReturnsSameRuntime(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.UnixMilli(1_000_000))
	reg, _ := newTestRegistry(t, clk, 24*time.Hour)

	rt1, err := reg.GetOrCreate("abc")
	require.NoError(t, err)
	rt2, err := reg.GetOrCreate("abc")
	require.NoError(t, err)
	assert.Same(t, rt1, rt2)

	_, ok := reg.Get("other")
	assert.False(t, ok)
}

func TestCloseDropsRuntime(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.UnixMilli(1_000_000))
	reg, _ := newTestRegistry(t, clk, 24*time.Hour)

	_, err := reg.GetOrCreate("abc")
	require.NoError(t, err)
	reg.Close("abc")

	_, ok := reg.Get("abc")
	assert.False(t, ok)
}

func TestExportImportRoundTripAcrossRooms(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	reg, _ := newTestRegistry(t, clk, 24*time.Hour)

	src, err := reg.GetOrCreate("source")
	require.NoError(t, err)

	killedAt := base.Add(-time.Hour)
	require.True(t, src.Engine.MarkKilled(7, killedAt, "u1", "Alice"))
	require.True(t, src.Engine.MarkKilledUnknownTime(12, "u1", "Alice"))

	snap := src.Export(base, map[string]any{"durationMode": "normal"})
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	dst, err := reg.GetOrCreate("destination")
	require.NoError(t, err)
	require.NoError(t, dst.Import(data, "u2", "Bob"))

	rec, _ := dst.Engine.Get(7)
	assert.Equal(t, models.LineKilled, rec.State)
	require.NotNil(t, rec.KilledAt)
	assert.Equal(t, killedAt.UnixMilli(), rec.KilledAt.UnixMilli())

	rec, _ = dst.Engine.Get(12)
	assert.Equal(t, models.LineKilledUnknown, rec.State)

	// 23 hours of the imported window remain.
	deadline, armed := dst.Engine.Scheduler().Deadline(7)
	require.True(t, armed)
	assert.Equal(t, 23*time.Hour, deadline.Sub(clk.Now()))

	events := dst.KillEvents()
	require.Len(t, events, 1)
	assert.Equal(t, 7, events[0].Line)
}

func TestImportRejectsInvalidPayloadWithoutMutation(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	reg, _ := newTestRegistry(t, clk, 24*time.Hour)

	rt, err := reg.GetOrCreate("abc")
	require.NoError(t, err)
	require.True(t, rt.Engine.MarkKilledUnknownTime(3, "u1", "Alice"))

	err = rt.Import([]byte(`{"version":1,"lineStates":{"3":"exploded"}}`), "u2", "Bob")
	require.Error(t, err)

	rec, _ := rt.Engine.Get(3)
	assert.Equal(t, models.LineKilledUnknown, rec.State)
	assert.Empty(t, rt.KillEvents())
}

func TestKillHistoryRecordsTimedKillsOnly(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	reg, changes := newTestRegistry(t, clk, 24*time.Hour)

	rt, err := reg.GetOrCreate("abc")
	require.NoError(t, err)

	require.True(t, rt.Engine.MarkKilled(1, base, "u1", "Alice"))
	require.True(t, rt.Engine.MarkKilledUnknownTime(2, "u1", "Alice"))
	require.True(t, rt.Engine.Cancel(1, "u1", "Alice"))

	events := rt.KillEvents()
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Line)
	assert.Equal(t, base.UnixMilli(), events[0].Timestamp)

	// Every transition still reaches the room's change handler.
	assert.Equal(t, 3, changes.count())
}

func TestRuntimeRestoresStoreOnRecreate(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)

	changes := &changeLog{}
	cfg := RuntimeConfig{
		DataDir:       t.TempDir(),
		NumLines:      20,
		Clock:         clk,
		Duration:      func() time.Duration { return 24 * time.Hour },
		ChangeHandler: func(roomID string) func(models.Change) { return changes.add },
		TickHandler:   func(roomID string) func(int, time.Duration) { return func(int, time.Duration) {} },
	}

	reg := NewRegistry(context.Background(), cfg)
	rt, err := reg.GetOrCreate("abc")
	require.NoError(t, err)
	require.True(t, rt.Engine.MarkKilled(5, base, "u1", "Alice"))
	reg.Close("abc")

	// A new registry over the same data dir restores the kill.
	reg2 := NewRegistry(context.Background(), cfg)
	rt2, err := reg2.GetOrCreate("abc")
	require.NoError(t, err)

	rec, _ := rt2.Engine.Get(5)
	assert.Equal(t, models.LineKilled, rec.State)
	deadline, armed := rt2.Engine.Scheduler().Deadline(5)
	require.True(t, armed)
	assert.True(t, deadline.Equal(base.Add(24*time.Hour)))
}
