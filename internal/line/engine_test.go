package line

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/linewatch/internal/models"
	"github.com/mcdev12/linewatch/internal/store"
)

type changeCollector struct {
	mu      sync.Mutex
	changes []models.Change
}

func (c *changeCollector) add(change models.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, change)
}

func (c *changeCollector) all() []models.Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Change, len(c.changes))
	copy(out, c.changes)
	return out
}

func (c *changeCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changes)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "room.json"))
	require.NoError(t, err)
	return st
}

func newTestEngine(t *testing.T, clk clockwork.Clock, duration time.Duration) (*Engine, *changeCollector) {
	t.Helper()
	collector := &changeCollector{}
	e := NewEngine(20, newTestStore(t), clk, func() time.Duration { return duration }, collector.add, nil)
	return e, collector
}

func TestMarkKilledSetsStateAndArmsTimer(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	e, collector := newTestEngine(t, clk, 10*time.Second)

	require.True(t, e.MarkKilled(7, base, "u1", "Alice"))

	rec, ok := e.Get(7)
	require.True(t, ok)
	assert.Equal(t, models.LineKilled, rec.State)
	require.NotNil(t, rec.KilledAt)
	assert.True(t, rec.KilledAt.Equal(base))
	assert.Equal(t, "u1", rec.LastModifiedBy)

	deadline, armed := e.Scheduler().Deadline(7)
	require.True(t, armed)
	assert.True(t, deadline.Equal(base.Add(10*time.Second)))

	changes := collector.all()
	require.Len(t, changes, 1)
	assert.Equal(t, models.LineKilled, changes[0].NewState)
	assert.Equal(t, models.OriginLocal, changes[0].Origin)
}

func TestMarkKilledRejectedFromKilledState(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	e, collector := newTestEngine(t, clk, 10*time.Second)

	require.True(t, e.MarkKilled(3, base, "u1", "Alice"))
	// Re-marking is reserved for cancel; the second gesture is ignored.
	assert.False(t, e.MarkKilled(3, base.Add(time.Second), "u2", "Bob"))

	rec, _ := e.Get(3)
	assert.Equal(t, "u1", rec.LastModifiedBy)
	assert.Equal(t, 1, collector.count())
}

func TestKillThenRefreshTiming(t *testing.T) {
	base := time.UnixMilli(1000)
	clk := clockwork.NewFakeClockAt(base)
	e, _ := newTestEngine(t, clk, 10*time.Second)

	require.True(t, e.MarkKilled(7, base, "u1", "Alice"))

	clk.Advance(9999 * time.Millisecond)
	rec, _ := e.Get(7)
	assert.Equal(t, models.LineKilled, rec.State, "line must still be killed just before the deadline")

	clk.Advance(2 * time.Millisecond)
	require.Eventually(t, func() bool {
		rec, _ := e.Get(7)
		return rec.State == models.LineRefreshed
	}, time.Second, 5*time.Millisecond)

	rec, _ = e.Get(7)
	assert.Nil(t, rec.KilledAt, "refresh must clear the kill time")
}

func TestExpireIsIdempotent(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	e, collector := newTestEngine(t, clk, 10*time.Second)

	require.True(t, e.MarkKilled(4, base, "u1", "Alice"))
	e.Expire(4)
	rec, _ := e.Get(4)
	require.Equal(t, models.LineRefreshed, rec.State)

	before := collector.count()
	e.Expire(4)
	rec, _ = e.Get(4)
	assert.Equal(t, models.LineRefreshed, rec.State)
	assert.Equal(t, before, collector.count(), "second expire must emit nothing")
}

func TestCancelReturnsLineToAvailable(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	e, _ := newTestEngine(t, clk, 10*time.Second)

	require.True(t, e.MarkKilled(5, base, "u1", "Alice"))
	require.True(t, e.Cancel(5, "u1", "Alice"))

	rec, _ := e.Get(5)
	assert.Equal(t, models.LineAvailable, rec.State)
	assert.Nil(t, rec.KilledAt)

	_, armed := e.Scheduler().Deadline(5)
	assert.False(t, armed, "cancel must disarm the timer")
}

func TestCancelRejectedFromRefreshed(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	e, _ := newTestEngine(t, clk, 10*time.Second)

	require.True(t, e.MarkKilled(5, base, "u1", "Alice"))
	e.Expire(5)
	assert.False(t, e.Cancel(5, "u1", "Alice"), "refreshed lines have no cancel path")
}

func TestMarkKilledUnknownTimeArmsNoTimer(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	e, collector := newTestEngine(t, clk, 10*time.Second)

	require.True(t, e.MarkKilledUnknownTime(9, "u1", "Alice"))

	rec, _ := e.Get(9)
	assert.Equal(t, models.LineKilledUnknown, rec.State)
	assert.Nil(t, rec.KilledAt)

	_, armed := e.Scheduler().Deadline(9)
	assert.False(t, armed)

	changes := collector.all()
	require.Len(t, changes, 1)
	assert.Nil(t, changes[0].KilledAt)
}

func TestRefreshedLineCanBeKilledAgain(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	e, _ := newTestEngine(t, clk, 10*time.Second)

	require.True(t, e.MarkKilled(2, base, "u1", "Alice"))
	e.Expire(2)
	require.True(t, e.MarkKilled(2, base.Add(time.Minute), "u2", "Bob"))

	rec, _ := e.Get(2)
	assert.Equal(t, models.LineKilled, rec.State)
	assert.Equal(t, "u2", rec.LastModifiedBy)
}

func TestApplyRemoteKilledUnknown(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	e, collector := newTestEngine(t, clk, 10*time.Second)

	applied := e.Apply(models.Change{
		LineID:   12,
		NewState: models.LineKilledUnknown,
		ActorID:  "remote-user",
		SentAt:   base,
		Origin:   models.OriginRemote,
	})
	require.True(t, applied)

	rec, _ := e.Get(12)
	assert.Equal(t, models.LineKilledUnknown, rec.State)
	assert.Nil(t, rec.KilledAt)

	_, armed := e.Scheduler().Deadline(12)
	assert.False(t, armed, "killed-unknown never arms a timer")

	changes := collector.all()
	require.Len(t, changes, 1)
	assert.Equal(t, models.OriginRemote, changes[0].Origin)
}

func TestApplyDiscardsStaleChange(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	e, collector := newTestEngine(t, clk, 10*time.Second)

	require.True(t, e.MarkKilled(6, base, "u1", "Alice"))

	stale := base.Add(-time.Second)
	applied := e.Apply(models.Change{
		LineID:   6,
		NewState: models.LineAvailable,
		ActorID:  "remote-user",
		SentAt:   stale,
		Origin:   models.OriginRemote,
	})
	assert.False(t, applied)

	rec, _ := e.Get(6)
	assert.Equal(t, models.LineKilled, rec.State, "stale change must not regress state")
	assert.Equal(t, 1, collector.count())
}

func TestConcurrentKillTieBreak(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	e, _ := newTestEngine(t, clk, time.Hour)

	// Local kill lands first with SentAt == base.
	require.True(t, e.MarkKilled(8, base, "local-user", "Alice"))

	// Equal SentAt favors the locally applied state.
	remoteKill := base.Add(-2 * time.Second)
	applied := e.Apply(models.Change{
		LineID:   8,
		NewState: models.LineKilled,
		KilledAt: &remoteKill,
		ActorID:  "remote-user",
		SentAt:   base,
		Origin:   models.OriginRemote,
	})
	assert.False(t, applied, "equal SentAt must keep the local state")
	rec, _ := e.Get(8)
	assert.Equal(t, "local-user", rec.LastModifiedBy)

	// A strictly newer SentAt wins deterministically.
	applied = e.Apply(models.Change{
		LineID:   8,
		NewState: models.LineKilled,
		KilledAt: &remoteKill,
		ActorID:  "remote-user",
		SentAt:   base.Add(time.Millisecond),
		Origin:   models.OriginRemote,
	})
	require.True(t, applied)
	rec, _ = e.Get(8)
	assert.Equal(t, "remote-user", rec.LastModifiedBy)
	require.NotNil(t, rec.KilledAt)
	assert.True(t, rec.KilledAt.Equal(remoteKill))

	deadline, armed := e.Scheduler().Deadline(8)
	require.True(t, armed)
	assert.True(t, deadline.Equal(remoteKill.Add(time.Hour)), "timer must re-arm against the winning kill time")
}

func TestApplyRejectsInvalidPayloads(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	e, _ := newTestEngine(t, clk, 10*time.Second)

	assert.False(t, e.Apply(models.Change{LineID: 1, NewState: "exploded", SentAt: base}))
	assert.False(t, e.Apply(models.Change{LineID: 0, NewState: models.LineKilled, SentAt: base}))
	assert.False(t, e.Apply(models.Change{LineID: 999, NewState: models.LineKilled, SentAt: base}))
}

func TestResetAllClearsNonDefaultLines(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	e, _ := newTestEngine(t, clk, 10*time.Second)

	require.True(t, e.MarkKilled(1, base, "u1", "Alice"))
	require.True(t, e.MarkKilledUnknownTime(2, "u1", "Alice"))

	changed := e.ResetAll("u1", "Alice")
	assert.Equal(t, 2, changed)
	assert.Empty(t, e.Snapshot())

	_, armed := e.Scheduler().Deadline(1)
	assert.False(t, armed)
}

func TestRestoreRearmsAfterRestart(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	duration := 10 * time.Second

	st := newTestStore(t)
	killedAt := base.Add(-(duration - 5*time.Second))
	require.NoError(t, st.Set(3, store.Record{State: models.LineKilled, KilledAt: &killedAt}))

	collector := &changeCollector{}
	e := NewEngine(20, st, clk, func() time.Duration { return duration }, collector.add, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	rec, _ := e.Get(3)
	require.Equal(t, models.LineKilled, rec.State)

	// 5s of the window remain; the timer must fire then, not sooner.
	clk.Advance(4 * time.Second)
	rec, _ = e.Get(3)
	assert.Equal(t, models.LineKilled, rec.State)

	clk.Advance(1100 * time.Millisecond)
	require.Eventually(t, func() bool {
		rec, _ := e.Get(3)
		return rec.State == models.LineRefreshed
	}, time.Second, 5*time.Millisecond)
}

func TestRestoreExpiresStaleKill(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	duration := 10 * time.Second

	st := newTestStore(t)
	killedAt := base.Add(-time.Minute)
	require.NoError(t, st.Set(14, store.Record{State: models.LineKilled, KilledAt: &killedAt}))

	collector := &changeCollector{}
	e := NewEngine(20, st, clk, func() time.Duration { return duration }, collector.add, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	rec, _ := e.Get(14)
	assert.Equal(t, models.LineRefreshed, rec.State, "a kill past its deadline refreshes on restore")
}

func TestImportRecordsRearmsWithImportedKillTime(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	e, _ := newTestEngine(t, clk, 24*time.Hour)

	// Killed 11 hours ago; 13 hours of the window remain after import.
	killedAt := base.Add(-11 * time.Hour)
	err := e.ImportRecords(map[int]store.Record{
		7: {State: models.LineKilled, KilledAt: &killedAt},
	}, "u1", "Alice")
	require.NoError(t, err)

	rec, _ := e.Get(7)
	assert.Equal(t, models.LineKilled, rec.State)

	deadline, armed := e.Scheduler().Deadline(7)
	require.True(t, armed)
	assert.True(t, deadline.Equal(killedAt.Add(24*time.Hour)))
	assert.Equal(t, 13*time.Hour, deadline.Sub(clk.Now()))
}

func TestImportRecordsExpiresStaleKillImmediately(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	e, _ := newTestEngine(t, clk, 24*time.Hour)

	killedAt := base.Add(-25 * time.Hour)
	err := e.ImportRecords(map[int]store.Record{
		4: {State: models.LineKilled, KilledAt: &killedAt},
	}, "u1", "Alice")
	require.NoError(t, err)

	rec, _ := e.Get(4)
	assert.Equal(t, models.LineRefreshed, rec.State)
}

func TestImportRecordsClearsLinesAbsentFromSnapshot(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	e, _ := newTestEngine(t, clk, 24*time.Hour)

	require.True(t, e.MarkKilledUnknownTime(3, "u1", "Alice"))

	err := e.ImportRecords(map[int]store.Record{
		8: {State: models.LineKilledUnknown},
	}, "u2", "Bob")
	require.NoError(t, err)

	rec, _ := e.Get(3)
	assert.Equal(t, models.LineAvailable, rec.State, "import replaces the whole board")
	rec, _ = e.Get(8)
	assert.Equal(t, models.LineKilledUnknown, rec.State)
}

func TestSnapshotReturnsNonDefaultLinesSorted(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	clk := clockwork.NewFakeClockAt(base)
	e, _ := newTestEngine(t, clk, 10*time.Second)

	require.True(t, e.MarkKilled(9, base, "u1", "Alice"))
	require.True(t, e.MarkKilledUnknownTime(2, "u1", "Alice"))

	snap := e.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, 2, snap[0].ID)
	assert.Equal(t, 9, snap[1].ID)
}
