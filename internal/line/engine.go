package line

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/linewatch/internal/models"
	"github.com/mcdev12/linewatch/internal/store"
)

// Engine is the per-room line state machine. It is the single writer of
// the persistent store: every mutation, whether from a local gesture or
// a remote collaborator, goes through a transition here and emits
// exactly one change event.
type Engine struct {
	numLines int
	clock    clockwork.Clock
	store    *store.Store
	sched    *Scheduler
	onChange func(models.Change)

	mu      sync.Mutex
	lines   map[int]models.LineRecord
	applied map[int]time.Time
}

// NewEngine creates an engine tracking lines 1..numLines, all Available.
// duration supplies the respawn countdown at arm time; onChange receives
// every accepted transition; onTick receives per-second countdown
// updates for display.
func NewEngine(numLines int, st *store.Store, clock clockwork.Clock, duration func() time.Duration, onChange func(models.Change), onTick func(lineID int, remaining time.Duration)) *Engine {
	e := &Engine{
		numLines: numLines,
		clock:    clock,
		store:    st,
		onChange: onChange,
		lines:    make(map[int]models.LineRecord, numLines),
		applied:  make(map[int]time.Time),
	}
	e.sched = NewScheduler(clock, duration, e.Expire, onTick)

	for id := 1; id <= numLines; id++ {
		e.lines[id] = models.LineRecord{ID: id, State: models.LineAvailable}
	}
	return e
}

// NumLines returns the number of tracked lines
func (e *Engine) NumLines() int {
	return e.numLines
}

// Scheduler exposes the engine's timer scheduler for deadline queries
func (e *Engine) Scheduler() *Scheduler {
	return e.sched
}

// Start begins the tick loop and replays the persistent store into
// memory, re-arming timers for killed lines. Lines whose deadline
// already passed while the process was down expire immediately.
func (e *Engine) Start(ctx context.Context) {
	e.sched.Start(ctx)

	restored := e.restoreFromStore()
	for _, rec := range restored {
		if rec.State == models.LineKilled && rec.KilledAt != nil {
			e.sched.Arm(rec.ID, *rec.KilledAt)
		}
	}
}

func (e *Engine) restoreFromStore() []models.LineRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	var restored []models.LineRecord
	for id, stored := range e.store.ExportAll() {
		if id < 1 || id > e.numLines {
			log.Warn().Int("line", id).Msg("dropping stored record outside line range")
			continue
		}
		rec := models.LineRecord{
			ID:             id,
			State:          stored.State,
			KilledAt:       stored.KilledAt,
			LastModifiedBy: stored.ModifiedBy,
		}
		e.lines[id] = rec
		restored = append(restored, rec)
	}

	log.Info().Int("count", len(restored)).Msg("restored line records from store")
	return restored
}

// MarkKilled transitions a line to Killed with a known kill time. Valid
// only from Available or Refreshed; any other source state rejects the
// gesture silently (the double-click path is reserved for Cancel).
func (e *Engine) MarkKilled(lineID int, killedAt time.Time, actorID, actorName string) bool {
	e.mu.Lock()
	rec, ok := e.lines[lineID]
	if !ok || (rec.State != models.LineAvailable && rec.State != models.LineRefreshed) {
		e.mu.Unlock()
		log.Debug().Int("line", lineID).Str("state", string(rec.State)).Msg("rejected markKilled from invalid state")
		return false
	}

	ts := killedAt
	rec.State = models.LineKilled
	rec.KilledAt = &ts
	rec.LastModifiedBy = actorID
	change := e.commitLocked(rec, actorID, actorName)
	e.mu.Unlock()

	e.sched.Arm(lineID, ts)
	e.emit(change)
	return true
}

// MarkKilledUnknownTime transitions a line to KilledUnknownTime. No
// timestamp is recorded and no timer is armed.
func (e *Engine) MarkKilledUnknownTime(lineID int, actorID, actorName string) bool {
	e.mu.Lock()
	rec, ok := e.lines[lineID]
	if !ok || (rec.State != models.LineAvailable && rec.State != models.LineRefreshed) {
		e.mu.Unlock()
		log.Debug().Int("line", lineID).Str("state", string(rec.State)).Msg("rejected markKilledUnknownTime from invalid state")
		return false
	}

	rec.State = models.LineKilledUnknown
	rec.KilledAt = nil
	rec.LastModifiedBy = actorID
	change := e.commitLocked(rec, actorID, actorName)
	e.mu.Unlock()

	e.emit(change)
	return true
}

// Cancel returns a killed line to Available and disarms its timer.
// Valid only from Killed or KilledUnknownTime.
func (e *Engine) Cancel(lineID int, actorID, actorName string) bool {
	e.mu.Lock()
	rec, ok := e.lines[lineID]
	if !ok || (rec.State != models.LineKilled && rec.State != models.LineKilledUnknown) {
		e.mu.Unlock()
		log.Debug().Int("line", lineID).Str("state", string(rec.State)).Msg("rejected cancel from invalid state")
		return false
	}

	rec.State = models.LineAvailable
	rec.KilledAt = nil
	rec.LastModifiedBy = actorID
	change := e.commitLocked(rec, actorID, actorName)
	e.mu.Unlock()

	e.sched.Disarm(lineID)
	e.emit(change)
	return true
}

// Expire transitions a killed line to Refreshed when its countdown
// elapses. Invoked by the scheduler; calling it twice is a no-op
// because the Killed precondition no longer holds.
func (e *Engine) Expire(lineID int) {
	e.mu.Lock()
	rec, ok := e.lines[lineID]
	if !ok || rec.State != models.LineKilled {
		e.mu.Unlock()
		log.Debug().Int("line", lineID).Msg("ignoring expire for line not in killed state")
		return
	}

	rec.State = models.LineRefreshed
	rec.KilledAt = nil
	rec.LastModifiedBy = ""
	change := e.commitLocked(rec, "", "")
	e.mu.Unlock()

	e.sched.Disarm(lineID)
	e.emit(change)
	log.Info().Int("line", lineID).Msg("line refreshed")
}

// Apply applies a change produced by a collaborator. Conflict rule: the
// highest SentAt wins for each line, and an equal SentAt keeps the
// state already applied locally. The change's Origin is carried through
// to the emitted event so the broadcaster can suppress re-publication
// of relay-delivered changes.
func (e *Engine) Apply(change models.Change) bool {
	if !change.NewState.Valid() {
		log.Warn().Int("line", change.LineID).Str("state", string(change.NewState)).Msg("dropping remote change with unknown state")
		return false
	}
	if change.LineID < 1 || change.LineID > e.numLines {
		log.Warn().Int("line", change.LineID).Msg("dropping remote change outside line range")
		return false
	}

	e.mu.Lock()
	if last, ok := e.applied[change.LineID]; ok && !change.SentAt.After(last) {
		e.mu.Unlock()
		log.Debug().
			Int("line", change.LineID).
			Time("sent_at", change.SentAt).
			Time("applied_at", last).
			Msg("discarding stale remote change")
		return false
	}

	rec := e.lines[change.LineID]
	killedAt := change.KilledAt
	if change.NewState != models.LineKilled {
		killedAt = nil
	}
	if rec.State == change.NewState && equalTimes(rec.KilledAt, killedAt) {
		// Duplicate delivery; record the newer SentAt and stop.
		e.applied[change.LineID] = change.SentAt
		e.mu.Unlock()
		return false
	}

	rec.State = change.NewState
	rec.KilledAt = killedAt
	rec.LastModifiedBy = change.ActorID
	e.persistLocked(rec)
	e.applied[change.LineID] = change.SentAt
	e.mu.Unlock()

	if rec.State == models.LineKilled && rec.KilledAt != nil {
		// Catch-up path: a stale kill time past its deadline expires now.
		e.sched.Arm(rec.ID, *rec.KilledAt)
	} else {
		e.sched.Disarm(rec.ID)
	}

	e.emit(models.Change{
		LineID:    change.LineID,
		NewState:  change.NewState,
		KilledAt:  killedAt,
		ActorID:   change.ActorID,
		ActorName: change.ActorName,
		SentAt:    change.SentAt,
		Origin:    change.Origin,
	})
	return true
}

// ResetAll returns every line to Available, disarming all timers. Only
// lines that actually change state emit change events.
func (e *Engine) ResetAll(actorID, actorName string) int {
	e.mu.Lock()
	var changes []models.Change
	for id := 1; id <= e.numLines; id++ {
		rec := e.lines[id]
		if rec.State == models.LineAvailable {
			continue
		}
		rec.State = models.LineAvailable
		rec.KilledAt = nil
		rec.LastModifiedBy = actorID
		changes = append(changes, e.commitLocked(rec, actorID, actorName))
	}
	e.mu.Unlock()

	for _, c := range changes {
		e.sched.Disarm(c.LineID)
		e.emit(c)
	}
	log.Info().Int("count", len(changes)).Str("actor", actorID).Msg("reset all lines")
	return len(changes)
}

// ImportRecords replaces tracked state with an imported snapshot. The
// records must already be validated (see the backup package); ids
// outside the tracked range were dropped there. Every line that differs
// from its imported value emits a change, and killed lines re-arm with
// the imported kill time so stale deadlines expire immediately.
func (e *Engine) ImportRecords(records map[int]store.Record, actorID, actorName string) error {
	if err := e.store.ImportAll(records); err != nil {
		return fmt.Errorf("failed to import records: %w", err)
	}

	e.mu.Lock()
	var changes []models.Change
	for id := 1; id <= e.numLines; id++ {
		imported, ok := records[id]
		target := models.LineRecord{ID: id, State: models.LineAvailable}
		if ok {
			target.State = imported.State
			target.KilledAt = imported.KilledAt
			target.LastModifiedBy = actorID
		}

		current := e.lines[id]
		if current.State == target.State && equalTimes(current.KilledAt, target.KilledAt) {
			continue
		}
		e.lines[id] = target
		now := e.clock.Now()
		e.applied[id] = now
		changes = append(changes, models.Change{
			LineID:    id,
			NewState:  target.State,
			KilledAt:  target.KilledAt,
			ActorID:   actorID,
			ActorName: actorName,
			SentAt:    now,
			Origin:    models.OriginLocal,
		})
	}
	e.mu.Unlock()

	for _, c := range changes {
		if c.NewState == models.LineKilled && c.KilledAt != nil {
			e.sched.Arm(c.LineID, *c.KilledAt)
		} else {
			e.sched.Disarm(c.LineID)
		}
		e.emit(c)
	}

	log.Info().Int("changed", len(changes)).Str("actor", actorID).Msg("imported line snapshot")
	return nil
}

// Get returns a copy of one line record
func (e *Engine) Get(lineID int) (models.LineRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.lines[lineID]
	return rec, ok
}

// Snapshot returns copies of every line not in the default Available
// state, ordered by id. Used for the sync_state handshake and export.
func (e *Engine) Snapshot() []models.LineRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.LineRecord, 0)
	for _, rec := range e.lines {
		if rec.State != models.LineAvailable {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// commitLocked persists a record, stamps the applied clock, and builds
// the change event for it. Caller holds mu and emits after unlocking.
func (e *Engine) commitLocked(rec models.LineRecord, actorID, actorName string) models.Change {
	e.persistLocked(rec)
	now := e.clock.Now()
	e.applied[rec.ID] = now
	return models.Change{
		LineID:    rec.ID,
		NewState:  rec.State,
		KilledAt:  rec.KilledAt,
		ActorID:   actorID,
		ActorName: actorName,
		SentAt:    now,
		Origin:    models.OriginLocal,
	}
}

func (e *Engine) persistLocked(rec models.LineRecord) {
	e.lines[rec.ID] = rec

	var err error
	if rec.State == models.LineAvailable {
		// Default state needs no storage; a missing key means Available.
		err = e.store.Remove(rec.ID)
		if err == store.ErrNotFound {
			err = nil
		}
	} else {
		err = e.store.Set(rec.ID, store.Record{
			State:      rec.State,
			KilledAt:   rec.KilledAt,
			ModifiedBy: rec.LastModifiedBy,
		})
	}
	if err != nil {
		log.Error().Err(err).Int("line", rec.ID).Msg("failed to persist line record")
	}
}

func (e *Engine) emit(change models.Change) {
	if e.onChange != nil {
		e.onChange(change)
	}
}

func equalTimes(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
