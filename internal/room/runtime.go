package room

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/linewatch/internal/backup"
	"github.com/mcdev12/linewatch/internal/line"
	"github.com/mcdev12/linewatch/internal/models"
	"github.com/mcdev12/linewatch/internal/store"
)

// maxKillEvents caps the in-memory kill history kept for exports
const maxKillEvents = 1000

// RuntimeConfig holds everything needed to spin up a room's tracker
type RuntimeConfig struct {
	DataDir       string
	NumLines      int
	Clock         clockwork.Clock
	Duration      func() time.Duration
	ChangeHandler func(roomID string) func(models.Change)
	TickHandler   func(roomID string) func(lineID int, remaining time.Duration)
}

// Runtime is one room's live tracker: its line engine, scheduler, and
// persistent store, plus the kill history kept for backup exports.
type Runtime struct {
	RoomID string
	Engine *line.Engine
	Store  *store.Store

	cancel context.CancelFunc

	mu         sync.Mutex
	killEvents []backup.KillEvent
	notes      string
}

// Registry owns the runtimes for every room this instance hosts
type Registry struct {
	cfg RuntimeConfig
	ctx context.Context

	mu    sync.Mutex
	rooms map[string]*Runtime
}

// NewRegistry creates a registry whose runtimes live until ctx is
// cancelled or the room is closed.
func NewRegistry(ctx context.Context, cfg RuntimeConfig) *Registry {
	return &Registry{
		cfg:   cfg,
		ctx:   ctx,
		rooms: make(map[string]*Runtime),
	}
}

// Get returns the runtime for a room if this instance hosts it
func (r *Registry) Get(roomID string) (*Runtime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.rooms[roomID]
	return rt, ok
}

// GetOrCreate returns the runtime for a room, opening its store and
// starting its engine on first use. Restored killed lines re-arm their
// timers immediately.
func (r *Registry) GetOrCreate(roomID string) (*Runtime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rt, ok := r.rooms[roomID]; ok {
		return rt, nil
	}

	st, err := store.Open(filepath.Join(r.cfg.DataDir, "room-"+roomID+".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store for room %s: %w", roomID, err)
	}

	rt := &Runtime{RoomID: roomID, Store: st}

	onChange := r.cfg.ChangeHandler(roomID)
	rt.Engine = line.NewEngine(
		r.cfg.NumLines,
		st,
		r.cfg.Clock,
		r.cfg.Duration,
		func(c models.Change) {
			rt.recordKill(c)
			onChange(c)
		},
		r.cfg.TickHandler(roomID),
	)

	ctx, cancel := context.WithCancel(r.ctx)
	rt.cancel = cancel
	rt.Engine.Start(ctx)

	r.rooms[roomID] = rt
	log.Info().Str("room_id", roomID).Int("lines", r.cfg.NumLines).Msg("room runtime started")
	return rt, nil
}

// Close stops a room's runtime and drops it from the registry
func (r *Registry) Close(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rt, ok := r.rooms[roomID]; ok {
		rt.cancel()
		delete(r.rooms, roomID)
		log.Info().Str("room_id", roomID).Msg("room runtime stopped")
	}
}

func (rt *Runtime) recordKill(c models.Change) {
	if c.NewState != models.LineKilled || c.KilledAt == nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.killEvents = append(rt.killEvents, backup.KillEvent{
		Line:      c.LineID,
		Timestamp: c.KilledAt.UnixMilli(),
	})
	if len(rt.killEvents) > maxKillEvents {
		rt.killEvents = rt.killEvents[len(rt.killEvents)-maxKillEvents:]
	}
}

// KillEvents returns a copy of the recorded kill history
func (rt *Runtime) KillEvents() []backup.KillEvent {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]backup.KillEvent, len(rt.killEvents))
	copy(out, rt.killEvents)
	return out
}

// Export builds a backup snapshot of the room's current state
func (rt *Runtime) Export(now time.Time, settings map[string]any) backup.Snapshot {
	rt.mu.Lock()
	notes := rt.notes
	rt.mu.Unlock()
	return backup.Export(rt.Store.ExportAll(), rt.KillEvents(), notes, settings, now)
}

// Import validates a backup payload wholesale and applies it to the
// room. Nothing changes when validation fails. Killed lines re-arm
// against their imported kill times; lines already past their deadline
// refresh immediately.
func (rt *Runtime) Import(data []byte, actorID, actorName string) error {
	snap, err := backup.Decode(data)
	if err != nil {
		return err
	}

	records := snap.Records(rt.Engine.NumLines())
	if err := rt.Engine.ImportRecords(records, actorID, actorName); err != nil {
		return err
	}

	rt.mu.Lock()
	rt.killEvents = append([]backup.KillEvent(nil), snap.KillEvents...)
	if len(rt.killEvents) > maxKillEvents {
		rt.killEvents = rt.killEvents[len(rt.killEvents)-maxKillEvents:]
	}
	rt.notes = snap.UserNotes
	rt.mu.Unlock()

	return nil
}
