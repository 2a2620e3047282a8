package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/linewatch/internal/models"
	"github.com/mcdev12/linewatch/internal/store"
)

// ErrInvalidSnapshot wraps every validation failure so callers can
// branch without matching message text
var ErrInvalidSnapshot = errors.New("backup: invalid snapshot")

const currentVersion = 1

// KillEvent is one historical kill, kept for statistics
type KillEvent struct {
	Line      int   `json:"line"`
	Timestamp int64 `json:"timestamp"` // epoch millis
}

// Snapshot is the backup file format. Unknown fields in imported files
// are ignored for forward compatibility; known fields are validated
// wholesale before any state is touched.
type Snapshot struct {
	Version    int               `json:"version"`
	Timestamp  int64             `json:"timestamp"` // epoch millis
	LineStates map[string]string `json:"lineStates"`
	KillTimes  map[string]int64  `json:"killTimes,omitempty"`
	KillEvents []KillEvent       `json:"killEvents,omitempty"`
	UserNotes  string            `json:"userNotes,omitempty"`
	Settings   map[string]any    `json:"settings,omitempty"`
}

// Export builds a snapshot from the store's current records
func Export(records map[int]store.Record, events []KillEvent, notes string, settings map[string]any, now time.Time) Snapshot {
	snap := Snapshot{
		Version:    currentVersion,
		Timestamp:  now.UnixMilli(),
		LineStates: make(map[string]string, len(records)),
		KillTimes:  make(map[string]int64),
		KillEvents: events,
		UserNotes:  notes,
		Settings:   settings,
	}

	ids := make([]int, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		rec := records[id]
		key := strconv.Itoa(id)
		snap.LineStates[key] = string(rec.State)
		if rec.KilledAt != nil {
			snap.KillTimes[key] = rec.KilledAt.UnixMilli()
		}
	}
	return snap
}

// Decode parses and validates a backup payload. The whole payload is
// rejected before any state mutation when it is malformed; ids outside
// the tracked range are dropped silently per the import contract.
func Decode(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if snap.Version < 1 {
		return Snapshot{}, fmt.Errorf("%w: missing or unsupported version %d", ErrInvalidSnapshot, snap.Version)
	}
	if snap.LineStates == nil {
		return Snapshot{}, fmt.Errorf("%w: missing lineStates", ErrInvalidSnapshot)
	}
	for key, state := range snap.LineStates {
		if !models.LineState(state).Valid() {
			return Snapshot{}, fmt.Errorf("%w: unknown state %q for line %s", ErrInvalidSnapshot, state, key)
		}
	}
	return snap, nil
}

// Records converts a validated snapshot into store records for lines
// 1..numLines. Ids outside that range, and keys that are not integers,
// are dropped with a log line rather than failing the import. A killed
// line without a recorded kill time degrades to killed-unknown, since a
// Killed record must carry its timestamp.
func (s Snapshot) Records(numLines int) map[int]store.Record {
	out := make(map[int]store.Record, len(s.LineStates))
	for key, stateStr := range s.LineStates {
		id, err := strconv.Atoi(key)
		if err != nil || id < 1 || id > numLines {
			log.Warn().Str("key", key).Msg("dropping snapshot entry outside line range")
			continue
		}

		state := models.LineState(stateStr)
		if state == models.LineAvailable {
			continue
		}

		rec := store.Record{State: state}
		if state == models.LineKilled {
			millis, ok := s.KillTimes[key]
			if !ok {
				log.Warn().Int("line", id).Msg("killed line missing kill time, importing as killed-unknown")
				rec.State = models.LineKilledUnknown
			} else {
				kt := time.UnixMilli(millis)
				rec.KilledAt = &kt
			}
		}
		out[id] = rec
	}
	return out
}
