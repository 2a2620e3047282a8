package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mcdev12/linewatch/internal/models"
)

// canonicalKey is the single supported key scheme. Two earlier formats
// ("line_<id>_state" and "line-<id>") drifted apart in old snapshots and
// are accepted read-only so they can be migrated once.
func canonicalKey(id int) string {
	return "line:" + strconv.Itoa(id)
}

// parseKey extracts a line id from a snapshot key. legacy is true when
// the key used one of the retired formats.
func parseKey(key string) (id int, legacy bool, ok bool) {
	if rest, found := strings.CutPrefix(key, "line:"); found {
		id, err := strconv.Atoi(rest)
		return id, false, err == nil
	}
	if rest, found := strings.CutPrefix(key, "line_"); found {
		rest, found = strings.CutSuffix(rest, "_state")
		if !found {
			return 0, false, false
		}
		id, err := strconv.Atoi(rest)
		return id, true, err == nil
	}
	if rest, found := strings.CutPrefix(key, "line-"); found {
		id, err := strconv.Atoi(rest)
		return id, true, err == nil
	}
	return 0, false, false
}

// parseRecord decodes a stored value. Legacy snapshots stored a bare
// state string for "line_<id>_state" keys; current snapshots store a
// full record object. Unknown object fields are ignored for forward
// compatibility.
func parseRecord(raw json.RawMessage) (Record, error) {
	var state models.LineState
	if err := json.Unmarshal(raw, &state); err == nil {
		if !state.Valid() {
			return Record{}, fmt.Errorf("unknown line state %q", state)
		}
		if state == models.LineKilled {
			// A bare state string carries no kill time, so the countdown
			// cannot be reconstructed.
			state = models.LineKilledUnknown
		}
		return Record{State: state}, nil
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, err
	}
	if !rec.State.Valid() {
		return Record{}, fmt.Errorf("unknown line state %q", rec.State)
	}
	if rec.State != models.LineKilled {
		rec.KilledAt = nil
	}
	return rec, nil
}
