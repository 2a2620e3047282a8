package backup

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/linewatch/internal/models"
	"github.com/mcdev12/linewatch/internal/store"
)

func TestExportDecodeRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 30, 15, 0, 0, 0, time.UTC)
	killedAt := now.Add(-2 * time.Hour)

	records := map[int]store.Record{
		7:  {State: models.LineKilled, KilledAt: &killedAt, ModifiedBy: "u1"},
		12: {State: models.LineKilledUnknown},
		20: {State: models.LineRefreshed},
	}
	events := []KillEvent{{Line: 7, Timestamp: killedAt.UnixMilli()}}

	snap := Export(records, events, "camp 7 tonight", map[string]any{"durationMode": "normal"}, now)
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 1, decoded.Version)
	assert.Equal(t, now.UnixMilli(), decoded.Timestamp)
	assert.Equal(t, "killed", decoded.LineStates["7"])
	assert.Equal(t, "killed-unknown", decoded.LineStates["12"])
	assert.Equal(t, "refreshed", decoded.LineStates["20"])
	assert.Equal(t, killedAt.UnixMilli(), decoded.KillTimes["7"])
	assert.Equal(t, events, decoded.KillEvents)
	assert.Equal(t, "camp 7 tonight", decoded.UserNotes)

	back := decoded.Records(400)
	require.Len(t, back, 3)
	assert.Equal(t, models.LineKilled, back[7].State)
	require.NotNil(t, back[7].KilledAt)
	assert.Equal(t, killedAt.UnixMilli(), back[7].KilledAt.UnixMilli())
	assert.Nil(t, back[12].KilledAt)
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"version": `,
		"missing version": `{"lineStates": {"1": "killed-unknown"}}`,
		"missing states":  `{"version": 1}`,
		"unknown state":   `{"version": 1, "lineStates": {"1": "exploded"}}`,
	}
	for name, payload := range cases {
		_, err := Decode([]byte(payload))
		assert.ErrorIs(t, err, ErrInvalidSnapshot, name)
	}
}

func TestRecordsDropsEntriesOutsideRange(t *testing.T) {
	snap := Snapshot{
		Version: 1,
		LineStates: map[string]string{
			"0":     "killed-unknown",
			"401":   "killed-unknown",
			"seven": "killed-unknown",
			"5":     "killed-unknown",
		},
	}
	records := snap.Records(400)
	require.Len(t, records, 1)
	assert.Equal(t, models.LineKilledUnknown, records[5].State)
}

func TestRecordsSkipsAvailableLines(t *testing.T) {
	snap := Snapshot{
		Version: 1,
		LineStates: map[string]string{
			"1": "available",
			"2": "refreshed",
		},
	}
	records := snap.Records(400)
	require.Len(t, records, 1)
	assert.Equal(t, models.LineRefreshed, records[2].State)
}

func TestRecordsDegradesKilledWithoutKillTime(t *testing.T) {
	snap := Snapshot{
		Version:    1,
		LineStates: map[string]string{"3": "killed"},
	}
	records := snap.Records(400)
	require.Len(t, records, 1)
	assert.Equal(t, models.LineKilledUnknown, records[3].State)
	assert.Nil(t, records[3].KilledAt)
}

func TestRecordsPreservesKillTimestamp(t *testing.T) {
	killedAt := time.Date(2026, 8, 30, 4, 0, 0, 0, time.UTC)
	snap := Snapshot{
		Version:    1,
		LineStates: map[string]string{"9": "killed"},
		KillTimes:  map[string]int64{"9": killedAt.UnixMilli()},
	}
	records := snap.Records(400)
	require.Len(t, records, 1)
	require.NotNil(t, records[9].KilledAt)
	assert.True(t, records[9].KilledAt.Equal(killedAt))
}
