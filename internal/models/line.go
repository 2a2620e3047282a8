package models

import (
	"time"
)

// LineState represents the lifecycle state of a tracked spawn line
type LineState string

const (
	LineAvailable     LineState = "available"
	LineKilled        LineState = "killed"
	LineKilledUnknown LineState = "killed-unknown"
	LineRefreshed     LineState = "refreshed"
)

// Valid reports whether s is one of the four known line states
func (s LineState) Valid() bool {
	switch s {
	case LineAvailable, LineKilled, LineKilledUnknown, LineRefreshed:
		return true
	}
	return false
}

// LineRecord is the tracked state of a single spawn line.
// KilledAt is set if and only if State is LineKilled; the killed-unknown
// state never carries a timestamp.
type LineRecord struct {
	ID             int        `json:"id"`
	State          LineState  `json:"state"`
	KilledAt       *time.Time `json:"killed_at,omitempty"`
	LastModifiedBy string     `json:"last_modified_by,omitempty"`
}

// ChangeOrigin marks where a line change entered this process. Changes
// delivered by the cross-instance relay are OriginRemote and must never
// be published back to the relay.
type ChangeOrigin int

const (
	OriginLocal ChangeOrigin = iota
	OriginRemote
)

// Change is emitted for every accepted line transition. SentAt orders
// concurrent changes across clients: the highest SentAt wins, and an
// equal SentAt favors the state already applied locally.
type Change struct {
	LineID    int          `json:"line_id"`
	NewState  LineState    `json:"new_state"`
	KilledAt  *time.Time   `json:"killed_at,omitempty"`
	ActorID   string       `json:"actor_id"`
	ActorName string       `json:"actor_name,omitempty"`
	SentAt    time.Time    `json:"sent_at"`
	Origin    ChangeOrigin `json:"-"`
}
