package models

import (
	"time"
)

// RoomRole distinguishes the participant whose departure closes the room
type RoomRole string

const (
	RoleHost   RoomRole = "host"
	RoleMember RoomRole = "member"
)

// Room is the durable record of a collaboration room
type Room struct {
	ID           string    `json:"id"`
	HostID       string    `json:"host_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	IsActive     bool      `json:"is_active"`
}

// Participant is one member of a room
type Participant struct {
	UserID   string    `json:"user_id"`
	UserName string    `json:"user_name"`
	Color    string    `json:"user_color"`
	IsHost   bool      `json:"is_host"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// RoomSession is a client's membership in a room. A client holds at most
// one session at a time; leaving clears it entirely.
type RoomSession struct {
	RoomID   string   `json:"room_id"`
	Role     RoomRole `json:"role"`
	UserID   string   `json:"user_id"`
	UserName string   `json:"user_name"`
	Color    string   `json:"user_color"`
}
