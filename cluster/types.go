// Package cluster holds the data shared between nodes and the Adapter
// contract that stores it.
package cluster

import (
	"time"
)

type ServerStatus string

const (
	StatusOnline   ServerStatus = "online"
	StatusOffline  ServerStatus = "offline"
	StatusDraining ServerStatus = "draining"
)

// ServerRegistration is one node as the rest of the cluster sees it.
type ServerRegistration struct {
	ServerID      string            `json:"server_id" msgpack:"server_id"`
	Address       string            `json:"address" msgpack:"address"`
	Port          int               `json:"port" msgpack:"port"`
	Status        ServerStatus      `json:"status" msgpack:"status"`
	RoomCount     int               `json:"room_count" msgpack:"room_count"`
	PlayerCount   int               `json:"player_count" msgpack:"player_count"`
	Capacity      int               `json:"capacity" msgpack:"capacity"`
	CPUPercent    float64           `json:"cpu_percent" msgpack:"cpu_percent"`
	LastHeartbeat time.Time         `json:"last_heartbeat" msgpack:"last_heartbeat"`
	Metadata      map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// Eligible reports whether the server may receive a new room.
func (s ServerRegistration) Eligible() bool {
	return s.Status == StatusOnline && s.RoomCount < s.Capacity
}

// Load is RoomCount / Capacity, 1 for servers without capacity.
func (s ServerRegistration) Load() float64 {
	if s.Capacity <= 0 {
		return 1
	}
	return float64(s.RoomCount) / float64(s.Capacity)
}

// RoomRegistration is the cluster visible snapshot of a room.
type RoomRegistration struct {
	RoomID      string         `json:"room_id" msgpack:"room_id"`
	RoomType    string         `json:"room_type" msgpack:"room_type"`
	ServerID    string         `json:"server_id" msgpack:"server_id"`
	PlayerCount int            `json:"player_count" msgpack:"player_count"`
	MaxPlayers  int            `json:"max_players" msgpack:"max_players"`
	Locked      bool           `json:"locked" msgpack:"locked"`
	Metadata    map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at" msgpack:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" msgpack:"updated_at"`
}

// Available reports whether another player fits in the room
func (r RoomRegistration) Available() bool {
	if r.Locked {
		return false
	}
	return r.MaxPlayers <= 0 || r.PlayerCount < r.MaxPlayers
}

// RoomQuery filters rooms. Zero fields match everything.
type RoomQuery struct {
	RoomType        string
	ServerID        string
	ExcludeServerID string
	OnlyAvailable   bool
}

func (q RoomQuery) Match(r RoomRegistration) bool {
	switch {
	case q.RoomType != "" && r.RoomType != q.RoomType:
		return false
	case q.ServerID != "" && r.ServerID != q.ServerID:
		return false
	case q.ExcludeServerID != "" && r.ServerID == q.ExcludeServerID:
		return false
	case q.OnlyAvailable && !r.Available():
		return false
	}
	return true
}

// HeartbeatInfo is what a node reports on every heartbeat
type HeartbeatInfo struct {
	RoomCount   int
	PlayerCount int
	CPUPercent  float64
}

type EventType string

const (
	EventServerOnline  EventType = "server_online"
	EventServerOffline EventType = "server_offline"
	EventRoomCreated   EventType = "room_created"
	EventRoomDisposed  EventType = "room_disposed"
	EventRoomUpdated   EventType = "room_updated"
	// EventPlayerJoined tells other nodes to drop older sessions of the player.
	EventPlayerJoined EventType = "player_joined"
)

type Event struct {
	Type      EventType           `json:"type" msgpack:"type"`
	ServerID  string              `json:"server_id" msgpack:"server_id"`
	RoomID    string              `json:"room_id,omitempty" msgpack:"room_id,omitempty"`
	PlayerID  string              `json:"player_id,omitempty" msgpack:"player_id,omitempty"`
	Server    *ServerRegistration `json:"server,omitempty" msgpack:"server,omitempty"`
	Room      *RoomRegistration   `json:"room,omitempty" msgpack:"room,omitempty"`
	Timestamp time.Time           `json:"timestamp" msgpack:"timestamp"`
}
