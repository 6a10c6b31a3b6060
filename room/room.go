package room

import (
	"context"
	"errors"
)

var (
	ErrRoomFull     = errors.New("room is full")
	ErrRoomLocked   = errors.New("room is locked")
	ErrRoomDisposed = errors.New("room is disposed")
	ErrNotInRoom    = errors.New("player is not in this room")
)

// Room is what a room type implements. Embed *BaseRoom to get the state and
// no-op hooks, then override the hooks the game needs.
// Every hook runs on the room's actor goroutine.
type Room interface {
	Base() *BaseRoom
	OnCreate(ctx context.Context, options map[string]any) error
	// OnJoin runs after the player was added. An error rejects the join.
	OnJoin(p *Player, options map[string]any) error
	OnLeave(p *Player, reason string)
	OnDispose()
}

// Factory wraps a fresh BaseRoom into the room type's value.
type Factory func(base *BaseRoom) Room

// Observer receives room lifecycle notifications from the hosting manager.
type Observer interface {
	OnRoomCreated(r Room)
	OnRoomDisposed(r Room)
	OnRoomUpdated(r Room)
	OnPlayerJoined(r Room, p *Player)
	OnPlayerLeft(r Room, p *Player, reason string)
}

// NopObserver implements Observer with no-ops for embedding.
type NopObserver struct{}

func (NopObserver) OnRoomCreated(Room)                 {}
func (NopObserver) OnRoomDisposed(Room)                {}
func (NopObserver) OnRoomUpdated(Room)                 {}
func (NopObserver) OnPlayerJoined(Room, *Player)       {}
func (NopObserver) OnPlayerLeft(Room, *Player, string) {}

// Leave reasons set by the framework
const (
	ReasonLeave      = "leave"
	ReasonSwitchRoom = "switch_room"
	ReasonRateLimit  = "rate_limit"
	ReasonDisposed   = "room_disposed"
	ReasonDisconnect = "disconnect"
	ReasonKicked     = "kicked"
)
