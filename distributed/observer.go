package distributed

import (
	"context"
	"errors"
	"time"

	"game_server/cluster"
	"game_server/room"
)

const _ADAPTER_TIMEOUT = 3 * time.Second

// observer mirrors local room lifecycle into the adapter. While the node is
// isolated nothing is written; Heartbeat re-registers every room on recovery.
type observer struct {
	m *Manager
}

func (o *observer) active() bool {
	return o.m.running.Load() && !o.m.isolated.Load()
}

func (o *observer) OnRoomCreated(r room.Room) {
	if !o.active() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), _ADAPTER_TIMEOUT)
	defer cancel()
	reg := registration(r, o.m.cfg.ServerID)
	if err := o.m.adapter.RegisterRoom(ctx, reg); err != nil {
		o.m.isolate(err)
		return
	}
	o.m.publish(ctx, cluster.Event{Type: cluster.EventRoomCreated, RoomID: reg.RoomID, Room: &reg})
}

func (o *observer) OnRoomDisposed(r room.Room) {
	if !o.active() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), _ADAPTER_TIMEOUT)
	defer cancel()
	id := r.Base().ID()
	if err := o.m.adapter.UnregisterRoom(ctx, id); err != nil {
		o.m.isolate(err)
		return
	}
	o.m.publish(ctx, cluster.Event{Type: cluster.EventRoomDisposed, RoomID: id})
}

func (o *observer) OnRoomUpdated(r room.Room) {
	o.update(r)
}

func (o *observer) OnPlayerJoined(r room.Room, p *room.Player) {
	if !o.update(r) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), _ADAPTER_TIMEOUT)
	defer cancel()
	o.m.publish(ctx, cluster.Event{Type: cluster.EventPlayerJoined, RoomID: r.Base().ID(), PlayerID: p.ID})
}

func (o *observer) OnPlayerLeft(r room.Room, _ *room.Player, _ string) {
	if r.Base().Disposed() {
		return
	}
	o.update(r)
}

func (o *observer) update(r room.Room) bool {
	if !o.active() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), _ADAPTER_TIMEOUT)
	defer cancel()
	reg := registration(r, o.m.cfg.ServerID)
	err := o.m.adapter.UpdateRoom(ctx, reg)
	if errors.Is(err, cluster.ErrRoomNotFound) {
		// disposed concurrently
		return false
	}
	if err != nil {
		o.m.isolate(err)
		return false
	}
	o.m.publish(ctx, cluster.Event{Type: cluster.EventRoomUpdated, RoomID: reg.RoomID, Room: &reg})
	return true
}

func registration(r room.Room, serverID string) cluster.RoomRegistration {
	b := r.Base()
	return cluster.RoomRegistration{
		RoomID:      b.ID(),
		RoomType:    b.Type(),
		ServerID:    serverID,
		PlayerCount: b.PlayerCount(),
		MaxPlayers:  b.MaxPlayers(),
		Locked:      b.Locked(),
		Metadata:    b.Definition().Metadata,
		CreatedAt:   b.CreatedAt(),
	}
}
