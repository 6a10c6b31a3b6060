package room

import (
	"context"

	"game_server/session"
)

// The functions below are the host side of a room. Each one runs the room's
// hooks on its actor.

// Start binds base to r, starts the actor and runs OnCreate. A failed start
// leaves the room disposed.
func Start(ctx context.Context, r Room, options map[string]any) error {
	b := r.Base()
	b.self = r
	b.actor.Start()

	err := b.actor.SyncInvoke(ctx, func() error {
		return b.safe("OnCreate", func() error { return r.OnCreate(ctx, options) })
	})
	if err != nil {
		b.disposed.Store(true)
		b.actor.Stop()
		return err
	}
	return nil
}

// Join attaches p and returns the player stored in the room. It fails with
// ErrRoomFull, ErrRoomLocked, ErrRoomDisposed or the error returned by OnJoin.
// A player already inside keeps its place and moves to p's session; the
// session it replaced is closed.
func Join(ctx context.Context, r Room, p *Player, options map[string]any) (*Player, error) {
	b := r.Base()
	var (
		joined   *Player
		replaced session.Session
	)
	err := b.actor.SyncInvoke(ctx, func() error {
		var err error
		joined, replaced, err = b.attach(p, options)
		return err
	})
	if err != nil {
		return nil, err
	}
	if replaced != nil {
		_ = replaced.Close()
	}
	return joined, nil
}

// Leave detaches playerID. closing reports that the room emptied and must be
// disposed by the host.
func Leave(ctx context.Context, r Room, playerID, reason string) (p *Player, closing bool, err error) {
	b := r.Base()
	err = b.actor.SyncInvoke(ctx, func() error {
		p, closing = b.detach(playerID, reason)
		return nil
	})
	return p, closing, err
}

// LeaveSession is Leave for a closed connection: a player that already moved
// to another session stays, and p is nil.
func LeaveSession(ctx context.Context, r Room, playerID, sessionID, reason string) (p *Player, closing bool, err error) {
	b := r.Base()
	err = b.actor.SyncInvoke(ctx, func() error {
		if cur, ok := b.players.Get(playerID); ok && cur.Session != nil && cur.Session.ID() != sessionID {
			return nil
		}
		p, closing = b.detach(playerID, reason)
		return nil
	})
	return p, closing, err
}

// Dispatch queues an inbound message. Messages of one room are handled one at
// a time in arrival order.
func Dispatch(r Room, playerID, msgType string, data any) error {
	b := r.Base()
	return b.actor.Invoke(func() {
		b.dispatch(playerID, msgType, data)
	})
}

// Dispose removes every player, runs OnDispose and stops the actor.
// It returns the players that were still inside.
func Dispose(ctx context.Context, r Room) ([]*Player, error) {
	b := r.Base()
	var removed []*Player
	err := b.actor.SyncInvoke(ctx, func() error {
		b.disposed.Store(true)
		removed = b.players.Clear()
		for _, p := range removed {
			p := p
			_ = b.safe("OnLeave", func() error {
				r.OnLeave(p, ReasonDisposed)
				return nil
			})
		}
		_ = b.safe("OnDispose", func() error {
			r.OnDispose()
			return nil
		})
		b.actor.Stop()
		return nil
	})
	return removed, err
}

// Invoke runs fn on the room actor without waiting.
func Invoke(r Room, fn func()) error {
	return r.Base().actor.Invoke(fn)
}

// SyncInvoke runs fn on the room actor and waits for it.
func SyncInvoke(ctx context.Context, r Room, fn func() error) error {
	return r.Base().actor.SyncInvoke(ctx, fn)
}
