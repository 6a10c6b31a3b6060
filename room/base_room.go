package room

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"game_server/logger"
	"game_server/metrics"
	"game_server/ratelimit"
	"game_server/session"
	"game_server/transaction"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Callbacks connect a room to the manager hosting it. Rooms never touch the
// manager's registry directly.
type Callbacks struct {
	// Send delivers a frame to one player. Nil means SessionSend.
	Send func(p *Player, frame []byte) error
	// Dispose asks the host to dispose r. Called from the actor goroutine.
	Dispose func(r Room)
	// Kicked reports a player the room removed by itself. closing is set when
	// the room became empty and auto disposes.
	Kicked  func(r Room, p *Player, reason string, closing bool)
	Updated func(r Room)
}

// MessageHandler handles one inbound message on the room actor.
type MessageHandler func(p *Player, data any)

// WildcardMessage registers a handler for every type without its own handler.
const WildcardMessage = "*"

var ErrTransactionsDisabled = errors.New("transactions not enabled for this room type")

type BaseRoom struct {
	id        string
	def       *Definition
	createdAt time.Time
	self      Room
	actor     *Actor
	players   *Channel
	cb        Callbacks
	log       *zap.SugaredLogger

	locked   atomic.Bool
	disposed atomic.Bool

	hmu      sync.RWMutex
	handlers map[string]MessageHandler

	limiter *ratelimit.Limiter
}

func NewBaseRoom(id string, def *Definition, cb Callbacks, l *zap.Logger) (*BaseRoom, error) {
	b := &BaseRoom{
		id:        id,
		def:       def,
		createdAt: time.Now(),
		actor:     NewActor(),
		players:   NewChannel(),
		cb:        cb,
		log:       logger.OrDefault(l, "room").With("room", id, "type", def.Name),
		handlers:  make(map[string]MessageHandler),
	}
	if def.RateLimit != nil {
		limiter, err := ratelimit.NewLimiter(*def.RateLimit, def.RateLimitOpts...)
		if err != nil {
			return nil, errors.Wrapf(err, "rate limit of %s", def.Name)
		}
		b.limiter = limiter
	}
	return b, nil
}

func (b *BaseRoom) Base() *BaseRoom {
	return b
}

func (b *BaseRoom) OnCreate(context.Context, map[string]any) error { return nil }
func (b *BaseRoom) OnJoin(*Player, map[string]any) error           { return nil }
func (b *BaseRoom) OnLeave(*Player, string)                        {}
func (b *BaseRoom) OnDispose()                                     {}

func (b *BaseRoom) ID() string {
	return b.id
}

// Type is the name the room type was defined under
func (b *BaseRoom) Type() string {
	return b.def.Name
}

func (b *BaseRoom) Definition() *Definition {
	return b.def
}

func (b *BaseRoom) MaxPlayers() int {
	return b.def.MaxPlayers
}

func (b *BaseRoom) CreatedAt() time.Time {
	return b.createdAt
}

func (b *BaseRoom) Logger() *zap.SugaredLogger {
	return b.log
}

func (b *BaseRoom) Limiter() *ratelimit.Limiter {
	return b.limiter
}

func (b *BaseRoom) PlayerCount() int {
	return b.players.Len()
}

func (b *BaseRoom) Players() []*Player {
	return b.players.Players()
}

func (b *BaseRoom) Player(playerID string) (*Player, bool) {
	return b.players.Get(playerID)
}

func (b *BaseRoom) IsFull() bool {
	return b.def.MaxPlayers > 0 && b.players.Len() >= b.def.MaxPlayers
}

func (b *BaseRoom) Locked() bool {
	return b.locked.Load()
}

func (b *BaseRoom) Disposed() bool {
	return b.disposed.Load()
}

// Available reports whether a matchmaking search may place a player here.
func (b *BaseRoom) Available() bool {
	return !b.IsFull() && !b.Locked() && !b.Disposed()
}

// Lock closes the room to new players
func (b *BaseRoom) Lock() {
	if !b.locked.Swap(true) {
		b.updated()
	}
}

func (b *BaseRoom) Unlock() {
	if b.locked.Swap(false) {
		b.updated()
	}
}

func (b *BaseRoom) updated() {
	if b.cb.Updated != nil && b.self != nil {
		b.cb.Updated(b.self)
	}
}

// OnMessage registers h for msgType. Options only matter when the room type
// has a rate limit.
func (b *BaseRoom) OnMessage(msgType string, h MessageHandler, opts ...HandlerOption) {
	var hc handlerConfig
	for _, opt := range opts {
		opt(&hc)
	}

	b.hmu.Lock()
	b.handlers[msgType] = h
	b.hmu.Unlock()

	if b.limiter == nil {
		return
	}
	switch {
	case hc.noRateLimit:
		b.limiter.Exempt(msgType)
	case hc.rateLimit != nil:
		if err := b.limiter.Override(msgType, *hc.rateLimit); err != nil {
			b.log.Errorf("rate limit for %s ignored: %v", msgType, err)
		}
	}
}

func (b *BaseRoom) handler(msgType string) (MessageHandler, bool) {
	b.hmu.RLock()
	defer b.hmu.RUnlock()
	if h, ok := b.handlers[msgType]; ok {
		return h, true
	}
	h, ok := b.handlers[WildcardMessage]
	return h, ok
}

// Send delivers a message to one player of this room
func (b *BaseRoom) Send(playerID, msgType string, data any) error {
	p, ok := b.players.Get(playerID)
	if !ok {
		return ErrNotInRoom
	}
	return p.Send(msgType, data)
}

// Broadcast delivers a message to every player except the listed ids.
func (b *BaseRoom) Broadcast(msgType string, data any, except ...string) error {
	frame, err := Encode(msgType, data)
	if err != nil {
		return err
	}
	if failed := b.players.Broadcast(frame, except...); failed > 0 {
		b.log.Debugf("broadcast %s: %d sends failed", msgType, failed)
	}
	return nil
}

// Kick removes a player and closes its session. Call it from room code only,
// it runs on the actor.
func (b *BaseRoom) Kick(playerID, reason string) bool {
	p, closing := b.detach(playerID, reason)
	if p == nil {
		return false
	}
	if b.cb.Kicked != nil {
		b.cb.Kicked(b.self, p, reason, closing)
	}
	if p.Session != nil {
		_ = p.Session.Close()
	}
	return true
}

// Dispose asks the host to tear the room down.
func (b *BaseRoom) Dispose() {
	if b.cb.Dispose != nil {
		b.cb.Dispose(b.self)
	}
}

// RunTransaction runs a saga with the room type's transaction manager.
func (b *BaseRoom) RunTransaction(ctx context.Context, build func(tx *transaction.Context) error) transaction.Result {
	if b.def.Transactions == nil {
		return transaction.Result{
			State:     transaction.StateFailed,
			Error:     ErrTransactionsDisabled.Error(),
			ErrorCode: transaction.CodeValidationFailed,
		}
	}
	return b.def.Transactions.Run(ctx, build)
}

func (b *BaseRoom) attach(p *Player, options map[string]any) (*Player, session.Session, error) {
	if b.Disposed() {
		return nil, nil, ErrRoomDisposed
	}
	if cur, ok := b.players.Get(p.ID); ok {
		return cur, b.rebind(cur, p.Session), nil
	}
	switch {
	case b.Locked():
		return nil, nil, ErrRoomLocked
	case b.IsFull():
		return nil, nil, ErrRoomFull
	}

	p.RoomID = b.id
	p.JoinedAt = time.Now()
	p.send = b.cb.Send
	b.players.Add(p)

	if err := b.safe("OnJoin", func() error { return b.self.OnJoin(p, options) }); err != nil {
		b.players.Remove(p.ID)
		p.RoomID = ""
		return nil, nil, err
	}
	return p, nil, nil
}

// rebind moves p to sess and returns the session it replaced. Nothing changes
// for a nil or identical session.
func (b *BaseRoom) rebind(p *Player, sess session.Session) session.Session {
	old := p.Session
	if sess == nil || (old != nil && old.ID() == sess.ID()) {
		return nil
	}
	p.Session = sess
	b.log.Infof("player %s moved to session %s", p.ID, sess.ID())
	return old
}

// detach removes playerID. closing is set when the room became empty and
// auto disposes: from then on it rejects joins.
func (b *BaseRoom) detach(playerID, reason string) (*Player, bool) {
	p, ok := b.players.Remove(playerID)
	if !ok {
		return nil, false
	}
	if b.limiter != nil {
		b.limiter.Reset(b.limiter.Key(playerID))
	}
	_ = b.safe("OnLeave", func() error {
		b.self.OnLeave(p, reason)
		return nil
	})
	closing := b.def.AutoDispose && b.players.Len() == 0
	if closing {
		b.disposed.Store(true)
	}
	return p, closing
}

func (b *BaseRoom) dispatch(playerID, msgType string, data any) {
	p, ok := b.players.Get(playerID)
	if !ok {
		return
	}

	if b.limiter != nil {
		d := b.limiter.Check(b.limiter.Key(playerID), msgType)
		if !d.Allowed {
			b.limited(p, msgType, d)
			return
		}
	}

	h, ok := b.handler(msgType)
	if !ok {
		b.log.Debugf("no handler for %s from %s", msgType, playerID)
		return
	}
	_ = b.safe("message "+msgType, func() error {
		h(p, data)
		return nil
	})
}

func (b *BaseRoom) limited(p *Player, msgType string, d ratelimit.Decision) {
	metrics.RateLimited.WithLabelValues(b.def.Name, msgType).Inc()
	cfg := b.limiter.Config()
	if cfg.OnLimited != nil {
		cfg.OnLimited(b.limiter.Key(p.ID), msgType, d.Result)
	} else {
		_ = p.Send("error", map[string]any{
			"code":       "RATE_LIMITED",
			"retryAfter": d.RetryAfter.Milliseconds(),
		})
	}
	if d.Disconnect {
		b.log.Infof("kicking %s after %d rate limited messages", p.ID, d.Consecutive)
		b.Kick(p.ID, ReasonRateLimit)
	}
}

// safe runs a hook and turns a panic into an error.
func (b *BaseRoom) safe(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorf("%s panic: %v", name, r)
			err = fmt.Errorf("%s panic: %v", name, r)
		}
	}()
	return fn()
}
