package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"game_server/logger"
	"game_server/metrics"
	"game_server/room"
	"game_server/session"

	"github.com/go-co-op/gocron"
	pkgerrors "github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

var (
	ErrRoomTypeNotDefined = errors.New("room type not defined")
	ErrRoomNotFound       = errors.New("room not found")
	ErrClosed             = errors.New("room manager closed")
)

const (
	_DEFAULT_CLEANUP_INTERVAL = time.Minute
	// a room picked by the search may fill up before the player lands in it
	_MAX_JOIN_ATTEMPTS = 8
	_CLEANUP_TAG       = "ratelimit-cleanup"
)

type Config struct {
	Logger *zap.Logger
	// CleanupInterval is the period of the rate limiter cleanup job.
	CleanupInterval time.Duration
	// RoomIDPrefix keeps room ids unique when several managers share a cluster.
	RoomIDPrefix string
}

// JoinResult is the room and player a successful join produced
type JoinResult struct {
	Room   room.Room
	Player *room.Player
}

type Stats struct {
	Rooms       int
	Players     int
	Definitions int
	RoomsByType map[string]int
}

// RoomManager is the single process authority over room types, rooms and
// the player to room mapping.
type RoomManager struct {
	cfg Config
	log *zap.SugaredLogger

	mu          sync.RWMutex
	definitions map[string]*room.Definition
	rooms       map[string]room.Room
	order       []string
	playerRoom  map[string]string

	nextID    atomic.Uint64
	closed    atomic.Bool
	scheduler *gocron.Scheduler

	omu       sync.RWMutex
	observers []room.Observer
}

func NewRoomManager(cfg Config) *RoomManager {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = _DEFAULT_CLEANUP_INTERVAL
	}
	m := &RoomManager{
		cfg:         cfg,
		log:         logger.OrDefault(cfg.Logger, "rooms"),
		definitions: make(map[string]*room.Definition),
		rooms:       make(map[string]room.Room),
		playerRoom:  make(map[string]string),
		scheduler:   gocron.NewScheduler(time.UTC),
	}
	if _, err := m.scheduler.Every(cfg.CleanupInterval).WaitForSchedule().Tag(_CLEANUP_TAG).Do(m.cleanupRateLimits); err != nil {
		m.log.Errorf("schedule rate limit cleanup: %v", err)
	}
	m.scheduler.StartAsync()
	return m
}

// Define registers a room type. Defining a name again replaces the old definition.
func (m *RoomManager) Define(name string, factory room.Factory, opts ...room.DefineOption) *room.Definition {
	def := room.NewDefinition(name, factory, opts...)
	m.mu.Lock()
	_, replaced := m.definitions[name]
	m.definitions[name] = def
	m.mu.Unlock()
	if replaced {
		m.log.Debugf("room type %s redefined", name)
	}
	return def
}

func (m *RoomManager) Definition(name string) (*room.Definition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[name]
	return def, ok
}

// AddObserver subscribes o to room lifecycle events of this manager.
func (m *RoomManager) AddObserver(o room.Observer) {
	m.omu.Lock()
	m.observers = append(m.observers, o)
	m.omu.Unlock()
}

func (m *RoomManager) notify(fn func(o room.Observer)) {
	m.omu.RLock()
	observers := m.observers
	m.omu.RUnlock()
	for _, o := range observers {
		fn(o)
	}
}

// Create builds a room of type name and runs its OnCreate hook.
func (m *RoomManager) Create(ctx context.Context, name string, options map[string]any) (room.Room, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	def, ok := m.Definition(name)
	if !ok {
		m.log.Warnf("create: room type %s not defined", name)
		return nil, ErrRoomTypeNotDefined
	}

	id := fmt.Sprintf("%sroom_%d", m.cfg.RoomIDPrefix, m.nextID.Add(1))
	base, err := room.NewBaseRoom(id, def, m.callbacks(), m.cfg.Logger)
	if err != nil {
		return nil, err
	}
	var r room.Room = base
	if def.Factory != nil {
		r = def.Factory(base)
	}
	if err := room.Start(ctx, r, options); err != nil {
		return nil, pkgerrors.Wrapf(err, "create %s", name)
	}

	m.mu.Lock()
	m.rooms[id] = r
	m.order = append(m.order, id)
	m.mu.Unlock()

	if def.MaxLifetime > 0 {
		_, err := m.scheduler.Every(def.MaxLifetime).WaitForSchedule().LimitRunsTo(1).Tag(lifetimeTag(id)).Do(m.expire, id)
		if err != nil {
			m.log.Errorf("schedule lifetime of %s: %v", id, err)
		}
	}

	metrics.RoomsActive.WithLabelValues(name).Inc()
	m.log.Infof("room %s (%s) created", id, name)
	m.notify(func(o room.Observer) { o.OnRoomCreated(r) })
	return r, nil
}

// JoinOrCreate places the player in the first available room of type name,
// creating one when none is available.
func (m *RoomManager) JoinOrCreate(ctx context.Context, name, playerID string, sess session.Session, options map[string]any) (*JoinResult, error) {
	if _, ok := m.Definition(name); !ok {
		m.log.Warnf("join: room type %s not defined", name)
		return nil, ErrRoomTypeNotDefined
	}
	if cur, ok := m.GetPlayerRoom(playerID); ok && cur.Base().Type() == name {
		if res, err := m.join(ctx, cur, playerID, sess, options); err == nil {
			return res, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < _MAX_JOIN_ATTEMPTS; attempt++ {
		r, ok := m.FindAvailable(name)
		if !ok {
			var err error
			if r, err = m.Create(ctx, name, options); err != nil {
				return nil, err
			}
		}
		res, err := m.join(ctx, r, playerID, sess, options)
		if err == nil || !retryable(err) {
			return res, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// JoinByID joins a known room directly
func (m *RoomManager) JoinByID(ctx context.Context, roomID, playerID string, sess session.Session) (*JoinResult, error) {
	r, ok := m.GetRoom(roomID)
	if !ok {
		return nil, ErrRoomNotFound
	}
	return m.join(ctx, r, playerID, sess, nil)
}

func retryable(err error) bool {
	return errors.Is(err, room.ErrRoomFull) || errors.Is(err, room.ErrRoomLocked) || errors.Is(err, room.ErrRoomDisposed)
}

func (m *RoomManager) join(ctx context.Context, r room.Room, playerID string, sess session.Session, options map[string]any) (*JoinResult, error) {
	id := r.Base().ID()

	m.mu.RLock()
	prevID, hadRoom := m.playerRoom[playerID]
	prev := m.rooms[prevID]
	m.mu.RUnlock()

	p, err := room.Join(ctx, r, room.NewPlayer(playerID, sess), options)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		sess.SetPlayerID(playerID)
	}
	if hadRoom && prevID == id {
		// rejoin, possibly from a new connection
		return &JoinResult{Room: r, Player: p}, nil
	}

	m.mu.Lock()
	m.playerRoom[playerID] = id
	m.mu.Unlock()
	metrics.PlayersActive.Inc()
	m.notify(func(o room.Observer) { o.OnPlayerJoined(r, p) })

	if hadRoom && prevID != id && prev != nil {
		if err := m.leaveRoom(ctx, prev, playerID, room.ReasonSwitchRoom); err != nil {
			m.log.Warnf("%s left %s: %v", playerID, prevID, err)
		}
	}
	return &JoinResult{Room: r, Player: p}, nil
}

// Leave detaches the player from its room. It is a no-op for players without a room.
func (m *RoomManager) Leave(ctx context.Context, playerID, reason string) error {
	m.mu.Lock()
	id, ok := m.playerRoom[playerID]
	if ok {
		delete(m.playerRoom, playerID)
	}
	r := m.rooms[id]
	m.mu.Unlock()

	if !ok || r == nil {
		return nil
	}
	return m.leaveRoom(ctx, r, playerID, reason)
}

func (m *RoomManager) leaveRoom(ctx context.Context, r room.Room, playerID, reason string) error {
	p, closing, err := room.Leave(ctx, r, playerID, reason)
	return m.left(ctx, r, p, closing, reason, err)
}

// Disconnect handles a closed connection. The player leaves its room with
// reason "disconnect" unless it already moved to another session.
func (m *RoomManager) Disconnect(ctx context.Context, playerID, sessionID string) error {
	r, ok := m.GetPlayerRoom(playerID)
	if !ok {
		return nil
	}
	p, closing, err := room.LeaveSession(ctx, r, playerID, sessionID, room.ReasonDisconnect)
	if err == nil && p != nil {
		m.mu.Lock()
		if m.playerRoom[playerID] == r.Base().ID() {
			delete(m.playerRoom, playerID)
		}
		m.mu.Unlock()
	}
	return m.left(ctx, r, p, closing, room.ReasonDisconnect, err)
}

func (m *RoomManager) left(ctx context.Context, r room.Room, p *room.Player, closing bool, reason string, err error) error {
	if errors.Is(err, room.ErrRoomDisposed) {
		return nil
	}
	if err != nil {
		return err
	}
	if p != nil {
		metrics.PlayersActive.Dec()
		m.notify(func(o room.Observer) { o.OnPlayerLeft(r, p, reason) })
	}
	if closing {
		return m.Dispose(ctx, r.Base().ID())
	}
	return nil
}

// Kick removes the player from its room and closes its session.
func (m *RoomManager) Kick(ctx context.Context, playerID, reason string) bool {
	r, ok := m.GetPlayerRoom(playerID)
	if !ok {
		return false
	}
	kicked := false
	err := room.SyncInvoke(ctx, r, func() error {
		kicked = r.Base().Kick(playerID, reason)
		return nil
	})
	if err != nil {
		m.log.Debugf("kick %s: %v", playerID, err)
	}
	return kicked
}

// HandleMessage queues an inbound message on the player's room. Messages of
// players without a room are dropped.
func (m *RoomManager) HandleMessage(playerID, msgType string, data any) {
	r, ok := m.GetPlayerRoom(playerID)
	if !ok {
		return
	}
	if err := room.Dispatch(r, playerID, msgType, data); err != nil {
		m.log.Debugf("drop %s from %s: %v", msgType, playerID, err)
	}
}

// Dispose tears a room down and forgets every player still in it.
func (m *RoomManager) Dispose(ctx context.Context, roomID string) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return ErrRoomNotFound
	}
	delete(m.rooms, roomID)
	m.order = lo.Without(m.order, roomID)
	m.mu.Unlock()

	_ = m.scheduler.RemoveByTag(lifetimeTag(roomID))

	removed, err := room.Dispose(ctx, r)
	if err != nil && !errors.Is(err, room.ErrRoomDisposed) {
		m.log.Warnf("dispose %s: %v", roomID, err)
	}

	m.mu.Lock()
	for _, p := range removed {
		if m.playerRoom[p.ID] == roomID {
			delete(m.playerRoom, p.ID)
		}
	}
	m.mu.Unlock()

	metrics.PlayersActive.Sub(float64(len(removed)))
	metrics.RoomsActive.WithLabelValues(r.Base().Type()).Dec()
	for _, p := range removed {
		m.notify(func(o room.Observer) { o.OnPlayerLeft(r, p, room.ReasonDisposed) })
	}
	m.notify(func(o room.Observer) { o.OnRoomDisposed(r) })
	m.log.Infof("room %s disposed", roomID)
	return nil
}

func (m *RoomManager) disposeAsync(roomID string) {
	go func() {
		if err := m.Dispose(context.Background(), roomID); err != nil && !errors.Is(err, ErrRoomNotFound) {
			m.log.Warnf("dispose %s: %v", roomID, err)
		}
	}()
}

func (m *RoomManager) expire(roomID string) {
	m.log.Infof("room %s reached its max lifetime", roomID)
	if err := m.Dispose(context.Background(), roomID); err != nil && !errors.Is(err, ErrRoomNotFound) {
		m.log.Warnf("expire %s: %v", roomID, err)
	}
}

func (m *RoomManager) callbacks() room.Callbacks {
	return room.Callbacks{
		Dispose: func(r room.Room) {
			m.disposeAsync(r.Base().ID())
		},
		Kicked: func(r room.Room, p *room.Player, reason string, closing bool) {
			id := r.Base().ID()
			m.mu.Lock()
			if m.playerRoom[p.ID] == id {
				delete(m.playerRoom, p.ID)
			}
			m.mu.Unlock()
			metrics.PlayersActive.Dec()
			m.notify(func(o room.Observer) { o.OnPlayerLeft(r, p, reason) })
			if closing {
				m.disposeAsync(id)
			}
		},
		Updated: func(r room.Room) {
			m.notify(func(o room.Observer) { o.OnRoomUpdated(r) })
		},
	}
}

func (m *RoomManager) GetRoom(roomID string) (room.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

func (m *RoomManager) GetPlayerRoom(playerID string) (room.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.playerRoom[playerID]
	if !ok {
		return nil, false
	}
	r, ok := m.rooms[id]
	return r, ok
}

// Rooms lists rooms in creation order
func (m *RoomManager) Rooms() []room.Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Map(m.order, func(id string, _ int) room.Room {
		return m.rooms[id]
	})
}

func (m *RoomManager) RoomsByType(name string) []room.Room {
	return lo.Filter(m.Rooms(), func(r room.Room, _ int) bool {
		return r.Base().Type() == name
	})
}

// FindAvailable returns the oldest room of type name that accepts players.
func (m *RoomManager) FindAvailable(name string) (room.Room, bool) {
	return lo.Find(m.Rooms(), func(r room.Room) bool {
		return r.Base().Type() == name && r.Base().Available()
	})
}

func (m *RoomManager) PlayerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.playerRoom)
}

func (m *RoomManager) Stats() Stats {
	rooms := m.Rooms()
	m.mu.RLock()
	defs := len(m.definitions)
	m.mu.RUnlock()
	return Stats{
		Rooms:       len(rooms),
		Players:     m.PlayerCount(),
		Definitions: defs,
		RoomsByType: lo.CountValuesBy(rooms, func(r room.Room) string {
			return r.Base().Type()
		}),
	}
}

// Close disposes every room and stops the scheduler.
func (m *RoomManager) Close(ctx context.Context) {
	if m.closed.Swap(true) {
		return
	}
	m.scheduler.Stop()
	for _, r := range m.Rooms() {
		if err := m.Dispose(ctx, r.Base().ID()); err != nil && !errors.Is(err, ErrRoomNotFound) {
			m.log.Warnf("close: %v", err)
		}
	}
}

func (m *RoomManager) cleanupRateLimits() {
	removed := 0
	for _, r := range m.Rooms() {
		if l := r.Base().Limiter(); l != nil {
			removed += l.Cleanup()
		}
	}
	if removed > 0 {
		m.log.Debugf("rate limit cleanup dropped %d keys", removed)
	}
}

func lifetimeTag(roomID string) string {
	return fmt.Sprintf("room-%s-lifetime", roomID)
}
