// Package distributed spreads a RoomManager over a cluster of nodes that
// share state through a cluster.Adapter.
package distributed

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"game_server/cluster"
	"game_server/logger"
	"game_server/metrics"
	"game_server/router"
	"game_server/service"
	"game_server/session"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/shirou/gopsutil/process"
	"go.uber.org/zap"
)

// ErrNoServerAvailable means no online server has room for another room.
var ErrNoServerAvailable = errors.New("no server available")

// ReasonJoinedElsewhere is the kick reason used when the player joined a
// room on another node.
const ReasonJoinedElsewhere = "joined_elsewhere"

const (
	_DEFAULT_CAPACITY           = 100
	_DEFAULT_HEARTBEAT_INTERVAL = 5 * time.Second
	_DEFAULT_SERVER_TTL         = 15 * time.Second
	_DEFAULT_LOCK_TTL           = 5 * time.Second
	_LOCK_RETRY                 = 20 * time.Millisecond
	_HEARTBEAT_TAG              = "cluster-heartbeat"
	_HEALTH_TAG                 = "cluster-health"
)

type Config struct {
	// ServerID defaults to a random uuid.
	ServerID string
	Address  string
	Port     int
	// Capacity is the number of rooms this node accepts.
	Capacity          int
	Metadata          map[string]string
	HeartbeatInterval time.Duration
	// ServerTTL is how old a heartbeat may get before the server counts as offline.
	ServerTTL time.Duration
	// LockTTL bounds how long a room placement may hold the cluster lock.
	LockTTL time.Duration
	// Router defaults to least-rooms with local preference.
	Router *router.Router
	Logger *zap.Logger
}

// Route is a placement decision. A Route that is not Local names the node the
// client has to connect to. An empty RoomID asks the target to create a room.
type Route struct {
	Local    bool   `json:"-"`
	ServerID string `json:"server_id"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	RoomType string `json:"room_type"`
	RoomID   string `json:"room_id,omitempty"`
}

func (r Route) Create() bool {
	return r.RoomID == ""
}

// JoinResult holds either the local join or the redirect to another node.
type JoinResult struct {
	Local    *service.JoinResult
	Redirect *Route
}

// Manager is the cluster aware front of a RoomManager.
type Manager struct {
	rooms   *service.RoomManager
	adapter cluster.Adapter
	cfg     Config
	log     *zap.SugaredLogger
	proc    *process.Process

	scheduler *gocron.Scheduler
	running   atomic.Bool
	isolated  atomic.Bool

	smu         sync.Mutex
	unsubscribe func()

	hmu      sync.RWMutex
	handlers []cluster.EventHandler
}

func New(rooms *service.RoomManager, adapter cluster.Adapter, cfg Config) (*Manager, error) {
	if cfg.ServerID == "" {
		cfg.ServerID = uuid.NewString()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = _DEFAULT_CAPACITY
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = _DEFAULT_HEARTBEAT_INTERVAL
	}
	if cfg.ServerTTL <= 0 {
		cfg.ServerTTL = _DEFAULT_SERVER_TTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = _DEFAULT_LOCK_TTL
	}
	if cfg.Router == nil {
		r, err := router.New(router.Config{Strategy: router.LeastRooms, PreferLocal: true})
		if err != nil {
			return nil, err
		}
		cfg.Router = r
	}

	m := &Manager{
		rooms:     rooms,
		adapter:   adapter,
		cfg:       cfg,
		log:       logger.OrDefault(cfg.Logger, "cluster").With("server", cfg.ServerID),
		scheduler: gocron.NewScheduler(time.UTC),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = p
	} else {
		m.log.Warnf("cpu probe unavailable: %v", err)
	}
	rooms.AddObserver(&observer{m: m})
	return m, nil
}

func (m *Manager) ServerID() string {
	return m.cfg.ServerID
}

func (m *Manager) Rooms() *service.RoomManager {
	return m.rooms
}

// Isolated reports whether the node lost the adapter and serves local rooms only.
func (m *Manager) Isolated() bool {
	return m.isolated.Load()
}

// Start registers the node and starts the heartbeat and health check jobs. An
// unreachable adapter does not fail Start: the node runs isolated until a
// heartbeat gets through.
func (m *Manager) Start(ctx context.Context) error {
	if m.running.Swap(true) {
		return nil
	}
	if err := m.adapter.Connect(ctx); err != nil {
		m.isolate(pkgerrors.Wrap(err, "connect"))
	} else if err := m.register(ctx); err != nil {
		m.isolate(err)
	}

	if _, err := m.scheduler.Every(m.cfg.HeartbeatInterval).WaitForSchedule().Tag(_HEARTBEAT_TAG).Do(m.heartbeatJob); err != nil {
		return pkgerrors.Wrap(err, "schedule heartbeat")
	}
	if _, err := m.scheduler.Every(m.cfg.ServerTTL).WaitForSchedule().Tag(_HEALTH_TAG).Do(m.healthJob); err != nil {
		return pkgerrors.Wrap(err, "schedule health check")
	}
	m.scheduler.StartAsync()
	m.log.Infof("cluster node started at %s:%d, capacity %d", m.cfg.Address, m.cfg.Port, m.cfg.Capacity)
	return nil
}

// Stop drains the node, removes it and its rooms from the cluster and
// disconnects the adapter. Local rooms keep running.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.running.Swap(false) {
		return nil
	}
	m.scheduler.Stop()
	m.setUnsubscribe(nil)

	if !m.isolated.Load() {
		id := m.cfg.ServerID
		if err := m.adapter.UpdateServerStatus(ctx, id, cluster.StatusDraining); err != nil && !errors.Is(err, cluster.ErrServerNotFound) {
			m.log.Warnf("drain: %v", err)
		}
		for _, r := range m.rooms.Rooms() {
			if err := m.adapter.UnregisterRoom(ctx, r.Base().ID()); err != nil {
				m.log.Warnf("unregister room %s: %v", r.Base().ID(), err)
			}
		}
		if err := m.adapter.UnregisterServer(ctx, id); err != nil {
			m.log.Warnf("unregister: %v", err)
		}
		m.publish(ctx, cluster.Event{Type: cluster.EventServerOffline})
	}
	m.log.Infof("cluster node stopped")
	return m.adapter.Disconnect(ctx)
}

// OnEvent subscribes h to every cluster event this node receives.
func (m *Manager) OnEvent(h cluster.EventHandler) {
	m.hmu.Lock()
	m.handlers = append(m.handlers, h)
	m.hmu.Unlock()
}

// Route decides where a player asking for roomType should go: an available
// local room, an available room elsewhere, or a new room on the server the
// router picks.
func (m *Manager) Route(ctx context.Context, roomType string) (Route, error) {
	if _, ok := m.rooms.Definition(roomType); !ok {
		return Route{}, service.ErrRoomTypeNotDefined
	}
	if r, ok := m.rooms.FindAvailable(roomType); ok {
		return m.localRoute(roomType, r.Base().ID()), nil
	}
	if m.isolated.Load() || !m.running.Load() {
		return m.localRoute(roomType, ""), nil
	}

	reg, ok, err := m.adapter.FindAvailableRoom(ctx, cluster.RoomQuery{
		RoomType:        roomType,
		ExcludeServerID: m.cfg.ServerID,
		OnlyAvailable:   true,
	})
	if err != nil {
		return Route{}, pkgerrors.Wrap(err, "find remote room")
	}
	if ok {
		s, found, err := m.adapter.GetServer(ctx, reg.ServerID)
		if err != nil {
			return Route{}, pkgerrors.Wrapf(err, "get server %s", reg.ServerID)
		}
		if found && s.Status == cluster.StatusOnline {
			return remoteRoute(s, roomType, reg.RoomID), nil
		}
	}

	servers, err := m.servers(ctx)
	if err != nil {
		return Route{}, err
	}
	target := m.cfg.Router.SelectServer(servers, m.cfg.ServerID)
	if target == nil {
		return Route{}, ErrNoServerAvailable
	}
	if target.ServerID == m.cfg.ServerID {
		return m.localRoute(roomType, ""), nil
	}
	return remoteRoute(*target, roomType, ""), nil
}

// JoinOrCreate joins the player locally when this node should host the room
// and returns a redirect otherwise. Room creation is serialized cluster wide
// per room type. Isolated nodes behave like a plain RoomManager.
func (m *Manager) JoinOrCreate(ctx context.Context, roomType, playerID string, sess session.Session, options map[string]any) (*JoinResult, error) {
	if cur, ok := m.rooms.GetPlayerRoom(playerID); ok && cur.Base().Type() == roomType {
		return m.joinLocal(ctx, roomType, playerID, sess, options)
	}

	route, err := m.Route(ctx, roomType)
	if err == nil && route.Create() && !m.isolated.Load() {
		release := m.lock(ctx, roomType)
		defer release()
		// someone may have created a room while we waited
		route, err = m.Route(ctx, roomType)
	}
	switch {
	case errors.Is(err, ErrNoServerAvailable), errors.Is(err, service.ErrRoomTypeNotDefined):
		return nil, err
	case err != nil:
		m.log.Warnf("route %s: %v, placing locally", roomType, err)
		return m.joinLocal(ctx, roomType, playerID, sess, options)
	case !route.Local:
		m.log.Debugf("redirect %s to %s (room %q)", playerID, route.ServerID, route.RoomID)
		return &JoinResult{Redirect: &route}, nil
	}
	return m.joinLocal(ctx, roomType, playerID, sess, options)
}

func (m *Manager) joinLocal(ctx context.Context, roomType, playerID string, sess session.Session, options map[string]any) (*JoinResult, error) {
	res, err := m.rooms.JoinOrCreate(ctx, roomType, playerID, sess, options)
	if err != nil {
		return nil, err
	}
	return &JoinResult{Local: res}, nil
}

// JoinByID joins a local room or redirects to the node hosting roomID.
func (m *Manager) JoinByID(ctx context.Context, roomID, playerID string, sess session.Session) (*JoinResult, error) {
	if _, ok := m.rooms.GetRoom(roomID); ok || m.isolated.Load() || !m.running.Load() {
		res, err := m.rooms.JoinByID(ctx, roomID, playerID, sess)
		if err != nil {
			return nil, err
		}
		return &JoinResult{Local: res}, nil
	}

	reg, ok, err := m.adapter.GetRoom(ctx, roomID)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "get room %s", roomID)
	}
	if !ok || reg.ServerID == m.cfg.ServerID {
		return nil, service.ErrRoomNotFound
	}
	s, ok, err := m.adapter.GetServer(ctx, reg.ServerID)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "get server %s", reg.ServerID)
	}
	if !ok || s.Status != cluster.StatusOnline {
		return nil, service.ErrRoomNotFound
	}
	route := remoteRoute(s, reg.RoomType, reg.RoomID)
	return &JoinResult{Redirect: &route}, nil
}

func (m *Manager) Leave(ctx context.Context, playerID, reason string) error {
	return m.rooms.Leave(ctx, playerID, reason)
}

func (m *Manager) HandleMessage(playerID, msgType string, data any) {
	m.rooms.HandleMessage(playerID, msgType, data)
}

// Heartbeat reports this node's load. It re-registers the node when the
// adapter lost it, which is also how an isolated node rejoins.
func (m *Manager) Heartbeat(ctx context.Context) error {
	if m.isolated.Load() {
		if err := m.register(ctx); err != nil {
			return err
		}
		m.recover()
		return nil
	}

	err := m.adapter.Heartbeat(ctx, m.cfg.ServerID, m.heartbeatInfo(ctx))
	if errors.Is(err, cluster.ErrServerNotFound) {
		m.log.Warnf("registration expired, registering again")
		err = m.register(ctx)
	}
	if err != nil {
		m.isolate(err)
		return err
	}
	return nil
}

// CheckHealth marks servers with a stale heartbeat offline and drops their
// rooms. Rooms whose server registration is gone altogether (an expired key)
// are dropped too. It returns how many servers it handled.
func (m *Manager) CheckHealth(ctx context.Context) (int, error) {
	if m.isolated.Load() {
		return 0, nil
	}
	// rooms first: a server registers itself before its rooms
	rooms, err := m.adapter.QueryRooms(ctx, cluster.RoomQuery{})
	if err != nil {
		return 0, pkgerrors.Wrap(err, "query rooms")
	}
	servers, err := m.adapter.GetServers(ctx)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "get servers")
	}
	now := time.Now()
	stale := lo.Filter(servers, func(s cluster.ServerRegistration, _ int) bool {
		return s.ServerID != m.cfg.ServerID && s.Status != cluster.StatusOffline && now.Sub(s.LastHeartbeat) > m.cfg.ServerTTL
	})
	for _, s := range stale {
		m.log.Warnf("server %s missed heartbeats since %s", s.ServerID, s.LastHeartbeat.Format(time.RFC3339))
		if err := m.adapter.UpdateServerStatus(ctx, s.ServerID, cluster.StatusOffline); err != nil && !errors.Is(err, cluster.ErrServerNotFound) {
			return 0, pkgerrors.Wrapf(err, "mark %s offline", s.ServerID)
		}
		if err := m.dropRooms(ctx, s.ServerID); err != nil {
			return 0, err
		}
		s.Status = cluster.StatusOffline
		m.publish(ctx, cluster.Event{Type: cluster.EventServerOffline, ServerID: s.ServerID, Server: &s})
	}

	known := lo.KeyBy(servers, func(s cluster.ServerRegistration) string { return s.ServerID })
	orphans := lo.GroupBy(lo.Filter(rooms, func(r cluster.RoomRegistration, _ int) bool {
		_, ok := known[r.ServerID]
		return !ok && r.ServerID != m.cfg.ServerID
	}), func(r cluster.RoomRegistration) string { return r.ServerID })
	for serverID, rs := range orphans {
		m.log.Warnf("server %s is gone, dropping its %d rooms", serverID, len(rs))
		for _, r := range rs {
			if err := m.adapter.UnregisterRoom(ctx, r.RoomID); err != nil {
				return 0, pkgerrors.Wrapf(err, "unregister room %s", r.RoomID)
			}
		}
		m.publish(ctx, cluster.Event{Type: cluster.EventServerOffline, ServerID: serverID})
	}
	return len(stale) + len(orphans), nil
}

func (m *Manager) dropRooms(ctx context.Context, serverID string) error {
	rooms, err := m.adapter.QueryRooms(ctx, cluster.RoomQuery{ServerID: serverID})
	if err != nil {
		return pkgerrors.Wrapf(err, "rooms of %s", serverID)
	}
	for _, r := range rooms {
		if err := m.adapter.UnregisterRoom(ctx, r.RoomID); err != nil {
			return pkgerrors.Wrapf(err, "unregister room %s", r.RoomID)
		}
	}
	return nil
}

func (m *Manager) heartbeatJob() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HeartbeatInterval)
	defer cancel()
	if err := m.Heartbeat(ctx); err != nil {
		m.log.Debugf("heartbeat: %v", err)
	}
}

func (m *Manager) healthJob() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ServerTTL)
	defer cancel()
	if _, err := m.CheckHealth(ctx); err != nil {
		m.log.Warnf("health check: %v", err)
	}
}

// register publishes this node and all of its rooms and makes sure the event
// subscription is live.
func (m *Manager) register(ctx context.Context) error {
	self := m.self(ctx)
	if err := m.adapter.RegisterServer(ctx, self); err != nil {
		return pkgerrors.Wrap(err, "register server")
	}
	for _, r := range m.rooms.Rooms() {
		if err := m.adapter.RegisterRoom(ctx, registration(r, m.cfg.ServerID)); err != nil {
			return pkgerrors.Wrapf(err, "register room %s", r.Base().ID())
		}
	}
	if !m.subscribed() {
		unsubscribe, err := m.adapter.Subscribe(context.Background(), m.handleEvent)
		if err != nil {
			return pkgerrors.Wrap(err, "subscribe")
		}
		m.setUnsubscribe(unsubscribe)
	}
	m.publish(ctx, cluster.Event{Type: cluster.EventServerOnline, Server: &self})
	return nil
}

func (m *Manager) subscribed() bool {
	m.smu.Lock()
	defer m.smu.Unlock()
	return m.unsubscribe != nil
}

func (m *Manager) setUnsubscribe(fn func()) {
	m.smu.Lock()
	prev := m.unsubscribe
	m.unsubscribe = fn
	m.smu.Unlock()
	if prev != nil {
		prev()
	}
}

func (m *Manager) self(ctx context.Context) cluster.ServerRegistration {
	info := m.heartbeatInfo(ctx)
	return cluster.ServerRegistration{
		ServerID:    m.cfg.ServerID,
		Address:     m.cfg.Address,
		Port:        m.cfg.Port,
		Status:      cluster.StatusOnline,
		RoomCount:   info.RoomCount,
		PlayerCount: info.PlayerCount,
		Capacity:    m.cfg.Capacity,
		CPUPercent:  info.CPUPercent,
		Metadata:    m.cfg.Metadata,
	}
}

func (m *Manager) heartbeatInfo(ctx context.Context) cluster.HeartbeatInfo {
	stats := m.rooms.Stats()
	info := cluster.HeartbeatInfo{RoomCount: stats.Rooms, PlayerCount: stats.Players}
	if m.proc != nil {
		if pcnt, err := m.proc.CPUPercentWithContext(ctx); err == nil {
			info.CPUPercent = pcnt
		} else {
			m.log.Debugf("cpu percent: %v", err)
		}
	}
	return info
}

// servers lists the cluster with this node's live counts in place of its
// last heartbeat.
func (m *Manager) servers(ctx context.Context) ([]cluster.ServerRegistration, error) {
	servers, err := m.adapter.GetServers(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "get servers")
	}
	stats := m.rooms.Stats()
	for i := range servers {
		if servers[i].ServerID == m.cfg.ServerID {
			servers[i].RoomCount = stats.Rooms
			servers[i].PlayerCount = stats.Players
		}
	}
	return servers, nil
}

// lock takes the placement lock of roomType. Placement goes ahead unlocked
// when the lock cannot be had within LockTTL.
func (m *Manager) lock(ctx context.Context, roomType string) (release func()) {
	name := "placement:" + roomType
	deadline := time.Now().Add(m.cfg.LockTTL)
	for {
		token, ok, err := m.adapter.AcquireLock(ctx, name, m.cfg.LockTTL)
		if err != nil {
			m.log.Warnf("lock %s: %v", name, err)
			return func() {}
		}
		if ok {
			return func() {
				if err := m.adapter.ReleaseLock(context.Background(), name, token); err != nil {
					m.log.Warnf("unlock %s: %v", name, err)
				}
			}
		}
		if time.Now().After(deadline) {
			m.log.Warnf("lock %s busy for %s, placing without it", name, m.cfg.LockTTL)
			return func() {}
		}
		select {
		case <-ctx.Done():
			return func() {}
		case <-time.After(_LOCK_RETRY):
		}
	}
}

func (m *Manager) isolate(err error) {
	if !m.isolated.Swap(true) {
		metrics.ClusterIsolated.Set(1)
		m.log.Errorf("adapter unreachable, serving local rooms only: %v", err)
	}
}

func (m *Manager) recover() {
	if m.isolated.Swap(false) {
		metrics.ClusterIsolated.Set(0)
		m.log.Infof("adapter reachable again, rejoined the cluster")
	}
}

func (m *Manager) publish(ctx context.Context, e cluster.Event) {
	if e.ServerID == "" {
		e.ServerID = m.cfg.ServerID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if err := m.adapter.Publish(ctx, e); err != nil {
		m.log.Warnf("publish %s: %v", e.Type, err)
	}
}

func (m *Manager) handleEvent(e cluster.Event) {
	if e.Type == cluster.EventPlayerJoined && e.ServerID != m.cfg.ServerID && e.PlayerID != "" {
		go m.dropOlderSession(e)
	}

	m.hmu.RLock()
	handlers := m.handlers
	m.hmu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}

// dropOlderSession kicks the local player when the join reported by e is newer.
func (m *Manager) dropOlderSession(e cluster.Event) {
	r, ok := m.rooms.GetPlayerRoom(e.PlayerID)
	if !ok {
		return
	}
	if p, ok := r.Base().Player(e.PlayerID); !ok || p.JoinedAt.After(e.Timestamp) {
		return
	}
	if m.rooms.Kick(context.Background(), e.PlayerID, ReasonJoinedElsewhere) {
		m.log.Infof("kicked %s, joined on %s", e.PlayerID, e.ServerID)
	}
}

func (m *Manager) localRoute(roomType, roomID string) Route {
	return Route{
		Local:    true,
		ServerID: m.cfg.ServerID,
		Address:  m.cfg.Address,
		Port:     m.cfg.Port,
		RoomType: roomType,
		RoomID:   roomID,
	}
}

func remoteRoute(s cluster.ServerRegistration, roomType, roomID string) Route {
	return Route{
		ServerID: s.ServerID,
		Address:  s.Address,
		Port:     s.Port,
		RoomType: roomType,
		RoomID:   roomID,
	}
}
