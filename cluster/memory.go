package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// MemoryStore is the cluster state of a single process. Several
// MemoryAdapters sharing one store behave like nodes of one cluster.
type MemoryStore struct {
	mu      sync.RWMutex
	servers map[string]ServerRegistration
	rooms   map[string]RoomRegistration
	locks   map[string]memoryLock
	subs    map[string]EventHandler
	now     func() time.Time
}

type memoryLock struct {
	token   string
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		servers: make(map[string]ServerRegistration),
		rooms:   make(map[string]RoomRegistration),
		locks:   make(map[string]memoryLock),
		subs:    make(map[string]EventHandler),
		now:     time.Now,
	}
}

// MemoryAdapter is the in-process Adapter, used for single node setups and tests.
type MemoryAdapter struct {
	store *MemoryStore

	mu        sync.Mutex
	connected bool
	subIDs    []string
}

// NewMemoryAdapter attaches to store, or to a private store when store is nil.
func NewMemoryAdapter(store *MemoryStore) *MemoryAdapter {
	if store == nil {
		store = NewMemoryStore()
	}
	return &MemoryAdapter{store: store}
}

func (a *MemoryAdapter) Store() *MemoryStore {
	return a.store
}

func (a *MemoryAdapter) Connect(context.Context) error {
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *MemoryAdapter) Disconnect(context.Context) error {
	a.mu.Lock()
	a.connected = false
	ids := a.subIDs
	a.subIDs = nil
	a.mu.Unlock()

	a.store.mu.Lock()
	for _, id := range ids {
		delete(a.store.subs, id)
	}
	a.store.mu.Unlock()
	return nil
}

func (a *MemoryAdapter) check() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return ErrNotConnected
	}
	return nil
}

func (a *MemoryAdapter) RegisterServer(_ context.Context, s ServerRegistration) error {
	if err := a.check(); err != nil {
		return err
	}
	if s.LastHeartbeat.IsZero() {
		s.LastHeartbeat = a.store.now()
	}
	a.store.mu.Lock()
	a.store.servers[s.ServerID] = s
	a.store.mu.Unlock()
	return nil
}

func (a *MemoryAdapter) UnregisterServer(_ context.Context, serverID string) error {
	if err := a.check(); err != nil {
		return err
	}
	a.store.mu.Lock()
	delete(a.store.servers, serverID)
	a.store.mu.Unlock()
	return nil
}

func (a *MemoryAdapter) Heartbeat(_ context.Context, serverID string, info HeartbeatInfo) error {
	if err := a.check(); err != nil {
		return err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	s, ok := a.store.servers[serverID]
	if !ok {
		return ErrServerNotFound
	}
	s.RoomCount = info.RoomCount
	s.PlayerCount = info.PlayerCount
	s.CPUPercent = info.CPUPercent
	s.LastHeartbeat = a.store.now()
	a.store.servers[serverID] = s
	return nil
}

func (a *MemoryAdapter) UpdateServerStatus(_ context.Context, serverID string, status ServerStatus) error {
	if err := a.check(); err != nil {
		return err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	s, ok := a.store.servers[serverID]
	if !ok {
		return ErrServerNotFound
	}
	s.Status = status
	a.store.servers[serverID] = s
	return nil
}

func (a *MemoryAdapter) GetServers(context.Context) ([]ServerRegistration, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	a.store.mu.RLock()
	servers := lo.Values(a.store.servers)
	a.store.mu.RUnlock()
	sortServers(servers)
	return servers, nil
}

func (a *MemoryAdapter) GetServer(_ context.Context, serverID string) (ServerRegistration, bool, error) {
	if err := a.check(); err != nil {
		return ServerRegistration{}, false, err
	}
	a.store.mu.RLock()
	defer a.store.mu.RUnlock()
	s, ok := a.store.servers[serverID]
	return s, ok, nil
}

func (a *MemoryAdapter) RegisterRoom(_ context.Context, r RoomRegistration) error {
	if err := a.check(); err != nil {
		return err
	}
	now := a.store.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	a.store.mu.Lock()
	a.store.rooms[r.RoomID] = r
	a.store.mu.Unlock()
	return nil
}

func (a *MemoryAdapter) UnregisterRoom(_ context.Context, roomID string) error {
	if err := a.check(); err != nil {
		return err
	}
	a.store.mu.Lock()
	delete(a.store.rooms, roomID)
	a.store.mu.Unlock()
	return nil
}

func (a *MemoryAdapter) UpdateRoom(_ context.Context, r RoomRegistration) error {
	if err := a.check(); err != nil {
		return err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	prev, ok := a.store.rooms[r.RoomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.CreatedAt = prev.CreatedAt
	r.UpdatedAt = a.store.now()
	a.store.rooms[r.RoomID] = r
	return nil
}

func (a *MemoryAdapter) GetRoom(_ context.Context, roomID string) (RoomRegistration, bool, error) {
	if err := a.check(); err != nil {
		return RoomRegistration{}, false, err
	}
	a.store.mu.RLock()
	defer a.store.mu.RUnlock()
	r, ok := a.store.rooms[roomID]
	return r, ok, nil
}

func (a *MemoryAdapter) QueryRooms(_ context.Context, q RoomQuery) ([]RoomRegistration, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	a.store.mu.RLock()
	rooms := lo.Filter(lo.Values(a.store.rooms), func(r RoomRegistration, _ int) bool {
		return q.Match(r)
	})
	a.store.mu.RUnlock()
	sortRooms(rooms)
	return rooms, nil
}

func (a *MemoryAdapter) FindAvailableRoom(_ context.Context, q RoomQuery) (RoomRegistration, bool, error) {
	if err := a.check(); err != nil {
		return RoomRegistration{}, false, err
	}
	a.store.mu.RLock()
	rooms := lo.Values(a.store.rooms)
	servers := lo.Values(a.store.servers)
	a.store.mu.RUnlock()
	r, ok := pickAvailable(rooms, servers, q)
	return r, ok, nil
}

// Publish delivers e synchronously to every subscriber of the store.
func (a *MemoryAdapter) Publish(_ context.Context, e Event) error {
	if err := a.check(); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = a.store.now()
	}
	a.store.mu.RLock()
	handlers := lo.Values(a.store.subs)
	a.store.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
	return nil
}

func (a *MemoryAdapter) Subscribe(_ context.Context, h EventHandler) (func(), error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	a.store.mu.Lock()
	a.store.subs[id] = h
	a.store.mu.Unlock()
	a.mu.Lock()
	a.subIDs = append(a.subIDs, id)
	a.mu.Unlock()

	return func() {
		a.store.mu.Lock()
		delete(a.store.subs, id)
		a.store.mu.Unlock()
	}, nil
}

func (a *MemoryAdapter) AcquireLock(_ context.Context, name string, ttl time.Duration) (string, bool, error) {
	if err := a.check(); err != nil {
		return "", false, err
	}
	now := a.store.now()
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	if l, ok := a.store.locks[name]; ok && now.Before(l.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	a.store.locks[name] = memoryLock{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (a *MemoryAdapter) ReleaseLock(_ context.Context, name, token string) error {
	if err := a.check(); err != nil {
		return err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	if l, ok := a.store.locks[name]; ok && l.token == token {
		delete(a.store.locks, name)
	}
	return nil
}
