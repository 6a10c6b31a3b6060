package cluster

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/samber/lo"
)

var (
	ErrNotConnected   = errors.New("cluster adapter not connected")
	ErrServerNotFound = errors.New("server not registered")
	ErrRoomNotFound   = errors.New("room not registered")
)

// EventHandler receives cluster events. It must not block for long.
type EventHandler func(Event)

// Adapter stores the cluster view and carries events between nodes.
// Implementations own every cross node atomicity concern.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	RegisterServer(ctx context.Context, s ServerRegistration) error
	UnregisterServer(ctx context.Context, serverID string) error
	// Heartbeat refreshes a registered server. ErrServerNotFound means the
	// registration expired and must be redone.
	Heartbeat(ctx context.Context, serverID string, info HeartbeatInfo) error
	UpdateServerStatus(ctx context.Context, serverID string, status ServerStatus) error
	GetServers(ctx context.Context) ([]ServerRegistration, error)
	GetServer(ctx context.Context, serverID string) (ServerRegistration, bool, error)

	RegisterRoom(ctx context.Context, r RoomRegistration) error
	UnregisterRoom(ctx context.Context, roomID string) error
	UpdateRoom(ctx context.Context, r RoomRegistration) error
	GetRoom(ctx context.Context, roomID string) (RoomRegistration, bool, error)
	QueryRooms(ctx context.Context, q RoomQuery) ([]RoomRegistration, error)
	// FindAvailableRoom returns the oldest available room matching q on an online server.
	FindAvailableRoom(ctx context.Context, q RoomQuery) (RoomRegistration, bool, error)

	Publish(ctx context.Context, e Event) error
	Subscribe(ctx context.Context, h EventHandler) (unsubscribe func(), err error)

	// AcquireLock takes the named lock for at most ttl. The token releases it.
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, name, token string) error
}

// pickAvailable implements FindAvailableRoom on top of a full listing.
func pickAvailable(rooms []RoomRegistration, servers []ServerRegistration, q RoomQuery) (RoomRegistration, bool) {
	online := make(map[string]bool, len(servers))
	for _, s := range servers {
		online[s.ServerID] = s.Status == StatusOnline
	}
	q.OnlyAvailable = true

	candidates := lo.Filter(rooms, func(r RoomRegistration, _ int) bool {
		return q.Match(r) && online[r.ServerID]
	})
	if len(candidates) == 0 {
		return RoomRegistration{}, false
	}
	sortRooms(candidates)
	return candidates[0], true
}

func sortRooms(rooms []RoomRegistration) {
	sort.SliceStable(rooms, func(i, j int) bool {
		if !rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
		}
		return rooms[i].RoomID < rooms[j].RoomID
	})
}

func sortServers(servers []ServerRegistration) {
	sort.SliceStable(servers, func(i, j int) bool {
		return servers[i].ServerID < servers[j].ServerID
	})
}
