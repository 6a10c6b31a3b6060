package cluster

import (
	"context"
	"sync"
	"time"

	"game_server/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/vmihailenco/msgpack"
	"go.uber.org/zap"
)

const (
	_DEFAULT_KEY_PREFIX = "game:"
	_DEFAULT_SERVER_TTL = 15 * time.Second
)

// compare and delete, so a lock is only released by its holder
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisAdapterConfig struct {
	KeyPrefix string
	// ServerTTL is how long a server key lives without heartbeats.
	ServerTTL time.Duration
	Logger    *zap.Logger
}

// RedisAdapter keeps the cluster view in redis. Values are msgpack encoded,
// events travel over one pub/sub channel.
type RedisAdapter struct {
	client *redis.Client
	cfg    RedisAdapterConfig
	log    *zap.SugaredLogger

	mu        sync.Mutex
	connected bool
	subs      []*redis.PubSub
}

func NewRedisAdapter(client *redis.Client, cfg RedisAdapterConfig) *RedisAdapter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = _DEFAULT_KEY_PREFIX
	}
	if cfg.ServerTTL <= 0 {
		cfg.ServerTTL = _DEFAULT_SERVER_TTL
	}
	return &RedisAdapter{
		client: client,
		cfg:    cfg,
		log:    logger.OrDefault(cfg.Logger, "cluster.redis"),
	}
}

func (a *RedisAdapter) serverKey(id string) string { return a.cfg.KeyPrefix + "server:" + id }
func (a *RedisAdapter) serversKey() string        { return a.cfg.KeyPrefix + "servers" }
func (a *RedisAdapter) roomKey(id string) string   { return a.cfg.KeyPrefix + "room:" + id }
func (a *RedisAdapter) roomsKey() string          { return a.cfg.KeyPrefix + "rooms" }
func (a *RedisAdapter) lockKey(name string) string { return a.cfg.KeyPrefix + "lock:" + name }
func (a *RedisAdapter) channel() string           { return a.cfg.KeyPrefix + "events" }

func (a *RedisAdapter) Connect(ctx context.Context) error {
	if err := a.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping")
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

// Disconnect closes the subscriptions. The client belongs to the caller.
func (a *RedisAdapter) Disconnect(context.Context) error {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.connected = false
	a.mu.Unlock()

	for _, ps := range subs {
		if err := ps.Close(); err != nil {
			a.log.Debugf("close subscription: %v", err)
		}
	}
	return nil
}

func (a *RedisAdapter) check() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return ErrNotConnected
	}
	return nil
}

func (a *RedisAdapter) RegisterServer(ctx context.Context, s ServerRegistration) error {
	if err := a.check(); err != nil {
		return err
	}
	if s.LastHeartbeat.IsZero() {
		s.LastHeartbeat = time.Now()
	}
	return a.putServer(ctx, s)
}

func (a *RedisAdapter) putServer(ctx context.Context, s ServerRegistration) error {
	data, err := msgpack.Marshal(&s)
	if err != nil {
		return errors.Wrap(err, "encode server")
	}
	_, err = a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, a.serverKey(s.ServerID), data, a.cfg.ServerTTL)
		pipe.SAdd(ctx, a.serversKey(), s.ServerID)
		return nil
	})
	return errors.Wrapf(err, "put server %s", s.ServerID)
}

func (a *RedisAdapter) UnregisterServer(ctx context.Context, serverID string) error {
	if err := a.check(); err != nil {
		return err
	}
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, a.serverKey(serverID))
		pipe.SRem(ctx, a.serversKey(), serverID)
		return nil
	})
	return errors.Wrapf(err, "unregister server %s", serverID)
}

func (a *RedisAdapter) getServer(ctx context.Context, serverID string) (ServerRegistration, bool, error) {
	var s ServerRegistration
	data, err := a.client.Get(ctx, a.serverKey(serverID)).Bytes()
	if err == redis.Nil {
		return s, false, nil
	}
	if err != nil {
		return s, false, errors.Wrapf(err, "get server %s", serverID)
	}
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return s, false, errors.Wrapf(err, "decode server %s", serverID)
	}
	return s, true, nil
}

func (a *RedisAdapter) Heartbeat(ctx context.Context, serverID string, info HeartbeatInfo) error {
	if err := a.check(); err != nil {
		return err
	}
	s, ok, err := a.getServer(ctx, serverID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrServerNotFound
	}
	s.RoomCount = info.RoomCount
	s.PlayerCount = info.PlayerCount
	s.CPUPercent = info.CPUPercent
	s.LastHeartbeat = time.Now()
	return a.putServer(ctx, s)
}

func (a *RedisAdapter) UpdateServerStatus(ctx context.Context, serverID string, status ServerStatus) error {
	if err := a.check(); err != nil {
		return err
	}
	s, ok, err := a.getServer(ctx, serverID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrServerNotFound
	}
	s.Status = status
	return a.putServer(ctx, s)
}

func (a *RedisAdapter) GetServers(ctx context.Context) ([]ServerRegistration, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	ids, err := a.client.SMembers(ctx, a.serversKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list servers")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := lo.Map(ids, func(id string, _ int) string { return a.serverKey(id) })
	values, err := a.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load servers")
	}

	servers := make([]ServerRegistration, 0, len(values))
	var expired []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var s ServerRegistration
		if err := msgpack.Unmarshal([]byte(raw), &s); err != nil {
			a.log.Warnf("skip server %s: %v", ids[i], err)
			continue
		}
		servers = append(servers, s)
	}
	if len(expired) > 0 {
		a.client.SRem(ctx, a.serversKey(), expired...)
	}
	sortServers(servers)
	return servers, nil
}

func (a *RedisAdapter) GetServer(ctx context.Context, serverID string) (ServerRegistration, bool, error) {
	if err := a.check(); err != nil {
		return ServerRegistration{}, false, err
	}
	return a.getServer(ctx, serverID)
}

func (a *RedisAdapter) putRoom(ctx context.Context, r RoomRegistration) error {
	data, err := msgpack.Marshal(&r)
	if err != nil {
		return errors.Wrap(err, "encode room")
	}
	_, err = a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, a.roomKey(r.RoomID), data, 0)
		pipe.SAdd(ctx, a.roomsKey(), r.RoomID)
		return nil
	})
	return errors.Wrapf(err, "put room %s", r.RoomID)
}

func (a *RedisAdapter) RegisterRoom(ctx context.Context, r RoomRegistration) error {
	if err := a.check(); err != nil {
		return err
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	return a.putRoom(ctx, r)
}

func (a *RedisAdapter) UnregisterRoom(ctx context.Context, roomID string) error {
	if err := a.check(); err != nil {
		return err
	}
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, a.roomKey(roomID))
		pipe.SRem(ctx, a.roomsKey(), roomID)
		return nil
	})
	return errors.Wrapf(err, "unregister room %s", roomID)
}

func (a *RedisAdapter) UpdateRoom(ctx context.Context, r RoomRegistration) error {
	if err := a.check(); err != nil {
		return err
	}
	prev, ok, err := a.getRoom(ctx, r.RoomID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRoomNotFound
	}
	r.CreatedAt = prev.CreatedAt
	r.UpdatedAt = time.Now()
	return a.putRoom(ctx, r)
}

func (a *RedisAdapter) getRoom(ctx context.Context, roomID string) (RoomRegistration, bool, error) {
	var r RoomRegistration
	data, err := a.client.Get(ctx, a.roomKey(roomID)).Bytes()
	if err == redis.Nil {
		return r, false, nil
	}
	if err != nil {
		return r, false, errors.Wrapf(err, "get room %s", roomID)
	}
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return r, false, errors.Wrapf(err, "decode room %s", roomID)
	}
	return r, true, nil
}

func (a *RedisAdapter) GetRoom(ctx context.Context, roomID string) (RoomRegistration, bool, error) {
	if err := a.check(); err != nil {
		return RoomRegistration{}, false, err
	}
	return a.getRoom(ctx, roomID)
}

func (a *RedisAdapter) allRooms(ctx context.Context) ([]RoomRegistration, error) {
	ids, err := a.client.SMembers(ctx, a.roomsKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list rooms")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := lo.Map(ids, func(id string, _ int) string { return a.roomKey(id) })
	values, err := a.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load rooms")
	}
	rooms := make([]RoomRegistration, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var r RoomRegistration
		if err := msgpack.Unmarshal([]byte(raw), &r); err != nil {
			a.log.Warnf("skip room %s: %v", ids[i], err)
			continue
		}
		rooms = append(rooms, r)
	}
	return rooms, nil
}

func (a *RedisAdapter) QueryRooms(ctx context.Context, q RoomQuery) ([]RoomRegistration, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	rooms, err := a.allRooms(ctx)
	if err != nil {
		return nil, err
	}
	rooms = lo.Filter(rooms, func(r RoomRegistration, _ int) bool { return q.Match(r) })
	sortRooms(rooms)
	return rooms, nil
}

func (a *RedisAdapter) FindAvailableRoom(ctx context.Context, q RoomQuery) (RoomRegistration, bool, error) {
	if err := a.check(); err != nil {
		return RoomRegistration{}, false, err
	}
	rooms, err := a.allRooms(ctx)
	if err != nil {
		return RoomRegistration{}, false, err
	}
	servers, err := a.GetServers(ctx)
	if err != nil {
		return RoomRegistration{}, false, err
	}
	r, ok := pickAvailable(rooms, servers, q)
	return r, ok, nil
}

func (a *RedisAdapter) Publish(ctx context.Context, e Event) error {
	if err := a.check(); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := msgpack.Marshal(&e)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	return errors.Wrap(a.client.Publish(ctx, a.channel(), data).Err(), "publish event")
}

// Subscribe delivers events from a dedicated goroutine until unsubscribe or Disconnect.
func (a *RedisAdapter) Subscribe(ctx context.Context, h EventHandler) (func(), error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	ps := a.client.Subscribe(ctx, a.channel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrap(err, "subscribe events")
	}
	a.mu.Lock()
	a.subs = append(a.subs, ps)
	a.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			var e Event
			if err := msgpack.Unmarshal([]byte(msg.Payload), &e); err != nil {
				a.log.Warnf("invalid event: %v", err)
				continue
			}
			h(e)
		}
	}()

	return func() {
		a.mu.Lock()
		a.subs = lo.Without(a.subs, ps)
		a.mu.Unlock()
		_ = ps.Close()
	}, nil
}

func (a *RedisAdapter) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	if err := a.check(); err != nil {
		return "", false, err
	}
	token := uuid.NewString()
	ok, err := a.client.SetNX(ctx, a.lockKey(name), token, ttl).Result()
	if err != nil {
		return "", false, errors.Wrapf(err, "acquire lock %s", name)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (a *RedisAdapter) ReleaseLock(ctx context.Context, name, token string) error {
	if err := a.check(); err != nil {
		return err
	}
	err := releaseScript.Run(ctx, a.client, []string{a.lockKey(name)}, token).Err()
	if err == redis.Nil {
		return nil
	}
	return errors.Wrapf(err, "release lock %s", name)
}
