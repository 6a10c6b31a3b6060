package cluster

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"game_server/logger"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type EtcdAdapterConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	KeyPrefix   string
	// ServerTTL is the lease TTL of everything this node registers.
	ServerTTL time.Duration
	Logger    *zap.Logger
}

// EtcdAdapter keeps the cluster view under one key prefix. Server and room
// keys hang off the node lease, so they vanish when the node dies. Events are
// short lived keys picked up by watchers.
type EtcdAdapter struct {
	cfg EtcdAdapterConfig
	log *zap.SugaredLogger

	mu      sync.Mutex
	cli     *clientv3.Client
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
	// cancel functions of watchers
	watches map[string]context.CancelFunc
}

func NewEtcdAdapter(cfg EtcdAdapterConfig) *EtcdAdapter {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "/game/"
	}
	if !strings.HasSuffix(cfg.KeyPrefix, "/") {
		cfg.KeyPrefix += "/"
	}
	if cfg.ServerTTL <= 0 {
		cfg.ServerTTL = _DEFAULT_SERVER_TTL
	}
	return &EtcdAdapter{
		cfg:     cfg,
		log:     logger.OrDefault(cfg.Logger, "cluster.etcd"),
		watches: make(map[string]context.CancelFunc),
	}
}

func (a *EtcdAdapter) serverKey(id string) string { return a.cfg.KeyPrefix + "servers/" + id }
func (a *EtcdAdapter) roomKey(id string) string   { return a.cfg.KeyPrefix + "rooms/" + id }
func (a *EtcdAdapter) lockKey(name string) string { return a.cfg.KeyPrefix + "locks/" + name }
func (a *EtcdAdapter) eventsPrefix() string       { return a.cfg.KeyPrefix + "events/" }

func (a *EtcdAdapter) Connect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cli != nil {
		return nil
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   a.cfg.Endpoints,
		DialTimeout: a.cfg.DialTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "etcd connect")
	}
	a.cli = cli
	return nil
}

func (a *EtcdAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cli, lease, cancel := a.cli, a.leaseID, a.cancel
	watches := a.watches
	a.cli, a.leaseID, a.cancel = nil, 0, nil
	a.watches = make(map[string]context.CancelFunc)
	a.mu.Unlock()

	if cli == nil {
		return nil
	}
	for _, stop := range watches {
		stop()
	}
	if cancel != nil {
		cancel()
	}
	if lease != 0 {
		rctx, done := context.WithTimeout(ctx, time.Second)
		if _, err := cli.Revoke(rctx, lease); err != nil {
			a.log.Debugf("revoke lease: %v", err)
		}
		done()
	}
	return cli.Close()
}

func (a *EtcdAdapter) client() (*clientv3.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cli == nil {
		return nil, ErrNotConnected
	}
	return a.cli, nil
}

// lease returns the node lease, granting it and starting the keep alive on first use.
func (a *EtcdAdapter) lease(ctx context.Context) (*clientv3.Client, clientv3.LeaseID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cli == nil {
		return nil, 0, ErrNotConnected
	}
	if a.leaseID != 0 {
		return a.cli, a.leaseID, nil
	}

	ttl := int64(a.cfg.ServerTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	resp, err := a.cli.Grant(ctx, ttl)
	if err != nil {
		return nil, 0, errors.Wrap(err, "etcd grant")
	}

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := a.cli.KeepAlive(kctx, resp.ID)
	if err != nil {
		cancel()
		return nil, 0, errors.Wrap(err, "etcd keepalive")
	}
	go func() {
		for range ch {
		}
		if kctx.Err() == nil {
			a.log.Warnf("lease %x keepalive ended", resp.ID)
		}
	}()

	a.leaseID = resp.ID
	a.cancel = cancel
	return a.cli, a.leaseID, nil
}

// dropLease forgets a lease that etcd no longer knows, the next registration grants a new one.
func (a *EtcdAdapter) dropLease(id clientv3.LeaseID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.leaseID == id {
		if a.cancel != nil {
			a.cancel()
		}
		a.leaseID, a.cancel = 0, nil
	}
}

func (a *EtcdAdapter) put(ctx context.Context, key string, v any) error {
	cli, lease, err := a.lease(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	if _, err := cli.Put(ctx, key, string(data), clientv3.WithLease(lease)); err != nil {
		a.dropLease(lease)
		return errors.Wrapf(err, "put %s", key)
	}
	return nil
}

func (a *EtcdAdapter) get(ctx context.Context, key string, v any) (bool, error) {
	cli, err := a.client()
	if err != nil {
		return false, err
	}
	resp, err := cli.Get(ctx, key)
	if err != nil {
		return false, errors.Wrapf(err, "get %s", key)
	}
	if len(resp.Kvs) == 0 {
		return false, nil
	}
	return true, errors.Wrapf(json.Unmarshal(resp.Kvs[0].Value, v), "decode %s", key)
}

func (a *EtcdAdapter) delete(ctx context.Context, key string) error {
	cli, err := a.client()
	if err != nil {
		return err
	}
	_, err = cli.Delete(ctx, key)
	return errors.Wrapf(err, "delete %s", key)
}

func (a *EtcdAdapter) RegisterServer(ctx context.Context, s ServerRegistration) error {
	if s.LastHeartbeat.IsZero() {
		s.LastHeartbeat = time.Now()
	}
	return a.put(ctx, a.serverKey(s.ServerID), s)
}

func (a *EtcdAdapter) UnregisterServer(ctx context.Context, serverID string) error {
	return a.delete(ctx, a.serverKey(serverID))
}

func (a *EtcdAdapter) Heartbeat(ctx context.Context, serverID string, info HeartbeatInfo) error {
	var s ServerRegistration
	ok, err := a.get(ctx, a.serverKey(serverID), &s)
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
	return a.put(ctx, a.serverKey(serverID), s)
}

func (a *EtcdAdapter) UpdateServerStatus(ctx context.Context, serverID string, status ServerStatus) error {
	var s ServerRegistration
	ok, err := a.get(ctx, a.serverKey(serverID), &s)
	if err != nil {
		return err
	}
	if !ok {
		return ErrServerNotFound
	}
	s.Status = status
	return a.put(ctx, a.serverKey(serverID), s)
}

func list[T any](ctx context.Context, a *EtcdAdapter, prefix string) ([]T, error) {
	cli, err := a.client()
	if err != nil {
		return nil, err
	}
	resp, err := cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", prefix)
	}
	out := make([]T, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var v T
		if err := json.Unmarshal(kv.Value, &v); err != nil {
			a.log.Warnf("skip %s: %v", string(kv.Key), err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (a *EtcdAdapter) GetServers(ctx context.Context) ([]ServerRegistration, error) {
	servers, err := list[ServerRegistration](ctx, a, a.cfg.KeyPrefix+"servers/")
	if err != nil {
		return nil, err
	}
	sortServers(servers)
	return servers, nil
}

func (a *EtcdAdapter) GetServer(ctx context.Context, serverID string) (ServerRegistration, bool, error) {
	var s ServerRegistration
	ok, err := a.get(ctx, a.serverKey(serverID), &s)
	return s, ok, err
}

func (a *EtcdAdapter) RegisterRoom(ctx context.Context, r RoomRegistration) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	return a.put(ctx, a.roomKey(r.RoomID), r)
}

func (a *EtcdAdapter) UnregisterRoom(ctx context.Context, roomID string) error {
	return a.delete(ctx, a.roomKey(roomID))
}

func (a *EtcdAdapter) UpdateRoom(ctx context.Context, r RoomRegistration) error {
	var prev RoomRegistration
	ok, err := a.get(ctx, a.roomKey(r.RoomID), &prev)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRoomNotFound
	}
	r.CreatedAt = prev.CreatedAt
	r.UpdatedAt = time.Now()
	return a.put(ctx, a.roomKey(r.RoomID), r)
}

func (a *EtcdAdapter) GetRoom(ctx context.Context, roomID string) (RoomRegistration, bool, error) {
	var r RoomRegistration
	ok, err := a.get(ctx, a.roomKey(roomID), &r)
	return r, ok, err
}

func (a *EtcdAdapter) QueryRooms(ctx context.Context, q RoomQuery) ([]RoomRegistration, error) {
	rooms, err := list[RoomRegistration](ctx, a, a.cfg.KeyPrefix+"rooms/")
	if err != nil {
		return nil, err
	}
	rooms = lo.Filter(rooms, func(r RoomRegistration, _ int) bool { return q.Match(r) })
	sortRooms(rooms)
	return rooms, nil
}

func (a *EtcdAdapter) FindAvailableRoom(ctx context.Context, q RoomQuery) (RoomRegistration, bool, error) {
	rooms, err := list[RoomRegistration](ctx, a, a.cfg.KeyPrefix+"rooms/")
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

// Publish writes the event under the events prefix and deletes it right away;
// watchers only need the put.
func (a *EtcdAdapter) Publish(ctx context.Context, e Event) error {
	cli, err := a.client()
	if err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	key := a.eventsPrefix() + uuid.NewString()
	if _, err := cli.Put(ctx, key, string(data)); err != nil {
		return errors.Wrap(err, "publish event")
	}
	_, err = cli.Delete(ctx, key)
	return errors.Wrap(err, "clear event")
}

func (a *EtcdAdapter) Subscribe(ctx context.Context, h EventHandler) (func(), error) {
	cli, err := a.client()
	if err != nil {
		return nil, err
	}
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(context.WithoutCancel(ctx)))
	wch := cli.Watch(wctx, a.eventsPrefix(), clientv3.WithPrefix())

	id := uuid.NewString()
	a.mu.Lock()
	a.watches[id] = cancel
	a.mu.Unlock()

	go func() {
		for resp := range wch {
			if err := resp.Err(); err != nil {
				a.log.Warnf("event watch: %v", err)
				continue
			}
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				var e Event
				if err := json.Unmarshal(ev.Kv.Value, &e); err != nil {
					a.log.Warnf("invalid event: %v", err)
					continue
				}
				h(e)
			}
		}
	}()

	return func() {
		a.mu.Lock()
		delete(a.watches, id)
		a.mu.Unlock()
		cancel()
	}, nil
}

func (a *EtcdAdapter) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	cli, err := a.client()
	if err != nil {
		return "", false, err
	}
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	grant, err := cli.Grant(ctx, seconds)
	if err != nil {
		return "", false, errors.Wrap(err, "grant lock lease")
	}

	key := a.lockKey(name)
	token := uuid.NewString()
	resp, err := cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, token, clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		return "", false, errors.Wrapf(err, "acquire lock %s", name)
	}
	if !resp.Succeeded {
		_, _ = cli.Revoke(ctx, grant.ID)
		return "", false, nil
	}
	return token, true, nil
}

func (a *EtcdAdapter) ReleaseLock(ctx context.Context, name, token string) error {
	cli, err := a.client()
	if err != nil {
		return err
	}
	key := a.lockKey(name)
	_, err = cli.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", token)).
		Then(clientv3.OpDelete(key)).
		Commit()
	return errors.Wrapf(err, "release lock %s", name)
}
