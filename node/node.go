package node

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"game_server/cluster"
	"game_server/config"
	"game_server/distributed"
	"game_server/logger"
	"game_server/metrics"
	"game_server/network"
	"game_server/ratelimit"
	"game_server/router"
	"game_server/service"
	"game_server/session"
	"game_server/transaction"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const _SHUTDOWN_TIMEOUT = 10 * time.Second

// GameNode is one server process: the room manager, the optional cluster
// membership, transactions and the websocket front.
type GameNode struct {
	config   *config.Config
	log      *zap.SugaredLogger
	rooms    *service.RoomManager
	cluster  *distributed.Manager
	tx       *transaction.Manager
	wsServer *network.WSServer

	redisClient *redis.Client
	postgres    *transaction.PostgresStorage
}

func NewGameNode(cfg *config.Config, l *zap.Logger) (*GameNode, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.L()
	}
	if cfg.Server.ServerID == "" {
		cfg.Server.ServerID = uuid.NewString()
	}
	n := &GameNode{
		config: cfg,
		log:    l.Sugar().Named("node").With("server", cfg.Server.ServerID),
	}

	clustered := cfg.Cluster.Adapter != "none"
	roomsCfg := service.Config{Logger: l, CleanupInterval: cfg.RateLimit.CleanupInterval}
	if clustered {
		roomsCfg.RoomIDPrefix = cfg.Server.ServerID + "/"
	}
	n.rooms = service.NewRoomManager(roomsCfg)

	if cfg.Cluster.Adapter == "redis" || cfg.Transaction.Storage == "redis" {
		n.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	storage, err := n.newStorage()
	if err != nil {
		n.close()
		return nil, err
	}
	n.tx = transaction.NewManager(transaction.Config{
		Storage:        storage,
		DefaultTimeout: cfg.Transaction.DefaultTimeout,
		ServerID:       cfg.Server.ServerID,
		Logger:         l,
	})

	if clustered {
		r, err := router.New(router.Config{
			Strategy:                 router.Strategy(cfg.Router.Strategy),
			PreferLocal:              cfg.Router.PreferLocal,
			LocalPreferenceThreshold: cfg.Router.LocalPreferenceThreshold,
		})
		if err != nil {
			n.close()
			return nil, err
		}
		n.cluster, err = distributed.New(n.rooms, n.newAdapter(l), distributed.Config{
			ServerID:          cfg.Server.ServerID,
			Address:           cfg.Server.Host,
			Port:              cfg.Server.Port,
			Capacity:          cfg.Server.Capacity,
			HeartbeatInterval: cfg.Cluster.HeartbeatInterval,
			ServerTTL:         cfg.Cluster.ServerTTL,
			Router:            r,
			Logger:            l,
		})
		if err != nil {
			n.close()
			return nil, err
		}
	}

	n.wsServer = network.NewWSServer(cfg.Addr(), l)
	n.wsServer.SetHandler(n.handleWSMessage)
	n.wsServer.SetOnConnect(n.handleWSConnect)
	n.wsServer.SetOnClose(n.handleWSClose)
	if cfg.Server.MetricsPath != "" {
		n.wsServer.Handle(cfg.Server.MetricsPath, metrics.Handler())
	}
	return n, nil
}

func (n *GameNode) newStorage() (transaction.Storage, error) {
	switch n.config.Transaction.Storage {
	case "redis":
		return transaction.NewRedisStorage(n.redisClient, n.config.Cluster.KeyPrefix+":"), nil
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), _SHUTDOWN_TIMEOUT)
		defer cancel()
		pg, err := transaction.NewPostgresStorage(ctx, n.config.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		n.postgres = pg
		return pg, nil
	}
	return transaction.NewMemoryStorage(), nil
}

func (n *GameNode) newAdapter(l *zap.Logger) cluster.Adapter {
	c := n.config.Cluster
	switch c.Adapter {
	case "redis":
		return cluster.NewRedisAdapter(n.redisClient, cluster.RedisAdapterConfig{
			KeyPrefix: c.KeyPrefix + ":",
			ServerTTL: c.ServerTTL,
			Logger:    l,
		})
	case "etcd":
		return cluster.NewEtcdAdapter(cluster.EtcdAdapterConfig{
			Endpoints:   n.config.Etcd.Endpoints,
			DialTimeout: n.config.Etcd.DialTimeout,
			KeyPrefix:   "/" + strings.Trim(c.KeyPrefix, "/") + "/",
			ServerTTL:   c.ServerTTL,
			Logger:      l,
		})
	}
	return cluster.NewMemoryAdapter(nil)
}

func (n *GameNode) Config() *config.Config {
	return n.config
}

func (n *GameNode) Rooms() *service.RoomManager {
	return n.rooms
}

// Cluster is nil when the node runs without an adapter.
func (n *GameNode) Cluster() *distributed.Manager {
	return n.cluster
}

func (n *GameNode) Transactions() *transaction.Manager {
	return n.tx
}

func (n *GameNode) WSServer() *network.WSServer {
	return n.wsServer
}

// RateLimit is the configured room wide rate limit, nil when disabled.
func (n *GameNode) RateLimit() *ratelimit.Config {
	rl := n.config.RateLimit
	if !rl.Enabled {
		return nil
	}
	return &ratelimit.Config{
		MessagesPerSecond:    rl.MessagesPerSecond,
		BurstSize:            rl.BurstSize,
		Strategy:             ratelimit.StrategyType(rl.Strategy),
		DisconnectOnLimit:    rl.DisconnectOnLimit,
		MaxConsecutiveLimits: rl.MaxConsecutiveLimits,
		CleanupInterval:      rl.CleanupInterval,
	}
}

// Start joins the cluster and serves websocket clients in the background.
func (n *GameNode) Start(ctx context.Context) error {
	if n.cluster != nil {
		if err := n.cluster.Start(ctx); err != nil {
			return errors.Wrap(err, "start cluster")
		}
	}

	go func() {
		if err := n.wsServer.Start(); err != nil {
			n.log.Fatalf("ws server failed: %v", err)
		}
	}()
	n.log.Infof("node started on %s", n.config.Addr())
	return nil
}

// Stop leaves the cluster, closes every connection and disposes all rooms.
func (n *GameNode) Stop(ctx context.Context) {
	if n.cluster != nil {
		if err := n.cluster.Stop(ctx); err != nil {
			n.log.Warnf("stop cluster: %v", err)
		}
	}
	if err := n.wsServer.Shutdown(ctx); err != nil {
		n.log.Warnf("shutdown ws server: %v", err)
	}
	n.rooms.Close(ctx)
	n.close()
	n.log.Infof("node stopped")
}

func (n *GameNode) close() {
	if n.postgres != nil {
		n.postgres.Close()
	}
	if n.redisClient != nil {
		n.redisClient.Close()
	}
}

func (n *GameNode) Wait() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	sig := <-c
	n.log.Infof("received %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), _SHUTDOWN_TIMEOUT)
	defer cancel()
	n.Stop(ctx)
}

func (n *GameNode) joinOrCreate(ctx context.Context, roomType, playerID string, sess session.Session, options map[string]any) (*distributed.JoinResult, error) {
	if n.cluster != nil {
		return n.cluster.JoinOrCreate(ctx, roomType, playerID, sess, options)
	}
	res, err := n.rooms.JoinOrCreate(ctx, roomType, playerID, sess, options)
	if err != nil {
		return nil, err
	}
	return &distributed.JoinResult{Local: res}, nil
}

func (n *GameNode) joinByID(ctx context.Context, roomID, playerID string, sess session.Session) (*distributed.JoinResult, error) {
	if n.cluster != nil {
		return n.cluster.JoinByID(ctx, roomID, playerID, sess)
	}
	res, err := n.rooms.JoinByID(ctx, roomID, playerID, sess)
	if err != nil {
		return nil, err
	}
	return &distributed.JoinResult{Local: res}, nil
}
