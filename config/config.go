package config

import (
	"fmt"
	"time"

	"github.com/go-ini/ini"
	"github.com/pkg/errors"
)

const (
	_DEFAULT_HOST               = "127.0.0.1"
	_DEFAULT_PORT               = 8080
	_DEFAULT_CAPACITY           = 100
	_DEFAULT_HEARTBEAT_INTERVAL = 5 * time.Second
	_DEFAULT_SERVER_TTL         = 15 * time.Second
	_DEFAULT_TX_TIMEOUT         = 30 * time.Second
	_DEFAULT_CLEANUP_INTERVAL   = time.Minute
	_DEFAULT_LOG_LEVEL          = "info"
)

// ServerConfig describes this node
type ServerConfig struct {
	ServerID    string `ini:"server_id"`
	Host        string `ini:"host"`
	Port        int    `ini:"port"`
	Capacity    int    `ini:"capacity"`
	MetricsPath string `ini:"metrics_path"`
}

// ClusterConfig selects and tunes the distributed adapter
type ClusterConfig struct {
	// Adapter is one of "none", "memory", "redis", "etcd"
	Adapter           string        `ini:"adapter"`
	HeartbeatInterval time.Duration `ini:"heartbeat_interval"`
	ServerTTL         time.Duration `ini:"server_ttl"`
	KeyPrefix         string        `ini:"key_prefix"`
}

type RedisConfig struct {
	Addr     string `ini:"addr"`
	Password string `ini:"password"`
	DB       int    `ini:"db"`
}

type EtcdConfig struct {
	Endpoints   []string      `ini:"endpoints" delim:","`
	DialTimeout time.Duration `ini:"dial_timeout"`
}

type RouterConfig struct {
	Strategy                 string  `ini:"strategy"`
	PreferLocal              bool    `ini:"prefer_local"`
	LocalPreferenceThreshold float64 `ini:"local_preference_threshold"`
}

type RateLimitConfig struct {
	Enabled              bool          `ini:"enabled"`
	Strategy             string        `ini:"strategy"`
	MessagesPerSecond    float64       `ini:"messages_per_second"`
	BurstSize            int           `ini:"burst_size"`
	DisconnectOnLimit    bool          `ini:"disconnect_on_limit"`
	MaxConsecutiveLimits int           `ini:"max_consecutive_limits"`
	CleanupInterval      time.Duration `ini:"cleanup_interval"`
}

type TransactionConfig struct {
	// Storage is one of "memory", "redis", "postgres"
	Storage        string        `ini:"storage"`
	DefaultTimeout time.Duration `ini:"default_timeout"`
}

type PostgresConfig struct {
	DSN string `ini:"dsn"`
}

type LogConfig struct {
	Level    string `ini:"level"`
	Encoding string `ini:"encoding"`
}

// Config is the whole node configuration
type Config struct {
	Server      ServerConfig
	Cluster     ClusterConfig
	Redis       RedisConfig
	Etcd        EtcdConfig
	Router      RouterConfig
	RateLimit   RateLimitConfig
	Transaction TransactionConfig
	Postgres    PostgresConfig
	Log         LogConfig
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        _DEFAULT_HOST,
			Port:        _DEFAULT_PORT,
			Capacity:    _DEFAULT_CAPACITY,
			MetricsPath: "/metrics",
		},
		Cluster: ClusterConfig{
			Adapter:           "none",
			HeartbeatInterval: _DEFAULT_HEARTBEAT_INTERVAL,
			ServerTTL:         _DEFAULT_SERVER_TTL,
			KeyPrefix:         "game",
		},
		Redis: RedisConfig{Addr: "127.0.0.1:6379"},
		Etcd: EtcdConfig{
			Endpoints:   []string{"127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
		},
		Router: RouterConfig{
			Strategy:                 "least-rooms",
			PreferLocal:              true,
			LocalPreferenceThreshold: 0.8,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			Strategy:          "token-bucket",
			MessagesPerSecond: 10,
			BurstSize:         20,
			CleanupInterval:   _DEFAULT_CLEANUP_INTERVAL,
		},
		Transaction: TransactionConfig{
			Storage:        "memory",
			DefaultTimeout: _DEFAULT_TX_TIMEOUT,
		},
		Log: LogConfig{
			Level:    _DEFAULT_LOG_LEVEL,
			Encoding: "console",
		},
	}
}

// Load reads an ini file over the defaults
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}
	return parse(f)
}

// LoadBytes parses ini content over the defaults
func LoadBytes(data []byte) (*Config, error) {
	f, err := ini.Load(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return parse(f)
}

func parse(f *ini.File) (*Config, error) {
	cfg := Default()
	sections := []struct {
		name string
		dst  interface{}
	}{
		{"server", &cfg.Server},
		{"cluster", &cfg.Cluster},
		{"redis", &cfg.Redis},
		{"etcd", &cfg.Etcd},
		{"router", &cfg.Router},
		{"ratelimit", &cfg.RateLimit},
		{"transaction", &cfg.Transaction},
		{"postgres", &cfg.Postgres},
		{"log", &cfg.Log},
	}
	for _, s := range sections {
		if !f.HasSection(s.name) {
			continue
		}
		if err := f.Section(s.name).MapTo(s.dst); err != nil {
			return nil, errors.Wrapf(err, "section [%s]", s.name)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that would otherwise fail late at runtime
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.Capacity <= 0 {
		return fmt.Errorf("server.capacity must be positive: %d", c.Server.Capacity)
	}
	switch c.Cluster.Adapter {
	case "none", "memory", "redis", "etcd":
	default:
		return fmt.Errorf("cluster.adapter unknown: %q", c.Cluster.Adapter)
	}
	switch c.Router.Strategy {
	case "round-robin", "least-rooms", "least-players", "random", "weighted":
	default:
		return fmt.Errorf("router.strategy unknown: %q", c.Router.Strategy)
	}
	switch c.Transaction.Storage {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("transaction.storage unknown: %q", c.Transaction.Storage)
	}
	if c.Transaction.Storage == "postgres" && c.Postgres.DSN == "" {
		return fmt.Errorf("transaction.storage=postgres requires postgres.dsn")
	}
	if c.RateLimit.Enabled && (c.RateLimit.MessagesPerSecond <= 0 || c.RateLimit.BurstSize <= 0) {
		return fmt.Errorf("ratelimit needs positive messages_per_second and burst_size")
	}
	return nil
}

// Addr returns host:port of this node
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
