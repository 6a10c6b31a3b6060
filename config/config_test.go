package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[server]
server_id = node-7
port = 9001
capacity = 50

[cluster]
adapter = etcd
heartbeat_interval = 2s

[etcd]
endpoints = 10.0.0.1:2379,10.0.0.2:2379

[router]
strategy = round-robin
prefer_local = false

[ratelimit]
strategy = sliding-window
messages_per_second = 5
burst_size = 5
disconnect_on_limit = true
max_consecutive_limits = 3
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.ini")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-7", cfg.Server.ServerID)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Server.Capacity)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host, "unset keys keep defaults")
	assert.Equal(t, "etcd", cfg.Cluster.Adapter)
	assert.Equal(t, 2*time.Second, cfg.Cluster.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, cfg.Cluster.ServerTTL)
	assert.Equal(t, []string{"10.0.0.1:2379", "10.0.0.2:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, "round-robin", cfg.Router.Strategy)
	assert.False(t, cfg.Router.PreferLocal)
	assert.InDelta(t, 0.8, cfg.Router.LocalPreferenceThreshold, 1e-9)
	assert.Equal(t, "sliding-window", cfg.RateLimit.Strategy)
	assert.True(t, cfg.RateLimit.DisconnectOnLimit)
	assert.Equal(t, 3, cfg.RateLimit.MaxConsecutiveLimits)
	assert.Equal(t, "127.0.0.1:9001", cfg.Addr())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.ini"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		ini  string
	}{
		{"bad port", "[server]\nport = 70000\n"},
		{"bad adapter", "[cluster]\nadapter = zookeeper\n"},
		{"bad router strategy", "[router]\nstrategy = fastest\n"},
		{"postgres without dsn", "[transaction]\nstorage = postgres\n"},
		{"zero rate", "[ratelimit]\nmessages_per_second = 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.ini))
			require.Error(t, err)
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}
