package node_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"game_server/config"
	"game_server/node"
	"game_server/room"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type echoRoom struct {
	*room.BaseRoom
}

func newEchoRoom(b *room.BaseRoom) room.Room {
	r := &echoRoom{BaseRoom: b}
	r.OnMessage("echo", func(p *room.Player, data any) {
		_ = p.Send("echo", data)
	})
	return r
}

func newNode(t *testing.T, adapter string) (*node.GameNode, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.ServerID = "n1"
	cfg.Cluster.Adapter = adapter
	n, err := node.NewGameNode(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	n.Rooms().Define("echo", newEchoRoom, room.WithMaxPlayers(4))

	if n.Cluster() != nil {
		require.NoError(t, n.Cluster().Start(context.Background()))
	}
	srv := httptest.NewServer(n.WSServer().Handler())
	t.Cleanup(func() {
		srv.Close()
		n.Stop(context.Background())
	})
	return n, srv
}

// client reads newline separated frames, several may share one websocket message
type client struct {
	t       *testing.T
	conn    *websocket.Conn
	pending [][]byte
}

func connect(t *testing.T, srv *httptest.Server) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(req node.Request) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(req))
}

func (c *client) next() []byte {
	c.t.Helper()
	if len(c.pending) == 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		c.pending = bytes.Split(msg, []byte{'\n'})
	}
	frame := c.pending[0]
	c.pending = c.pending[1:]
	return frame
}

func (c *client) response() node.Response {
	c.t.Helper()
	var resp node.Response
	require.NoError(c.t, json.Unmarshal(c.next(), &resp))
	return resp
}

func TestNode_JoinMessageLeave(t *testing.T) {
	_, srv := newNode(t, "none")
	c := connect(t, srv)

	c.send(node.Request{Action: "join", RoomType: "echo", PlayerID: "p1"})
	resp := c.response()
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "join", resp.Action)
	assert.Equal(t, "room_1", resp.RoomID)
	assert.Equal(t, "echo", resp.RoomType)

	c.send(node.Request{Action: "message", Type: "echo", Data: json.RawMessage(`{"n":1}`)})
	var msg room.Message
	require.NoError(t, json.Unmarshal(c.next(), &msg))
	assert.Equal(t, "echo", msg.Type)
	assert.Equal(t, map[string]any{"n": float64(1)}, msg.Data)

	c.send(node.Request{Action: "leave"})
	resp = c.response()
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "leave", resp.Action)
}

func TestNode_Errors(t *testing.T) {
	_, srv := newNode(t, "none")
	c := connect(t, srv)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, "invalid request", c.response().Error)

	c.send(node.Request{Action: "join", RoomType: "echo"})
	assert.Equal(t, "player_id required", c.response().Error)

	c.send(node.Request{Action: "join", RoomType: "chess", PlayerID: "p1"})
	assert.Equal(t, "room type not defined", c.response().Error)

	c.send(node.Request{Action: "join_by_id", RoomID: "room_9"})
	assert.Equal(t, "room not found", c.response().Error)

	c.send(node.Request{Action: "join", RoomType: "echo", PlayerID: "p2"})
	assert.Equal(t, "session bound to another player", c.response().Error)

	c.send(node.Request{Action: "dance"})
	assert.Equal(t, "unknown action", c.response().Error)
}

func TestNode_DisconnectLeavesRoom(t *testing.T) {
	n, srv := newNode(t, "none")
	c := connect(t, srv)

	c.send(node.Request{Action: "join", RoomType: "echo", PlayerID: "p1"})
	require.Equal(t, "ok", c.response().Status)
	_, ok := n.Rooms().GetPlayerRoom("p1")
	require.True(t, ok)

	require.NoError(t, c.conn.Close())
	assert.Eventually(t, func() bool {
		_, ok := n.Rooms().GetPlayerRoom("p1")
		return !ok && len(n.Rooms().Rooms()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNode_ReconnectKeepsPlayer(t *testing.T) {
	n, srv := newNode(t, "none")
	old := connect(t, srv)
	old.send(node.Request{Action: "join", RoomType: "echo", PlayerID: "p1"})
	roomID := old.response().RoomID

	fresh := connect(t, srv)
	fresh.send(node.Request{Action: "join", RoomType: "echo", PlayerID: "p1"})
	resp := fresh.response()
	require.Equal(t, "ok", resp.Status)
	assert.Equal(t, roomID, resp.RoomID)

	// the replaced connection is closed by the server
	_ = old.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := old.conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
	}
	require.Eventually(t, func() bool {
		return n.WSServer().SessionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool {
		_, ok := n.Rooms().GetPlayerRoom("p1")
		return !ok
	}, 200*time.Millisecond, 10*time.Millisecond)

	fresh.send(node.Request{Action: "message", Type: "echo", Data: json.RawMessage(`{"n":2}`)})
	var msg room.Message
	require.NoError(t, json.Unmarshal(fresh.next(), &msg))
	assert.Equal(t, "echo", msg.Type)
	assert.Equal(t, map[string]any{"n": float64(2)}, msg.Data)
}

func TestNode_JoinByID(t *testing.T) {
	_, srv := newNode(t, "none")
	a, b := connect(t, srv), connect(t, srv)

	a.send(node.Request{Action: "join", RoomType: "echo", PlayerID: "p1"})
	roomID := a.response().RoomID

	b.send(node.Request{Action: "join_by_id", RoomID: roomID, PlayerID: "p2"})
	resp := b.response()
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, roomID, resp.RoomID)
}

func TestNode_ClusteredRoomIDs(t *testing.T) {
	n, srv := newNode(t, "memory")
	require.NotNil(t, n.Cluster())
	c := connect(t, srv)

	c.send(node.Request{Action: "join", RoomType: "echo", PlayerID: "p1"})
	resp := c.response()
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "n1/room_1", resp.RoomID)
}

func TestNode_Metrics(t *testing.T) {
	_, srv := newNode(t, "none")
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "game_players_active")
}

func TestNode_RateLimitConfig(t *testing.T) {
	n, _ := newNode(t, "none")
	rl := n.RateLimit()
	require.NotNil(t, rl)
	assert.InDelta(t, 10, rl.MessagesPerSecond, 1e-9)
	assert.Equal(t, 20, rl.BurstSize)

	n.Config().RateLimit.Enabled = false
	assert.Nil(t, n.RateLimit())
}

func TestNewGameNode_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Cluster.Adapter = "zookeeper"
	_, err := node.NewGameNode(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}
