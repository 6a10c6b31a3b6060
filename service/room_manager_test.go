package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"game_server/ratelimit"
	"game_server/room"
	"game_server/service"
	"game_server/session"

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
	r.OnMessage("close", func(*room.Player, any) {
		r.Dispose()
	})
	return r
}

func newManager(t *testing.T) *service.RoomManager {
	t.Helper()
	m := service.NewRoomManager(service.Config{Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func joinOrCreate(t *testing.T, m *service.RoomManager, name, playerID string) (*service.JoinResult, *session.Recorder) {
	t.Helper()
	rec := session.NewRecorder("s-" + playerID)
	res, err := m.JoinOrCreate(context.Background(), name, playerID, rec, nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res, rec
}

type eventLog struct {
	room.NopObserver
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) OnRoomCreated(r room.Room)  { l.add("created:" + r.Base().ID()) }
func (l *eventLog) OnRoomDisposed(r room.Room) { l.add("disposed:" + r.Base().ID()) }
func (l *eventLog) OnPlayerJoined(r room.Room, p *room.Player) {
	l.add("joined:" + p.ID + "@" + r.Base().ID())
}
func (l *eventLog) OnPlayerLeft(r room.Room, p *room.Player, reason string) {
	l.add("left:" + p.ID + "@" + r.Base().ID() + ":" + reason)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestJoinOrCreate_FullRoomSpawnsNewRoom(t *testing.T) {
	m := newManager(t)
	m.Define("duel", newEchoRoom, room.WithMaxPlayers(2))

	a, _ := joinOrCreate(t, m, "duel", "A")
	b, _ := joinOrCreate(t, m, "duel", "B")
	c, _ := joinOrCreate(t, m, "duel", "C")

	assert.Equal(t, "room_1", a.Room.Base().ID())
	assert.Equal(t, "room_1", b.Room.Base().ID())
	assert.Equal(t, "room_2", c.Room.Base().ID())
	assert.Equal(t, 2, a.Room.Base().PlayerCount())
	assert.Equal(t, 1, c.Room.Base().PlayerCount())
	assert.Len(t, m.RoomsByType("duel"), 2)
}

func TestJoinOrCreate_UnknownType(t *testing.T) {
	m := newManager(t)
	res, err := m.JoinOrCreate(context.Background(), "nope", "A", nil, nil)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, service.ErrRoomTypeNotDefined)

	r, err := m.Create(context.Background(), "nope", nil)
	assert.Nil(t, r)
	assert.ErrorIs(t, err, service.ErrRoomTypeNotDefined)
}

func TestJoinOrCreate_ConcurrentRespectsCapacity(t *testing.T) {
	m := newManager(t)
	m.Define("squad", newEchoRoom, room.WithMaxPlayers(4))

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.JoinOrCreate(context.Background(), "squad", fmt.Sprintf("p%d", i), nil, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range m.RoomsByType("squad") {
		assert.LessOrEqual(t, r.Base().PlayerCount(), 4)
		total += r.Base().PlayerCount()
	}
	assert.Equal(t, 64, total)
	assert.Equal(t, 64, m.Stats().Players)
}

func TestPlayerHasSingleRoom(t *testing.T) {
	m := newManager(t)
	m.Define("lobby", newEchoRoom, room.WithMaxPlayers(1), room.WithAutoDispose(false))
	ctx := context.Background()

	first, _ := joinOrCreate(t, m, "lobby", "A")
	second, err := m.JoinOrCreate(ctx, "lobby", "A", nil, nil)
	require.NoError(t, err)
	// still the same room, the player is already in it
	assert.Equal(t, first.Room.Base().ID(), second.Room.Base().ID())

	other, err := m.Create(ctx, "lobby", nil)
	require.NoError(t, err)
	_, err = m.JoinByID(ctx, other.Base().ID(), "A", nil)
	require.NoError(t, err)

	r, ok := m.GetPlayerRoom("A")
	require.True(t, ok)
	assert.Equal(t, other.Base().ID(), r.Base().ID())
	assert.Equal(t, 0, first.Room.Base().PlayerCount())

	require.NoError(t, m.Leave(ctx, "A", room.ReasonLeave))
	_, ok = m.GetPlayerRoom("A")
	assert.False(t, ok)
	assert.NoError(t, m.Leave(ctx, "A", room.ReasonLeave))
}

func TestJoinOrCreate_ReconnectMovesSession(t *testing.T) {
	m := newManager(t)
	m.Define("lobby", newEchoRoom, room.WithMaxPlayers(1))
	ctx := context.Background()

	first, old := joinOrCreate(t, m, "lobby", "A")
	fresh := session.NewRecorder("s-A-2")
	second, err := m.JoinOrCreate(ctx, "lobby", "A", fresh, nil)
	require.NoError(t, err)
	assert.Same(t, first.Room, second.Room)
	assert.Same(t, first.Player, second.Player)
	assert.True(t, old.Closed())
	assert.Equal(t, "A", fresh.PlayerID())

	m.HandleMessage("A", "echo", "hi")
	assert.Eventually(t, func() bool { return len(fresh.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, old.Sent())

	// the stale connection closing does not take the player out
	require.NoError(t, m.Disconnect(ctx, "A", old.ID()))
	r, ok := m.GetPlayerRoom("A")
	require.True(t, ok)
	assert.Equal(t, 1, r.Base().PlayerCount())

	require.NoError(t, m.Disconnect(ctx, "A", fresh.ID()))
	_, ok = m.GetPlayerRoom("A")
	assert.False(t, ok)
	assert.Eventually(t, func() bool {
		_, ok := m.GetRoom(first.Room.Base().ID())
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestJoinByID_Errors(t *testing.T) {
	m := newManager(t)
	m.Define("duel", newEchoRoom, room.WithMaxPlayers(1))
	ctx := context.Background()

	_, err := m.JoinByID(ctx, "room_404", "A", nil)
	assert.ErrorIs(t, err, service.ErrRoomNotFound)

	res, _ := joinOrCreate(t, m, "duel", "A")
	_, err = m.JoinByID(ctx, res.Room.Base().ID(), "B", nil)
	assert.ErrorIs(t, err, room.ErrRoomFull)

	res.Room.Base().Lock()
	_, err = m.JoinByID(ctx, res.Room.Base().ID(), "C", nil)
	assert.ErrorIs(t, err, room.ErrRoomLocked)
	_, ok := m.GetPlayerRoom("C")
	assert.False(t, ok)
}

func TestJoinOrCreate_SkipsLockedRooms(t *testing.T) {
	m := newManager(t)
	m.Define("arena", newEchoRoom)

	a, _ := joinOrCreate(t, m, "arena", "A")
	a.Room.Base().Lock()
	b, _ := joinOrCreate(t, m, "arena", "B")
	assert.NotEqual(t, a.Room.Base().ID(), b.Room.Base().ID())
}

func TestLeave_AutoDisposesEmptyRoom(t *testing.T) {
	m := newManager(t)
	events := &eventLog{}
	m.AddObserver(events)
	m.Define("arena", newEchoRoom)
	ctx := context.Background()

	res, _ := joinOrCreate(t, m, "arena", "A")
	id := res.Room.Base().ID()
	require.NoError(t, m.Leave(ctx, "A", "bye"))

	_, ok := m.GetRoom(id)
	assert.False(t, ok)
	assert.True(t, res.Room.Base().Disposed())
	assert.Equal(t, []string{
		"created:" + id,
		"joined:A@" + id,
		"left:A@" + id + ":bye",
		"disposed:" + id,
	}, events.list())
}

func TestHandleMessage(t *testing.T) {
	m := newManager(t)
	m.Define("arena", newEchoRoom)

	_, rec := joinOrCreate(t, m, "arena", "A")
	m.HandleMessage("A", "echo", "hi")
	m.HandleMessage("nobody", "echo", "lost")

	assert.Eventually(t, func() bool { return len(rec.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"type":"echo","data":"hi"}`, string(rec.Sent()[0]))
}

func TestHandleMessage_RoomDisposesItself(t *testing.T) {
	m := newManager(t)
	m.Define("arena", newEchoRoom)

	res, _ := joinOrCreate(t, m, "arena", "A")
	m.HandleMessage("A", "close", nil)

	assert.Eventually(t, func() bool {
		_, ok := m.GetRoom(res.Room.Base().ID())
		return !ok
	}, time.Second, 5*time.Millisecond)
	_, ok := m.GetPlayerRoom("A")
	assert.False(t, ok)
}

func TestHandleMessage_RateLimitKick(t *testing.T) {
	m := newManager(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.Define("arena", newEchoRoom, room.WithRateLimit(ratelimit.Config{
		MessagesPerSecond:    2,
		BurstSize:            2,
		DisconnectOnLimit:    true,
		MaxConsecutiveLimits: 3,
	}, ratelimit.WithClock(func() time.Time { return now })))

	res, rec := joinOrCreate(t, m, "arena", "A")
	for i := 0; i < 5; i++ {
		m.HandleMessage("A", "echo", i)
	}

	assert.Eventually(t, rec.Closed, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, ok := m.GetPlayerRoom("A")
		return !ok
	}, time.Second, 5*time.Millisecond)

	// two echoes and three rate limit errors
	frames := rec.Sent()
	require.Len(t, frames, 5)
	assert.Contains(t, string(frames[2]), "RATE_LIMITED")

	// the room emptied and auto disposes
	assert.Eventually(t, func() bool {
		_, ok := m.GetRoom(res.Room.Base().ID())
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestKick(t *testing.T) {
	m := newManager(t)
	m.Define("arena", newEchoRoom, room.WithAutoDispose(false))
	ctx := context.Background()

	res, rec := joinOrCreate(t, m, "arena", "A")
	assert.True(t, m.Kick(ctx, "A", room.ReasonKicked))
	assert.False(t, m.Kick(ctx, "A", room.ReasonKicked))
	assert.True(t, rec.Closed())
	assert.Equal(t, 0, res.Room.Base().PlayerCount())
	_, ok := m.GetPlayerRoom("A")
	assert.False(t, ok)
}

func TestMaxLifetime(t *testing.T) {
	m := newManager(t)
	m.Define("timed", newEchoRoom, room.WithMaxLifetime(50*time.Millisecond))

	res, rec := joinOrCreate(t, m, "timed", "A")
	assert.Eventually(t, func() bool {
		_, ok := m.GetRoom(res.Room.Base().ID())
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := m.GetPlayerRoom("A")
	assert.False(t, ok)
	assert.False(t, rec.Closed())
}

func TestDefine_Redefinition(t *testing.T) {
	m := newManager(t)
	m.Define("arena", newEchoRoom, room.WithMaxPlayers(2))
	m.Define("arena", newEchoRoom, room.WithMaxPlayers(5))

	def, ok := m.Definition("arena")
	require.True(t, ok)
	assert.Equal(t, 5, def.MaxPlayers)

	res, _ := joinOrCreate(t, m, "arena", "A")
	assert.Equal(t, 5, res.Room.Base().MaxPlayers())
}

func TestStatsAndClose(t *testing.T) {
	m := service.NewRoomManager(service.Config{Logger: zaptest.NewLogger(t)})
	m.Define("a", newEchoRoom)
	m.Define("b", newEchoRoom)

	joinOrCreate(t, m, "a", "p1")
	joinOrCreate(t, m, "a", "p2")
	joinOrCreate(t, m, "b", "p3")

	stats := m.Stats()
	assert.Equal(t, 2, stats.Rooms)
	assert.Equal(t, 3, stats.Players)
	assert.Equal(t, 2, stats.Definitions)
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, stats.RoomsByType)

	m.Close(context.Background())
	assert.Empty(t, m.Rooms())
	assert.Equal(t, 0, m.PlayerCount())
	_, err := m.Create(context.Background(), "a", nil)
	assert.ErrorIs(t, err, service.ErrClosed)
}
