package network_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"game_server/network"
	"game_server/session"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWSServer_RoundTrip(t *testing.T) {
	s := network.NewWSServer("127.0.0.1:0", zaptest.NewLogger(t))
	connected := make(chan session.Session, 1)
	closed := make(chan string, 1)
	s.SetOnConnect(func(sess session.Session) { connected <- sess })
	s.SetOnClose(func(sess session.Session) { closed <- sess.PlayerID() })
	s.SetHandler(func(sess session.Session, msg []byte) {
		sess.SetPlayerID("p1")
		_ = sess.Send(append([]byte("echo:"), msg...))
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	sess := <-connected
	assert.NotEmpty(t, sess.ID())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(msg))
	assert.Equal(t, "p1", sess.PlayerID())
	assert.Equal(t, 1, s.SessionCount())

	require.NoError(t, conn.Close())
	select {
	case pid := <-closed:
		assert.Equal(t, "p1", pid)
	case <-time.After(time.Second):
		t.Fatal("close callback not called")
	}
	assert.Eventually(t, func() bool { return s.SessionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestWSServer_ServerSideClose(t *testing.T) {
	s := network.NewWSServer("127.0.0.1:0", zaptest.NewLogger(t))
	connected := make(chan session.Session, 1)
	s.SetOnConnect(func(sess session.Session) { connected <- sess })
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	sess := <-connected

	require.NoError(t, sess.Send([]byte("bye")))
	require.NoError(t, sess.Close())
	assert.ErrorIs(t, sess.Send([]byte("late")), session.ErrClosed)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "bye", string(msg))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWSServer_Handle(t *testing.T) {
	s := network.NewWSServer("127.0.0.1:0", zaptest.NewLogger(t))
	s.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWSServer_ShutdownClosesSessions(t *testing.T) {
	s := network.NewWSServer("127.0.0.1:0", zaptest.NewLogger(t))
	connected := make(chan session.Session, 1)
	s.SetOnConnect(func(sess session.Session) { connected <- sess })
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	<-connected

	require.NoError(t, s.Shutdown(context.Background()))
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
