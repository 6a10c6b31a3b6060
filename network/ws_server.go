package network

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"game_server/logger"
	"game_server/session"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	_SEND_BUFFER      = 256
	_MAX_MESSAGE_SIZE = 64 << 10
	_WRITE_WAIT       = 10 * time.Second
)

var ErrSendBufferFull = errors.New("send buffer full")

type WSServer struct {
	addr     string
	path     string
	mux      *http.ServeMux
	srv      *http.Server
	upgrader websocket.Upgrader
	log      *zap.SugaredLogger

	handler   func(sess session.Session, msg []byte)
	onConnect func(sess session.Session)
	onClose   func(sess session.Session)

	mu       sync.Mutex
	sessions map[string]*wsSession
}

// NewWSServer serves websocket clients on addr under /ws. More routes can be
// mounted with Handle.
func NewWSServer(addr string, l *zap.Logger) *WSServer {
	s := &WSServer{
		addr: addr,
		path: "/ws",
		mux:  http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
		log:      logger.OrDefault(l, "ws"),
		sessions: make(map[string]*wsSession),
	}
	s.mux.HandleFunc(s.path, s.handleWS)
	s.srv = &http.Server{Addr: addr, Handler: s.mux}
	return s
}

func (s *WSServer) SetHandler(h func(sess session.Session, msg []byte)) {
	s.handler = h
}

func (s *WSServer) SetOnConnect(h func(sess session.Session)) {
	s.onConnect = h
}

func (s *WSServer) SetOnClose(h func(sess session.Session)) {
	s.onClose = h
}

// Handle mounts h next to the websocket endpoint
func (s *WSServer) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

func (s *WSServer) Handler() http.Handler {
	return s.mux
}

// Start blocks serving until Shutdown.
func (s *WSServer) Start() error {
	s.log.Infof("listening on %s", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and closes every open session.
func (s *WSServer) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.mu.Lock()
	open := make([]*wsSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		_ = sess.Close()
	}
	return err
}

func (s *WSServer) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *WSServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(_MAX_MESSAGE_SIZE)

	sess := newWSSession(conn)
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	if s.onConnect != nil {
		s.onConnect(sess)
	}

	defer func() {
		_ = sess.Close()
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		if s.onClose != nil {
			s.onClose(sess)
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debugf("session %s read: %v", sess.id, err)
			}
			break
		}
		if s.handler != nil {
			s.handler(sess, message)
		}
	}
}

type wsSession struct {
	id       string
	conn     *websocket.Conn
	sendChan chan []byte

	mu       sync.Mutex
	playerID string
	closed   bool
}

func newWSSession(conn *websocket.Conn) *wsSession {
	sess := &wsSession{
		id:       uuid.NewString(),
		conn:     conn,
		sendChan: make(chan []byte, _SEND_BUFFER),
	}
	go sess.writePump()
	return sess
}

func (s *wsSession) writePump() {
	defer func() {
		s.conn.Close()
	}()
	for msg := range s.sendChan {
		_ = s.conn.SetWriteDeadline(time.Now().Add(_WRITE_WAIT))
		w, err := s.conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return
		}
		w.Write(msg)

		// Add queued messages to the current websocket message
		n := len(s.sendChan)
		for i := 0; i < n; i++ {
			w.Write([]byte{'\n'})
			w.Write(<-s.sendChan)
		}

		if err := w.Close(); err != nil {
			return
		}
	}
	// The channel was closed
	_ = s.conn.SetWriteDeadline(time.Now().Add(_WRITE_WAIT))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *wsSession) ID() string {
	return s.id
}

func (s *wsSession) PlayerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playerID
}

func (s *wsSession) SetPlayerID(playerID string) {
	s.mu.Lock()
	s.playerID = playerID
	s.mu.Unlock()
}

func (s *wsSession) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return session.ErrClosed
	}

	select {
	case s.sendChan <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close flushes queued frames, sends a close frame and drops the connection.
func (s *wsSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.sendChan)
	return nil
}
