package session

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("session closed")

// Recorder is an in-process Session that keeps every sent frame.
// Bots and tests attach it where a network connection would be.
type Recorder struct {
	id       string
	mu       sync.Mutex
	playerID string
	sent     [][]byte
	closed   bool
}

func NewRecorder(id string) *Recorder {
	return &Recorder{id: id}
}

func (r *Recorder) ID() string {
	return r.id
}

func (r *Recorder) PlayerID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playerID
}

func (r *Recorder) SetPlayerID(playerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playerID = playerID
}

func (r *Recorder) Send(msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	r.sent = append(r.sent, cp)
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Sent returns a copy of all frames sent so far
func (r *Recorder) Sent() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.sent))
	copy(out, r.sent)
	return out
}

func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
