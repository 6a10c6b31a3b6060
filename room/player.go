package room

import (
	"encoding/json"
	"time"

	"game_server/session"

	"github.com/pkg/errors"
)

// Message is the envelope of every frame a room sends to a client.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Encode builds the wire frame for msgType
func Encode(msgType string, data any) ([]byte, error) {
	frame, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", msgType)
	}
	return frame, nil
}

// Player is a connection bound to one room.
type Player struct {
	ID     string
	RoomID string
	// Session changes on the room actor only, when the player reconnects.
	Session  session.Session
	JoinedAt time.Time
	// Data is free for room logic. Only touch it on the room actor.
	Data map[string]any

	send func(p *Player, frame []byte) error
}

func NewPlayer(id string, sess session.Session) *Player {
	return &Player{
		ID:      id,
		Session: sess,
		Data:    make(map[string]any),
	}
}

// Send delivers one message to this player only.
func (p *Player) Send(msgType string, data any) error {
	frame, err := Encode(msgType, data)
	if err != nil {
		return err
	}
	return p.sendFrame(frame)
}

func (p *Player) sendFrame(frame []byte) error {
	if p.send != nil {
		return p.send(p, frame)
	}
	return SessionSend(p, frame)
}

// SessionSend is the default send path: straight to the player's session.
func SessionSend(p *Player, frame []byte) error {
	if p.Session == nil {
		return session.ErrClosed
	}
	return p.Session.Send(frame)
}
