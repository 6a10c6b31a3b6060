package session

// Session is the connection handle a player is bound to
type Session interface {
	ID() string
	PlayerID() string
	SetPlayerID(playerID string)
	Send(msg []byte) error
	Close() error
}
