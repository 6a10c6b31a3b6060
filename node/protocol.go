package node

import (
	"context"
	"encoding/json"

	"game_server/distributed"
	"game_server/room"
	"game_server/session"
)

// Request is one client frame
type Request struct {
	Action   string          `json:"action"` // "join", "join_by_id", "leave", "message"
	RoomType string          `json:"room_type,omitempty"`
	RoomID   string          `json:"room_id,omitempty"`
	PlayerID string          `json:"player_id,omitempty"`
	Type     string          `json:"type,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

// Response answers a Request. Room traffic uses room.Message instead.
type Response struct {
	Status   string `json:"status,omitempty"` // "ok" or "redirect"
	Action   string `json:"action,omitempty"`
	RoomID   string `json:"room_id,omitempty"`
	RoomType string `json:"room_type,omitempty"`
	ServerID string `json:"server_id,omitempty"`
	Address  string `json:"address,omitempty"`
	Port     int    `json:"port,omitempty"`
	Create   bool   `json:"create,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (n *GameNode) handleWSConnect(sess session.Session) {
	n.log.Debugf("session %s connected", sess.ID())
}

// handleWSClose drops the player from its room unless a newer session of the
// same player already took over.
func (n *GameNode) handleWSClose(sess session.Session) {
	playerID := sess.PlayerID()
	n.log.Debugf("session %s closed (player %q)", sess.ID(), playerID)
	if playerID == "" {
		return
	}
	if err := n.rooms.Disconnect(context.Background(), playerID, sess.ID()); err != nil {
		n.log.Warnf("leave %s on disconnect: %v", playerID, err)
	}
}

func (n *GameNode) handleWSMessage(sess session.Session, msg []byte) {
	var req Request
	if err := json.Unmarshal(msg, &req); err != nil {
		n.log.Debugf("invalid frame from %s: %v", sess.ID(), err)
		n.reply(sess, Response{Error: "invalid request"})
		return
	}

	// Bind session to player on first use (simplified auth)
	playerID := sess.PlayerID()
	switch {
	case playerID == "" && req.PlayerID != "":
		playerID = req.PlayerID
		sess.SetPlayerID(playerID)
	case playerID != "" && req.PlayerID != "" && req.PlayerID != playerID:
		n.reply(sess, Response{Action: req.Action, Error: "session bound to another player"})
		return
	}
	if playerID == "" {
		n.reply(sess, Response{Action: req.Action, Error: "player_id required"})
		return
	}

	ctx := context.Background()
	switch req.Action {
	case "join":
		res, err := n.joinOrCreate(ctx, req.RoomType, playerID, sess, req.Options)
		n.replyJoin(sess, req.Action, res, err)
	case "join_by_id":
		res, err := n.joinByID(ctx, req.RoomID, playerID, sess)
		n.replyJoin(sess, req.Action, res, err)
	case "leave":
		if err := n.rooms.Leave(ctx, playerID, room.ReasonLeave); err != nil {
			n.reply(sess, Response{Action: req.Action, Error: err.Error()})
			return
		}
		n.reply(sess, Response{Status: "ok", Action: req.Action})
	case "message":
		var data any
		if len(req.Data) > 0 {
			if err := json.Unmarshal(req.Data, &data); err != nil {
				n.reply(sess, Response{Action: req.Action, Error: "invalid data"})
				return
			}
		}
		n.rooms.HandleMessage(playerID, req.Type, data)
	default:
		n.reply(sess, Response{Action: req.Action, Error: "unknown action"})
	}
}

func (n *GameNode) replyJoin(sess session.Session, action string, res *distributed.JoinResult, err error) {
	if err != nil {
		n.log.Debugf("%s for %s: %v", action, sess.PlayerID(), err)
		n.reply(sess, Response{Action: action, Error: err.Error()})
		return
	}
	if r := res.Redirect; r != nil {
		n.reply(sess, Response{
			Status:   "redirect",
			Action:   action,
			RoomID:   r.RoomID,
			RoomType: r.RoomType,
			ServerID: r.ServerID,
			Address:  r.Address,
			Port:     r.Port,
			Create:   r.Create(),
		})
		return
	}
	b := res.Local.Room.Base()
	n.reply(sess, Response{Status: "ok", Action: action, RoomID: b.ID(), RoomType: b.Type()})
}

func (n *GameNode) reply(sess session.Session, resp Response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		n.log.Errorf("encode response: %v", err)
		return
	}
	if err := sess.Send(frame); err != nil {
		n.log.Debugf("reply to %s: %v", sess.ID(), err)
	}
}
