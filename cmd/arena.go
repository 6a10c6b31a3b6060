package main

import (
	"context"
	"encoding/json"
	"time"

	"game_server/match"
	"game_server/ratelimit"
	"game_server/room"
	"game_server/service"
	"game_server/transaction"

	"github.com/pkg/errors"
)

const (
	_ARENA_MAX_PLAYERS = 8
	_ARENA_LIFETIME    = 30 * time.Minute
	_DAILY_BONUS       = 100
	_GOLD              = "gold"
)

var errNotInMatch = errors.New("player is not part of this match")

// arenaRoom is the demo room type: chat, a daily gold bonus and a shop whose
// purchases run as transactions. Rooms created with match info only admit the
// rostered players.
type arenaRoom struct {
	*room.BaseRoom
	roster *match.Info
}

type buyRequest struct {
	Item     string `json:"item"`
	Price    int64  `json:"price"`
	Quantity int64  `json:"quantity"`
}

func defineArena(rooms *service.RoomManager, rl *ratelimit.Config, tx *transaction.Manager) {
	opts := []room.DefineOption{
		room.WithMaxPlayers(_ARENA_MAX_PLAYERS),
		room.WithMaxLifetime(_ARENA_LIFETIME),
		room.WithTransactions(tx),
		room.WithMetadata(map[string]any{"mode": "arena"}),
	}
	if rl != nil {
		opts = append(opts, room.WithRateLimit(*rl))
	}
	rooms.Define("arena", newArenaRoom, opts...)
}

func newArenaRoom(b *room.BaseRoom) room.Room {
	r := &arenaRoom{BaseRoom: b}
	r.OnMessage("ping", func(p *room.Player, data any) {
		_ = p.Send("pong", data)
	}, room.NoRateLimit())
	r.OnMessage("chat", r.onChat)
	r.OnMessage("bonus", r.onBonus, room.RateLimit(ratelimit.Config{MessagesPerSecond: 1, BurstSize: 1}))
	r.OnMessage("buy", r.onBuy)
	return r
}

func (r *arenaRoom) OnCreate(_ context.Context, options map[string]any) error {
	info, ok, err := match.FromOptions(options)
	if err != nil {
		return err
	}
	if ok {
		r.roster = info
		r.Logger().Infof("arena for match %s with %d players", info.MatchID, len(info.Players))
	}
	return nil
}

func (r *arenaRoom) OnJoin(p *room.Player, _ map[string]any) error {
	if r.roster != nil {
		mp, ok := r.roster.Player(p.ID)
		if !ok {
			return errNotInMatch
		}
		p.Data["camp"] = mp.Camp
		if r.PlayerCount() == len(r.roster.Players) {
			r.Lock()
		}
	}
	return r.Broadcast("joined", map[string]any{"player": p.ID, "camp": p.Data["camp"]}, p.ID)
}

func (r *arenaRoom) OnLeave(p *room.Player, reason string) {
	_ = r.Broadcast("left", map[string]any{"player": p.ID, "reason": reason})
}

func (r *arenaRoom) onChat(p *room.Player, data any) {
	_ = r.Broadcast("chat", map[string]any{"from": p.ID, "text": data})
}

func (r *arenaRoom) onBonus(p *room.Player, _ any) {
	res := r.RunTransaction(context.Background(), func(tx *transaction.Context) error {
		tx.AddOperation(transaction.NewCurrencyOperation(transaction.CurrencyData{
			Action:   transaction.CurrencyAdd,
			PlayerID: p.ID,
			Currency: _GOLD,
			Amount:   _DAILY_BONUS,
			Reason:   "daily_bonus",
		}))
		return nil
	})
	r.reply(p, "bonus", res)
}

func (r *arenaRoom) onBuy(p *room.Player, data any) {
	var req buyRequest
	if err := decode(data, &req); err != nil || req.Item == "" || req.Price <= 0 {
		_ = p.Send("buy_failed", map[string]any{"code": transaction.CodeValidationFailed, "error": "invalid buy request"})
		return
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	res := r.RunTransaction(context.Background(), func(tx *transaction.Context) error {
		tx.AddOperation(transaction.NewCurrencyOperation(transaction.CurrencyData{
			Action:   transaction.CurrencyDeduct,
			PlayerID: p.ID,
			Currency: _GOLD,
			Amount:   req.Price * req.Quantity,
			Reason:   "buy " + req.Item,
		}))
		tx.AddOperation(transaction.NewInventoryOperation(transaction.InventoryData{
			Action:   transaction.InventoryAdd,
			PlayerID: p.ID,
			ItemID:   req.Item,
			Quantity: req.Quantity,
		}))
		return nil
	})
	r.reply(p, "buy", res)
}

func (r *arenaRoom) reply(p *room.Player, msgType string, res transaction.Result) {
	if !res.Success {
		_ = p.Send(msgType+"_failed", map[string]any{"code": res.ErrorCode, "error": res.Error})
		return
	}
	_ = p.Send(msgType+"_ok", map[string]any{"transaction": res.TransactionID})
}

// decode converts a message payload, usually a JSON object already decoded into
// a map, into v
func decode(data any, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}
	return errors.Wrap(json.Unmarshal(raw, v), "decode payload")
}
