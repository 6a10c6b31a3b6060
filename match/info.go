package match

/*
	这个目录存放匹配的信息，但其实match info的实际数据应该是pb定义或者json定义
	因为真实游戏一定会有一个匹配服

	房间服务器只从创建房间的 options 里读取它
**/

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// OptionKey is the create option holding the Info
const OptionKey = "match"

type Info struct {
	// 游戏id
	GameID string `json:"game_id"`
	// 匹配id
	MatchID string `json:"match_id"`
	// 本局游戏的所有玩家信息
	Players []Player `json:"players"`
}

// 游戏玩家
type Player struct {
	PlayerID string `json:"player_id"`
	// 阵营
	Camp int32 `json:"camp"`
}

// FromOptions reads the Info stored under OptionKey. Options that went
// through JSON arrive as plain maps and are decoded again.
func FromOptions(options map[string]any) (*Info, bool, error) {
	raw, ok := options[OptionKey]
	if !ok || raw == nil {
		return nil, false, nil
	}
	switch v := raw.(type) {
	case *Info:
		return v, true, nil
	case Info:
		return &v, true, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false, errors.Wrap(err, "encode match info")
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, false, errors.Wrap(err, "decode match info")
	}
	return &info, true, nil
}

// Player returns the roster entry of playerID
func (i *Info) Player(playerID string) (Player, bool) {
	return lo.Find(i.Players, func(p Player) bool {
		return p.PlayerID == playerID
	})
}

// Camps groups the roster's player ids by camp
func (i *Info) Camps() map[int32][]string {
	return lo.MapValues(lo.GroupBy(i.Players, func(p Player) int32 {
		return p.Camp
	}), func(ps []Player, _ int32) []string {
		return lo.Map(ps, func(p Player, _ int) string { return p.PlayerID })
	})
}
