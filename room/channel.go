package room

import (
	"sync"

	"github.com/samber/lo"
)

// Channel is the ordered player set of a room. Writes happen on the room
// actor; reads may come from any goroutine.
type Channel struct {
	mu      sync.RWMutex
	players map[string]*Player
	order   []string
}

func NewChannel() *Channel {
	return &Channel{
		players: make(map[string]*Player),
	}
}

// Add returns false when the player is already present.
func (c *Channel) Add(p *Player) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.players[p.ID]; ok {
		return false
	}
	c.players[p.ID] = p
	c.order = append(c.order, p.ID)
	return true
}

func (c *Channel) Get(playerID string) (*Player, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.players[playerID]
	return p, ok
}

func (c *Channel) Remove(playerID string) (*Player, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.players[playerID]
	if !ok {
		return nil, false
	}
	delete(c.players, playerID)
	c.order = lo.Without(c.order, playerID)
	return p, true
}

func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.players)
}

// Players returns the members in join order
func (c *Channel) Players() []*Player {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lo.Map(c.order, func(id string, _ int) *Player {
		return c.players[id]
	})
}

// Clear empties the channel and returns who was in it
func (c *Channel) Clear() []*Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := lo.Map(c.order, func(id string, _ int) *Player {
		return c.players[id]
	})
	c.players = make(map[string]*Player)
	c.order = nil
	return out
}

// Broadcast sends frame to every member except the listed ids.
// It returns the number of failed sends.
func (c *Channel) Broadcast(frame []byte, except ...string) int {
	failed := 0
	for _, p := range c.Players() {
		if lo.Contains(except, p.ID) {
			continue
		}
		if err := p.sendFrame(frame); err != nil {
			failed++
		}
	}
	return failed
}
