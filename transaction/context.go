package transaction

import (
	"sync"
)

// Context lives for one Run. Operations use it to hand state from Execute to
// Compensate and to leave an audit trail.
type Context struct {
	id      string
	storage Storage

	mu   sync.RWMutex
	data map[string]any
	ops  []Operation
}

func newContext(id string, storage Storage) *Context {
	return &Context{
		id:      id,
		storage: storage,
		data:    make(map[string]any),
	}
}

func (c *Context) ID() string {
	return c.id
}

// Storage is nil when the manager was built without one.
func (c *Context) Storage() Storage {
	return c.storage
}

func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	c.data[key] = value
	c.mu.Unlock()
}

func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// AddOperation appends op. Operations run in the order they were added.
func (c *Context) AddOperation(op Operation) *Context {
	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()
	return c
}

func (c *Context) Operations() []Operation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Operation, len(c.ops))
	copy(out, c.ops)
	return out
}

func (c *Context) snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}
