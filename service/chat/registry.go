package chat

import (
	"sort"
	"time"
)

// Connection is one accepted transport session. Its channel set is only
// touched through State, together with the subscription index.
type Connection struct {
	ID            string
	UserID        string
	WorkspaceSlug string
	Transport     Transport
	CreatedAt     time.Time

	channels map[string]struct{}
}

// Snapshot is a read-only copy of a Connection safe to use outside the state lock.
type Snapshot struct {
	ID            string
	UserID        string
	WorkspaceSlug string
	Transport     Transport
	CreatedAt     time.Time
	Channels      []string
}

func (c *Connection) snapshot() Snapshot {
	chs := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		chs = append(chs, ch)
	}
	sort.Strings(chs)
	return Snapshot{
		ID:            c.ID,
		UserID:        c.UserID,
		WorkspaceSlug: c.WorkspaceSlug,
		Transport:     c.Transport,
		CreatedAt:     c.CreatedAt,
		Channels:      chs,
	}
}

// Registry owns every live Connection, keyed by connection id.
// It does no locking of its own.
type Registry struct {
	byConn map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{byConn: make(map[string]*Connection)}
}

func (r *Registry) add(c *Connection) {
	if c.channels == nil {
		c.channels = make(map[string]struct{})
	}
	r.byConn[c.ID] = c
}

func (r *Registry) get(connID string) (*Connection, bool) {
	c, ok := r.byConn[connID]
	return c, ok
}

// remove is idempotent.
func (r *Registry) remove(connID string) {
	delete(r.byConn, connID)
}

func (r *Registry) len() int { return len(r.byConn) }

func (r *Registry) listAll() []*Connection {
	out := make([]*Connection, 0, len(r.byConn))
	for _, c := range r.byConn {
		out = append(out, c)
	}
	return out
}
