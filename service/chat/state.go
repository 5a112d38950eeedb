package chat

import (
	"sync"
	"time"

	"ChannelGateway/service/protocol"
	"ChannelGateway/tools/errs"
	sec "ChannelGateway/tools/security"

	"github.com/gorilla/websocket"
)

// Recipient is one subscriber resolved for a broadcast.
type Recipient struct {
	ConnID        string
	UserID        string
	WorkspaceSlug string
	Transport     Transport
}

// GatewayState is the connection registry plus subscription index of one
// gateway instance. Every method keeps the two consistent with each other.
type GatewayState interface {
	// Accept registers t under a fresh id and queues the connected frame.
	// Without a user and workspace it closes t with 1008 and registers nothing.
	Accept(t Transport, id sec.Identity) (string, error)
	Get(connID string) (Snapshot, bool)
	// Remove is idempotent.
	Remove(connID string)

	Subscribe(connID, channelID string) (added bool, err error)
	Unsubscribe(connID, channelID string) (removed bool)
	// UnsubscribeAll returns the channels the connection was subscribed to.
	UnsubscribeAll(connID string) []string
	SubscribersOf(channelID string) []Recipient

	Counts() (connections, channels int)
	// Drain empties the state and returns what was registered.
	Drain() []Snapshot
}

// State is the in-memory GatewayState. One mutex guards both structures.
type State struct {
	mu    sync.Mutex
	reg   *Registry
	index *SubscriptionIndex
	newID func() string
	now   func() time.Time
}

// NewState takes the id source for new connections.
func NewState(newID func() string) *State {
	return &State{
		reg:   NewRegistry(),
		index: NewSubscriptionIndex(),
		newID: newID,
		now:   time.Now,
	}
}

func (s *State) Accept(t Transport, id sec.Identity) (string, error) {
	if !id.Valid() {
		_ = t.Close(websocket.ClosePolicyViolation, errs.ErrAuthRequired.Msg)
		return "", errs.ErrAuthRequired.Wrap()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	connID := s.newID()
	frame, err := protocol.Marshal(protocol.Connected(connID))
	if err != nil {
		return "", errs.ErrInternal.WrapMsg(err.Error())
	}
	s.reg.add(&Connection{
		ID:            connID,
		UserID:        id.UserID,
		WorkspaceSlug: id.WorkspaceSlug,
		Transport:     t,
		CreatedAt:     s.now(),
	})
	// queued under the lock, so no broadcast can reach the socket first
	if err := t.Send(frame); err != nil {
		s.reg.remove(connID)
		return "", err
	}
	return connID, nil
}

func (s *State) Get(connID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.reg.get(connID)
	if !ok {
		return Snapshot{}, false
	}
	return c.snapshot(), true
}

func (s *State) Remove(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.reg.get(connID); ok {
		// never leave index entries pointing at a removed connection
		s.unsubscribeAllLocked(c)
	}
	s.reg.remove(connID)
}

func (s *State) Subscribe(connID, channelID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.reg.get(connID)
	if !ok {
		return false, errs.ErrConnectionNotFound.WrapMsg(connID)
	}
	c.channels[channelID] = struct{}{}
	return s.index.add(channelID, connID), nil
}

func (s *State) Unsubscribe(connID, channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.reg.get(connID); ok {
		delete(c.channels, channelID)
	}
	return s.index.remove(channelID, connID)
}

func (s *State) UnsubscribeAll(connID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.reg.get(connID)
	if !ok {
		return nil
	}
	return s.unsubscribeAllLocked(c)
}

func (s *State) unsubscribeAllLocked(c *Connection) []string {
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		s.index.remove(ch, c.ID)
		out = append(out, ch)
	}
	c.channels = make(map[string]struct{})
	return out
}

func (s *State) SubscribersOf(channelID string) []Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.index.subscribersOf(channelID)
	out := make([]Recipient, 0, len(ids))
	for _, id := range ids {
		c, ok := s.reg.get(id)
		if !ok {
			continue
		}
		out = append(out, Recipient{
			ConnID:        c.ID,
			UserID:        c.UserID,
			WorkspaceSlug: c.WorkspaceSlug,
			Transport:     c.Transport,
		})
	}
	return out
}

func (s *State) Counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.len(), s.index.len()
}

func (s *State) Drain() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.reg.listAll()
	out := make([]Snapshot, 0, len(all))
	for _, c := range all {
		out = append(out, c.snapshot())
		s.unsubscribeAllLocked(c)
		s.reg.remove(c.ID)
	}
	return out
}
