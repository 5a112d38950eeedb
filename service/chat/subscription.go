package chat

// SubscriptionIndex maps a channel to the ids of connections subscribed to it.
// It holds back-references only; Registry owns the connections.
// Channels with no subscribers are deleted.
type SubscriptionIndex struct {
	byChannel map[string]map[string]struct{}
}

func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{byChannel: make(map[string]map[string]struct{})}
}

// add reports whether the edge is new.
func (x *SubscriptionIndex) add(channelID, connID string) bool {
	m := x.byChannel[channelID]
	if m == nil {
		m = make(map[string]struct{})
		x.byChannel[channelID] = m
	}
	if _, ok := m[connID]; ok {
		return false
	}
	m[connID] = struct{}{}
	return true
}

// remove reports whether the edge existed.
func (x *SubscriptionIndex) remove(channelID, connID string) bool {
	m := x.byChannel[channelID]
	if m == nil {
		return false
	}
	if _, ok := m[connID]; !ok {
		return false
	}
	delete(m, connID)
	if len(m) == 0 {
		delete(x.byChannel, channelID)
	}
	return true
}

func (x *SubscriptionIndex) subscribersOf(channelID string) []string {
	m := x.byChannel[channelID]
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

func (x *SubscriptionIndex) has(channelID string) bool {
	_, ok := x.byChannel[channelID]
	return ok
}

func (x *SubscriptionIndex) contains(channelID, connID string) bool {
	_, ok := x.byChannel[channelID][connID]
	return ok
}

func (x *SubscriptionIndex) len() int { return len(x.byChannel) }
