package relay

import (
	"context"
	"sync"

	"ChannelGateway/service/protocol"
	"ChannelGateway/tools/errs"

	"go.uber.org/zap"
)

// MemoryBus is an in-process backbone. Each endpoint returned by Endpoint acts
// as one gateway instance's relay; publishing on any endpoint reaches all of them.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[*Memory]Handler
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*Memory]Handler)}
}

func (b *MemoryBus) Endpoint(name string) *Memory {
	return &Memory{bus: b, name: name}
}

func (b *MemoryBus) handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		out = append(out, h)
	}
	return out
}

// Memory is one endpoint on a MemoryBus. Delivery is synchronous.
type Memory struct {
	bus  *MemoryBus
	name string
}

// NewLoopback returns a relay that only delivers back to its own subscriber.
// It is what a single instance runs on when no shared backbone is available.
func NewLoopback() *Memory {
	return NewMemoryBus().Endpoint(DriverMemory)
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Subscribe(_ context.Context, h Handler) error {
	m.bus.mu.Lock()
	m.bus.subs[m] = h
	m.bus.mu.Unlock()
	return nil
}

// Publish goes through the relay codec so subscribers see exactly what a
// network backbone would hand them.
func (m *Memory) Publish(ctx context.Context, env *protocol.Envelope) error {
	raw, err := protocol.MarshalRelay(env)
	if err != nil {
		return errs.ErrRelayPublishFailure.WrapMsg(err.Error())
	}
	for _, h := range m.bus.handlers() {
		deliver(ctx, h, raw, zap.NewNop())
	}
	return nil
}

func (m *Memory) Close() error {
	m.bus.mu.Lock()
	delete(m.bus.subs, m)
	m.bus.mu.Unlock()
	return nil
}
