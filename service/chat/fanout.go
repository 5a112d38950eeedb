package chat

import (
	"sync"

	"ChannelGateway/service/protocol"
	"ChannelGateway/tools/errs"
	"ChannelGateway/tools/safe"

	"go.uber.org/zap"
)

// FanoutResult counts the outcome of one broadcast.
type FanoutResult struct {
	Delivered int
	Failed    int
	Skipped   int
}

// Broadcaster pushes an envelope to the local subscribers of a channel.
// Calls are serialized, so envelopes reach each subscriber's queue in the
// order BroadcastToChannel was invoked.
type Broadcaster struct {
	mu    sync.Mutex
	state GatewayState
	log   *zap.Logger
}

func NewBroadcaster(state GatewayState, log *zap.Logger) *Broadcaster {
	safe.MustNotNil(state, "state")
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{state: state, log: log}
}

// BroadcastToChannel encodes env once and queues it for every open subscriber
// except exclude. A workspace-scoped envelope skips subscribers of other
// workspaces. A failing recipient is logged and does not stop the rest.
func (b *Broadcaster) BroadcastToChannel(channelID string, env *protocol.Envelope, exclude string) FanoutResult {
	var res FanoutResult
	b.mu.Lock()
	defer b.mu.Unlock()

	recipients := b.state.SubscribersOf(channelID)
	if len(recipients) == 0 {
		return res
	}
	payload, err := protocol.Marshal(env)
	if err != nil {
		b.log.Error("encode envelope", zap.String("channel_id", channelID), zap.Error(err))
		return res
	}

	for _, r := range recipients {
		if r.ConnID == exclude && exclude != "" {
			res.Skipped++
			continue
		}
		if env.WorkspaceSlug != "" && r.WorkspaceSlug != env.WorkspaceSlug {
			res.Skipped++
			continue
		}
		if r.Transport == nil || !r.Transport.Open() {
			res.Skipped++
			continue
		}
		t := r.Transport
		if err := safe.Call(func() error { return t.Send(payload) }); err != nil {
			res.Failed++
			b.log.Warn("delivery failed",
				zap.String("conn_id", r.ConnID),
				zap.String("channel_id", channelID),
				zap.String("type", string(env.Type)),
				zap.String("reason", errs.Text(err)))
			continue
		}
		res.Delivered++
	}
	return res
}
