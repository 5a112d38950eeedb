package chat

import (
	"ChannelGateway/service/protocol"

	"github.com/google/uuid"
)

// DefaultHandlers covers every inbound type a client may send.
func DefaultHandlers() []Handler {
	return []Handler{
		JoinHandler{},
		LeaveHandler{},
		TypingHandler{},
		RelayHandler{T: protocol.TypeMessage},
		RelayHandler{T: protocol.TypeReaction},
		RelayHandler{T: protocol.TypeRead},
	}
}

// JoinHandler subscribes the connection, acknowledges with joined and, for
// a new subscription, tells the channel the user came online.
type JoinHandler struct{}

func (JoinHandler) Type() protocol.Type { return protocol.TypeJoin }

func (JoinHandler) Handle(ctx *ChatContext, conn Snapshot, env *protocol.Envelope) error {
	added, err := ctx.S.state.Subscribe(conn.ID, env.ChannelID)
	if err != nil {
		return err
	}
	ctx.S.reply(conn, protocol.Joined(env.ChannelID))
	if added {
		ctx.S.announce(conn, env.ChannelID, protocol.StatusOnline)
	}
	return nil
}

// LeaveHandler has no acknowledgement.
type LeaveHandler struct{}

func (LeaveHandler) Type() protocol.Type { return protocol.TypeLeave }

func (LeaveHandler) Handle(ctx *ChatContext, conn Snapshot, env *protocol.Envelope) error {
	if ctx.S.state.Unsubscribe(conn.ID, env.ChannelID) {
		ctx.S.announce(conn, env.ChannelID, protocol.StatusOffline)
	}
	return nil
}

// TypingHandler fans out locally only.
type TypingHandler struct{}

func (TypingHandler) Type() protocol.Type { return protocol.TypeTyping }

func (TypingHandler) Handle(ctx *ChatContext, conn Snapshot, env *protocol.Envelope) error {
	var p *protocol.TypingPayload
	if tp, ok := env.Payload.(protocol.TypingPayload); ok {
		p = &tp
	}
	out := protocol.Typing(env.ChannelID, conn.UserID, p)
	out.WorkspaceSlug = conn.WorkspaceSlug
	ctx.S.fanout.BroadcastToChannel(env.ChannelID, out, conn.ID)
	return nil
}

// RelayHandler publishes to the relay and never broadcasts locally; the
// relay subscriber is the only path to local subscribers for these types.
type RelayHandler struct {
	T protocol.Type
}

func (h RelayHandler) Type() protocol.Type { return h.T }

func (h RelayHandler) Handle(ctx *ChatContext, conn Snapshot, env *protocol.Envelope) error {
	out := env.Clone()
	out.ID = uuid.NewString()
	out.UserID = conn.UserID
	out.WorkspaceSlug = conn.WorkspaceSlug
	out.Origin = conn.ID
	out.Timestamp = 0
	return ctx.S.Publish(ctx.Ctx, out.Stamp())
}
