package chat

import (
	"fmt"

	"ChannelGateway/service/protocol"
	"ChannelGateway/tools/errs"
)

type Dispatcher struct {
	handlers map[protocol.Type]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[protocol.Type]Handler)}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Type()] = h }

func (d *Dispatcher) Dispatch(ctx *ChatContext, conn Snapshot, env *protocol.Envelope) error {
	h, ok := d.handlers[env.Type]
	if !ok {
		return errs.ErrUnknownMessageType.WrapMsg(fmt.Sprintf("Unknown message type: %s", env.Type))
	}
	return h.Handle(ctx, conn, env)
}

func (d *Dispatcher) GetHandler(t protocol.Type) Handler {
	return d.handlers[t]
}
