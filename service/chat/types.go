package chat

import (
	"context"

	"ChannelGateway/service/protocol"
)

// Handler processes one inbound envelope type for a connection.
type Handler interface {
	Type() protocol.Type
	Handle(ctx *ChatContext, conn Snapshot, env *protocol.Envelope) error
}

type ChatContext struct {
	Ctx context.Context
	S   *Server
}

// PresenceStore tracks which connections a user holds across instances.
type PresenceStore interface {
	Online(ctx context.Context, workspace, user, member string) error
	Offline(ctx context.Context, workspace, user, member string) error
	Connections(ctx context.Context, workspace, user string) ([]string, error)
}

// Stats is a point-in-time view of one gateway instance.
type Stats struct {
	NodeID      string `json:"nodeId"`
	Connections int    `json:"connections"`
	Channels    int    `json:"channels"`
	Relay       string `json:"relay"`
	Degraded    bool   `json:"degraded"`
}
