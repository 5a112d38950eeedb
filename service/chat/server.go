package chat

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ChannelGateway/service/protocol"
	"ChannelGateway/service/relay"
	"ChannelGateway/service/storage"
	"ChannelGateway/tools/errs"
	"ChannelGateway/tools/ids"
	"ChannelGateway/tools/safe"
	sec "ChannelGateway/tools/security"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const storeTimeout = 2 * time.Second

type Options struct {
	NodeID         string
	Conn           ConnOptions
	AllowedOrigins []string // empty accepts any origin

	State    GatewayState  // nil builds an in-memory State
	Relay    relay.Relay   // nil runs on a loopback relay
	Presence PresenceStore // optional
	Log      *zap.Logger
}

// Server is one gateway instance: registry and index behind State, local
// fan-out, inbound dispatch and the relay subscription.
type Server struct {
	nodeID   string
	connOpts ConnOptions
	state    GatewayState
	fanout   *Broadcaster
	disp     *Dispatcher
	presence PresenceStore
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	relay    relay.Relay
	degraded bool

	closing atomic.Bool
}

func NewServer(o Options) *Server {
	if o.NodeID == "" {
		o.NodeID = "gw-1"
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.State == nil {
		gen := ids.NewGenerator(ids.NodeFromString(o.NodeID))
		o.State = NewState(func() string { return gen.ConnectionID(o.NodeID) })
	}
	if o.Relay == nil {
		o.Relay = relay.NewLoopback()
	}
	o.Conn.norm()

	s := &Server{
		nodeID:   o.NodeID,
		connOpts: o.Conn,
		state:    o.State,
		fanout:   NewBroadcaster(o.State, o.Log),
		disp:     NewDispatcher(),
		presence: o.Presence,
		log:      o.Log,
		relay:    o.Relay,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(o.AllowedOrigins),
	}
	for _, h := range DefaultHandlers() {
		s.disp.Register(h)
	}
	return s
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Host)]
		return ok
	}
}

func (s *Server) State() GatewayState       { return s.state }
func (s *Server) Broadcaster() *Broadcaster { return s.fanout }
func (s *Server) Disp() *Dispatcher         { return s.disp }
func (s *Server) NodeID() string            { return s.nodeID }

func (s *Server) currentRelay() relay.Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.relay
}

// Start subscribes to the relay. If that fails the instance keeps serving on
// a loopback relay, so fan-out is local only until restart.
func (s *Server) Start(ctx context.Context) {
	r := s.currentRelay()
	err := r.Subscribe(ctx, relay.Dedupe(s.onRelay, relay.DefaultDedupeWindow))
	if err == nil {
		s.log.Info("relay subscribed", zap.String("relay", r.Name()), zap.String("node_id", s.nodeID))
		return
	}
	s.log.Error("relay subscription failed, running single-instance",
		zap.String("relay", r.Name()),
		zap.Error(errs.ErrRelaySetupFailure.WrapMsg(err.Error())))
	_ = r.Close()

	lb := relay.NewLoopback()
	_ = lb.Subscribe(ctx, relay.Dedupe(s.onRelay, relay.DefaultDedupeWindow))
	s.mu.Lock()
	s.relay, s.degraded = lb, true
	s.mu.Unlock()
}

func (s *Server) onRelay(_ context.Context, env *protocol.Envelope) {
	// the origin connection only exists on the publishing instance
	s.fanout.BroadcastToChannel(env.ChannelID, env, env.Origin)
}

// Accept registers an authenticated transport and marks the user online.
func (s *Server) Accept(ctx context.Context, t Transport, id sec.Identity) (string, error) {
	if s.closing.Load() {
		_ = t.Close(websocket.CloseGoingAway, "server shutting down")
		return "", errs.ErrInternal.WrapMsg("server shutting down")
	}
	connID, err := s.state.Accept(t, id)
	if err != nil {
		s.log.Warn("connection rejected", zap.String("reason", errs.Text(err)))
		return "", err
	}
	s.log.Info("client connected",
		zap.String("conn_id", connID),
		zap.String("user_id", id.UserID),
		zap.String("workspace", id.WorkspaceSlug))
	s.markOnline(ctx, id.WorkspaceSlug, id.UserID, connID)
	return connID, nil
}

// HandleFrame processes one raw frame from connID. Problems with the frame
// are answered with an error envelope to the sender; the connection stays usable.
func (s *Server) HandleFrame(ctx context.Context, connID string, raw []byte) error {
	conn, ok := s.state.Get(connID)
	if !ok {
		return errs.ErrConnectionNotFound.WrapMsg(connID)
	}
	env, err := protocol.Decode(raw)
	if err == nil {
		err = safe.Call(func() error {
			return s.disp.Dispatch(&ChatContext{Ctx: ctx, S: s}, conn, env)
		})
	}
	if err != nil {
		s.log.Debug("frame rejected", zap.String("conn_id", connID), zap.Error(err))
		s.reply(conn, protocol.Error(errs.Text(err)))
	}
	return nil
}

func (s *Server) reply(conn Snapshot, env *protocol.Envelope) {
	data, err := protocol.Marshal(env)
	if err != nil {
		s.log.Error("encode reply", zap.Error(err))
		return
	}
	if err := conn.Transport.Send(data); err != nil {
		s.log.Warn("reply failed", zap.String("conn_id", conn.ID), zap.String("reason", errs.Text(err)))
	}
}

// Disconnect tells the connection's channels it went offline, then removes
// its subscriptions and finally the connection itself. Unknown ids are ignored.
func (s *Server) Disconnect(ctx context.Context, connID string) {
	conn, ok := s.state.Get(connID)
	if !ok {
		return
	}
	for _, ch := range conn.Channels {
		s.announce(conn, ch, protocol.StatusOffline)
	}
	s.state.UnsubscribeAll(connID)
	s.state.Remove(connID)
	s.markOffline(ctx, conn.WorkspaceSlug, conn.UserID, connID)
	s.log.Info("client disconnected", zap.String("conn_id", connID), zap.Int("channels", len(conn.Channels)))
}

// announce tells the rest of a channel that conn's user came or went.
func (s *Server) announce(conn Snapshot, channelID, status string) {
	env := protocol.Presence(channelID, conn.UserID, status)
	env.WorkspaceSlug = conn.WorkspaceSlug
	s.fanout.BroadcastToChannel(channelID, env, conn.ID)
}

// Touch renews the presence entry of a live connection.
func (s *Server) Touch(ctx context.Context, connID string) {
	if s.presence == nil {
		return
	}
	if conn, ok := s.state.Get(connID); ok {
		s.markOnline(ctx, conn.WorkspaceSlug, conn.UserID, connID)
	}
}

func (s *Server) markOnline(ctx context.Context, workspace, user, connID string) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := s.presence.Online(ctx, workspace, user, storage.Member(s.nodeID, connID)); err != nil {
		s.log.Warn("presence online", zap.String("conn_id", connID), zap.Error(err))
	}
}

func (s *Server) markOffline(ctx context.Context, workspace, user, connID string) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := s.presence.Offline(ctx, workspace, user, storage.Member(s.nodeID, connID)); err != nil {
		s.log.Warn("presence offline", zap.String("conn_id", connID), zap.Error(err))
	}
}

// Publish hands a relay-eligible envelope to the relay.
func (s *Server) Publish(ctx context.Context, env *protocol.Envelope) error {
	if err := s.currentRelay().Publish(ctx, env); err != nil {
		s.log.Error("relay publish failed",
			zap.String("channel_id", env.ChannelID),
			zap.String("type", string(env.Type)),
			zap.Error(err))
		return errs.ErrRelayPublishFailure.Wrap()
	}
	return nil
}

// Notify publishes an envelope posted by an upstream service after it has
// persisted the change. It returns the relay envelope id.
func (s *Server) Notify(ctx context.Context, raw []byte) (string, error) {
	env, err := protocol.DecodeRelay(raw)
	if err != nil {
		return "", err
	}
	env.Origin = ""
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if err := s.Publish(ctx, env.Stamp()); err != nil {
		return "", err
	}
	return env.ID, nil
}

func (s *Server) Stats() Stats {
	conns, chans := s.state.Counts()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		NodeID:      s.nodeID,
		Connections: conns,
		Channels:    chans,
		Relay:       s.relay.Name(),
		Degraded:    s.degraded,
	}
}

// Shutdown closes every connection with 1001 and releases the relay.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	conns := s.state.Drain()
	for _, c := range conns {
		_ = c.Transport.Close(websocket.CloseGoingAway, "server shutting down")
		s.markOffline(ctx, c.WorkspaceSlug, c.UserID, c.ID)
	}
	s.log.Info("gateway drained", zap.Int("connections", len(conns)))
	return s.currentRelay().Close()
}
