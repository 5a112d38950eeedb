package chat

import (
	"context"
	"errors"
	"testing"

	"ChannelGateway/service/protocol"
	"ChannelGateway/service/relay"
	sec "ChannelGateway/tools/security"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, node string, r relay.Relay, p PresenceStore) *Server {
	t.Helper()
	s := NewServer(Options{NodeID: node, Relay: r, Presence: p, State: NewState(counterIDs(node))})
	s.Start(context.Background())
	return s
}

func connect(t *testing.T, s *Server, user string) (string, *fakeTransport) {
	t.Helper()
	tr := newFake()
	id, err := s.Accept(context.Background(), tr, ident(user))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return id, tr
}

func send(t *testing.T, s *Server, connID, raw string) {
	t.Helper()
	if err := s.HandleFrame(context.Background(), connID, []byte(raw)); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
}

func TestJoinAcknowledges(t *testing.T) {
	s := newTestServer(t, "gw-a", nil, nil)
	id, tr := connect(t, s, "u1")

	send(t, s, id, `{"type":"join","channelId":"general"}`)
	last := tr.last(t)
	if last.Type != protocol.TypeJoined || last.ChannelID != "general" {
		t.Fatalf("reply = %+v", last)
	}
	if subs := s.State().SubscribersOf("general"); len(subs) != 1 {
		t.Fatalf("subscribers = %+v", subs)
	}
}

func TestUnknownTypeKeepsConnectionUsable(t *testing.T) {
	s := newTestServer(t, "gw-a", nil, nil)
	id, tr := connect(t, s, "u1")

	send(t, s, id, `{"type":"bogus","channelId":"general"}`)
	errEnv := tr.last(t)
	if errEnv.Type != protocol.TypeError || errEnv.Error != "Unknown message type: bogus" {
		t.Fatalf("reply = %+v", errEnv)
	}

	send(t, s, id, `not json`)
	if got := tr.last(t); got.Error != "Invalid message format" {
		t.Fatalf("reply = %+v", got)
	}

	send(t, s, id, `{"type":"join","channelId":"general"}`)
	if got := tr.last(t); got.Type != protocol.TypeJoined {
		t.Fatalf("join after errors = %+v", got)
	}
	if _, ok := s.State().Get(id); !ok {
		t.Fatal("connection dropped after bad frames")
	}
}

func TestHandleFrameUnknownConnection(t *testing.T) {
	s := newTestServer(t, "gw-a", nil, nil)
	if err := s.HandleFrame(context.Background(), "ghost", []byte(`{"type":"join","channelId":"x"}`)); err == nil {
		t.Fatal("expected error for unknown connection")
	}
}

func TestPresenceOnJoinLeaveAndDisconnect(t *testing.T) {
	s := newTestServer(t, "gw-a", nil, nil)
	a, ta := connect(t, s, "alice")
	b, tb := connect(t, s, "bob")
	send(t, s, a, `{"type":"join","channelId":"general"}`)
	ta.reset()

	send(t, s, b, `{"type":"join","channelId":"general"}`)
	got := ta.ofType(t, protocol.TypePresence)
	if len(got) != 1 || got[0].UserID != "bob" {
		t.Fatalf("online presence = %+v", got)
	}
	if p, ok := got[0].Payload.(protocol.PresencePayload); !ok || p.Status != protocol.StatusOnline {
		t.Fatalf("payload = %#v", got[0].Payload)
	}
	if len(tb.ofType(t, protocol.TypePresence)) != 0 {
		t.Fatal("joiner received its own presence")
	}

	// re-joining is idempotent and announces nothing
	ta.reset()
	send(t, s, b, `{"type":"join","channelId":"general"}`)
	if len(ta.ofType(t, protocol.TypePresence)) != 0 {
		t.Fatal("duplicate join announced presence")
	}

	send(t, s, b, `{"type":"leave","channelId":"general"}`)
	got = ta.ofType(t, protocol.TypePresence)
	if len(got) != 1 || got[0].Payload.(protocol.PresencePayload).Status != protocol.StatusOffline {
		t.Fatalf("leave presence = %+v", got)
	}

	send(t, s, b, `{"type":"join","channelId":"general"}`)
	ta.reset()
	s.Disconnect(context.Background(), b)
	got = ta.ofType(t, protocol.TypePresence)
	if len(got) != 1 || got[0].Payload.(protocol.PresencePayload).Status != protocol.StatusOffline {
		t.Fatalf("disconnect presence = %+v", got)
	}
	if conns, chans := s.State().Counts(); conns != 1 || chans != 1 {
		t.Fatalf("counts = %d, %d", conns, chans)
	}
	s.Disconnect(context.Background(), b)
}

func TestTypingIsLocalOnly(t *testing.T) {
	bus := relay.NewMemoryBus()
	sa := newTestServer(t, "gw-a", bus.Endpoint("a"), nil)
	sb := newTestServer(t, "gw-b", bus.Endpoint("b"), nil)

	a, ta := connect(t, sa, "alice")
	b, tb := connect(t, sb, "bob")
	c, tc := connect(t, sb, "carol")
	for _, x := range []struct {
		s  *Server
		id string
	}{{sa, a}, {sb, b}, {sb, c}} {
		send(t, x.s, x.id, `{"type":"join","channelId":"general"}`)
	}
	ta.reset()
	tb.reset()
	tc.reset()

	send(t, sb, b, `{"type":"typing","channelId":"general","data":{"isTyping":true}}`)

	if len(ta.envelopes(t)) != 0 {
		t.Fatal("typing crossed instances")
	}
	if len(tb.envelopes(t)) != 0 {
		t.Fatal("typing echoed to sender")
	}
	got := tc.ofType(t, protocol.TypeTyping)
	if len(got) != 1 || got[0].UserID != "bob" {
		t.Fatalf("carol typing = %+v", got)
	}
	if p, ok := got[0].Payload.(protocol.TypingPayload); !ok || !p.IsTyping {
		t.Fatalf("typing payload = %#v", got[0].Payload)
	}
}

func TestMessageFansOutAcrossInstancesOnce(t *testing.T) {
	bus := relay.NewMemoryBus()
	sa := newTestServer(t, "gw-a", bus.Endpoint("a"), nil)
	sb := newTestServer(t, "gw-b", bus.Endpoint("b"), nil)

	a, ta := connect(t, sa, "alice")
	b, tb := connect(t, sb, "bob")
	c, tc := connect(t, sb, "carol")
	send(t, sa, a, `{"type":"join","channelId":"general"}`)
	send(t, sb, b, `{"type":"join","channelId":"general"}`)
	send(t, sb, c, `{"type":"join","channelId":"general"}`)
	ta.reset()
	tb.reset()
	tc.reset()

	send(t, sb, b, `{"type":"message","channelId":"general","data":{"id":"m1","content":"hello"}}`)

	for name, tr := range map[string]*fakeTransport{"alice": ta, "carol": tc} {
		got := tr.ofType(t, protocol.TypeMessage)
		if len(got) != 1 {
			t.Fatalf("%s got %d messages", name, len(got))
		}
		env := got[0]
		mp, ok := env.Payload.(protocol.MessagePayload)
		if !ok || mp.Content != "hello" || env.ChannelID != "general" || env.UserID != "bob" {
			t.Fatalf("%s got %+v", name, env)
		}
		if env.Origin != "" {
			t.Fatalf("origin leaked to %s", name)
		}
	}
	if n := len(tb.ofType(t, protocol.TypeMessage)); n != 0 {
		t.Fatalf("sender received %d echoes", n)
	}
}

func TestReactionAndReadAreRelayed(t *testing.T) {
	s := newTestServer(t, "gw-a", nil, nil)
	a, ta := connect(t, s, "alice")
	b, _ := connect(t, s, "bob")
	send(t, s, a, `{"type":"join","channelId":"general"}`)
	send(t, s, b, `{"type":"join","channelId":"general"}`)
	ta.reset()

	send(t, s, b, `{"type":"reaction","channelId":"general","data":{"messageId":"m1","reaction":{"reaction":"👍"}}}`)
	send(t, s, b, `{"type":"read","channelId":"general","data":{"messageId":"m1"}}`)

	if len(ta.ofType(t, protocol.TypeReaction)) != 1 || len(ta.ofType(t, protocol.TypeRead)) != 1 {
		t.Fatalf("alice frames = %+v", ta.envelopes(t))
	}
}

func TestInvalidPayloadIsRejected(t *testing.T) {
	s := newTestServer(t, "gw-a", nil, nil)
	a, ta := connect(t, s, "alice")
	b, tb := connect(t, s, "bob")
	send(t, s, a, `{"type":"join","channelId":"general"}`)
	ta.reset()

	send(t, s, b, `{"type":"message","channelId":"general","data":{"content":"no id"}}`)
	if got := tb.last(t); got.Error != "Invalid payload for message: id is required" {
		t.Fatalf("reply = %+v", got)
	}
	if len(ta.envelopes(t)) != 0 {
		t.Fatal("invalid message was broadcast")
	}
}

type failingRelay struct{ closed bool }

func (f *failingRelay) Name() string { return "broken" }
func (f *failingRelay) Subscribe(context.Context, relay.Handler) error {
	return errors.New("connection refused")
}
func (f *failingRelay) Publish(context.Context, *protocol.Envelope) error {
	return errors.New("connection refused")
}
func (f *failingRelay) Close() error { f.closed = true; return nil }

func TestRelaySetupFailureDegradesToLocal(t *testing.T) {
	broken := &failingRelay{}
	s := newTestServer(t, "gw-a", broken, nil)

	st := s.Stats()
	if !st.Degraded || st.Relay != relay.DriverMemory {
		t.Fatalf("stats = %+v", st)
	}
	if !broken.closed {
		t.Fatal("failed relay not closed")
	}

	a, ta := connect(t, s, "alice")
	b, _ := connect(t, s, "bob")
	send(t, s, a, `{"type":"join","channelId":"general"}`)
	send(t, s, b, `{"type":"join","channelId":"general"}`)
	ta.reset()
	send(t, s, b, `{"type":"message","channelId":"general","data":{"id":"m1"}}`)
	if len(ta.ofType(t, protocol.TypeMessage)) != 1 {
		t.Fatal("local fan-out lost in degraded mode")
	}
}

type publishFailRelay struct{ relay.Relay }

func (publishFailRelay) Publish(context.Context, *protocol.Envelope) error {
	return errors.New("broker down")
}

func TestPublishFailureIsReported(t *testing.T) {
	s := newTestServer(t, "gw-a", publishFailRelay{relay.NewLoopback()}, nil)
	a, ta := connect(t, s, "alice")
	send(t, s, a, `{"type":"message","channelId":"general","data":{"id":"m1"}}`)
	if got := ta.last(t); got.Type != protocol.TypeError || got.Error != "Failed to relay message" {
		t.Fatalf("reply = %+v", got)
	}
}

func TestNotifyPublishesToWorkspace(t *testing.T) {
	s := newTestServer(t, "gw-a", nil, nil)
	a, ta := connect(t, s, "alice")
	other := newFake()
	o, _ := s.Accept(context.Background(), other, sec.Identity{UserID: "eve", WorkspaceSlug: "globex"})
	send(t, s, a, `{"type":"join","channelId":"general"}`)
	send(t, s, o, `{"type":"join","channelId":"general"}`)
	ta.reset()
	other.reset()

	id, err := s.Notify(context.Background(), []byte(`{"type":"message","channelId":"general","workspaceSlug":"acme","data":{"id":"m7","content":"persisted"}}`))
	if err != nil || id == "" {
		t.Fatalf("Notify = %q, %v", id, err)
	}
	if got := ta.ofType(t, protocol.TypeMessage); len(got) != 1 || got[0].ID != id {
		t.Fatalf("alice got %+v", got)
	}
	if len(other.envelopes(t)) != 0 {
		t.Fatal("notify crossed workspaces")
	}

	if _, err := s.Notify(context.Background(), []byte(`{"type":"typing","channelId":"general"}`)); err == nil {
		t.Fatal("typing accepted by notify")
	}
}

func TestPresenceStoreTracksLifecycle(t *testing.T) {
	p := newFakePresence()
	s := newTestServer(t, "gw-a", nil, p)
	a, _ := connect(t, s, "alice")

	if conns, _ := p.Connections(context.Background(), "acme", "alice"); len(conns) != 1 {
		t.Fatal("accept did not mark online")
	}
	s.Touch(context.Background(), a)
	s.Disconnect(context.Background(), a)
	if conns, _ := p.Connections(context.Background(), "acme", "alice"); len(conns) != 0 {
		t.Fatalf("disconnect did not mark offline: %v", p.events)
	}
	if p.events[0] != "online gw-a:"+a {
		t.Fatalf("member = %q", p.events[0])
	}
}

func TestShutdownClosesWithGoingAway(t *testing.T) {
	s := newTestServer(t, "gw-a", nil, nil)
	a, ta := connect(t, s, "alice")
	send(t, s, a, `{"type":"join","channelId":"general"}`)

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if ta.code != websocket.CloseGoingAway {
		t.Fatalf("close code = %d", ta.code)
	}
	if conns, chans := s.State().Counts(); conns != 0 || chans != 0 {
		t.Fatalf("counts = %d, %d", conns, chans)
	}
	late := newFake()
	if _, err := s.Accept(context.Background(), late, ident("bob")); err == nil {
		t.Fatal("accepted after shutdown")
	}
}
