package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	midsec "ChannelGateway/middleware/security"
	"ChannelGateway/service/protocol"
	"ChannelGateway/service/relay"
	sec "ChannelGateway/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const internalToken = "internal-secret"

var jwtOpts = sec.DefaultOptions([]byte("ws-test-secret"))

type instance struct {
	s   *Server
	srv *httptest.Server
}

func startInstance(t *testing.T, node string, r relay.Relay) *instance {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := NewServer(Options{NodeID: node, Relay: r, Conn: ConnOptions{PongWait: 5 * time.Second}})
	s.Start(context.Background())

	engine := gin.New()
	s.Routes(engine, midsec.DefaultOptions(jwtOpts), internalToken)
	srv := httptest.NewServer(engine)
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
		srv.Close()
	})
	return &instance{s: s, srv: srv}
}

func (in *instance) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(in.srv.URL, "http") + "/messaging/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func mint(t *testing.T, user, workspace string) string {
	t.Helper()
	tok, _, err := sec.Generate(jwtOpts, sec.Identity{UserID: user, WorkspaceSlug: workspace})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func dial(t *testing.T, in *instance, token string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(in.wsURL(token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEnv(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := protocol.DecodeAny(raw)
	if err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return env
}

// readUntil skips frames of other types, such as presence announcements.
func readUntil(t *testing.T, ws *websocket.Conn, typ protocol.Type) *protocol.Envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		if env := readEnv(t, ws); env.Type == typ {
			return env
		}
	}
	t.Fatalf("no %s frame", typ)
	return nil
}

func writeJSON(t *testing.T, ws *websocket.Conn, raw string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func connectAndJoin(t *testing.T, in *instance, user, channel string) *websocket.Conn {
	t.Helper()
	ws := dial(t, in, mint(t, user, "acme"))
	if env := readEnv(t, ws); env.Type != protocol.TypeConnected || env.ClientID == "" {
		t.Fatalf("first frame = %+v", env)
	}
	writeJSON(t, ws, `{"type":"join","channelId":"`+channel+`"}`)
	if env := readUntil(t, ws, protocol.TypeJoined); env.ChannelID != channel {
		t.Fatalf("joined = %+v", env)
	}
	return ws
}

func TestWSRejectsUnauthenticated(t *testing.T) {
	in := startInstance(t, "gw-a", nil)
	ws := dial(t, in, "")

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("err = %v, want close error", err)
	}
	if ce.Code != websocket.ClosePolicyViolation || ce.Text != "Authentication required" {
		t.Fatalf("close = %d %q", ce.Code, ce.Text)
	}
	if n, _ := in.s.State().Counts(); n != 0 {
		t.Fatalf("registry has %d entries", n)
	}
}

func TestWSRejectsBadToken(t *testing.T) {
	in := startInstance(t, "gw-a", nil)
	ws := dial(t, in, "not-a-jwt")
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err = %v", err)
	}
}

func TestWSUnknownTypeThenContinue(t *testing.T) {
	in := startInstance(t, "gw-a", nil)
	ws := connectAndJoin(t, in, "alice", "general")

	writeJSON(t, ws, `{"type":"bogus"}`)
	env := readEnv(t, ws)
	if env.Type != protocol.TypeError || env.Error != "Unknown message type: bogus" {
		t.Fatalf("reply = %+v", env)
	}

	writeJSON(t, ws, `{"type":"join","channelId":"random"}`)
	if env := readUntil(t, ws, protocol.TypeJoined); env.ChannelID != "random" {
		t.Fatalf("joined = %+v", env)
	}
}

func TestWSCrossInstanceMessage(t *testing.T) {
	bus := relay.NewMemoryBus()
	a := startInstance(t, "gw-a", bus.Endpoint("a"))
	b := startInstance(t, "gw-b", bus.Endpoint("b"))

	alice := connectAndJoin(t, a, "alice", "general")
	bob := connectAndJoin(t, b, "bob", "general")

	writeJSON(t, bob, `{"type":"message","channelId":"general","data":{"id":"m1","content":"hi from b"}}`)

	env := readUntil(t, alice, protocol.TypeMessage)
	mp, ok := env.Payload.(protocol.MessagePayload)
	if !ok || mp.Content != "hi from b" || env.UserID != "bob" {
		t.Fatalf("alice got %+v", env)
	}

	// the sender never gets its own message back
	_ = bob.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		_, raw, err := bob.ReadMessage()
		if err != nil {
			break
		}
		if bytes.Contains(raw, []byte(`"type":"message"`)) {
			t.Fatalf("sender received echo: %s", raw)
		}
	}
}

func TestWSDisconnectCleansUp(t *testing.T) {
	in := startInstance(t, "gw-a", nil)
	alice := connectAndJoin(t, in, "alice", "general")
	bob := connectAndJoin(t, in, "bob", "general")
	_ = readUntil(t, alice, protocol.TypePresence)

	_ = bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = bob.Close()

	env := readUntil(t, alice, protocol.TypePresence)
	if p, ok := env.Payload.(protocol.PresencePayload); !ok || p.Status != protocol.StatusOffline || p.UserID != "bob" {
		t.Fatalf("presence = %+v", env)
	}
	eventually(t, "registry cleanup", func() bool {
		n, _ := in.s.State().Counts()
		return n == 1
	})
}

func TestNotifyEndpoint(t *testing.T) {
	in := startInstance(t, "gw-a", nil)
	alice := connectAndJoin(t, in, "alice", "general")

	body := `{"type":"message","channelId":"general","workspaceSlug":"acme","data":{"id":"m9","content":"from api"}}`
	post := func(token string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, in.srv.URL+"/messaging/broadcast", strings.NewReader(body))
		req.Header.Set("X-Internal-Token", token)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
		return res
	}

	if res := post("wrong"); res.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong token status = %d", res.StatusCode)
	}
	if res := post(internalToken); res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", res.StatusCode)
	}
	env := readUntil(t, alice, protocol.TypeMessage)
	if mp, _ := env.Payload.(protocol.MessagePayload); mp.ID != "m9" {
		t.Fatalf("alice got %+v", env)
	}
}

func TestPresenceEndpointWithoutStore(t *testing.T) {
	in := startInstance(t, "gw-a", nil)
	req, _ := http.NewRequest(http.MethodGet, in.srv.URL+"/messaging/presence/alice", nil)
	req.Header.Set("Authorization", "Bearer "+mint(t, "bob", "acme"))
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestShutdownSendsGoingAway(t *testing.T) {
	in := startInstance(t, "gw-a", nil)
	alice := connectAndJoin(t, in, "alice", "general")

	_ = in.s.Shutdown(context.Background())
	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := alice.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Fatalf("err = %v", err)
		}
		return
	}
}

func TestStatsAndHealth(t *testing.T) {
	in := startInstance(t, "gw-a", nil)
	connectAndJoin(t, in, "alice", "general")

	res, err := http.Get(in.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", res.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, in.srv.URL+"/messaging/stats", nil)
	req.Header.Set("X-Internal-Token", internalToken)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var st Stats
	if err := json.NewDecoder(res.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.NodeID != "gw-a" || st.Connections != 1 || st.Channels != 1 || st.Relay != "memory" || st.Degraded {
		t.Fatalf("stats = %+v", st)
	}
}
