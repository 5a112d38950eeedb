package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ChannelGateway/service/protocol"
	sec "ChannelGateway/tools/security"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   int
	reason string

	sendErr   error
	sendPanic bool
}

func newFake() *fakeTransport { return &fakeTransport{} }

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendPanic {
		panic("socket exploded")
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed, f.code, f.reason = true, code, reason
	}
	return nil
}

func (f *fakeTransport) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeTransport) envelopes(t *testing.T) []*protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Envelope, 0, len(f.frames))
	for _, raw := range f.frames {
		env, err := protocol.DecodeAny(raw)
		if err != nil {
			t.Fatalf("bad frame %s: %v", raw, err)
		}
		out = append(out, env)
	}
	return out
}

func (f *fakeTransport) ofType(t *testing.T, typ protocol.Type) []*protocol.Envelope {
	t.Helper()
	var out []*protocol.Envelope
	for _, env := range f.envelopes(t) {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeTransport) last(t *testing.T) *protocol.Envelope {
	t.Helper()
	all := f.envelopes(t)
	if len(all) == 0 {
		t.Fatal("no frames received")
	}
	return all[len(all)-1]
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

var errSendFailed = errors.New("broken pipe")

func counterIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return prefix + "-" + string(rune('a'+n-1))
	}
}

func ident(user string) sec.Identity {
	return sec.Identity{UserID: user, WorkspaceSlug: "acme"}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakePresence struct {
	mu      sync.Mutex
	members map[string]map[string]bool
	events  []string
}

func newFakePresence() *fakePresence { return &fakePresence{members: map[string]map[string]bool{}} }

func (p *fakePresence) Online(_ context.Context, ws, user, member string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := ws + "/" + user
	if p.members[key] == nil {
		p.members[key] = map[string]bool{}
	}
	p.members[key][member] = true
	p.events = append(p.events, "online "+member)
	return nil
}

func (p *fakePresence) Offline(_ context.Context, ws, user, member string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.members[ws+"/"+user], member)
	p.events = append(p.events, "offline "+member)
	return nil
}

func (p *fakePresence) Connections(_ context.Context, ws, user string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for m := range p.members[ws+"/"+user] {
		out = append(out, m)
	}
	return out, nil
}
