package client

import (
	"net/http"
	"sync"
	"time"

	"ChannelGateway/service/protocol"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type State int32

const (
	Idle State = iota
	Connecting
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrNotConnected = errors.New("agent is not connected")
	ErrTornDown     = errors.New("agent has been torn down")
)

// Timer is the handle of a scheduled reconnect.
type Timer interface {
	Stop() bool
}

type Options struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	Log    *zap.Logger

	OnConnected    func()
	OnDisconnected func(clean bool)
	OnStateChange  func(State)
	OnJoined       func(channelID string)
	OnMessage      func(env *protocol.Envelope)
	OnReaction     func(env *protocol.Envelope)
	OnRead         func(env *protocol.Envelope)
	OnTyping       func(env *protocol.Envelope)
	OnPresence     func(env *protocol.Envelope)
	OnError        func(text string)

	// AfterFunc schedules reconnects; defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
}

// Agent keeps one gateway connection alive. Unclean closes are retried with
// exponential backoff (1s doubling to 30s); a clean close leaves the agent
// Closed until Start is called again. The active channel is re-joined on
// every successful open.
type Agent struct {
	opts Options
	log  *zap.Logger

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	gen        int
	channel    string
	connID     string
	boff       *backoff.ExponentialBackOff
	timer      Timer
	lastDelay  time.Duration
	userClosed bool
	torn       bool

	writeMu sync.Mutex
}

func New(opts Options) *Agent {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
	}
	b.Reset()
	return &Agent{opts: opts, log: opts.Log, boff: b, state: Idle}
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ConnID is the id the gateway assigned in its connected frame.
func (a *Agent) ConnID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connID
}

// LastDelay is the delay of the most recently scheduled reconnect.
func (a *Agent) LastDelay() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastDelay
}

// setState must be called with mu held; the returned func fires the callback.
func (a *Agent) setState(s State) func() {
	if a.state == s {
		return func() {}
	}
	a.state = s
	cb := a.opts.OnStateChange
	return func() {
		if cb != nil {
			cb(s)
		}
	}
}

// Start opens the connection. It is a no-op while connecting or open.
func (a *Agent) Start() error {
	a.mu.Lock()
	if a.torn {
		a.mu.Unlock()
		return ErrTornDown
	}
	if a.state == Connecting || a.state == Open {
		a.mu.Unlock()
		return nil
	}
	a.userClosed = false
	a.stopTimerLocked()
	a.gen++
	gen := a.gen
	notify := a.setState(Connecting)
	a.mu.Unlock()

	notify()
	go a.connect(gen)
	return nil
}

func (a *Agent) connect(gen int) {
	ws, _, err := a.opts.Dialer.Dial(a.opts.URL, a.opts.Header)
	if err != nil {
		a.log.Debug("dial failed", zap.String("url", a.opts.URL), zap.Error(err))
		a.handleClose(gen, false)
		return
	}

	a.mu.Lock()
	if a.torn || a.userClosed || gen != a.gen {
		a.mu.Unlock()
		_ = ws.Close()
		a.handleClose(gen, true)
		return
	}
	a.conn = ws
	a.boff.Reset()
	channel := a.channel
	notify := a.setState(Open)
	a.mu.Unlock()

	notify()
	if cb := a.opts.OnConnected; cb != nil && !a.isTorn() {
		cb()
	}
	if channel != "" {
		if err := a.write(ws, &protocol.Envelope{Type: protocol.TypeJoin, ChannelID: channel}); err != nil {
			a.log.Debug("rejoin failed", zap.String("channel_id", channel), zap.Error(err))
		}
	}
	a.readLoop(ws, gen)
}

func (a *Agent) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			// 1000 and 1008 are deliberate server closes; retrying would not help
			clean := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.ClosePolicyViolation)
			_ = ws.Close()
			a.handleClose(gen, clean)
			return
		}
		env, err := protocol.DecodeAny(raw)
		if err != nil {
			a.log.Debug("undecodable frame", zap.Int("len", len(raw)))
			continue
		}
		a.dispatch(env)
	}
}

func (a *Agent) dispatch(env *protocol.Envelope) {
	if a.isTorn() {
		return
	}
	o := a.opts
	var cb func(*protocol.Envelope)
	switch env.Type {
	case protocol.TypeConnected:
		a.mu.Lock()
		a.connID = env.ClientID
		a.mu.Unlock()
	case protocol.TypeJoined:
		if o.OnJoined != nil {
			o.OnJoined(env.ChannelID)
		}
	case protocol.TypeMessage:
		cb = o.OnMessage
	case protocol.TypeReaction:
		cb = o.OnReaction
	case protocol.TypeRead:
		cb = o.OnRead
	case protocol.TypeTyping:
		cb = o.OnTyping
	case protocol.TypePresence:
		cb = o.OnPresence
	case protocol.TypeError:
		if o.OnError != nil {
			o.OnError(env.Error)
		}
	}
	if cb != nil {
		cb(env)
	}
}

func (a *Agent) handleClose(gen int, clean bool) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	if a.torn {
		a.state = Closed
		a.mu.Unlock()
		return
	}
	clean = clean || a.userClosed
	notify := a.setState(Closed)
	if !clean {
		delay := a.boff.NextBackOff()
		a.lastDelay = delay
		a.timer = a.opts.AfterFunc(delay, func() { a.retry(gen) })
		a.log.Debug("reconnect scheduled", zap.Duration("delay", delay))
	}
	cb := a.opts.OnDisconnected
	a.mu.Unlock()

	notify()
	if cb != nil {
		cb(clean)
	}
}

func (a *Agent) retry(gen int) {
	a.mu.Lock()
	if a.torn || a.userClosed || gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.gen++
	next := a.gen
	notify := a.setState(Connecting)
	a.mu.Unlock()

	notify()
	a.connect(next)
}

func (a *Agent) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Agent) isTorn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.torn
}

// Close closes the connection cleanly. No reconnect is scheduled.
func (a *Agent) Close() error {
	a.mu.Lock()
	a.userClosed = true
	a.stopTimerLocked()
	ws := a.conn
	var notify func()
	if ws != nil {
		notify = a.setState(Closing)
	} else {
		notify = a.setState(Closed)
	}
	a.mu.Unlock()

	notify()
	if ws == nil {
		return nil
	}
	a.writeMu.Lock()
	err := ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	a.writeMu.Unlock()
	if err != nil {
		_ = ws.Close()
	}
	return nil
}

// Teardown cancels any pending reconnect and drops the connection. No
// callback fires once it has returned, and the agent cannot be restarted.
func (a *Agent) Teardown() {
	a.mu.Lock()
	a.torn = true
	a.stopTimerLocked()
	ws := a.conn
	a.conn = nil
	a.state = Closed
	a.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
}

func (a *Agent) write(ws *websocket.Conn, env *protocol.Envelope) error {
	raw, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, raw)
}

func (a *Agent) send(env *protocol.Envelope) error {
	a.mu.Lock()
	ws := a.conn
	open := a.state == Open
	a.mu.Unlock()
	if ws == nil || !open {
		return ErrNotConnected
	}
	return a.write(ws, env)
}

// Join makes channelID the active channel and subscribes to it. When not
// connected the join is sent on the next open.
func (a *Agent) Join(channelID string) error {
	a.mu.Lock()
	a.channel = channelID
	a.mu.Unlock()
	err := a.send(&protocol.Envelope{Type: protocol.TypeJoin, ChannelID: channelID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (a *Agent) Leave(channelID string) error {
	a.mu.Lock()
	if a.channel == channelID {
		a.channel = ""
	}
	a.mu.Unlock()
	return a.send(&protocol.Envelope{Type: protocol.TypeLeave, ChannelID: channelID})
}

func (a *Agent) SendTyping(channelID string, isTyping bool) error {
	env := &protocol.Envelope{Type: protocol.TypeTyping, ChannelID: channelID}
	_ = env.SetPayload(protocol.TypingPayload{IsTyping: isTyping})
	return a.send(env)
}

func (a *Agent) SendMessage(channelID string, p protocol.MessagePayload) error {
	return a.sendPayload(protocol.TypeMessage, channelID, p)
}

func (a *Agent) SendReaction(channelID string, p protocol.ReactionPayload) error {
	return a.sendPayload(protocol.TypeReaction, channelID, p)
}

func (a *Agent) SendRead(channelID string, p protocol.ReadPayload) error {
	return a.sendPayload(protocol.TypeRead, channelID, p)
}

func (a *Agent) sendPayload(t protocol.Type, channelID string, p protocol.Payload) error {
	if err := p.Validate(); err != nil {
		return errors.Wrapf(err, "invalid %s payload", t)
	}
	env := &protocol.Envelope{Type: t, ChannelID: channelID}
	if err := env.SetPayload(p); err != nil {
		return err
	}
	return a.send(env)
}
