package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"ChannelGateway/service/protocol"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type NATSConfig struct {
	Servers       []string
	Name          string
	User          string
	Password      string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATS relays over a core subject. No queue group, so every instance gets a copy.
type NATS struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
	log     *zap.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewNATS(cfg NATSConfig, topic string, log *zap.Logger) (*NATS, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	log = log.With(zap.String("relay", DriverNATS))
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	return &NATS{nc: nc, subject: subjectFor(topic), timeout: cfg.Timeout, log: log}, nil
}

// subjectFor maps the topic onto NATS subject syntax, where ':' has no meaning.
func subjectFor(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

func (n *NATS) Name() string { return DriverNATS }

func (n *NATS) Subscribe(_ context.Context, h Handler) error {
	sub, err := n.nc.Subscribe(n.subject, func(m *nats.Msg) {
		deliver(context.Background(), h, m.Data, n.log)
	})
	if err != nil {
		return errors.Wrapf(err, "nats subscribe %s", n.subject)
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	// round trip so the server has registered interest before we report success
	if err := n.nc.FlushTimeout(n.timeout); err != nil {
		_ = sub.Unsubscribe()
		return errors.Wrap(err, "nats flush")
	}
	n.mu.Lock()
	n.sub = sub
	n.mu.Unlock()
	return nil
}

func (n *NATS) Publish(_ context.Context, env *protocol.Envelope) error {
	raw, err := protocol.MarshalRelay(env)
	if err != nil {
		return errors.Wrap(err, "encode relay envelope")
	}
	if err := n.nc.Publish(n.subject, raw); err != nil {
		return errors.Wrapf(err, "nats publish %s", n.subject)
	}
	return nil
}

func (n *NATS) Close() error {
	n.mu.Lock()
	if n.sub != nil {
		_ = n.sub.Drain()
		n.sub = nil
	}
	n.mu.Unlock()
	return n.nc.Drain()
}
