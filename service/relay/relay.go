package relay

import (
	"context"
	"strings"

	"ChannelGateway/service/protocol"
	"ChannelGateway/tools/errs"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTopic is the well-known topic every gateway instance listens on.
const DefaultTopic = "messaging:broadcast"

const (
	DriverRedis  = "redis"
	DriverNATS   = "nats"
	DriverKafka  = "kafka"
	DriverMemory = "memory"
)

// Handler receives every envelope published on the topic, including the
// ones this instance published itself.
type Handler func(ctx context.Context, env *protocol.Envelope)

// Relay is the pub/sub backbone shared by all gateway instances.
type Relay interface {
	Name() string
	// Subscribe starts delivering to h. It returns once the subscription is
	// live, or with the reason it could not be established.
	Subscribe(ctx context.Context, h Handler) error
	Publish(ctx context.Context, env *protocol.Envelope) error
	Close() error
}

type Config struct {
	Driver string
	Topic  string
	NodeID string

	NATS  NATSConfig
	Kafka KafkaConfig
}

// Open builds the relay named by cfg.Driver. rdb is only used by the redis driver.
func Open(cfg Config, rdb redis.UniversalClient, log *zap.Logger) (Relay, error) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if log == nil {
		log = zap.NewNop()
	}
	switch strings.ToLower(cfg.Driver) {
	case DriverRedis:
		if rdb == nil {
			return nil, errs.ErrInvalidConfig.WrapMsg("redis relay needs a redis client")
		}
		return NewRedis(rdb, cfg.Topic, log), nil
	case DriverNATS:
		return NewNATS(cfg.NATS, cfg.Topic, log)
	case DriverKafka:
		return NewKafka(cfg.Kafka, cfg.Topic, cfg.NodeID, log)
	case DriverMemory, "":
		return NewLoopback(), nil
	}
	return nil, errs.ErrInvalidConfig.WrapMsg("unknown relay driver " + cfg.Driver)
}

// deliver decodes one relayed frame and hands it to h. Frames that do not
// decode are dropped.
func deliver(ctx context.Context, h Handler, raw []byte, log *zap.Logger) {
	env, err := protocol.DecodeRelay(raw)
	if err != nil {
		log.Warn("drop relayed frame", zap.String("reason", errs.Text(err)), zap.Int("len", len(raw)))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("relay handler panic", zap.Error(errs.ErrPanic(r)), zap.String("channel_id", env.ChannelID))
		}
	}()
	h(ctx, env)
}
