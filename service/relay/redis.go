package relay

import (
	"context"
	"sync"

	"ChannelGateway/service/protocol"
	"ChannelGateway/tools/safe"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis relays over PUBLISH/SUBSCRIBE. Every subscriber sees every message.
type Redis struct {
	rdb   redis.UniversalClient
	topic string
	log   *zap.Logger

	mu sync.Mutex
	ps *redis.PubSub
}

func NewRedis(rdb redis.UniversalClient, topic string, log *zap.Logger) *Redis {
	return &Redis{rdb: rdb, topic: topic, log: log.With(zap.String("relay", DriverRedis))}
}

func (r *Redis) Name() string { return DriverRedis }

func (r *Redis) Subscribe(ctx context.Context, h Handler) error {
	ps := r.rdb.Subscribe(ctx, r.topic)
	// wait for the subscribe confirmation so failures surface here
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return errors.Wrapf(err, "redis subscribe %s", r.topic)
	}

	r.mu.Lock()
	r.ps = ps
	r.mu.Unlock()

	ch := ps.Channel()
	safe.Go("relay-redis", func() {
		for msg := range ch {
			deliver(context.Background(), h, []byte(msg.Payload), r.log)
		}
		r.log.Info("redis relay subscription closed", zap.String("topic", r.topic))
	})
	return nil
}

func (r *Redis) Publish(ctx context.Context, env *protocol.Envelope) error {
	raw, err := protocol.MarshalRelay(env)
	if err != nil {
		return errors.Wrap(err, "encode relay envelope")
	}
	if err := r.rdb.Publish(ctx, r.topic, raw).Err(); err != nil {
		return errors.Wrapf(err, "redis publish %s", r.topic)
	}
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ps == nil {
		return nil
	}
	err := r.ps.Close()
	r.ps = nil
	return err
}
