package global

import (
	"context"
	"strings"
	"time"

	"ChannelGateway/global/config"
	midsec "ChannelGateway/middleware/security"
	"ChannelGateway/service/chat"
	"ChannelGateway/service/relay"
	"ChannelGateway/service/storage"
	redisx "ChannelGateway/service/storage/redis"
	"ChannelGateway/tools/errs"
	sec "ChannelGateway/tools/security"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func jwtOptions(cfg config.AppConfig) sec.Options {
	opts := sec.DefaultOptions([]byte(cfg.Auth.JWTSecret))
	if cfg.Auth.JWTAlg != "" {
		opts.Alg = cfg.Auth.JWTAlg
	}
	if cfg.Auth.TokenTTL > 0 {
		opts.TTL = cfg.Auth.TokenTTL
	}
	opts.Issuer = cfg.Auth.Issuer
	return opts
}

func ConfigAuth(cfg config.AppConfig) *midsec.Options {
	return midsec.DefaultOptions(jwtOptions(cfg))
}

// ConfigRedis 只有 redis relay 或 presence 需要时才连接，否则返回 nil
func ConfigRedis(ctx context.Context, cfg config.AppConfig) (*redis.Client, error) {
	if cfg.Relay.Driver != config.RelayRedis && !cfg.Presence.Enabled {
		return nil, nil
	}
	return redisx.Open(ctx, redisx.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
}

func ConfigRelay(cfg config.AppConfig, rdb *redis.Client, log *zap.Logger) (relay.Relay, error) {
	var uc redis.UniversalClient
	if rdb != nil {
		uc = rdb
	}
	return relay.Open(relay.Config{
		Driver: cfg.Relay.Driver,
		Topic:  cfg.Relay.Topic,
		NodeID: cfg.NodeID,
		NATS: relay.NATSConfig{
			Servers:  config.Split(cfg.NATS.Servers),
			Name:     "gateway-" + cfg.NodeID,
			User:     cfg.NATS.User,
			Password: cfg.NATS.Password,
		},
		Kafka: relay.KafkaConfig{
			Brokers:     config.Split(cfg.Kafka.Brokers),
			Version:     cfg.Kafka.Version,
			GroupPrefix: cfg.Kafka.GroupPrefix,

			AutoCreateTopic:   cfg.Kafka.AutoCreate,
			Partitions:        cfg.Kafka.Partitions,
			ReplicationFactor: cfg.Kafka.Replication,
		},
	}, uc, log)
}

// ConfigPresence returns nil when presence is disabled or redis is absent.
func ConfigPresence(cfg config.AppConfig, rdb *redis.Client) chat.PresenceStore {
	if !cfg.Presence.Enabled || rdb == nil {
		return nil
	}
	return storage.NewPresence(rdb, cfg.Presence.TTL)
}

func ConfigServer(cfg config.AppConfig, rl relay.Relay, ps chat.PresenceStore, log *zap.Logger) *chat.Server {
	return chat.NewServer(chat.Options{
		NodeID: cfg.NodeID,
		Conn: chat.ConnOptions{
			SendQueue:      cfg.WS.SendQueue,
			WriteWait:      cfg.WS.WriteWait,
			PingInterval:   cfg.WS.PingInterval,
			PongWait:       cfg.WS.PongWait,
			MaxMessageSize: cfg.WS.MaxMessageSize,
		},
		AllowedOrigins: config.Split(cfg.AllowedOrigins),
		Relay:          rl,
		Presence:       ps,
		Log:            log,
	})
}

// MintToken signs a development token for "user@workspace".
func MintToken(cfg config.AppConfig, subject string) (string, time.Time, error) {
	if cfg.Auth.JWTSecret == "" {
		return "", time.Time{}, errs.ErrInvalidConfig.WrapMsg("jwt secret is required")
	}
	user, workspace, ok := strings.Cut(subject, "@")
	if !ok {
		return "", time.Time{}, errs.ErrInvalidConfig.WrapMsg("expected user@workspace, got " + subject)
	}
	return sec.Generate(jwtOptions(cfg), sec.Identity{UserID: user, WorkspaceSlug: workspace})
}
