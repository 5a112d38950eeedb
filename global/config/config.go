package config

import (
	"os"
	"strings"
	"time"

	"ChannelGateway/tools/errs"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	RelayRedis  = "redis"
	RelayNATS   = "nats"
	RelayKafka  = "kafka"
	RelayMemory = "memory"
)

// AppConfig is the gateway configuration. Values are layered: in-code
// defaults, then the YAML file named by --config, then environment
// (including .env), then command-line flags.
type AppConfig struct {
	ConfigFile string `long:"config" env:"GATEWAY_CONFIG" yaml:"-" description:"YAML config file"`
	MintToken  string `long:"mint-token" yaml:"-" description:"print a token for user@workspace and exit"`

	NodeID         string `long:"node-id" env:"GATEWAY_NODE_ID" yaml:"nodeId" description:"unique id of this gateway instance"`
	HTTPAddr       string `long:"http-addr" env:"GATEWAY_HTTP_ADDR" yaml:"httpAddr" description:"listen address"`
	LogLevel       string `long:"log-level" env:"GATEWAY_LOG_LEVEL" yaml:"logLevel" description:"debug, info, warn or error"`
	InternalToken  string `long:"internal-token" env:"GATEWAY_INTERNAL_TOKEN" yaml:"internalToken" description:"shared token for /messaging/broadcast and /messaging/stats"`
	AllowedOrigins string `long:"allowed-origins" env:"GATEWAY_ALLOWED_ORIGINS" yaml:"allowedOrigins" description:"comma separated websocket origins, empty allows all"`

	Auth     AuthConfig     `group:"auth" namespace:"auth" yaml:"auth"`
	Relay    RelayConfig    `group:"relay" namespace:"relay" yaml:"relay"`
	Redis    RedisConfig    `group:"redis" namespace:"redis" yaml:"redis"`
	NATS     NATSConfig     `group:"nats" namespace:"nats" yaml:"nats"`
	Kafka    KafkaConfig    `group:"kafka" namespace:"kafka" yaml:"kafka"`
	WS       WSConfig       `group:"ws" namespace:"ws" yaml:"ws"`
	Presence PresenceConfig `group:"presence" namespace:"presence" yaml:"presence"`
}

type AuthConfig struct {
	JWTSecret string        `long:"jwt-secret" env:"GATEWAY_JWT_SECRET" yaml:"jwtSecret" description:"HMAC secret for access tokens"`
	JWTAlg    string        `long:"jwt-alg" env:"GATEWAY_JWT_ALG" yaml:"jwtAlg" description:"HS256, HS384 or HS512"`
	Issuer    string        `long:"issuer" env:"GATEWAY_JWT_ISSUER" yaml:"issuer"`
	TokenTTL  time.Duration `long:"token-ttl" env:"GATEWAY_TOKEN_TTL" yaml:"tokenTtl" description:"lifetime of minted tokens"`
}

type RelayConfig struct {
	Driver string `long:"driver" env:"GATEWAY_RELAY_DRIVER" yaml:"driver" description:"redis, nats, kafka or memory"`
	Topic  string `long:"topic" env:"GATEWAY_RELAY_TOPIC" yaml:"topic"`
}

type RedisConfig struct {
	Addr     string `long:"addr" env:"GATEWAY_REDIS_ADDR" yaml:"addr"`
	Password string `long:"password" env:"GATEWAY_REDIS_PASSWORD" yaml:"password"`
	DB       int    `long:"db" env:"GATEWAY_REDIS_DB" yaml:"db"`
	PoolSize int    `long:"pool-size" env:"GATEWAY_REDIS_POOL_SIZE" yaml:"poolSize"`
}

type NATSConfig struct {
	Servers  string `long:"servers" env:"GATEWAY_NATS_SERVERS" yaml:"servers" description:"comma separated"`
	User     string `long:"user" env:"GATEWAY_NATS_USER" yaml:"user"`
	Password string `long:"password" env:"GATEWAY_NATS_PASSWORD" yaml:"password"`
}

type KafkaConfig struct {
	Brokers     string `long:"brokers" env:"GATEWAY_KAFKA_BROKERS" yaml:"brokers" description:"comma separated"`
	Version     string `long:"version" env:"GATEWAY_KAFKA_VERSION" yaml:"version"`
	GroupPrefix string `long:"group-prefix" env:"GATEWAY_KAFKA_GROUP_PREFIX" yaml:"groupPrefix"`
	AutoCreate  bool   `long:"auto-create-topic" env:"GATEWAY_KAFKA_AUTO_CREATE_TOPIC" yaml:"autoCreateTopic"`
	Partitions  int32  `long:"partitions" env:"GATEWAY_KAFKA_PARTITIONS" yaml:"partitions"`
	Replication int16  `long:"replication-factor" env:"GATEWAY_KAFKA_REPLICATION_FACTOR" yaml:"replicationFactor"`
}

type WSConfig struct {
	SendQueue      int           `long:"send-queue" env:"GATEWAY_WS_SEND_QUEUE" yaml:"sendQueue"`
	WriteWait      time.Duration `long:"write-wait" env:"GATEWAY_WS_WRITE_WAIT" yaml:"writeWait"`
	PingInterval   time.Duration `long:"ping-interval" env:"GATEWAY_WS_PING_INTERVAL" yaml:"pingInterval"`
	PongWait       time.Duration `long:"pong-wait" env:"GATEWAY_WS_PONG_WAIT" yaml:"pongWait"`
	MaxMessageSize int64         `long:"max-message-size" env:"GATEWAY_WS_MAX_MESSAGE_SIZE" yaml:"maxMessageSize"`
}

type PresenceConfig struct {
	Enabled bool          `long:"enabled" env:"GATEWAY_PRESENCE_ENABLED" yaml:"enabled" description:"record presence in redis"`
	TTL     time.Duration `long:"ttl" env:"GATEWAY_PRESENCE_TTL" yaml:"ttl"`
}

// Default 默认配置
func Default() AppConfig {
	host, _ := os.Hostname()
	if host == "" {
		host = "gw-1"
	}
	return AppConfig{
		NodeID:   host,
		HTTPAddr: ":8080",
		LogLevel: "info",
		Auth: AuthConfig{
			JWTAlg:   "HS256",
			TokenTTL: 2 * time.Hour,
		},
		Relay: RelayConfig{
			Driver: RelayRedis,
			Topic:  "messaging:broadcast",
		},
		Redis: RedisConfig{
			Addr:     "127.0.0.1:6379",
			PoolSize: 20,
		},
		NATS: NATSConfig{
			Servers: "nats://127.0.0.1:4222",
		},
		Kafka: KafkaConfig{
			Brokers:     "127.0.0.1:9092",
			Version:     "2.1.0",
			GroupPrefix: "messaging-gateway",
			Partitions:  6,
			Replication: 1,
		},
		WS: WSConfig{
			SendQueue:      256,
			WriteWait:      10 * time.Second,
			PingInterval:   25 * time.Second,
			PongWait:       60 * time.Second,
			MaxMessageSize: 64 * 1024,
		},
		Presence: PresenceConfig{
			Enabled: true,
			TTL:     90 * time.Second,
		},
	}
}

// Load builds the configuration from args (without the program name).
func Load(args []string) (AppConfig, error) {
	_ = godotenv.Load()

	// first pass only finds the config file
	var pre struct {
		ConfigFile string `long:"config" env:"GATEWAY_CONFIG"`
	}
	p := flags.NewParser(&pre, flags.IgnoreUnknown)
	if _, err := p.ParseArgs(args); err != nil {
		return AppConfig{}, err
	}

	cfg := Default()
	if pre.ConfigFile != "" {
		if err := cfg.mergeFile(pre.ConfigFile); err != nil {
			return AppConfig{}, err
		}
	}

	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errs.ErrInvalidConfig.WrapMsg(err.Error())
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return errs.ErrInvalidConfig.WrapMsg(path + ": " + err.Error())
	}
	return nil
}

// Validate checks the settings the selected drivers depend on.
func (c *AppConfig) Validate() error {
	var problems []string
	if strings.TrimSpace(c.NodeID) == "" {
		problems = append(problems, "node id is required")
	}
	if c.Auth.JWTSecret == "" {
		problems = append(problems, "jwt secret is required")
	}
	switch c.Relay.Driver {
	case RelayRedis:
		if c.Redis.Addr == "" {
			problems = append(problems, "redis addr is required for the redis relay")
		}
	case RelayNATS:
		if len(Split(c.NATS.Servers)) == 0 {
			problems = append(problems, "nats servers are required for the nats relay")
		}
	case RelayKafka:
		if len(Split(c.Kafka.Brokers)) == 0 {
			problems = append(problems, "kafka brokers are required for the kafka relay")
		}
	case RelayMemory:
	default:
		problems = append(problems, "unknown relay driver "+c.Relay.Driver)
	}
	if c.Presence.Enabled && c.Redis.Addr == "" {
		problems = append(problems, "redis addr is required for presence")
	}
	if c.WS.PongWait > 0 && c.WS.PingInterval >= c.WS.PongWait {
		problems = append(problems, "ping interval must be shorter than pong wait")
	}
	if len(problems) > 0 {
		return errs.ErrInvalidConfig.WrapMsg(strings.Join(problems, "; "))
	}
	return nil
}

// Split turns a comma separated list into its trimmed, non-empty items.
func Split(csv string) []string {
	var out []string
	for _, item := range strings.Split(csv, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
