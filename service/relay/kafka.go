package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"ChannelGateway/service/protocol"
	"ChannelGateway/tools/safe"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type KafkaConfig struct {
	Brokers []string
	Version string // e.g. "2.1.0"
	// GroupPrefix is joined with the node id; one group per instance means
	// every instance reads every record.
	GroupPrefix string

	// AutoCreateTopic creates the topic on Subscribe when it is missing.
	AutoCreateTopic   bool
	Partitions        int32 // default 6
	ReplicationFactor int16 // default 1
}

// Kafka relays through a single topic. Each instance consumes from the
// newest offset under its own consumer group.
type Kafka struct {
	cfg   KafkaConfig
	topic string
	group string
	log   *zap.Logger
	sc    *sarama.Config

	producer sarama.SyncProducer

	mu     sync.Mutex
	cg     sarama.ConsumerGroup
	cancel context.CancelFunc
	done   chan struct{}
}

func NewKafka(cfg KafkaConfig, topic, nodeID string, log *zap.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers missing")
	}
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = "messaging-gateway"
	}
	sc, err := kafkaConfig(cfg.Version)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, errors.Wrap(err, "kafka producer")
	}
	return &Kafka{
		cfg:      cfg,
		topic:    topicFor(topic),
		group:    cfg.GroupPrefix + "-" + nodeID,
		log:      log.With(zap.String("relay", DriverKafka)),
		sc:       sc,
		producer: producer,
	}, nil
}

func kafkaConfig(version string) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_1_0_0
	if version != "" {
		v, err := sarama.ParseKafkaVersion(version)
		if err != nil {
			return nil, errors.Wrap(err, "kafka version")
		}
		sc.Version = v
	}
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Retry.Max = 3
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Return.Errors = true
	sc.Net.DialTimeout = 10 * time.Second
	return sc, nil
}

// topicFor maps the topic onto Kafka's legal topic characters.
func topicFor(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

func (k *Kafka) Name() string { return DriverKafka }

func (k *Kafka) Subscribe(ctx context.Context, h Handler) error {
	if k.cfg.AutoCreateTopic {
		if err := k.ensureTopic(); err != nil {
			// brokers with auto.create.topics.enable still work
			k.log.Warn("kafka ensure topic", zap.String("topic", k.topic), zap.Error(err))
		}
	}
	cg, err := sarama.NewConsumerGroup(k.cfg.Brokers, k.group, k.sc)
	if err != nil {
		return errors.Wrapf(err, "kafka consumer group %s", k.group)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	k.mu.Lock()
	k.cg, k.cancel, k.done = cg, cancel, done
	k.mu.Unlock()

	safe.Go("relay-kafka-errors", func() {
		for err := range cg.Errors() {
			k.log.Warn("kafka consumer error", zap.Error(err))
		}
	})
	safe.Go("relay-kafka", func() {
		defer close(done)
		handler := &groupHandler{h: h, log: k.log}
		for runCtx.Err() == nil {
			if err := cg.Consume(runCtx, []string{k.topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				k.log.Warn("kafka consume", zap.Error(err))
				select {
				case <-runCtx.Done():
				case <-time.After(time.Second):
				}
			}
		}
	})
	return nil
}

func (k *Kafka) Publish(ctx context.Context, env *protocol.Envelope) error {
	raw, err := protocol.MarshalRelay(env)
	if err != nil {
		return errors.Wrap(err, "encode relay envelope")
	}
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(env.ChannelID),
		Value: sarama.ByteEncoder(raw),
	})
	if err != nil {
		return errors.Wrapf(err, "kafka publish %s", k.topic)
	}
	return nil
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	cg, cancel, done := k.cg, k.cancel, k.done
	k.cg = nil
	k.mu.Unlock()

	var first error
	if cg != nil {
		cancel()
		if err := cg.Close(); err != nil {
			first = err
		}
		<-done
	}
	if err := k.producer.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// ensureTopic 不存在就创建；已存在不改分区
func (k *Kafka) ensureTopic() error {
	admin, err := sarama.NewClusterAdmin(k.cfg.Brokers, k.sc)
	if err != nil {
		return errors.Wrap(err, "kafka admin")
	}
	defer admin.Close()

	descs, err := admin.DescribeTopics([]string{k.topic})
	if err == nil && len(descs) == 1 && descs[0].Err == sarama.ErrNoError {
		k.log.Debug("topic exists", zap.String("topic", k.topic), zap.Int("partitions", len(descs[0].Partitions)))
		return nil
	}
	parts, rf := k.cfg.Partitions, k.cfg.ReplicationFactor
	if parts <= 0 {
		parts = 6
	}
	if rf <= 0 {
		rf = 1
	}
	cleanup, retention := "delete", "3600000"
	err = admin.CreateTopic(k.topic, &sarama.TopicDetail{
		NumPartitions:     parts,
		ReplicationFactor: rf,
		ConfigEntries: map[string]*string{
			"cleanup.policy": &cleanup,
			"retention.ms":   &retention, // relay records are live traffic only
		},
	}, false)
	if err != nil {
		var te *sarama.TopicError
		if errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists {
			return nil
		}
		if errors.Is(err, sarama.ErrTopicAlreadyExists) {
			return nil
		}
		return errors.Wrapf(err, "create topic %s", k.topic)
	}
	k.log.Info("topic created", zap.String("topic", k.topic), zap.Int32("partitions", parts), zap.Int16("rf", rf))
	return nil
}

type groupHandler struct {
	h   Handler
	log *zap.Logger
}

func (g *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (g *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		deliver(session.Context(), g.h, msg.Value, g.log)
		session.MarkMessage(msg, "")
	}
	return nil
}
