package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig contains configuration for Kafka connection
type KafkaConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers         []string      `mapstructure:"brokers" yaml:"brokers"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	BatchSize       int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout    time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	RequiredAcks    int           `mapstructure:"required_acks" yaml:"required_acks"`
	Compression     string        `mapstructure:"compression" yaml:"compression"`
	RetryMax        int           `mapstructure:"retry_max" yaml:"retry_max"`
	MaxMessageBytes int           `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	GroupID         string        `mapstructure:"group_id" yaml:"group_id"`
	Source          string        `mapstructure:"source" yaml:"source"`
	Topics          TopicConfig   `mapstructure:"topics" yaml:"topics"`
}

type TopicConfig struct {
	Transactions Topic `mapstructure:"transactions" yaml:"transactions"`
	Scores       Topic `mapstructure:"scores" yaml:"scores"`
	Alerts       Topic `mapstructure:"alerts" yaml:"alerts"`
	DeadLetter   Topic `mapstructure:"dead_letter" yaml:"dead_letter"`
}

// DefaultKafkaConfig returns defaults for a local single-broker setup.
func DefaultKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:         []string{"localhost:9092"},
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    5 * time.Second,
		BatchSize:       100,
		BatchTimeout:    10 * time.Millisecond,
		RequiredAcks:    -1,
		Compression:     "snappy",
		RetryMax:        3,
		MaxMessageBytes: 1048576, // 1MB
		GroupID:         "archimedes-scoring",
		Source:          "archimedes",
		Topics: TopicConfig{
			Transactions: "aml.transactions",
			Scores:       "aml.risk-scores",
			Alerts:       "aml.alerts",
			DeadLetter:   "aml.transactions.dlq",
		},
	}
}

func (c *KafkaConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if c.Topics.Transactions == "" || c.Topics.Scores == "" || c.Topics.Alerts == "" || c.Topics.DeadLetter == "" {
		return fmt.Errorf("kafka.topics must name every topic")
	}
	if c.GroupID == "" {
		return fmt.Errorf("kafka.group_id is required")
	}
	return nil
}

// Producer interface defines message publishing operations
type Producer interface {
	Publish(ctx context.Context, topic Topic, key string, message interface{}) error
	PublishBatch(ctx context.Context, topic Topic, messages []BatchMessage) error
	Close() error
}

// BatchMessage represents a message in a batch operation
type BatchMessage struct {
	Key     string
	Message interface{}
}

// KafkaProducer implements Producer with one synchronous writer per topic.
type KafkaProducer struct {
	config  *KafkaConfig
	writers map[Topic]*kafka.Writer
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewKafkaProducer creates a new Kafka producer
func NewKafkaProducer(config *KafkaConfig, logger *zap.Logger) (*KafkaProducer, error) {
	if config == nil {
		config = DefaultKafkaConfig()
	}
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka producer needs at least one broker")
	}
	return &KafkaProducer{
		config:  config,
		writers: make(map[Topic]*kafka.Writer),
		logger:  logger,
	}, nil
}

// getWriter returns or creates a writer for the specified topic
func (p *KafkaProducer) getWriter(topic Topic) *kafka.Writer {
	p.mu.RLock()
	writer, exists := p.writers[topic]
	p.mu.RUnlock()

	if exists {
		return writer
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check pattern
	if writer, exists := p.writers[topic]; exists {
		return writer
	}

	writer = &kafka.Writer{
		Addr:         kafka.TCP(p.config.Brokers...),
		Topic:        string(topic),
		Balancer:     &kafka.CRC32Balancer{},
		BatchSize:    p.config.BatchSize,
		BatchTimeout: p.config.BatchTimeout,
		ReadTimeout:  p.config.ReadTimeout,
		WriteTimeout: p.config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		MaxAttempts:  p.config.RetryMax,
		BatchBytes:   int64(p.config.MaxMessageBytes),
		Compression:  compressionCodec(p.config.Compression),
	}

	p.writers[topic] = writer
	return writer
}

func compressionCodec(name string) kafka.Compression {
	switch name {
	case "gzip":
		return kafka.Gzip
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Snappy
	}
}

func encode(key string, message interface{}) (kafka.Message, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	}, nil
}

// Publish publishes a single message to the specified topic
func (p *KafkaProducer) Publish(ctx context.Context, topic Topic, key string, message interface{}) error {
	msg, err := encode(key, message)
	if err != nil {
		return err
	}
	return p.getWriter(topic).WriteMessages(ctx, msg)
}

// PublishBatch publishes multiple messages in a single batch
func (p *KafkaProducer) PublishBatch(ctx context.Context, topic Topic, messages []BatchMessage) error {
	if len(messages) == 0 {
		return nil
	}

	kafkaMessages := make([]kafka.Message, len(messages))
	for i, m := range messages {
		msg, err := encode(m.Key, m.Message)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		kafkaMessages[i] = msg
	}
	return p.getWriter(topic).WriteMessages(ctx, kafkaMessages...)
}

// Close closes the producer and all its writers
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			lastErr = err
			p.logger.Error("Failed to close writer", zap.Error(err), zap.String("topic", string(topic)))
		}
	}
	return lastErr
}

// EventSink publishes scoring runs and alert changes for case management.
// Messages are keyed by account so consumers see one account in order.
type EventSink struct {
	producer Producer
	topics   TopicConfig
	source   string
}

func NewEventSink(producer Producer, cfg *KafkaConfig) *EventSink {
	return &EventSink{producer: producer, topics: cfg.Topics, source: cfg.Source}
}

func (s *EventSink) PublishScore(ctx context.Context, score *aml.RiskScore) error {
	msg := &ScoreEventMessage{
		BaseMessage: newBase(MsgTransactionScored, s.source, score.TransactionID),
		Score:       score,
	}
	if err := s.producer.Publish(ctx, s.topics.Scores, score.AccountID, msg); err != nil {
		return fmt.Errorf("publish score %s: %w", score.RunID, err)
	}
	return nil
}

func (s *EventSink) PublishAlert(ctx context.Context, alert *aml.Alert) error {
	msg := &AlertEventMessage{
		BaseMessage: newBase(MsgAlertUpdated, s.source, alert.ID),
		Alert:       alert,
	}
	if err := s.producer.Publish(ctx, s.topics.Alerts, alert.PrimaryAccount, msg); err != nil {
		return fmt.Errorf("publish alert %s: %w", alert.ID, err)
	}
	return nil
}
