package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/madconcarl-des/archimedes/internal/aml/pipeline"
	"github.com/madconcarl-des/archimedes/pkg/metrics"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Submitter hands a record to the scoring workers. done runs once the
// record has been scored or rejected.
type Submitter interface {
	Submit(ctx context.Context, rec *aml.InputRecord, done pipeline.Result) error
}

// NewTransactionReader builds a consumer-group reader for the transaction topic.
func NewTransactionReader(cfg *KafkaConfig, logger *zap.Logger) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    string(cfg.Topics.Transactions),
		GroupID:  cfg.GroupID,
		MaxBytes: cfg.MaxMessageBytes,
		MaxWait:  cfg.ReadTimeout,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	})
}

// TransactionConsumer feeds the transaction topic into the scoring workers.
// Records that cannot be decoded or fail validation go to the dead-letter
// topic. Offsets are committed only once every earlier message of the same
// partition has finished. A record that could not be scored halts commits
// on its partition until it is redelivered.
type TransactionConsumer struct {
	reader    Reader
	submitter Submitter
	producer  Producer
	cfg       *KafkaConfig
	logger    *zap.Logger
	offsets   *offsetTracker
	inflight  sync.WaitGroup
}

func NewTransactionConsumer(reader Reader, submitter Submitter, producer Producer, cfg *KafkaConfig, logger *zap.Logger) *TransactionConsumer {
	return &TransactionConsumer{
		reader:    reader,
		submitter: submitter,
		producer:  producer,
		cfg:       cfg,
		logger:    logger,
		offsets:   newOffsetTracker(),
	}
}

// Run consumes until ctx is cancelled, then waits for in-flight records.
func (c *TransactionConsumer) Run(ctx context.Context) error {
	defer c.inflight.Wait()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Error("Failed to read message", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		c.handle(ctx, msg)
	}
}

// Close releases the reader.
func (c *TransactionConsumer) Close() error {
	return c.reader.Close()
}

func (c *TransactionConsumer) handle(ctx context.Context, msg kafka.Message) {
	c.offsets.track(msg)
	c.inflight.Add(1)

	var rec aml.InputRecord
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		c.deadLetter(ctx, msg, "decode", err)
		c.finish(msg, "rejected")
		return
	}

	err := c.submitter.Submit(ctx, &rec, func(_ *aml.RiskScore, err error) {
		switch {
		case err == nil:
			c.finish(msg, "scored")
		case errors.Is(err, aml.ErrValidation):
			c.deadLetter(ctx, msg, "validation", err)
			c.finish(msg, "rejected")
		default:
			c.logger.Error("Failed to score transaction",
				zap.Error(err),
				zap.String("transaction_id", rec.TransactionID),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset))
			c.hold(msg, "failed")
		}
	})
	if err != nil {
		c.logger.Warn("Transaction not submitted", zap.Error(err), zap.String("transaction_id", rec.TransactionID))
		c.hold(msg, "unsubmitted")
	}
}

// hold leaves msg uncommitted. Its partition commits nothing past it, so
// the record is redelivered after a restart or rebalance.
func (c *TransactionConsumer) hold(msg kafka.Message, result string) {
	defer c.inflight.Done()
	metrics.MessagesConsumed.WithLabelValues(msg.Topic, result).Inc()
	if c.offsets.hold(msg) {
		c.logger.Warn("Partition commits halted at unscored message",
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset))
	}
}

func (c *TransactionConsumer) finish(msg kafka.Message, result string) {
	defer c.inflight.Done()
	metrics.MessagesConsumed.WithLabelValues(msg.Topic, result).Inc()

	commit, ok := c.offsets.done(msg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.reader.CommitMessages(ctx, commit); err != nil {
		c.logger.Error("Failed to commit offset",
			zap.Error(err),
			zap.Int("partition", commit.Partition),
			zap.Int64("offset", commit.Offset))
	}
}

func (c *TransactionConsumer) deadLetter(ctx context.Context, msg kafka.Message, reason string, cause error) {
	dl := &DeadLetterMessage{
		BaseMessage: newBase(MsgDeadLetter, c.cfg.Source, string(msg.Key)),
		Reason:      reason,
		Error:       cause.Error(),
		Topic:       msg.Topic,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Payload:     string(msg.Value),
	}
	var verr *aml.ValidationError
	if errors.As(cause, &verr) {
		dl.Fields = verr.Fields
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.producer.Publish(pubCtx, c.cfg.Topics.DeadLetter, string(msg.Key), dl); err != nil {
		c.logger.Error("Failed to dead-letter message",
			zap.Error(err),
			zap.String("reason", reason),
			zap.Int64("offset", msg.Offset))
		return
	}
	c.logger.Warn("Message dead-lettered",
		zap.String("reason", reason),
		zap.Error(cause),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset))
}

type partitionKey struct {
	topic     string
	partition int
}

type pendingOffset struct {
	msg  kafka.Message
	done bool
	held bool
}

// offsetTracker orders completions per partition so a commit never skips
// a message that is still being scored.
type offsetTracker struct {
	mu      sync.Mutex
	pending map[partitionKey][]*pendingOffset
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{pending: make(map[partitionKey][]*pendingOffset)}
}

func (t *offsetTracker) track(msg kafka.Message) {
	k := partitionKey{msg.Topic, msg.Partition}
	t.mu.Lock()
	t.pending[k] = append(t.pending[k], &pendingOffset{msg: msg})
	t.mu.Unlock()
}

// hold pins msg at its place in the partition queue; done never reports
// a commit at or past it. It reports whether msg is now the first held
// message of its partition.
func (t *offsetTracker) hold(msg kafka.Message) bool {
	k := partitionKey{msg.Topic, msg.Partition}
	t.mu.Lock()
	defer t.mu.Unlock()
	first := true
	for _, p := range t.pending[k] {
		if p.held {
			first = false
		}
		if p.msg.Offset == msg.Offset {
			p.held = true
			return first
		}
	}
	return false
}

// done marks msg finished and returns the highest message that may now be
// committed, if the head of the partition queue advanced.
func (t *offsetTracker) done(msg kafka.Message) (kafka.Message, bool) {
	k := partitionKey{msg.Topic, msg.Partition}
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.pending[k]
	for _, p := range q {
		if p.msg.Offset == msg.Offset {
			p.done = true
			break
		}
	}
	n := 0
	for n < len(q) && q[n].done {
		n++
	}
	if n == 0 {
		return kafka.Message{}, false
	}
	commit := q[n-1].msg
	t.pending[k] = q[n:]
	return commit, true
}
