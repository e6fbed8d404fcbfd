package messaging

import (
	"time"

	"github.com/google/uuid"
	"github.com/madconcarl-des/archimedes/internal/aml"
)

// Topic names a Kafka topic.
type Topic string

// MessageType defines the type of message being sent
type MessageType string

const (
	MsgTransactionScored MessageType = "aml.transaction.scored"
	MsgAlertUpdated      MessageType = "aml.alert.updated"
	MsgDeadLetter        MessageType = "aml.transaction.rejected"
)

const messageVersion = "1"

// BaseMessage contains common fields for all messages
type BaseMessage struct {
	MessageID     string      `json:"message_id"`
	Type          MessageType `json:"type"`
	Timestamp     time.Time   `json:"timestamp"`
	Version       string      `json:"version"`
	Source        string      `json:"source"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

func newBase(t MessageType, source, correlationID string) BaseMessage {
	return BaseMessage{
		MessageID:     uuid.NewString(),
		Type:          t,
		Timestamp:     time.Now().UTC(),
		Version:       messageVersion,
		Source:        source,
		CorrelationID: correlationID,
	}
}

// ScoreEventMessage carries one scoring run to case management.
type ScoreEventMessage struct {
	BaseMessage
	Score *aml.RiskScore `json:"score"`
}

// AlertEventMessage carries the current state of an alert.
type AlertEventMessage struct {
	BaseMessage
	Alert *aml.Alert `json:"alert"`
}

// DeadLetterMessage wraps an input record that could not be scored.
type DeadLetterMessage struct {
	BaseMessage
	Reason    string           `json:"reason"`
	Error     string           `json:"error"`
	Fields    []aml.FieldError `json:"fields,omitempty"`
	Topic     string           `json:"topic"`
	Partition int              `json:"partition"`
	Offset    int64            `json:"offset"`
	Payload   string           `json:"payload"`
}
