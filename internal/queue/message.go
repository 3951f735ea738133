package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind tags a QueuedMessage for observability and producer-side retry/
// priority hints. The core never reorders by kind.
type Kind string

const (
	KindReactive  Kind = "reactive"
	KindProactive Kind = "proactive"
)

// ErrEmptyRecipient is returned when a recipient id is empty.
var ErrEmptyRecipient = errors.New("queue: recipient_id must not be empty")

// ErrEmptyText is returned when message text is empty.
var ErrEmptyText = errors.New("queue: text must not be empty")

// QueuedMessage is the unit of work moving through queue:{rid}, and
// (on retry exhaustion) dlq:{rid}. Its JSON shape is the wire format named
// by the Redis key namespace: recipient_id, chat_id, text, message_type,
// timestamp, retry_count, metadata.
type QueuedMessage struct {
	RecipientID string            `json:"recipient_id"`
	ChatID      string            `json:"chat_id"`
	Text        string            `json:"text"`
	MessageType Kind              `json:"message_type"`
	Timestamp   time.Time         `json:"timestamp"`
	RetryCount  int               `json:"retry_count"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewMessage constructs a QueuedMessage ready for its first enqueue.
// chat_id duplicates recipient_id per the glossary: the core does not
// distinguish user vs. chat.
func NewMessage(recipientID, text string, kind Kind, metadata map[string]string) (*QueuedMessage, error) {
	if recipientID == "" {
		return nil, ErrEmptyRecipient
	}
	if text == "" {
		return nil, ErrEmptyText
	}
	return &QueuedMessage{
		RecipientID: recipientID,
		ChatID:      recipientID,
		Text:        text,
		MessageType: kind,
		Timestamp:   time.Now().UTC(),
		RetryCount:  0,
		Metadata:    metadata,
	}, nil
}

// Marshal serializes the message to its wire format.
func (m *QueuedMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalMessage deserializes a message from its wire format. A decode
// failure is treated by RedisQueue.PopBlocking as a permanent,
// non-retryable failure (routed straight to DLQ) since there is no
// well-formed message to retry.
func UnmarshalMessage(data []byte) (*QueuedMessage, error) {
	var m QueuedMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
