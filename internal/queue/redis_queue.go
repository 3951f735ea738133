package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	queueKeyPrefix  = "queue:"
	dlqKeyPrefix    = "dlq:"
	activeSetKey    = "active_recipients"
	scanBatchSize   = 200
)

// RedisQueue implements the Redis key namespace named in the external
// interfaces: queue:{rid} (list), active_recipients (set), dlq:{rid}
// (list). lease:{rid} lives in package lease.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue wraps an existing client. The caller owns the client's
// lifecycle (Close).
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func queueKey(recipientID string) string { return queueKeyPrefix + recipientID }
func dlqKey(recipientID string) string   { return dlqKeyPrefix + recipientID }

// Push appends a message to the right of queue:{rid} and marks the
// recipient active. The two writes are not atomic across a crash between
// them: a recipient left missing from active_recipients is picked up by
// the dispatcher's SCAN-based startup recovery. The periodic supervisor
// scan reads only active_recipients and does not find it.
func (q *RedisQueue) Push(ctx context.Context, msg *QueuedMessage) error {
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	pipe := q.client.Pipeline()
	pipe.RPush(ctx, queueKey(msg.RecipientID), data)
	pipe.SAdd(ctx, activeSetKey, msg.RecipientID)
	_, err = pipe.Exec(ctx)
	return err
}

// PushHead requeues a message at the head of its recipient's queue,
// preserving head-of-line position after a transient failure increments
// retry_count.
func (q *RedisQueue) PushHead(ctx context.Context, msg *QueuedMessage) error {
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return q.client.LPush(ctx, queueKey(msg.RecipientID), data).Err()
}

// PopBlocking pops the oldest message for a recipient, blocking up to
// timeout. Returns (nil, nil) on timeout (queue observed empty).
//
// A payload that fails to deserialize is a MalformedPayload per the error
// taxonomy: it is treated as a permanent failure without a send attempt,
// so it is routed straight to dlq:{rid} here (the raw bytes are already
// gone from queue:{rid} once BLPOP returns them, so this is the only
// place that can still recover them) and PopBlocking reports it to the
// caller as an empty pop.
func (q *RedisQueue) PopBlocking(ctx context.Context, recipientID string, timeout time.Duration) (*QueuedMessage, error) {
	res, err := q.client.BLPop(ctx, timeout, queueKey(recipientID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BLPop returns [key, value]; we only ever pass one key.
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply length: %d", len(res))
	}
	msg, err := UnmarshalMessage([]byte(res[1]))
	if err != nil {
		if dlqErr := q.client.RPush(ctx, dlqKey(recipientID), res[1]).Err(); dlqErr != nil {
			return nil, fmt.Errorf("dlq malformed payload for %s: %w", recipientID, dlqErr)
		}
		return nil, nil
	}
	return msg, nil
}

// Len returns the current queue length for a recipient.
func (q *RedisQueue) Len(ctx context.Context, recipientID string) (int64, error) {
	return q.client.LLen(ctx, queueKey(recipientID)).Result()
}

// RemoveActive removes a recipient from active_recipients. Only the
// dispatcher calls this, and only after observing an empty queue while
// holding the recipient's lease (the active-set gardening invariant).
func (q *RedisQueue) RemoveActive(ctx context.Context, recipientID string) error {
	return q.client.SRem(ctx, activeSetKey, recipientID).Err()
}

// AddActive re-adds a recipient to active_recipients. Used by the
// dispatcher's empty-but-member double-check when a concurrent Enqueue
// raced the pop.
func (q *RedisQueue) AddActive(ctx context.Context, recipientID string) error {
	return q.client.SAdd(ctx, activeSetKey, recipientID).Err()
}

// ActiveRecipients returns the current membership of active_recipients.
func (q *RedisQueue) ActiveRecipients(ctx context.Context) ([]string, error) {
	return q.client.SMembers(ctx, activeSetKey).Result()
}

// ActiveCount returns the current size of active_recipients.
func (q *RedisQueue) ActiveCount(ctx context.Context) (int64, error) {
	return q.client.SCard(ctx, activeSetKey).Result()
}

// PushDLQ appends a permanently failed or retry-exhausted message to
// dlq:{rid}.
func (q *RedisQueue) PushDLQ(ctx context.Context, msg *QueuedMessage) error {
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return q.client.RPush(ctx, dlqKey(msg.RecipientID), data).Err()
}

// ScanNonEmptyQueues walks queue:* with SCAN (never KEYS, which blocks the
// server) and returns the recipient ids of every key with a non-zero
// length. This is the dispatcher's startup recovery mechanism: it
// reconstructs active_recipients from persistent state so messages
// enqueued before a crash are replayed even if the active set was lost.
func (q *RedisQueue) ScanNonEmptyQueues(ctx context.Context) ([]string, error) {
	var recipients []string
	var cursor uint64
	for {
		keys, next, err := q.client.Scan(ctx, cursor, queueKeyPrefix+"*", scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("scan queue keys: %w", err)
		}
		for _, key := range keys {
			recipientID := strings.TrimPrefix(key, queueKeyPrefix)
			n, err := q.client.LLen(ctx, key).Result()
			if err != nil {
				continue
			}
			if n > 0 {
				recipients = append(recipients, recipientID)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return recipients, nil
}
