// Package enqueuer implements Enqueue(recipient_id, text, kind,
// metadata): the sole write path onto queue:{rid} and active_recipients.
package enqueuer

import (
	"context"
	"errors"
	"fmt"

	"github.com/oriys/relay/internal/logging"
	"github.com/oriys/relay/internal/metrics"
	"github.com/oriys/relay/internal/observability"
	"github.com/oriys/relay/internal/queue"
	"github.com/oriys/relay/internal/ratelimit"
)

// ErrStorageUnavailable is returned when Redis refuses the append.
var ErrStorageUnavailable = errors.New("enqueuer: storage unavailable")

// ErrRateLimited is returned when the optional per-recipient token
// bucket is exhausted. Producers may retry later or drop the message;
// the Enqueuer does not queue on their behalf.
var ErrRateLimited = errors.New("enqueuer: rate limited")

// Enqueuer is the producer-facing entry point onto the queue.
type Enqueuer struct {
	store       *queue.RedisQueue
	notifier    queue.Notifier
	rateLimiter *ratelimit.Limiter // nil disables rate limiting entirely
}

// New constructs an Enqueuer. rateLimiter may be nil to disable the
// producer-side token bucket (ENQUEUE_RATE_LIMIT_RPS/_BURST both 0).
func New(store *queue.RedisQueue, notifier queue.Notifier, rateLimiter *ratelimit.Limiter) *Enqueuer {
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	return &Enqueuer{store: store, notifier: notifier, rateLimiter: rateLimiter}
}

// Enqueue appends one QueuedMessage to queue:{recipient_id} and adds
// recipient_id to active_recipients, then wakes any dispatcher worker
// waiting on TopicActiveRecipients.
func (e *Enqueuer) Enqueue(ctx context.Context, recipientID, text string, kind queue.Kind, metadata map[string]string) error {
	ctx, span := observability.StartSpan(ctx, "enqueuer.enqueue",
		observability.AttrRecipientID.String(recipientID),
		observability.AttrMessageKind.String(string(kind)),
	)
	defer span.End()

	if e.rateLimiter != nil {
		result, err := e.rateLimiter.Allow(ctx, ratelimit.KeyForRecipient(recipientID), "enqueue")
		if err != nil {
			logging.Op().Warn("enqueuer: rate limit check failed, allowing", "recipient_id", recipientID, "error", err)
		} else if !result.Allowed {
			metrics.Global().RecordRateLimited()
			observability.SetSpanError(span, ErrRateLimited)
			return ErrRateLimited
		}
	}

	msg, err := queue.NewMessage(recipientID, text, kind, metadata)
	if err != nil {
		observability.SetSpanError(span, err)
		return err
	}

	if err := e.store.Push(ctx, msg); err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	e.notifier.Notify(ctx, queue.TopicActiveRecipients)
	observability.SetSpanOK(span)
	return nil
}
