// Package delivery implements Deliver(msg) -> {Success, TransientFail,
// PermanentFail}: delay computation, typing pulses, the transport call,
// and the failure-isolation layer (per-recipient circuit breaker, global
// send-rate shaping) that sits in front of it.
package delivery

import (
	"context"
	"time"

	"github.com/oriys/relay/internal/cache"
	"github.com/oriys/relay/internal/circuitbreaker"
	"github.com/oriys/relay/internal/logging"
	"github.com/oriys/relay/internal/metrics"
	"github.com/oriys/relay/internal/observability"
	"github.com/oriys/relay/internal/queue"
	"github.com/oriys/relay/internal/ratelimit"
	"github.com/oriys/relay/internal/transport"
)

// sessionTTL bounds how long a gap between two deliveries to the same
// recipient is still considered "the same session" for the purposes of
// the optional first-message delay skip. A gap longer than this is
// treated as a fresh session (the typing-before-first-message visual
// applies again).
const sessionTTL = 5 * time.Minute

// Config holds the tunables Delivery needs beyond delay computation.
type Config struct {
	Delay            DelayConfig
	TransportTimeout time.Duration
	CircuitBreaker   circuitbreaker.Config // zero value disables breaking
}

// Delivery drives a single message from pop to a terminal outcome.
type Delivery struct {
	cfg       Config
	transport transport.Transport
	breakers  *circuitbreaker.Registry
	// transportLimiter shapes outbound sends fleet-wide; nil disables it.
	transportLimiter *ratelimit.Limiter
	sessionCache     cache.Cache
}

// New constructs a Delivery. transportLimiter may be nil to disable the
// global send-rate bucket (TRANSPORT_RATE_LIMIT_RPS/_BURST both 0).
func New(cfg Config, tr transport.Transport, transportLimiter *ratelimit.Limiter) *Delivery {
	return &Delivery{
		cfg:              cfg,
		transport:        tr,
		breakers:         circuitbreaker.NewRegistry(),
		transportLimiter: transportLimiter,
		sessionCache:     cache.NewInMemoryCache(),
	}
}

// Close releases the in-process session cache.
func (d *Delivery) Close() error {
	return d.sessionCache.Close()
}

// Deliver runs the full delay/typing/send sequence for one message and
// returns the terminal transport.Outcome. It invokes Transport.Send at
// most once: when the recipient's circuit breaker is open, or the
// transport rate limit stays exhausted for MaxDelay, it returns
// TransientFail without calling Send.
func (d *Delivery) Deliver(ctx context.Context, msg *queue.QueuedMessage) transport.Outcome {
	ctx, span := observability.StartSpan(ctx, "delivery.deliver",
		observability.AttrRecipientID.String(msg.RecipientID),
		observability.AttrRetryCount.Int(msg.RetryCount),
	)
	defer span.End()
	start := time.Now()

	if breaker := d.breakers.Get(msg.RecipientID, d.cfg.CircuitBreaker); breaker != nil && !breaker.Allow() {
		logging.Op().Warn("delivery: circuit open, short-circuiting send", "recipient_id", msg.RecipientID)
		d.record(msg, start, transport.TransientFail, errCircuitOpen)
		observability.SetSpanError(span, errCircuitOpen)
		return transport.TransientFail
	}

	delay := d.delayFor(ctx, msg)
	span.SetAttributes(observability.AttrDelayMs.Int64(delay.Milliseconds()))
	d.waitWithTyping(ctx, msg.RecipientID, delay)

	if d.transportLimiter != nil {
		waitUntil := time.Now().Add(d.cfg.Delay.MaxDelay)
		for {
			result, err := d.transportLimiter.Allow(ctx, ratelimit.KeyForTransport(), "transport")
			if err != nil || result.Allowed {
				break
			}
			if !time.Now().Before(waitUntil) {
				metrics.Global().RecordRateLimited()
				d.recordBreaker(msg.RecipientID, transport.TransientFail)
				d.record(msg, start, transport.TransientFail, errRateLimited)
				return transport.TransientFail
			}
			time.Sleep(50 * time.Millisecond)
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.TransportTimeout)
	defer cancel()
	outcome := d.transport.Send(sendCtx, msg.RecipientID, msg.Text)

	d.recordBreaker(msg.RecipientID, outcome)
	var sendErr error
	if outcome != transport.Success {
		sendErr = errSendFailed(outcome)
	}
	d.record(msg, start, outcome, sendErr)
	if outcome == transport.Success {
		observability.SetSpanOK(span)
	} else {
		observability.SetSpanError(span, errSendFailed(outcome))
	}
	return outcome
}

func (d *Delivery) recordBreaker(recipientID string, outcome transport.Outcome) {
	breaker := d.breakers.Get(recipientID, d.cfg.CircuitBreaker)
	if breaker == nil {
		return
	}
	if outcome == transport.Success {
		breaker.RecordSuccess()
	} else {
		breaker.RecordFailure()
	}
}

// record updates both the in-memory and Prometheus metrics, and emits a
// per-delivery log entry via the console/file Logger.
func (d *Delivery) record(msg *queue.QueuedMessage, start time.Time, outcome transport.Outcome, sendErr error) {
	durationMs := time.Since(start).Milliseconds()
	var mo metrics.DeliveryOutcome
	switch outcome {
	case transport.Success:
		mo = metrics.OutcomeDelivered
	case transport.PermanentFail:
		mo = metrics.OutcomePermanentFail
	default:
		mo = metrics.OutcomeTransientFail
	}
	// PermanentFail always routes to dlq:{rid}; TransientFail only does so
	// once the dispatcher's retry budget is exhausted, which this package
	// does not track, so it is not reflected here.
	dlq := outcome == transport.PermanentFail
	metrics.Global().RecordDelivery(msg.RecipientID, durationMs, msg.RetryCount, mo)

	entry := &logging.DeliveryLog{
		RecipientID: msg.RecipientID,
		Kind:        string(msg.MessageType),
		DurationMs:  durationMs,
		Success:     outcome == transport.Success,
		RetryCount:  msg.RetryCount,
		DLQ:         dlq,
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	logging.Default().Log(entry)
}

// delayFor computes this message's delay, consulting sessionCache to
// decide whether this is the first delivery in the current session (in
// which case the delay may be skipped per spec.md §4.4).
func (d *Delivery) delayFor(ctx context.Context, msg *queue.QueuedMessage) time.Duration {
	key := "session:" + msg.RecipientID
	exists, err := d.sessionCache.Exists(ctx, key)
	if err != nil {
		logging.Op().Warn("delivery: session cache check failed", "recipient_id", msg.RecipientID, "error", err)
	}
	if setErr := d.sessionCache.Set(ctx, key, []byte("1"), sessionTTL); setErr != nil {
		logging.Op().Warn("delivery: session cache set failed", "recipient_id", msg.RecipientID, "error", setErr)
	}
	if !exists {
		return 0
	}
	return computeDelay(d.cfg.Delay, len(msg.Text))
}

// waitWithTyping sleeps for delay, emitting Transport.Typing pulses at
// t=0 and every TypingInterval thereafter if delay exceeds
// TypingPulseThreshold. Pulse failures are logged and ignored.
func (d *Delivery) waitWithTyping(ctx context.Context, recipientID string, delay time.Duration) {
	if delay <= 0 {
		return
	}
	if delay <= d.cfg.Delay.TypingPulseThreshold {
		time.Sleep(delay)
		return
	}

	d.pulseTyping(ctx, recipientID)

	deadline := time.Now().Add(delay)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		wait := d.cfg.Delay.TypingInterval
		if remaining < wait {
			wait = remaining
		}
		time.Sleep(wait)
		if time.Now().Before(deadline) {
			d.pulseTyping(ctx, recipientID)
		}
	}
}

func (d *Delivery) pulseTyping(ctx context.Context, recipientID string) {
	if err := d.transport.Typing(ctx, recipientID); err != nil {
		logging.Op().Debug("delivery: typing pulse failed, ignoring", "recipient_id", recipientID, "error", err)
	}
}
