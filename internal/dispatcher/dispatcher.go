// Package dispatcher converts active_recipients membership into
// serialized per-recipient delivery: a supervisor goroutine scans for
// recipients not yet under service and spawns one goroutine per
// recipient, each holding that recipient's lease for as long as it
// drains the recipient's queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/relay/internal/delivery"
	"github.com/oriys/relay/internal/lease"
	"github.com/oriys/relay/internal/logging"
	"github.com/oriys/relay/internal/metrics"
	"github.com/oriys/relay/internal/observability"
	"github.com/oriys/relay/internal/queue"
	"github.com/oriys/relay/internal/transport"
)

// Config holds the tunables spec.md §4.3/§6 names for the dispatch loop.
type Config struct {
	WorkerID        string
	ScanInterval    time.Duration
	LeaseTTL        time.Duration
	LeaseRenewEvery time.Duration
	MaxRetries      int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	PopTimeout      time.Duration
}

const defaultPopTimeout = time.Second

// leaseReleaseTimeout bounds the fresh context used to release a lease on
// exit. It must not be derived from the per-recipient task context: that
// context is already cancelled by the time this runs (Stop cancels it to
// unblock serveRecipient), and a cancelled context makes every Redis call
// fail immediately, leaking the lease until it expires on its own TTL.
const leaseReleaseTimeout = 5 * time.Second

// Dispatcher is the long-running loop described by spec.md §4.3: it
// discovers active recipients and drives one serialized delivery
// goroutine per recipient while that recipient's lease is held.
type Dispatcher struct {
	cfg      Config
	store    *queue.RedisQueue
	lease    *lease.Lease
	deliv    *delivery.Delivery
	notifier queue.Notifier

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	recipientsMu sync.Mutex
	recipients   map[string]context.CancelFunc
}

// New constructs a Dispatcher. A random WorkerID is assigned if cfg
// leaves it empty. notifier may be nil, in which case the supervisor
// relies purely on ScanInterval polling.
func New(cfg Config, store *queue.RedisQueue, l *lease.Lease, d *delivery.Delivery, notifier queue.Notifier) *Dispatcher {
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 2 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.LeaseRenewEvery <= 0 {
		cfg.LeaseRenewEvery = cfg.LeaseTTL / 2
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = defaultPopTimeout
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Dispatcher{
		cfg:        cfg,
		store:      store,
		lease:      l,
		deliv:      d,
		notifier:   notifier,
		recipients: make(map[string]context.CancelFunc),
	}
}

// Start performs startup recovery and then launches the supervisor
// goroutine. Startup recovery completes before Start returns, per
// spec.md §4.3's "startup must complete before accepting delivery work".
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}

	if err := d.recoverActiveRecipients(ctx); err != nil {
		return fmt.Errorf("dispatcher startup recovery: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.started = true

	d.wg.Add(1)
	go d.supervise(runCtx)

	logging.Op().Info("dispatcher started", "worker_id", d.cfg.WorkerID, "scan_interval", d.cfg.ScanInterval)
	return nil
}

// Stop cancels the supervisor and all per-recipient goroutines, then
// waits for them to finish (each releasing its lease) or for ctx to
// expire, whichever comes first.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.cancel()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Op().Info("dispatcher stopped", "worker_id", d.cfg.WorkerID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recoverActiveRecipients implements spec.md §4.3's startup recovery:
// scan queue:* (never KEYS) and re-seed active_recipients for any
// recipient whose queue survived a crash with messages still in it.
func (d *Dispatcher) recoverActiveRecipients(ctx context.Context) error {
	recipientIDs, err := d.store.ScanNonEmptyQueues(ctx)
	if err != nil {
		return err
	}
	for _, rid := range recipientIDs {
		if err := d.store.AddActive(ctx, rid); err != nil {
			return fmt.Errorf("re-seed active_recipients for %s: %w", rid, err)
		}
	}
	logging.Op().Info("dispatcher startup recovery complete", "recovered_recipients", len(recipientIDs))
	return nil
}

// supervise periodically scans active_recipients and spawns a
// per-recipient goroutine for any recipient not already under service
// by this worker. It also reacts to push notifications so a freshly
// enqueued recipient does not wait a full ScanInterval to be picked up.
func (d *Dispatcher) supervise(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	notifyCh := d.notifier.Subscribe(ctx, queue.TopicActiveRecipients)

	d.scanAndSpawn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scanAndSpawn(ctx)
		case <-notifyCh:
			d.scanAndSpawn(ctx)
		}
	}
}

// scanAndSpawn is the round-robin fairness point: it walks the full
// active set every time (order returned by SMEMBERS is not guaranteed,
// which in practice spreads attention across recipients rather than
// favoring whichever sorts first) and spawns any recipient not already
// tracked in d.recipients.
func (d *Dispatcher) scanAndSpawn(ctx context.Context) {
	recipientIDs, err := d.store.ActiveRecipients(ctx)
	if err != nil {
		logging.Op().Error("dispatcher: scan active_recipients failed", "error", err)
		return
	}

	d.recipientsMu.Lock()
	defer d.recipientsMu.Unlock()
	for _, rid := range recipientIDs {
		if _, ok := d.recipients[rid]; ok {
			continue
		}
		taskCtx, cancel := context.WithCancel(ctx)
		d.recipients[rid] = cancel
		d.wg.Add(1)
		go d.serveRecipient(taskCtx, rid)
	}
}

func (d *Dispatcher) untrack(recipientID string) {
	d.recipientsMu.Lock()
	delete(d.recipients, recipientID)
	d.recipientsMu.Unlock()
}

// serveRecipient is the per-recipient loop from spec.md §4.3's pseudocode:
// acquire the lease, drain queue:{rid} one message at a time, renewing
// the lease before each delivery, until the queue observes empty under
// the double-check, then release the lease.
func (d *Dispatcher) serveRecipient(ctx context.Context, recipientID string) {
	defer d.wg.Done()
	defer d.untrack(recipientID)

	acquired, err := d.lease.Acquire(ctx, recipientID, d.cfg.WorkerID, d.cfg.LeaseTTL)
	if err != nil {
		logging.Op().Error("dispatcher: lease acquire failed", "recipient_id", recipientID, "error", err)
		return
	}
	if !acquired {
		// Another worker holds it; yield back to the next scan.
		return
	}
	metrics.Global().RecordLeaseAcquired()
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
		defer cancel()
		released, err := d.lease.Release(releaseCtx, recipientID, d.cfg.WorkerID)
		if err != nil {
			logging.Op().Error("dispatcher: lease release failed", "recipient_id", recipientID, "error", err)
			return
		}
		if !released {
			metrics.Global().RecordLeaseLost()
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if !d.drainOne(ctx, recipientID) {
			return
		}
	}
}

// drainOne pops and processes a single message. It returns false when
// the per-recipient loop should stop (queue confirmed empty, or the
// context was cancelled).
func (d *Dispatcher) drainOne(ctx context.Context, recipientID string) bool {
	msg, err := d.store.PopBlocking(ctx, recipientID, d.cfg.PopTimeout)
	if err != nil {
		logging.Op().Error("dispatcher: pop failed", "recipient_id", recipientID, "error", err)
		return false
	}

	if msg == nil {
		return d.handleEmptyPop(ctx, recipientID)
	}

	if msg.RetryCount > d.cfg.MaxRetries {
		if err := d.store.PushDLQ(ctx, msg); err != nil {
			logging.Op().Error("dispatcher: dlq push failed", "recipient_id", recipientID, "error", err)
		}
		metrics.Global().RecordDelivery(recipientID, 0, msg.RetryCount, metrics.OutcomeDLQ)
		return true
	}

	if ok, err := d.lease.Renew(ctx, recipientID, d.cfg.WorkerID, d.cfg.LeaseTTL); err != nil {
		logging.Op().Error("dispatcher: lease renew failed", "recipient_id", recipientID, "error", err)
	} else if !ok {
		// Lost the lease to another worker mid-drain; stop serving.
		logging.Op().Warn("dispatcher: lost lease mid-drain, re-queueing message", "recipient_id", recipientID)
		if err := d.store.PushHead(ctx, msg); err != nil {
			logging.Op().Error("dispatcher: re-queue after lost lease failed", "recipient_id", recipientID, "error", err)
		}
		return false
	}

	ctx, span := observability.StartSpan(ctx, "dispatcher.process_message",
		observability.AttrRecipientID.String(recipientID),
		observability.AttrWorkerID.String(d.cfg.WorkerID),
		observability.AttrRetryCount.Int(msg.RetryCount),
	)
	outcome := d.deliv.Deliver(ctx, msg)
	span.End()

	switch outcome {
	case transport.Success:
		return true
	case transport.TransientFail:
		if msg.RetryCount < d.cfg.MaxRetries {
			msg.RetryCount++
			if err := d.store.PushHead(ctx, msg); err != nil {
				logging.Op().Error("dispatcher: re-queue after transient failure failed", "recipient_id", recipientID, "error", err)
			}
			d.backoffSleep(ctx, msg.RetryCount)
			return true
		}
		if err := d.store.PushDLQ(ctx, msg); err != nil {
			logging.Op().Error("dispatcher: dlq push after retries exhausted failed", "recipient_id", recipientID, "error", err)
		}
		return true
	default: // transport.PermanentFail
		if err := d.store.PushDLQ(ctx, msg); err != nil {
			logging.Op().Error("dispatcher: dlq push after permanent failure failed", "recipient_id", recipientID, "error", err)
		}
		return true
	}
}

// handleEmptyPop implements the empty-but-member race fix from
// spec.md §4.3: remove membership, then re-check queue length in case
// a concurrent Enqueue appended after the pop observed empty.
func (d *Dispatcher) handleEmptyPop(ctx context.Context, recipientID string) bool {
	if err := d.store.RemoveActive(ctx, recipientID); err != nil {
		logging.Op().Error("dispatcher: remove active failed", "recipient_id", recipientID, "error", err)
		return false
	}
	n, err := d.store.Len(ctx, recipientID)
	if err != nil {
		logging.Op().Error("dispatcher: recheck length failed", "recipient_id", recipientID, "error", err)
		return false
	}
	if n == 0 {
		return false
	}
	// A producer appended concurrently with our empty pop; re-add and
	// keep draining under the same lease.
	if err := d.store.AddActive(ctx, recipientID); err != nil {
		logging.Op().Error("dispatcher: re-add active failed", "recipient_id", recipientID, "error", err)
		return false
	}
	return true
}

func (d *Dispatcher) backoffSleep(ctx context.Context, retryCount int) {
	wait := backoff(d.cfg.BaseBackoff, d.cfg.MaxBackoff, retryCount)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func backoff(base, max time.Duration, retryCount int) time.Duration {
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d > max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
