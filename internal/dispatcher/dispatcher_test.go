package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/relay/internal/delivery"
	"github.com/oriys/relay/internal/lease"
	"github.com/oriys/relay/internal/queue"
	"github.com/oriys/relay/internal/transport"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func testDispatcherConfig() Config {
	return Config{
		ScanInterval:    20 * time.Millisecond,
		LeaseTTL:        time.Second,
		LeaseRenewEvery: 500 * time.Millisecond,
		MaxRetries:      3,
		BaseBackoff:     5 * time.Millisecond,
		MaxBackoff:      20 * time.Millisecond,
		PopTimeout:      50 * time.Millisecond,
	}
}

func testDeliveryConfig() delivery.Config {
	return delivery.Config{
		Delay: delivery.DelayConfig{
			MinTypingSpeed:       1000,
			MaxTypingSpeed:       1000,
			MaxDelay:             10 * time.Millisecond,
			TypingInterval:       50 * time.Millisecond,
			TypingPulseThreshold: 5 * time.Millisecond,
		},
		TransportTimeout: time.Second,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestDispatcher_DeliversMessagesInOrder(t *testing.T) {
	client := newTestRedisClient(t)
	store := queue.NewRedisQueue(client)
	l := lease.New(client)
	fake := transport.NewFake()
	d := delivery.New(testDeliveryConfig(), fake, nil)
	defer d.Close()

	disp := New(testDispatcherConfig(), store, l, d, nil)

	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		msg, err := queue.NewMessage("recipient-1", text, queue.KindReactive, nil)
		if err != nil {
			t.Fatalf("NewMessage failed: %v", err)
		}
		if err := store.Push(ctx, msg); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}

	if err := disp.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer disp.Stop(context.Background())

	waitFor(t, 2*time.Second, func() bool { return len(fake.Sends) == 3 })

	want := []string{"one", "two", "three"}
	for i, s := range fake.Sends {
		if s.Text != want[i] {
			t.Fatalf("expected send order %v, got %v", want, fake.Sends)
		}
	}
}

func TestDispatcher_InterleavesTwoRecipients(t *testing.T) {
	client := newTestRedisClient(t)
	store := queue.NewRedisQueue(client)
	l := lease.New(client)
	fake := transport.NewFake()
	d := delivery.New(testDeliveryConfig(), fake, nil)
	defer d.Close()

	disp := New(testDispatcherConfig(), store, l, d, nil)

	ctx := context.Background()
	for _, rid := range []string{"recipient-a", "recipient-b"} {
		msg, _ := queue.NewMessage(rid, "hello-"+rid, queue.KindReactive, nil)
		if err := store.Push(ctx, msg); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}

	if err := disp.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer disp.Stop(context.Background())

	waitFor(t, 2*time.Second, func() bool { return len(fake.Sends) == 2 })

	seen := map[string]bool{}
	for _, s := range fake.Sends {
		seen[s.RecipientID] = true
	}
	if !seen["recipient-a"] || !seen["recipient-b"] {
		t.Fatalf("expected both recipients served, got %v", fake.Sends)
	}
}

func TestDispatcher_TransientFailureRetriesThenSucceeds(t *testing.T) {
	client := newTestRedisClient(t)
	store := queue.NewRedisQueue(client)
	l := lease.New(client)
	fake := transport.NewFake()
	fake.SetOutcome("recipient-1", transport.TransientFail, transport.TransientFail, transport.Success)
	d := delivery.New(testDeliveryConfig(), fake, nil)
	defer d.Close()

	disp := New(testDispatcherConfig(), store, l, d, nil)

	ctx := context.Background()
	msg, _ := queue.NewMessage("recipient-1", "retry-me", queue.KindReactive, nil)
	if err := store.Push(ctx, msg); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if err := disp.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer disp.Stop(context.Background())

	waitFor(t, 2*time.Second, func() bool { return len(fake.Sends) == 3 })

	n, err := store.Len(ctx, "recipient-1")
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected queue drained after eventual success, got len=%d", n)
	}

	dlqLen, err := client.LLen(ctx, "dlq:recipient-1").Result()
	if err != nil {
		t.Fatalf("LLen dlq failed: %v", err)
	}
	if dlqLen != 0 {
		t.Fatalf("expected no DLQ entries, got %d", dlqLen)
	}
}

func TestDispatcher_PermanentFailureRoutesToDLQ(t *testing.T) {
	client := newTestRedisClient(t)
	store := queue.NewRedisQueue(client)
	l := lease.New(client)
	fake := transport.NewFake()
	fake.SetOutcome("recipient-1", transport.PermanentFail)
	d := delivery.New(testDeliveryConfig(), fake, nil)
	defer d.Close()

	disp := New(testDispatcherConfig(), store, l, d, nil)

	ctx := context.Background()
	msg, _ := queue.NewMessage("recipient-1", "bad-payload", queue.KindReactive, nil)
	if err := store.Push(ctx, msg); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if err := disp.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer disp.Stop(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		n, err := client.LLen(ctx, "dlq:recipient-1").Result()
		return err == nil && n == 1
	})

	n, err := store.Len(ctx, "recipient-1")
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected queue empty after dlq routing, got len=%d", n)
	}
}

func TestDispatcher_ExhaustedRetriesRouteToDLQ(t *testing.T) {
	client := newTestRedisClient(t)
	store := queue.NewRedisQueue(client)
	l := lease.New(client)
	fake := transport.NewFake()
	for i := 0; i < 10; i++ {
		fake.SetOutcome("recipient-1", transport.TransientFail)
	}
	d := delivery.New(testDeliveryConfig(), fake, nil)
	defer d.Close()

	cfg := testDispatcherConfig()
	cfg.MaxRetries = 2
	disp := New(cfg, store, l, d, nil)

	ctx := context.Background()
	msg, _ := queue.NewMessage("recipient-1", "always-fails", queue.KindReactive, nil)
	if err := store.Push(ctx, msg); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if err := disp.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer disp.Stop(context.Background())

	waitFor(t, 3*time.Second, func() bool {
		n, err := client.LLen(ctx, "dlq:recipient-1").Result()
		return err == nil && n == 1
	})

	// Each transient failure below MaxRetries re-heads the message with
	// retry_count+1; the failure at retry_count == MaxRetries sends it to
	// dlq, so exactly MaxRetries+1 delivery attempts occur.
	if len(fake.Sends) != 3 {
		t.Fatalf("expected 3 delivery attempts before dlq (MaxRetries=2), got %d", len(fake.Sends))
	}
}

func TestDispatcher_StartupRecoveryReplaysSurvivingQueues(t *testing.T) {
	client := newTestRedisClient(t)
	store := queue.NewRedisQueue(client)
	l := lease.New(client)
	fake := transport.NewFake()
	d := delivery.New(testDeliveryConfig(), fake, nil)
	defer d.Close()

	ctx := context.Background()
	// Simulate a crash: a message sits in queue:{rid} but active_recipients
	// was lost (e.g. it was never durable, or expired).
	msg, _ := queue.NewMessage("recipient-orphan", "surviving message", queue.KindReactive, nil)
	data, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := client.RPush(ctx, "queue:recipient-orphan", data).Err(); err != nil {
		t.Fatalf("RPush failed: %v", err)
	}

	disp := New(testDispatcherConfig(), store, l, d, nil)
	if err := disp.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer disp.Stop(context.Background())

	waitFor(t, 2*time.Second, func() bool { return len(fake.Sends) == 1 })
	if fake.Sends[0].RecipientID != "recipient-orphan" {
		t.Fatalf("expected recovered recipient delivered, got %v", fake.Sends)
	}
}

func TestDispatcher_StopReleasesLeases(t *testing.T) {
	client := newTestRedisClient(t)
	store := queue.NewRedisQueue(client)
	l := lease.New(client)
	fake := transport.NewFake()
	d := delivery.New(testDeliveryConfig(), fake, nil)
	defer d.Close()

	disp := New(testDispatcherConfig(), store, l, d, nil)

	ctx := context.Background()
	msg, _ := queue.NewMessage("recipient-1", "hi", queue.KindReactive, nil)
	if err := store.Push(ctx, msg); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if err := disp.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(fake.Sends) == 1 })

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := disp.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	owner, err := l.Owner(context.Background(), "recipient-1")
	if err != nil {
		t.Fatalf("Owner failed: %v", err)
	}
	if owner != "" {
		t.Fatalf("expected lease released after Stop, owner=%q", owner)
	}
}
