package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/relay/internal/queue"
	"github.com/oriys/relay/internal/transport"
)

func testConfig() Config {
	return Config{
		Delay: DelayConfig{
			MinTypingSpeed:       1000,
			MaxTypingSpeed:       1000,
			RandomOffsetMin:      0,
			RandomOffsetMax:      0,
			MaxDelay:             2 * time.Second,
			TypingInterval:       50 * time.Millisecond,
			TypingPulseThreshold: 10 * time.Millisecond,
		},
		TransportTimeout: time.Second,
	}
}

func TestDelivery_SuccessOnFirstAttempt(t *testing.T) {
	fake := transport.NewFake()
	d := New(testConfig(), fake, nil)
	defer d.Close()

	msg, err := queue.NewMessage("recipient-1", "hi", queue.KindReactive, nil)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	outcome := d.Deliver(context.Background(), msg)
	if outcome != transport.Success {
		t.Fatalf("expected Success, got %v", outcome)
	}
	if len(fake.Sends) != 1 || fake.Sends[0].Text != "hi" {
		t.Fatalf("expected one send of %q, got %v", "hi", fake.Sends)
	}
}

func TestDelivery_FirstMessageInSessionSkipsDelay(t *testing.T) {
	fake := transport.NewFake()
	cfg := testConfig()
	cfg.Delay.MinTypingSpeed = 1
	cfg.Delay.MaxTypingSpeed = 1
	cfg.Delay.MaxDelay = 10 * time.Second
	d := New(cfg, fake, nil)
	defer d.Close()

	msg, _ := queue.NewMessage("recipient-1", "a very long message to force a real delay", queue.KindReactive, nil)

	start := time.Now()
	d.Deliver(context.Background(), msg)
	elapsed := time.Since(start)

	if elapsed > 200*time.Millisecond {
		t.Fatalf("expected first-in-session delivery to skip the delay, took %v", elapsed)
	}
}

func TestDelivery_TransientFailurePropagates(t *testing.T) {
	fake := transport.NewFake()
	fake.SetOutcome("recipient-1", transport.TransientFail)
	d := New(testConfig(), fake, nil)
	defer d.Close()

	msg, _ := queue.NewMessage("recipient-1", "hi", queue.KindReactive, nil)
	outcome := d.Deliver(context.Background(), msg)
	if outcome != transport.TransientFail {
		t.Fatalf("expected TransientFail, got %v", outcome)
	}
}

func TestDelivery_PermanentFailurePropagates(t *testing.T) {
	fake := transport.NewFake()
	fake.SetOutcome("recipient-1", transport.PermanentFail)
	d := New(testConfig(), fake, nil)
	defer d.Close()

	msg, _ := queue.NewMessage("recipient-1", "hi", queue.KindReactive, nil)
	outcome := d.Deliver(context.Background(), msg)
	if outcome != transport.PermanentFail {
		t.Fatalf("expected PermanentFail, got %v", outcome)
	}
}

func TestDelivery_TypingPulsesFireDuringLongDelay(t *testing.T) {
	fake := transport.NewFake()
	cfg := Config{
		Delay: DelayConfig{
			MinTypingSpeed:       1,
			MaxTypingSpeed:       1,
			MaxDelay:             250 * time.Millisecond,
			TypingInterval:       80 * time.Millisecond,
			TypingPulseThreshold: 10 * time.Millisecond,
		},
		TransportTimeout: time.Second,
	}
	d := New(cfg, fake, nil)
	defer d.Close()

	// Prime the session so the second message does not skip the delay.
	first, _ := queue.NewMessage("recipient-1", "x", queue.KindReactive, nil)
	d.Deliver(context.Background(), first)

	second, _ := queue.NewMessage("recipient-1", "a longer message to force typing pulses", queue.KindReactive, nil)
	d.Deliver(context.Background(), second)

	if len(fake.TypingCalls) == 0 {
		t.Fatal("expected at least one typing pulse for a delay above the threshold")
	}
}

func TestDelivery_CircuitBreakerShortCircuitsAfterTrips(t *testing.T) {
	fake := transport.NewFake()
	for i := 0; i < 10; i++ {
		fake.SetOutcome("recipient-1", transport.TransientFail)
	}
	cfg := testConfig()
	cfg.CircuitBreaker.ErrorPct = 50
	cfg.CircuitBreaker.WindowDuration = time.Minute
	cfg.CircuitBreaker.OpenDuration = time.Minute
	d := New(cfg, fake, nil)
	defer d.Close()

	for i := 0; i < 5; i++ {
		msg, _ := queue.NewMessage("recipient-1", "hi", queue.KindReactive, nil)
		d.Deliver(context.Background(), msg)
	}

	sendsBeforeTrip := len(fake.Sends)
	msg, _ := queue.NewMessage("recipient-1", "hi", queue.KindReactive, nil)
	outcome := d.Deliver(context.Background(), msg)
	if outcome != transport.TransientFail {
		t.Fatalf("expected TransientFail once breaker trips, got %v", outcome)
	}
	if len(fake.Sends) != sendsBeforeTrip {
		t.Fatal("expected circuit breaker to short-circuit the send, but Transport.Send was still called")
	}
}
