package delivery

import (
	"math/rand"
	"time"
)

// DelayConfig holds the tunables spec.md §6 names for delay computation.
type DelayConfig struct {
	MinTypingSpeed      float64 // chars/sec
	MaxTypingSpeed      float64 // chars/sec
	RandomOffsetMin     time.Duration
	RandomOffsetMax     time.Duration
	MaxDelay            time.Duration
	TypingInterval      time.Duration
	TypingPulseThreshold time.Duration
}

// DefaultDelayConfig matches the defaults in spec.md §6.
func DefaultDelayConfig() DelayConfig {
	return DelayConfig{
		MinTypingSpeed:       10,
		MaxTypingSpeed:       30,
		RandomOffsetMin:      100 * time.Millisecond,
		RandomOffsetMax:      500 * time.Millisecond,
		MaxDelay:             5 * time.Second,
		TypingInterval:       3 * time.Second,
		TypingPulseThreshold: 700 * time.Millisecond,
	}
}

// computeDelay implements spec.md §4.4's delay computation:
// speed ~ Uniform(MinTypingSpeed, MaxTypingSpeed), offset ~
// Uniform(RandomOffsetMin, RandomOffsetMax), delay = min(L/speed +
// offset, MaxDelay).
func computeDelay(cfg DelayConfig, textLen int) time.Duration {
	speed := uniform(cfg.MinTypingSpeed, cfg.MaxTypingSpeed)
	offset := uniformDuration(cfg.RandomOffsetMin, cfg.RandomOffsetMax)

	typingTime := time.Duration(float64(textLen)/speed*1000) * time.Millisecond
	delay := typingTime + offset
	if delay > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return delay
}

func uniform(min, max float64) float64 {
	if max <= min {
		return min
	}
	return min + rand.Float64()*(max-min)
}

func uniformDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
