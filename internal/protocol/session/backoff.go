package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// Backoff tracks consecutive failures for one supervisor. The delays it hands
// out never decrease until Reset, even with jitter enabled.
// Not safe for concurrent use.
type Backoff struct {
	cfg     BackoffConfig
	rng     *rand.Rand
	attempt int
	last    time.Duration
}

func NewBackoff(cfg BackoffConfig, rng *rand.Rand) *Backoff {
	return &Backoff{cfg: cfg, rng: rng}
}

// Next records one failure worth weight attempts and returns the delay before
// the next try.
func (b *Backoff) Next(weight int) time.Duration {
	if weight < 1 {
		weight = 1
	}
	b.attempt += weight
	d := NextBackoffDelay(b.cfg, b.attempt, b.rng)
	if d < b.last {
		d = b.last
	}
	b.last = d
	return d
}

// Settle resets the tracker when a connection has been up for at least the
// stability threshold. It reports whether a reset happened.
func (b *Backoff) Settle(uptime time.Duration) bool {
	if b.cfg.StabilityThreshold <= 0 || uptime < b.cfg.StabilityThreshold {
		return false
	}
	b.Reset()
	return true
}

func (b *Backoff) Reset() {
	b.attempt = 0
	b.last = 0
}

// Attempt is the weighted failure count since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Current is the most recent delay handed out, zero after Reset.
func (b *Backoff) Current() time.Duration {
	return b.last
}
