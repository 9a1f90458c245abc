package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy configures the delay sequence.
type Policy struct {
	BaseDelay   time.Duration // delay for the first attempt
	MaxDelay    time.Duration // cap applied before jitter
	Multiplier  float64       // growth factor between attempts
	Jitter      float64       // fraction of the delay randomized both ways (0.2 = ±20%)
	MaxAttempts int           // attempts after which Exhausted reports true
}

// DefaultPolicy returns the policy used by the transport: 500ms base,
// doubling, capped at 10s, ±20% jitter, 20 attempts before giving up.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
		MaxAttempts: 20,
	}
}

// Controller tracks reconnect attempts and computes the next delay.
type Controller struct {
	policy Policy

	mu      sync.Mutex
	attempt int

	// randFloat returns a value in [0,1). Replaceable in tests.
	randFloat func() float64
}

// NewController creates a controller for the given policy. Zero policy
// fields fall back to DefaultPolicy values.
func NewController(policy Policy) *Controller {
	def := DefaultPolicy()
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.Multiplier <= 1 {
		policy.Multiplier = def.Multiplier
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	return &Controller{
		policy:    policy,
		randFloat: rand.Float64,
	}
}

// NextDelay returns the delay for the given 1-based attempt number.
// The exponential value is capped at MaxDelay, then jittered.
func (c *Controller) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(c.policy.BaseDelay) * math.Pow(c.policy.Multiplier, float64(attempt-1))
	if d > float64(c.policy.MaxDelay) {
		d = float64(c.policy.MaxDelay)
	}

	if c.policy.Jitter > 0 {
		// Uniform in [-Jitter, +Jitter].
		f := 1 + c.policy.Jitter*(2*c.randFloat()-1)
		d *= f
	}

	return time.Duration(d)
}

// Next records one more attempt and returns its delay. The second return
// is false once the attempt counter has saturated at MaxAttempts.
func (c *Controller) Next() (time.Duration, bool) {
	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	c.mu.Unlock()

	if attempt > c.policy.MaxAttempts {
		return 0, false
	}
	return c.NextDelay(attempt), true
}

// Attempt returns the current attempt counter.
func (c *Controller) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Exhausted reports whether the given attempt number exceeds MaxAttempts.
func (c *Controller) Exhausted(attempt int) bool {
	return attempt > c.policy.MaxAttempts
}

// Reset zeroes the attempt counter. Called after a successful connection.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
}
