package relay

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnection delays: min(Max, Base*2^retry), optionally
// shortened by up to Jitter (a fraction in [0,1)) so that many clients
// do not reconnect in lockstep.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultBackoff returns the delays used when none are configured
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   time.Second,
		Max:    2 * time.Minute,
		Jitter: 0.3,
	}
}

// normalized fills in a missing Base or Max from the defaults and keeps
// Max at or above Base
func (b Backoff) normalized() Backoff {
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	return b
}

// Delay returns the un-jittered delay for the given retry count
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := b.Base
	for i := 0; i < retry; i++ {
		if d >= b.Max || d > b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Next returns the jittered delay for the given retry count. Jitter only ever
// shortens the delay, so Next(retry) <= Delay(retry).
func (b Backoff) Next(retry int) time.Duration {
	d := b.Delay(retry)
	if b.Jitter <= 0 || d <= 0 {
		return d
	}
	j := b.Jitter
	if j >= 1 {
		j = 0.99
	}
	return d - time.Duration(rand.Float64()*j*float64(d))
}
