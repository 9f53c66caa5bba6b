package channel

import (
	"time"

	"github.com/cenkalti/backoff"
)

// Linear grows the delay by Base on every attempt: Base, 2×Base, 3×Base, …
type Linear struct {
	Base    time.Duration
	attempt int
}

func (l *Linear) NextBackOff() time.Duration {
	l.attempt++
	return l.Base * time.Duration(l.attempt)
}

func (l *Linear) Reset() {
	l.attempt = 0
}

// Attempt is the number of delays handed out since the last reset.
func (l *Linear) Attempt() int {
	return l.attempt
}

type reconnectPolicy struct {
	linear *Linear
	capped backoff.BackOff
}

func newReconnectPolicy(base time.Duration, maxAttempts int) *reconnectPolicy {
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	linear := &Linear{Base: base}
	return &reconnectPolicy{
		linear: linear,
		capped: backoff.WithMaxRetries(linear, uint64(maxAttempts)),
	}
}

// next returns the delay before the following attempt, or false once the
// attempt budget is spent.
func (p *reconnectPolicy) next() (time.Duration, bool) {
	delay := p.capped.NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}
	return delay, true
}

func (p *reconnectPolicy) reset() {
	p.capped.Reset()
}

func (p *reconnectPolicy) attempts() int {
	return p.linear.Attempt()
}
