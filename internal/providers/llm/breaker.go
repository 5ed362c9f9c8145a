package llm

import (
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// HealthRecord is one provider's circuit. Only the Chain mutates it.
type HealthRecord struct {
	ProviderID          string       `json:"provider_id"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	State               CircuitState `json:"circuit_state"`
	LastFailureAt       time.Time    `json:"last_failure_at,omitempty"`
	LastFailureKind     FailureKind  `json:"last_failure_kind,omitempty"`
	CooldownDeadline    time.Time    `json:"cooldown_deadline,omitempty"`
	Trips               int          `json:"trips"`
}

type BreakerConfig struct {
	Failures    int           // consecutive failures that open the circuit
	Cooldown    time.Duration // first open period
	MaxCooldown time.Duration // cap for the doubled periods after failed trials
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Failures <= 0 {
		c.Failures = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	return c
}

// cooldown for the nth consecutive trip: Cooldown * 2^(n-1), capped.
func (c BreakerConfig) cooldown(trips int) time.Duration {
	d := c.Cooldown
	for i := 1; i < trips; i++ {
		d *= 2
		if d >= c.MaxCooldown {
			return c.MaxCooldown
		}
	}
	if d > c.MaxCooldown {
		return c.MaxCooldown
	}
	return d
}

// breaker guards a HealthRecord. Callers hold the owning entry's lock.
type breaker struct {
	cfg   BreakerConfig
	rec   HealthRecord
	trial bool // a half-open trial call is in flight
}

// admit reports whether a call may go through now. An open circuit whose
// cooldown has elapsed moves to half-open and admits exactly one caller.
func (b *breaker) admit(now time.Time) bool {
	switch b.rec.State {
	case CircuitOpen:
		if now.Before(b.rec.CooldownDeadline) {
			return false
		}
		b.rec.State = CircuitHalfOpen
		b.trial = true
		return true
	case CircuitHalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	default:
		return true
	}
}

func (b *breaker) success() {
	b.rec.State = CircuitClosed
	b.rec.ConsecutiveFailures = 0
	b.rec.Trips = 0
	b.rec.CooldownDeadline = time.Time{}
	b.trial = false
}

func (b *breaker) failure(now time.Time, kind FailureKind) {
	b.rec.ConsecutiveFailures++
	b.rec.LastFailureAt = now
	b.rec.LastFailureKind = kind

	switch {
	case b.rec.State == CircuitHalfOpen:
		b.trip(now)
	case b.rec.State == CircuitClosed && b.rec.ConsecutiveFailures >= b.cfg.Failures:
		b.trip(now)
	}
}

func (b *breaker) trip(now time.Time) {
	b.rec.Trips++
	b.rec.State = CircuitOpen
	b.rec.CooldownDeadline = now.Add(b.cfg.cooldown(b.rec.Trips))
	b.trial = false
}

// abandon releases a half-open trial that ended without a verdict, ex:
// the caller went away before the provider answered.
func (b *breaker) abandon() {
	if b.rec.State == CircuitHalfOpen {
		b.trial = false
	}
}
