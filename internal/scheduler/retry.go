package scheduler

import "time"

// Policy maps a consecutive-failure count for one occurrence to either a
// retry-after delay or give-up. It is a pure function of the failure
// history; no mutable retry counter lives on the task row.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	MaxDelay    time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.Base <= 0 {
		p.Base = 30 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Minute
	}
	return p
}

// Exhausted reports whether `failures` failed attempts used up the budget.
func (p Policy) Exhausted(failures int) bool {
	return failures >= p.MaxAttempts
}

// Delay returns how long to wait after the given failure count before the
// next attempt: Base doubled per failure, capped at MaxDelay.
func (p Policy) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// policyFor resolves the retry policy for a task type, falling back to
// the default policy.
func (c Config) policyFor(taskType string) Policy {
	if p, ok := c.RetryByType[taskType]; ok {
		return p.withDefaults()
	}
	return c.Retry.withDefaults()
}
