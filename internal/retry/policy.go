package retry

import "time"

// DefaultMaxRetries is the number of failed attempts tolerated before a
// delivery is moved to the dead letter state
const DefaultMaxRetries = 5

// defaultSchedule maps the n-th failure (1-based) to the wait before the
// next attempt. Failures beyond the table wait scheduleCap.
var defaultSchedule = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
}

const scheduleCap = 2 * time.Hour

// Policy decides retry spacing and exhaustion for failed deliveries.
// It is pure and stateless: attempt counters live on the delivery record, so
// the schedule survives process restarts and dispatcher handoffs.
type Policy struct {
	schedule   []time.Duration
	cap        time.Duration
	maxRetries int
}

// NewPolicy creates a policy with the default schedule
func NewPolicy(maxRetries int) *Policy {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Policy{
		schedule:   defaultSchedule,
		cap:        scheduleCap,
		maxRetries: maxRetries,
	}
}

// MaxRetries returns the configured failure budget
func (p *Policy) MaxRetries() int {
	return p.maxRetries
}

// Delay returns the wait before the next attempt after the attemptIndex-th
// failure (1-based, the about-to-be-recorded failure number). The result is
// monotonically non-decreasing in attemptIndex.
func (p *Policy) Delay(attemptIndex int) time.Duration {
	if attemptIndex <= 0 {
		attemptIndex = 1
	}
	if attemptIndex > len(p.schedule) {
		return p.cap
	}
	return p.schedule[attemptIndex-1]
}

// Exhausted reports whether the attemptIndex-th failure (1-based, the
// about-to-be-recorded failure number) exceeds the retry budget and the
// delivery should be moved to the dead letter state instead of rescheduled.
func (p *Policy) Exhausted(attemptIndex int) bool {
	return attemptIndex > p.maxRetries
}
