package syncer

import "time"

// Countdown is the locally ticking estimate of time left in the round. It is
// overwritten from ledger values on every refresh.
type Countdown struct {
	end time.Time
}

func (c *Countdown) Reset(end time.Time) {
	c.end = end
}

// Remaining returns whole seconds left at now, never negative.
func (c *Countdown) Remaining(now time.Time) time.Duration {
	if c.end.IsZero() {
		return 0
	}
	d := c.end.Sub(now)
	if d <= 0 {
		return 0
	}
	return d.Truncate(time.Second)
}
