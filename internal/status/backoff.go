package status

import "time"

// Backoff computes retry delays as min(Base * 2^attempts, Cap).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff is 1s doubling up to 30s.
var DefaultBackoff = Backoff{Base: time.Second, Cap: 30 * time.Second}

// Delay returns the wait before the retry that follows attempts failures.
func (b Backoff) Delay(attempts int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	limit := b.Cap
	if limit < b.Base {
		limit = b.Base
	}
	d := b.Base
	for i := 0; i < attempts; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	return min(d, limit)
}
