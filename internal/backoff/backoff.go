// Package backoff implements the capped exponential retry delay the
// core uses for tracker announces, generalized
// from the UDP tracker's per-attempt growing deadline into a reusable
// policy instead of an inline loop.
package backoff

import "time"

// Policy describes a capped exponential-growth backoff: attempt N
// waits Base*2^N, never exceeding Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Default doubles from 5s (5s, 10s, 20s, 40s, ...) capped at 60s.
var Default = Policy{
	Base: 5 * time.Second,
	Max:  60 * time.Second,
}

// Delay returns the wait duration before retry attempt (0-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d > p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}
