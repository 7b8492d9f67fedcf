// Package backoff computes retry delays.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes an exponential schedule. Zero fields take defaults.
type Policy struct {
	Initial time.Duration `yaml:"initial"` // default: 1s
	Max     time.Duration `yaml:"max"`     // default: 5m
	// Jitter spreads each delay uniformly over [d*(1-Jitter), d].
	Jitter float64 `yaml:"jitter"`
}

// Delay returns the wait before the given attempt. Attempt 1 waits Initial,
// attempt 2 twice that, and so on up to Max.
func (p Policy) Delay(attempt int) time.Duration {
	initial := time.Second
	maxDelay := 5 * time.Minute
	if p.Initial > 0 {
		initial = p.Initial
	}
	if p.Max > 0 {
		maxDelay = p.Max
	}
	if attempt < 1 {
		attempt = 1
	}

	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(maxDelay) || math.IsInf(d, 0) {
		d = float64(maxDelay)
	}
	if p.Jitter > 0 && p.Jitter <= 1 {
		d -= d * p.Jitter * rand.Float64()
	}
	return time.Duration(d)
}

// Due reports whether enough time has passed since last for the given attempt.
func (p Policy) Due(attempt int, last, now time.Time) bool {
	return !now.Before(last.Add(p.Delay(attempt)))
}
