// Package ratelimit paces outbound MediaWiki API requests.
package ratelimit

import (
	"context"
	"time"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/time/rate"
)

// Limiter enforces a minimum interval between consecutive releases so that
// callers never issue more than R requests per second to the wiki. It is
// safe for concurrent use: concurrent Wait calls serialize and only one is
// released per interval.
type Limiter struct {
	limiter *rate.Limiter
}

// New returns a Limiter which releases at most requestsPerSecond times a
// second, with no burst beyond one (so a caller cannot front-load requests
// after a period of inactivity).
func New(requestsPerSecond float64) *Limiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

// Wait blocks the caller until the next outbound request is permitted, or
// returns the context's error if it is canceled first.
func (l *Limiter) Wait(ctx context.Context) errors.E {
	err := l.limiter.Wait(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// SetRate changes the requests-per-second rate for requests issued after
// this call.
func (l *Limiter) SetRate(requestsPerSecond float64) {
	l.limiter.SetLimit(rate.Limit(requestsPerSecond))
}

// Interval returns the minimum configured interval between releases.
func (l *Limiter) Interval() time.Duration {
	limit := l.limiter.Limit()
	if limit <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(limit))
}
