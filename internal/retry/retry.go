// Package retry wraps operations against the MediaWiki API and the storage
// layer with exponential backoff over the transient error set, and exposes
// the classifier used to decide what is retried.
package retry

import (
	"context"
	"net"
	"net/http"
	"time"

	"gitlab.com/tozd/go/errors"
)

// Classifier decides, given an error returned by an operation, whether the
// operation is worth retrying. Transience is modeled as a predicate over
// the concrete error value, never as a type hierarchy the caller has to
// extend.
type Classifier func(err error) bool

// HTTPStatusError is returned by the API client and HTTP layer so the
// classifier (and callers wanting the status code for logging) can inspect
// the response status without re-parsing it.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return "bad response status"
}

// MaxLagError is returned by the API client when the wiki rejected a
// request because its replication lag exceeded the maxlag parameter sent
// with it, the server's way of asking clients to back off for a while.
type MaxLagError struct {
	Info string
}

func (e *MaxLagError) Error() string {
	return "wiki replication lag too high"
}

// DatabaseLockError marks a storage error as a transient lock conflict
// (e.g. SQLite "database is locked", or a PostgreSQL serialization failure
// bubbling up through the repositories).
type DatabaseLockError struct {
	Cause error
}

func (e *DatabaseLockError) Error() string {
	return "database lock"
}

func (e *DatabaseLockError) Unwrap() error {
	return e.Cause
}

// DefaultClassifier splits errors into transient and permanent: network
// timeouts, connection errors, HTTP 5xx, HTTP 429, replication lag, and
// storage lock errors are transient; everything else (including HTTP 4xx
// other than 429, and schema-validation failures) is permanent.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return statusErr.StatusCode >= 500
	}

	var lockErr *DatabaseLockError
	if errors.As(err, &lockErr) {
		return true
	}

	var lagErr *MaxLagError
	if errors.As(err, &lagErr) {
		return true
	}

	// Any lower-level network error (connection reset, DNS failure, dial
	// timeout) is transient: the caller is network I/O, not a fixed
	// wiki-side condition.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

// Config configures the Retry Engine.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first),
	// default 3.
	MaxAttempts int
	// BaseDelay is the delay before the first retry; attempt k (zero
	// indexed) waits BaseDelay * 2^k. Default 500ms.
	BaseDelay time.Duration
	// Classify decides whether an error is transient. Defaults to
	// DefaultClassifier.
	Classify Classifier
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.Classify == nil {
		c.Classify = DefaultClassifier
	}
	return c
}

// Do invokes op, retrying on transient failures up to MaxAttempts times
// with exponential backoff. Permanent failures propagate immediately,
// without consuming further attempts.
func Do(ctx context.Context, config Config, op func(ctx context.Context) errors.E) errors.E {
	config = config.withDefaults()

	var lastErr errors.E
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := config.BaseDelay * (1 << uint(attempt-1))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.WithStack(ctx.Err())
			case <-timer.C:
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !config.Classify(err) {
			return err
		}
	}

	return lastErr
}
