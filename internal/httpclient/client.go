// Package httpclient provides the session used for all outbound
// MediaWiki requests: connection reuse, a hard per-request timeout, and a
// descriptive user agent. It does not retry; retrying is the
// internal/retry package's job.
package httpclient

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	// DefaultTimeout is the default total per-request timeout.
	DefaultTimeout = 30 * time.Second
)

// Config configures the HTTP Client.
type Config struct {
	// UserAgent identifies the archiver and a contact URL, as required by
	// the Wikimedia user-agent policy.
	UserAgent string
	// Timeout is the total per-request timeout. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// New returns a *retryablehttp.Client configured as a bare session: pooled
// connections, a fixed timeout, and a descriptive user agent. Its own retry
// logic is disabled (RetryMax: 0) because retry/backoff decisions are made
// by the Retry Engine, which knows how to classify transient failures;
// this client only ever makes a single attempt per Do call.
func New(config Config) *retryablehttp.Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := cleanhttp.DefaultPooledTransport()

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
	client.RetryMax = 0
	client.Logger = nil
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, _ int) {
		if config.UserAgent != "" {
			req.Header.Set("User-Agent", config.UserAgent)
		}
	}

	return client
}
