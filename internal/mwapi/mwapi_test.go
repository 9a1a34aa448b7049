package mwapi

import (
	"net/http/httptest"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"gitlab.com/wikiarchive/archiver/internal/ratelimit"
	"gitlab.com/wikiarchive/archiver/internal/retry"
)

// newTestClient builds a Client pointed at server's URL, with a generous
// rate limit and a single attempt so failing tests fail fast instead of
// retrying into a timeout.
func newTestClient(server *httptest.Server) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.HTTPClient = cleanhttp.DefaultPooledClient()
	httpClient.RetryMax = 0
	httpClient.Logger = nil

	return New(server.URL+"/w/api.php", httpClient, ratelimit.New(1000), retry.Config{MaxAttempts: 1})
}
