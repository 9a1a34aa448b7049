package mwapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchive/archiver/internal/ratelimit"
	"gitlab.com/wikiarchive/archiver/internal/retry"
)

// APILimit is the maximum number of results the query API returns per
// request, regardless of which continuation token drives the list.
const APILimit = 500

// maxLagSeconds is sent as the maxlag parameter with every query request.
const maxLagSeconds = 5

// Client is a rate-limited, retrying session against one wiki's
// action=query endpoint.
type Client struct {
	http    *retryablehttp.Client
	limiter *ratelimit.Limiter
	retry   retry.Config
	site    string
}

// New returns a Client for site: either a host such as
// "en.wikipedia.org", queried at https://<host>/w/api.php, or a full API
// URL containing "://", queried as is.
func New(site string, httpClient *retryablehttp.Client, limiter *ratelimit.Limiter, retryConfig retry.Config) *Client {
	return &Client{
		http:    httpClient,
		limiter: limiter,
		retry:   retryConfig,
		site:    site,
	}
}

func (c *Client) apiURL(data url.Values) string {
	if strings.Contains(c.site, "://") {
		// A full URL (the configured API base URL, or a test server's) is
		// used as is.
		return fmt.Sprintf("%s?%s", c.site, data.Encode())
	}
	return fmt.Sprintf("https://%s/w/api.php?%s", c.site, data.Encode())
}

// apiError carries the action=query top level "error" field, when present,
// so callers see the wiki's own message instead of a generic decode error.
type apiError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("mediawiki API error (%s): %s", e.Code, e.Info)
}

// enveloped is satisfied by every response shape embedding queryEnvelope,
// letting get inspect the wiki-level error without knowing the payload.
type enveloped interface {
	envelope() *queryEnvelope
}

func (e *queryEnvelope) envelope() *queryEnvelope { return e }

// get issues a single rate-limited, retried GET of the query API and decodes
// the response into out, which must embed queryEnvelope. A maxlag rejection
// from the wiki is treated as transient and retried with backoff, per the
// server's own request to slow down.
func (c *Client) get(ctx context.Context, data url.Values, out interface{}) errors.E {
	return retry.Do(ctx, c.retry, func(ctx context.Context) errors.E {
		// Reset out between attempts: decoding merges into whatever is
		// already there, so a previous attempt's error or continuation
		// fields would otherwise survive into this one.
		v := reflect.ValueOf(out).Elem()
		v.Set(reflect.Zero(v.Type()))

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		apiURL := c.apiURL(data)
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
		if err != nil {
			errE := errors.WithStack(err)
			errors.Details(errE)["url"] = apiURL
			return errE
		}

		resp, err := c.http.Do(req)
		if err != nil {
			errE := errors.WithStack(err)
			errors.Details(errE)["url"] = apiURL
			return errE
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			errE := errors.WithStack(&retry.HTTPStatusError{
				StatusCode: resp.StatusCode,
				URL:        apiURL,
				Body:       strings.TrimSpace(string(body)),
			})
			errors.Details(errE)["url"] = apiURL
			errors.Details(errE)["code"] = resp.StatusCode
			return errE
		}

		decoder := json.NewDecoder(resp.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(out); err != nil {
			errE := errors.WithStack(err)
			errors.Details(errE)["url"] = apiURL
			return errE
		}

		// The wiki rejects requests when its replication lag exceeds the
		// maxlag we send; it wants us to back off and try again, which is
		// exactly what the Retry Engine does with a transient error.
		if env, ok := out.(enveloped); ok {
			if apiErr := env.envelope().Error; apiErr != nil && apiErr.Code == "maxlag" {
				errE := errors.WithStack(&retry.MaxLagError{Info: apiErr.Info})
				errors.Details(errE)["url"] = apiURL
				return errE
			}
		}

		return nil
	})
}

// queryEnvelope is embedded by every action=query response shape so the
// continuation loop can inspect it without knowing the concrete payload.
type queryEnvelope struct {
	Error         *apiError         `json:"error,omitempty"`
	BatchComplete bool              `json:"batchcomplete"`
	Continue      map[string]string `json:"continue"`
}

// errE turns a wiki-reported API error into a structured errors.E with the
// wiki's error code attached, instead of a bare string.
func errE(apiErr *apiError) errors.E {
	errE := errors.WithStack(apiErr)
	errors.Details(errE)["code"] = apiErr.Code
	return errE
}
