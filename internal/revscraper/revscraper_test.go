package revscraper_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/wikiarchive/archiver/internal/mwapi"
	"gitlab.com/wikiarchive/archiver/internal/ratelimit"
	"gitlab.com/wikiarchive/archiver/internal/retry"
	"gitlab.com/wikiarchive/archiver/internal/revscraper"
)

func newTestClient(server *httptest.Server) *mwapi.Client {
	httpClient := retryablehttp.NewClient()
	httpClient.HTTPClient = cleanhttp.DefaultPooledClient()
	httpClient.RetryMax = 0
	httpClient.Logger = nil

	return mwapi.New(server.URL+"/w/api.php", httpClient, ratelimit.New(1000), retry.Config{MaxAttempts: 1})
}

func TestScrapeConvertsRevisionsAndRecomputesSHA1(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"batchcomplete": true,
			"query": {"pages": [{"pageid": 1, "revisions": [
				{"revid": 100, "parentid": 0, "timestamp": "2024-01-01T00:00:00Z", "user": "Alice", "userid": 7,
				 "comment": "initial", "size": 11, "sha1": "deadbeef", "minor": false,
				 "slots": {"main": {"content": "hello world"}}}
			]}]}
		}`)
	}))
	defer server.Close()

	client := newTestClient(server)
	revisions, errE := revscraper.Scrape(context.Background(), client, retry.Config{MaxAttempts: 1}, 1, nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, revisions, 1)

	rev := revisions[0]
	assert.Equal(t, int64(100), rev.RevisionID)
	assert.Equal(t, int64(1), rev.PageID)
	assert.Equal(t, "hello world", rev.Content)
	assert.Nil(t, rev.ParentID, "parentid of 0 means no parent")
	require.NotNil(t, rev.User)
	assert.Equal(t, "Alice", *rev.User)
	require.NotNil(t, rev.UserID)
	assert.Equal(t, int64(7), *rev.UserID)
	// The wiki's reported "sha1" is not a comparable 40-char hex digest
	// here, so the scraper trusts its own recomputation instead.
	assert.Len(t, rev.SHA1, 40)
}

func TestScrapeDetectsParentPointer(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"batchcomplete": true,
			"query": {"pages": [{"pageid": 1, "revisions": [
				{"revid": 101, "parentid": 100, "timestamp": "2024-01-02T00:00:00Z", "anon": true,
				 "size": 5, "sha1": "x", "minor": true, "slots": {"main": {"content": "bye"}}}
			]}]}
		}`)
	}))
	defer server.Close()

	client := newTestClient(server)
	revisions, errE := revscraper.Scrape(context.Background(), client, retry.Config{MaxAttempts: 1}, 1, nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, revisions, 1)

	rev := revisions[0]
	require.NotNil(t, rev.ParentID)
	assert.Equal(t, int64(100), *rev.ParentID)
	assert.Nil(t, rev.User, "anonymous revisions are stored with a null user")
	assert.Nil(t, rev.UserID, "anonymous revisions are stored with a null user_id")
	assert.True(t, rev.Minor)
}

func TestScrapeRejectsEmptyBodyWithNonzeroSize(t *testing.T) {
	t.Parallel()

	// A nonzero size with an empty body means the content came from the
	// wrong field (or was dropped in transit); storing it would archive an
	// empty page body while claiming it has content.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"batchcomplete": true,
			"query": {"pages": [{"pageid": 1, "revisions": [
				{"revid": 100, "parentid": 0, "timestamp": "2024-01-01T00:00:00Z",
				 "size": 11, "sha1": "", "minor": false, "slots": {"main": {"content": ""}}}
			]}]}
		}`)
	}))
	defer server.Close()

	client := newTestClient(server)
	_, errE := revscraper.Scrape(context.Background(), client, retry.Config{MaxAttempts: 1}, 1, nil)
	require.Error(t, errE)
	assert.ErrorIs(t, errE, revscraper.ErrEmptyRevisionBody)
}

func TestScrapeRejectsContentDigestMismatch(t *testing.T) {
	t.Parallel()

	// A reported sha1 that IS a comparable 40-char hex digest but
	// disagrees with the content must be rejected rather than silently
	// stored.
	wrongDigest := "0000000000000000000000000000000000000000"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"batchcomplete": true,
			"query": {"pages": [{"pageid": 1, "revisions": [
				{"revid": 100, "parentid": 0, "timestamp": "2024-01-01T00:00:00Z",
				 "size": 11, "sha1": "%s", "minor": false, "slots": {"main": {"content": "hello world"}}}
			]}]}
		}`, wrongDigest)
	}))
	defer server.Close()

	client := newTestClient(server)
	_, errE := revscraper.Scrape(context.Background(), client, retry.Config{MaxAttempts: 1}, 1, nil)
	require.Error(t, errE)
	assert.ErrorIs(t, errE, revscraper.ErrContentDigestMismatch)
}
