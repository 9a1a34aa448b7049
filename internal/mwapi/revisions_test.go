package mwapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchRevisionsReadsContentFromSlots(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"batchcomplete": true,
			"query": {
				"pages": [{
					"pageid": 42,
					"revisions": [{
						"revid": 100,
						"parentid": 0,
						"timestamp": "2024-01-01T00:00:00Z",
						"user": "Someone",
						"userid": 7,
						"anon": false,
						"comment": "initial",
						"size": 123,
						"sha1": "abc",
						"minor": false,
						"tags": [],
						"slots": {"main": {"contentmodel": "wikitext", "contentformat": "text/x-wiki", "content": "Hello [[World]]"}}
					}]
				}]
			}
		}`)
	}))
	defer server.Close()

	client := newTestClient(server)

	revisions, errE := client.FetchRevisions(context.Background(), 42, nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, revisions, 1)
	assert.Equal(t, "Hello [[World]]", revisions[0].Content())
	assert.Equal(t, int64(100), revisions[0].RevisionID)
}

func TestFetchRevisionsSinceIsStrictlyAfter(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// rvstart is inclusive on the wiki side, so the boundary revision
		// comes back; the client must drop it.
		fmt.Fprint(w, `{
			"batchcomplete": true,
			"query": {
				"pages": [{
					"pageid": 42,
					"revisions": [
						{"revid": 100, "timestamp": "2024-01-01T00:00:00Z", "slots": {"main": {"content": "old"}}},
						{"revid": 101, "timestamp": "2024-02-01T00:00:00Z", "slots": {"main": {"content": "new"}}}
					]
				}]
			}
		}`)
	}))
	defer server.Close()

	client := newTestClient(server)

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	revisions, errE := client.FetchRevisions(context.Background(), 42, &since)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, revisions, 1)
	assert.Equal(t, int64(101), revisions[0].RevisionID)
}

func TestFetchRevisionsIgnoresOtherPageIDs(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"batchcomplete": true,
			"query": {
				"pages": [{"pageid": 99, "revisions": [{"revid": 1, "slots": {"main": {"content": "nope"}}}]}]
			}
		}`)
	}))
	defer server.Close()

	client := newTestClient(server)

	revisions, errE := client.FetchRevisions(context.Background(), 42, nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Empty(t, revisions)
}
