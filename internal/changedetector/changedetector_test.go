package changedetector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/wikiarchive/archiver/internal/mwapi"
	"gitlab.com/wikiarchive/archiver/internal/ratelimit"
	"gitlab.com/wikiarchive/archiver/internal/retry"
)

func newTestClient(server *httptest.Server) *mwapi.Client {
	httpClient := retryablehttp.NewClient()
	httpClient.HTTPClient = cleanhttp.DefaultPooledClient()
	httpClient.RetryMax = 0
	httpClient.Logger = nil

	return mwapi.New(server.URL+"/w/api.php", httpClient, ratelimit.New(1000), retry.Config{MaxAttempts: 1})
}

func TestDetectCollapsesToHighestPriorityAction(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("list") {
		case "recentchanges":
			// Page 1 is edited, then later deleted (via logevents below):
			// deletion must win. Page 2 is only ever edited.
			fmt.Fprint(w, `{
				"batchcomplete": true,
				"query": {"recentchanges": [
					{"type": "edit", "pageid": 1, "revid": 10, "timestamp": "2024-01-01T00:00:00Z"},
					{"type": "edit", "pageid": 2, "revid": 20, "timestamp": "2024-01-01T01:00:00Z"},
					{"type": "new", "pageid": 3, "revid": 30, "timestamp": "2024-01-01T02:00:00Z"}
				]}
			}`)
		case "logevents":
			switch r.URL.Query().Get("letype") {
			case "delete":
				fmt.Fprint(w, `{
					"batchcomplete": true,
					"query": {"logevents": [
						{"type": "delete", "logpage": 1, "title": "Page One", "timestamp": "2024-01-01T03:00:00Z", "params": {}}
					]}
				}`)
			case "move":
				fmt.Fprint(w, `{
					"batchcomplete": true,
					"query": {"logevents": [
						{"type": "move", "logpage": 4, "title": "Old Four", "timestamp": "2024-01-01T04:00:00Z", "params": {"target_title": "New Four"}}
					]}
				}`)
			default:
				t.Errorf("unexpected letype: %s", r.URL.Query().Get("letype"))
			}
		case "":
			// FetchPageByID resolving the move target's namespace.
			fmt.Fprint(w, `{
				"batchcomplete": true,
				"query": {"pages": [
					{"pageid": 4, "ns": 0, "title": "New Four", "redirect": false}
				]}
			}`)
		default:
			t.Fatalf("unexpected list: %s", r.URL.Query().Get("list"))
		}
	}))
	defer server.Close()

	client := newTestClient(server)

	changeSet, errE := Detect(context.Background(), client, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Time{})
	require.NoError(t, errE, "% -+#.1v", errE)

	assert.Equal(t, []int64{3}, changeSet.NewPageIDs)
	assert.Equal(t, []int64{2}, changeSet.ModifiedPageIDs)
	assert.Equal(t, []int64{1}, changeSet.DeletedPageIDs)
	require.Len(t, changeSet.Moved, 1)
	assert.Equal(t, int64(4), changeSet.Moved[0].PageID)
	assert.Equal(t, "New Four", changeSet.Moved[0].NewTitle)
	assert.Equal(t, 0, changeSet.Moved[0].NewNamespace)
}

// TestDetectKeepsMovesInLogEventOrder verifies moves come back in the
// order the wiki logged them, not sorted by page id, since replaying
// renames in log order is what resolves title swaps within one window.
func TestDetectKeepsMovesInLogEventOrder(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Query().Get("list") == "recentchanges":
			fmt.Fprint(w, `{"batchcomplete": true, "query": {"recentchanges": []}}`)
		case r.URL.Query().Get("list") == "logevents" && r.URL.Query().Get("letype") == "move":
			fmt.Fprint(w, `{
				"batchcomplete": true,
				"query": {"logevents": [
					{"type": "move", "logpage": 9, "title": "First Moved", "timestamp": "2024-01-01T01:00:00Z", "params": {"target_title": "B"}},
					{"type": "move", "logpage": 5, "title": "Second Moved", "timestamp": "2024-01-01T02:00:00Z", "params": {"target_title": "A"}}
				]}
			}`)
		case r.URL.Query().Get("list") == "logevents":
			fmt.Fprint(w, `{"batchcomplete": true, "query": {"logevents": []}}`)
		case r.URL.Query().Get("pageids") == "9":
			fmt.Fprint(w, `{"batchcomplete": true, "query": {"pages": [{"pageid": 9, "ns": 0, "title": "B"}]}}`)
		case r.URL.Query().Get("pageids") == "5":
			fmt.Fprint(w, `{"batchcomplete": true, "query": {"pages": [{"pageid": 5, "ns": 0, "title": "A"}]}}`)
		default:
			t.Errorf("unexpected request: %s", r.URL.RawQuery)
		}
	}))
	defer server.Close()

	client := newTestClient(server)

	changeSet, errE := Detect(context.Background(), client, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Time{})
	require.NoError(t, errE, "% -+#.1v", errE)

	require.Len(t, changeSet.Moved, 2)
	assert.Equal(t, int64(9), changeSet.Moved[0].PageID)
	assert.Equal(t, int64(5), changeSet.Moved[1].PageID)
}

func TestCollapsePicksMostRecentAmongSamePriority(t *testing.T) {
	t.Parallel()

	events := []event{
		{pageID: 1, action: ActionModified, timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{pageID: 1, action: ActionModified, timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
	}

	winners := collapse(events)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), winners[1].timestamp)
}

func TestCollapsePrefersHigherPriorityRegardlessOfOrder(t *testing.T) {
	t.Parallel()

	events := []event{
		{pageID: 1, action: ActionDeleted, timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{pageID: 1, action: ActionModified, timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
	}

	winners := collapse(events)
	assert.Equal(t, ActionDeleted, winners[1].action)
}
