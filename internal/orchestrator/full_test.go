package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/wikiarchive/archiver/internal/checkpoint"
	"gitlab.com/wikiarchive/archiver/internal/mwapi"
	"gitlab.com/wikiarchive/archiver/internal/ratelimit"
	"gitlab.com/wikiarchive/archiver/internal/retry"
	"gitlab.com/wikiarchive/archiver/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "archiver.sqlite")
	db, errE := store.OpenSQLite(context.Background(), dbPath, zerolog.Nop())
	require.NoError(t, errE, "% -+#.1v", errE)
	t.Cleanup(func() { db.Close() })

	errE = store.Migrate(context.Background(), db, store.EngineSQLite)
	require.NoError(t, errE, "% -+#.1v", errE)

	return store.New(db, store.EngineSQLite)
}

func newOrchestratorTestClient(server *httptest.Server) (*mwapi.Client, *retryablehttp.Client) {
	httpClient := retryablehttp.NewClient()
	httpClient.HTTPClient = cleanhttp.DefaultPooledClient()
	httpClient.RetryMax = 0
	httpClient.Logger = nil

	client := mwapi.New(server.URL+"/w/api.php", httpClient, ratelimit.New(1000), retry.Config{MaxAttempts: 1})
	return client, httpClient
}

// TestFullOrchestratorHappyPath runs a complete scrape of a single
// namespace with a single page and no files, asserting the page and its
// revision land in storage and the run is recorded as completed.
func TestFullOrchestratorHappyPath(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Query().Get("generator") == "allpages":
			fmt.Fprint(w, `{
				"batchcomplete": true,
				"query": {"pages": [
					{"pageid": 1, "ns": 0, "title": "Example", "redirect": false}
				]}
			}`)
		case r.URL.Query().Get("prop") == "revisions":
			fmt.Fprint(w, `{
				"batchcomplete": true,
				"query": {"pages": [
					{"pageid": 1, "revisions": [
						{"revid": 100, "parentid": 0, "timestamp": "2024-01-01T00:00:00Z", "user": "Alice", "userid": 7, "comment": "initial", "size": 11, "sha1": "", "minor": false, "slots": {"main": {"contentmodel": "wikitext", "contentformat": "text/x-wiki", "content": "hello world"}}}
					]}
				]}
			}`)
		default:
			t.Fatalf("unexpected request: %s", r.URL.RawQuery)
		}
	}))
	defer server.Close()

	client, httpClient := newOrchestratorTestClient(server)
	st := newTestStore(t)

	dir := t.TempDir()
	checkpointStore := checkpoint.New(filepath.Join(dir, "checkpoint.json"))

	orchestrator := &FullOrchestrator{
		Store:            st,
		Client:           client,
		HTTP:             httpClient,
		Checkpoint:       checkpointStore,
		Logger:           zerolog.Nop(),
		Namespaces:       []int{0},
		RateLimit:        1000,
		DataDir:          filepath.Join(dir, "files"),
		RetryConfig:      retry.Config{MaxAttempts: 1},
		FailureThreshold: 0.1,
	}

	result, errE := orchestrator.Run(context.Background())
	require.NoError(t, errE, "% -+#.1v", errE)
	require.NotNil(t, result)
	assert.Equal(t, store.RunStatusCompleted, result.Status)
	assert.Equal(t, int64(1), result.PagesScraped)
	assert.Equal(t, int64(1), result.RevisionsScraped)
	assert.Empty(t, result.FailedPageIDs)

	page, errE := st.Pages().GetPage(context.Background(), 1)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.NotNil(t, page)
	assert.Equal(t, "Example", page.Title)

	revisions, errE := st.Revisions().GetRevisions(context.Background(), 1, nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, revisions, 1)
	assert.Equal(t, "hello world", revisions[0].Content)

	assert.False(t, checkpointStore.Exists(), "checkpoint should be deleted after a completed run")
}

// TestFullOrchestratorResumesFromCheckpoint verifies that a page already
// marked complete in a loaded checkpoint is not re-scraped.
func TestFullOrchestratorResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	var revisionFetches int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Query().Get("generator") == "allpages":
			fmt.Fprint(w, `{
				"batchcomplete": true,
				"query": {"pages": [
					{"pageid": 1, "ns": 0, "title": "Example", "redirect": false}
				]}
			}`)
		case r.URL.Query().Get("prop") == "revisions":
			revisionFetches++
			fmt.Fprint(w, `{
				"batchcomplete": true,
				"query": {"pages": [
					{"pageid": 1, "revisions": [
						{"revid": 100, "parentid": 0, "timestamp": "2024-01-01T00:00:00Z", "user": "Alice", "userid": 7, "comment": "initial", "size": 11, "sha1": "", "minor": false, "slots": {"main": {"contentmodel": "wikitext", "contentformat": "text/x-wiki", "content": "hello world"}}}
					]}
				]}
			}`)
		default:
			t.Fatalf("unexpected request: %s", r.URL.RawQuery)
		}
	}))
	defer server.Close()

	client, httpClient := newOrchestratorTestClient(server)
	st := newTestStore(t)
	dir := t.TempDir()
	checkpointStore := checkpoint.New(filepath.Join(dir, "checkpoint.json"))

	fingerprint := checkpoint.Fingerprint(checkpoint.Config{Namespaces: []int{0}, RateLimit: 1000, Mode: "full"})
	doc := &checkpoint.Document{
		Fingerprint:         fingerprint,
		RunMode:             "full",
		Namespaces:          []int{0},
		CompletedNamespaces: []int{0},
		CompletedPageIDs:    []int64{1},
		Timestamp:           time.Now(),
	}
	require.NoError(t, checkpointStore.Save(doc))

	orchestrator := &FullOrchestrator{
		Store:            st,
		Client:           client,
		HTTP:             httpClient,
		Checkpoint:       checkpointStore,
		Logger:           zerolog.Nop(),
		Namespaces:       []int{0},
		RateLimit:        1000,
		DataDir:          filepath.Join(dir, "files"),
		RetryConfig:      retry.Config{MaxAttempts: 1},
		FailureThreshold: 0.1,
	}

	result, errE := orchestrator.Run(context.Background())
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, store.RunStatusCompleted, result.Status)
	assert.Equal(t, 0, revisionFetches, "a page already complete in the checkpoint must not be re-scraped")
}

// TestFullOrchestratorDoesNotMarkNamespaceCompleteOnRevisionFailure verifies
// that a namespace is left out of CompletedNamespaces when its revision
// pass fails partway through, so a subsequent run still retries it instead
// of treating a half-scraped namespace as done.
func TestFullOrchestratorDoesNotMarkNamespaceCompleteOnRevisionFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Query().Get("generator") == "allpages":
			fmt.Fprint(w, `{
				"batchcomplete": true,
				"query": {"pages": [
					{"pageid": 1, "ns": 0, "title": "Example", "redirect": false}
				]}
			}`)
		case r.URL.Query().Get("prop") == "revisions":
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error": {"code": "internal", "info": "boom"}}`)
		default:
			t.Fatalf("unexpected request: %s", r.URL.RawQuery)
		}
	}))
	defer server.Close()

	client, httpClient := newOrchestratorTestClient(server)
	st := newTestStore(t)
	dir := t.TempDir()
	checkpointStore := checkpoint.New(filepath.Join(dir, "checkpoint.json"))

	orchestrator := &FullOrchestrator{
		Store:            st,
		Client:           client,
		HTTP:             httpClient,
		Checkpoint:       checkpointStore,
		Logger:           zerolog.Nop(),
		Namespaces:       []int{0},
		RateLimit:        1000,
		DataDir:          filepath.Join(dir, "files"),
		RetryConfig:      retry.Config{MaxAttempts: 1},
		FailureThreshold: 0.5,
	}

	result, errE := orchestrator.Run(context.Background())
	require.NoError(t, errE, "% -+#.1v", errE)
	require.NotNil(t, result)
	assert.Equal(t, store.RunStatusFailed, result.Status, "every page failing exceeds the threshold")
	assert.Contains(t, result.FailedPageIDs, int64(1))

	doc, errE := checkpointStore.Load()
	require.NoError(t, errE, "% -+#.1v", errE)
	require.NotNil(t, doc, "a namespace with a failed page must leave a checkpoint behind for resume")
	assert.False(t, doc.IsNamespaceComplete(0), "namespace must not be marked complete when its revision pass had failures")
}
