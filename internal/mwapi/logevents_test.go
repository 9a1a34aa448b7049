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

func TestLogEventsCarriesMoveTarget(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("letype") {
		case "move":
			fmt.Fprint(w, `{
				"batchcomplete": true,
				"query": {"logevents": [
					{"type": "move", "logpage": 1, "title": "Old Title", "timestamp": "2024-01-01T00:00:00Z", "params": {"target_title": "New Title"}}
				]}
			}`)
		case "delete":
			fmt.Fprint(w, `{
				"batchcomplete": true,
				"query": {"logevents": [
					{"type": "delete", "logpage": 2, "title": "Gone", "timestamp": "2024-01-02T00:00:00Z", "params": {}}
				]}
			}`)
		default:
			t.Errorf("unexpected letype: %s", r.URL.Query().Get("letype"))
		}
	}))
	defer server.Close()

	client := newTestClient(server)
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	moves, errE := client.LogEvents(context.Background(), LogMove, since, time.Time{})
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, moves, 1)
	assert.Equal(t, ChangeMove, moves[0].Type)
	assert.Equal(t, "Old Title", moves[0].Title)
	assert.Equal(t, "New Title", moves[0].NewTitle)

	deletes, errE := client.LogEvents(context.Background(), LogDelete, since, time.Time{})
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, deletes, 1)
	assert.Equal(t, ChangeDelete, deletes[0].Type)
	assert.Equal(t, int64(2), deletes[0].PageID)
}
