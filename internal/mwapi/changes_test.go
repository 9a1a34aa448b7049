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

func TestRecentChanges(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"batchcomplete": true,
			"query": {"recentchanges": [
				{"type": "edit", "pageid": 1, "revid": 10, "timestamp": "2024-01-01T00:00:00Z"},
				{"type": "new", "pageid": 2, "revid": 20, "timestamp": "2024-01-02T00:00:00Z"}
			]}
		}`)
	}))
	defer server.Close()

	client := newTestClient(server)

	changes, errE := client.RecentChanges(context.Background(), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Time{})
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, changes, 2)
	assert.Equal(t, ChangeEdit, changes[0].Type)
	assert.Equal(t, ChangeNew, changes[1].Type)
}
