package mwapi

import (
	"context"
	"strconv"
	"time"

	"gitlab.com/tozd/go/errors"
)

type recentChangesResponse struct {
	queryEnvelope
	Query struct {
		RecentChanges []struct {
			Type      string `json:"type"`
			PageID    int64  `json:"pageid"`
			RevID     int64  `json:"revid"`
			Timestamp string `json:"timestamp"`
		} `json:"recentchanges"`
	} `json:"query"`
}

// RecentChanges returns edit and new-page events in (since, until],
// oldest first. A zero until means no upper bound (up to whatever is most
// recent when the call is made). The change detector uses this as its
// primary signal for what to re-scrape between incremental runs; moves
// and deletions are reported separately by LogEvents since recentchanges
// does not carry enough detail for those.
func (c *Client) RecentChanges(ctx context.Context, since, until time.Time) ([]RecentChange, errors.E) {
	data := c.newQuery()
	data.Set("list", "recentchanges")
	data.Set("rctype", "edit|new")
	data.Set("rcprop", "title|ids|timestamp")
	data.Set("rclimit", strconv.Itoa(APILimit))
	data.Set("rcdir", "newer")
	data.Set("rcstart", since.UTC().Format(time.RFC3339))
	if !until.IsZero() {
		data.Set("rcend", until.UTC().Format(time.RFC3339))
	}

	var changes []RecentChange

	for {
		var resp recentChangesResponse
		if errE := c.get(ctx, data, &resp); errE != nil {
			return nil, errE
		}
		if resp.Error != nil {
			return nil, errE(resp.Error)
		}

		for _, rc := range resp.Query.RecentChanges {
			timestamp, err := time.Parse(time.RFC3339, rc.Timestamp)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			changeType := ChangeEdit
			if rc.Type == "new" {
				changeType = ChangeNew
			}
			changes = append(changes, RecentChange{
				PageID:         rc.PageID,
				Type:           changeType,
				Timestamp:      timestamp,
				LastRevisionID: rc.RevID,
			})
		}

		if len(resp.Continue) == 0 {
			break
		}
		for key, value := range resp.Continue {
			data.Set(key, value)
		}
	}

	return changes, nil
}
