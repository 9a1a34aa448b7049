package mwapi

import (
	"context"
	"strconv"
	"time"

	"gitlab.com/tozd/go/errors"
)

type revisionsResponse struct {
	queryEnvelope
	Query struct {
		Pages []struct {
			PageID    int64      `json:"pageid"`
			Revisions []Revision `json:"revisions"`
		} `json:"pages"`
	} `json:"query"`
}

// FetchRevisions returns every revision of pageID in oldest-first order,
// draining continuation tokens as needed. When since is non-nil, only
// revisions strictly newer than since are returned, which is how an
// incremental run limits work to what changed.
//
// Content is always read from the revision body (Slots.Main.Content, see
// Revision.Content): the API is never asked for an extract or summary
// field, since an earlier version of this pipeline did that and silently
// archived empty page bodies.
func (c *Client) FetchRevisions(ctx context.Context, pageID int64, since *time.Time) ([]Revision, errors.E) {
	data := c.newQuery()
	data.Set("prop", "revisions")
	data.Set("pageids", strconv.FormatInt(pageID, 10))
	data.Set("rvprop", "ids|timestamp|user|userid|comment|size|sha1|flags|tags|content")
	data.Set("rvslots", "main")
	data.Set("rvlimit", strconv.Itoa(APILimit))
	data.Set("rvdir", "newer")
	if since != nil {
		data.Set("rvstart", since.UTC().Format(time.RFC3339))
	}

	var revisions []Revision

	for {
		var resp revisionsResponse
		if errE := c.get(ctx, data, &resp); errE != nil {
			return nil, errE
		}
		if resp.Error != nil {
			return nil, errE(resp.Error)
		}

		for _, page := range resp.Query.Pages {
			if page.PageID != pageID {
				continue
			}
			for _, revision := range page.Revisions {
				// rvstart is inclusive; the contract here is strictly after
				// since, so the boundary revision (the one the caller
				// already has) is dropped.
				if since != nil && !revision.Timestamp.After(*since) {
					continue
				}
				revisions = append(revisions, revision)
			}
		}

		if len(resp.Continue) == 0 {
			break
		}
		for key, value := range resp.Continue {
			data.Set(key, value)
		}
	}

	return revisions, nil
}
