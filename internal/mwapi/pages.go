package mwapi

import (
	"context"
	"net/url"
	"strconv"

	"gitlab.com/tozd/go/errors"
)

type listPagesResponse struct {
	queryEnvelope
	Query struct {
		Pages []PageDescriptor `json:"pages"`
	} `json:"query"`
}

// ListPages enumerates every page in namespace, draining continuation
// tokens until the wiki reports none remain, and delivers each page to
// output as soon as its batch completes. It is discovery's sole way of
// learning what pages exist.
func (c *Client) ListPages(ctx context.Context, namespace int, output chan<- PageDescriptor) errors.E {
	data := c.newQuery()
	data.Set("generator", "allpages")
	data.Set("gapnamespace", strconv.Itoa(namespace))
	data.Set("gapfilterredir", "all")
	data.Set("gaplimit", strconv.Itoa(APILimit))
	data.Set("prop", "info")

	for {
		var resp listPagesResponse
		if errE := c.get(ctx, data, &resp); errE != nil {
			return errE
		}
		if resp.Error != nil {
			return errE(resp.Error)
		}

		for _, page := range resp.Query.Pages {
			select {
			case <-ctx.Done():
				return errors.WithStack(ctx.Err())
			case output <- page:
			}
		}

		if len(resp.Continue) == 0 {
			break
		}
		for key, value := range resp.Continue {
			data.Set(key, value)
		}
	}

	return nil
}

// FetchPageByID resolves a single page's current namespace, title, and
// redirect flag by id. The change detector uses this to resolve a move
// event's destination namespace, since log events carry only the
// destination title string, not its namespace id.
func (c *Client) FetchPageByID(ctx context.Context, pageID int64) (*PageDescriptor, errors.E) {
	data := c.newQuery()
	data.Set("prop", "info")
	data.Set("pageids", strconv.FormatInt(pageID, 10))

	var resp listPagesResponse
	if errE := c.get(ctx, data, &resp); errE != nil {
		return nil, errE
	}
	if resp.Error != nil {
		return nil, errE(resp.Error)
	}

	for _, page := range resp.Query.Pages {
		if page.PageID == pageID && !page.Missing {
			return &page, nil
		}
	}

	errE := errors.Errorf("page not found: %d", pageID)
	errors.Details(errE)["page_id"] = pageID
	return nil, errE
}

func (c *Client) newQuery() url.Values {
	data := url.Values{}
	data.Set("action", "query")
	data.Set("format", "json")
	data.Set("formatversion", "2")
	// Ask the wiki to reject our requests while its replicas lag, per the
	// API etiquette guidelines; the rejection comes back as a "maxlag"
	// error the client retries with backoff.
	data.Set("maxlag", strconv.Itoa(maxLagSeconds))
	return data
}
