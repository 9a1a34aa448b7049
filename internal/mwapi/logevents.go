package mwapi

import (
	"context"
	"strconv"
	"time"

	"gitlab.com/tozd/go/errors"
)

// LogType selects which log list=logevents returns; the API only accepts
// one type per query, so callers wanting both issue two calls.
type LogType string

const (
	LogMove   LogType = "move"
	LogDelete LogType = "delete"
)

type logEventsResponse struct {
	queryEnvelope
	Query struct {
		LogEvents []struct {
			Type      string `json:"type"`
			Action    string `json:"action"`
			PageID    int64  `json:"logpage"`
			Title     string `json:"title"`
			Timestamp string `json:"timestamp"`
			Params    struct {
				TargetTitle string `json:"target_title"`
			} `json:"params"`
		} `json:"logevents"`
	} `json:"query"`
}

// LogEvents returns logType events in (since, until], oldest first. A zero
// until means no upper bound. A move event's LogEvent.NewTitle carries the
// destination title, which the Change Detector needs to reconcile a page's
// rows under its new title instead of re-discovering it as new.
func (c *Client) LogEvents(ctx context.Context, logType LogType, since, until time.Time) ([]LogEvent, errors.E) {
	data := c.newQuery()
	data.Set("list", "logevents")
	data.Set("letype", string(logType))
	data.Set("leprop", "type|title|timestamp|details|ids")
	data.Set("lelimit", strconv.Itoa(APILimit))
	data.Set("ledir", "newer")
	data.Set("lestart", since.UTC().Format(time.RFC3339))
	if !until.IsZero() {
		data.Set("leend", until.UTC().Format(time.RFC3339))
	}

	var events []LogEvent

	for {
		var resp logEventsResponse
		if errE := c.get(ctx, data, &resp); errE != nil {
			return nil, errE
		}
		if resp.Error != nil {
			return nil, errE(resp.Error)
		}

		for _, event := range resp.Query.LogEvents {
			timestamp, err := time.Parse(time.RFC3339, event.Timestamp)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			changeType := ChangeDelete
			if event.Type == "move" {
				changeType = ChangeMove
			}
			events = append(events, LogEvent{
				Type:      changeType,
				PageID:    event.PageID,
				Title:     event.Title,
				NewTitle:  event.Params.TargetTitle,
				Timestamp: timestamp,
			})
		}

		if len(resp.Continue) == 0 {
			break
		}
		for key, value := range resp.Continue {
			data.Set(key, value)
		}
	}

	return events, nil
}
