// Package changedetector merges list=recentchanges and list=logevents
// records for a time window into a single ChangeSet, collapsing multiple
// events against the same page into the single action that wins (delete
// beats move beats edit beats new).
package changedetector

import (
	"context"
	"sort"
	"time"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchive/archiver/internal/mwapi"
)

// ActionType is the winning action detected for a page within a window.
type ActionType int

const (
	ActionNew ActionType = iota + 1
	ActionModified
	ActionMoved
	ActionDeleted
)

// priority ranks actions when more than one event touches the same page
// within a window: a later deletion always wins over an earlier edit, and
// so on, regardless of which event sorts later by timestamp, since the
// final state of the page is what the next scrape needs to reproduce.
var priority = map[ActionType]int{
	ActionNew:      1,
	ActionModified: 2,
	ActionMoved:    3,
	ActionDeleted:  4,
}

// MovedPage carries the destination of a move event, resolved to its
// current namespace via mwapi.Client.FetchPageByID since log events only
// report the destination title.
type MovedPage struct {
	PageID       int64
	NewNamespace int
	NewTitle     string
}

// ChangeSet buckets every page touched within a window by the action that
// ultimately applies to it. A page appears in exactly one bucket.
type ChangeSet struct {
	NewPageIDs      []int64
	ModifiedPageIDs []int64
	Moved           []MovedPage
	DeletedPageIDs  []int64
}

// event is the common shape both recentchanges and logevents records are
// normalized to before collapsing.
type event struct {
	pageID    int64
	action    ActionType
	timestamp time.Time
	newTitle  string // only set for ActionMoved
}

// Detect fetches recent changes and log events for (since, until] and
// returns the collapsed ChangeSet. A zero until means up to now. Moved
// pages are resolved against the live wiki via FetchPageByID; a page that
// no longer exists by the time it's resolved (since deleted again after
// the move) is treated as deleted instead, since that's its true current
// state.
func Detect(ctx context.Context, client *mwapi.Client, since, until time.Time) (ChangeSet, errors.E) {
	var events []event

	changes, errE := client.RecentChanges(ctx, since, until)
	if errE != nil {
		return ChangeSet{}, errE
	}
	for _, change := range changes {
		action := ActionModified
		if change.Type == mwapi.ChangeNew {
			action = ActionNew
		}
		events = append(events, event{pageID: change.PageID, action: action, timestamp: change.Timestamp})
	}

	// letype only accepts one log type per query, so moves and deletions
	// are fetched separately and merged here.
	for _, logType := range []mwapi.LogType{mwapi.LogMove, mwapi.LogDelete} {
		logEvents, errE := client.LogEvents(ctx, logType, since, until)
		if errE != nil {
			return ChangeSet{}, errE
		}
		for _, logEvent := range logEvents {
			action := ActionDeleted
			if logEvent.Type == mwapi.ChangeMove {
				action = ActionMoved
			}
			events = append(events, event{pageID: logEvent.PageID, action: action, timestamp: logEvent.Timestamp, newTitle: logEvent.NewTitle})
		}
	}

	winners := collapse(events)

	// Moved pages are resolved and applied in log-event order: when two
	// pages swap titles within one window, replaying the renames in the
	// order the wiki recorded them is what makes the second rename's
	// target title free by the time it is applied.
	var movedWinners []event
	var changeSet ChangeSet
	for pageID, winner := range winners {
		switch winner.action {
		case ActionNew:
			changeSet.NewPageIDs = append(changeSet.NewPageIDs, pageID)
		case ActionModified:
			changeSet.ModifiedPageIDs = append(changeSet.ModifiedPageIDs, pageID)
		case ActionDeleted:
			changeSet.DeletedPageIDs = append(changeSet.DeletedPageIDs, pageID)
		case ActionMoved:
			movedWinners = append(movedWinners, winner)
		}
	}

	sort.Slice(movedWinners, func(i, j int) bool {
		if !movedWinners[i].timestamp.Equal(movedWinners[j].timestamp) {
			return movedWinners[i].timestamp.Before(movedWinners[j].timestamp)
		}
		return movedWinners[i].pageID < movedWinners[j].pageID
	})

	for _, winner := range movedWinners {
		descriptor, errE := client.FetchPageByID(ctx, winner.pageID)
		if errE != nil {
			changeSet.DeletedPageIDs = append(changeSet.DeletedPageIDs, winner.pageID)
			continue
		}
		changeSet.Moved = append(changeSet.Moved, MovedPage{
			PageID:       winner.pageID,
			NewNamespace: descriptor.Namespace,
			NewTitle:     descriptor.Title,
		})
	}

	sortChangeSet(&changeSet)

	return changeSet, nil
}

// collapse picks, for each page, the action that wins: the highest
// priority action, and among events tied on priority, the most recent one
// (e.g. the destination of the last of two moves).
func collapse(events []event) map[int64]event {
	winners := make(map[int64]event, len(events))

	for _, candidate := range events {
		current, ok := winners[candidate.pageID]
		if !ok {
			winners[candidate.pageID] = candidate
			continue
		}

		candidatePriority := priority[candidate.action]
		currentPriority := priority[current.action]

		switch {
		case candidatePriority > currentPriority:
			winners[candidate.pageID] = candidate
		case candidatePriority == currentPriority && candidate.timestamp.After(current.timestamp):
			winners[candidate.pageID] = candidate
		}
	}

	return winners
}

// sortChangeSet orders the ID buckets for deterministic application and
// reporting. Moved is deliberately left in log-event order (see Detect).
func sortChangeSet(changeSet *ChangeSet) {
	sort.Slice(changeSet.NewPageIDs, func(i, j int) bool { return changeSet.NewPageIDs[i] < changeSet.NewPageIDs[j] })
	sort.Slice(changeSet.ModifiedPageIDs, func(i, j int) bool { return changeSet.ModifiedPageIDs[i] < changeSet.ModifiedPageIDs[j] })
	sort.Slice(changeSet.DeletedPageIDs, func(i, j int) bool { return changeSet.DeletedPageIDs[i] < changeSet.DeletedPageIDs[j] })
}
