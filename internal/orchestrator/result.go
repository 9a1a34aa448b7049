// Package orchestrator implements the full and incremental orchestrators:
// the two procedures composing discovery, revision scraping, file
// scraping, link extraction, and change detection into one checkpointed,
// resumable run against the storage core.
package orchestrator

import "gitlab.com/wikiarchive/archiver/internal/store"

// RunResult is what an orchestrator run reports back to its caller: the
// material for the end-of-run summary (pages processed, revisions stored,
// files downloaded, sample failures).
type RunResult struct {
	RunID            string
	Status           store.RunStatus
	PagesScraped     int64
	RevisionsScraped int64
	FilesDownloaded  int64
	FailedPageIDs    []int64
	FailedMessages   []string
	FailedNamespaces []int
}

// SampleFailures returns up to maxIDs failed page IDs, with a count of
// how many more were omitted, so the summary stays bounded however many
// pages failed.
func (r *RunResult) SampleFailures(maxIDs int) (sample []int64, more int) {
	if len(r.FailedPageIDs) <= maxIDs {
		return r.FailedPageIDs, 0
	}
	return r.FailedPageIDs[:maxIDs], len(r.FailedPageIDs) - maxIDs
}

// SampleMessages returns up to maxMessages failure messages for the
// bounded summary.
func (r *RunResult) SampleMessages(maxMessages int) []string {
	if len(r.FailedMessages) <= maxMessages {
		return r.FailedMessages
	}
	return r.FailedMessages[:maxMessages]
}

func (r *RunResult) recordPageFailure(pageID int64, message string) {
	r.FailedPageIDs = append(r.FailedPageIDs, pageID)
	r.FailedMessages = append(r.FailedMessages, message)
}
