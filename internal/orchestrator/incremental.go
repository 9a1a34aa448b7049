package orchestrator

import (
	"context"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchive/archiver/internal/changedetector"
	"gitlab.com/wikiarchive/archiver/internal/filescraper"
	"gitlab.com/wikiarchive/archiver/internal/links"
	"gitlab.com/wikiarchive/archiver/internal/mwapi"
	"gitlab.com/wikiarchive/archiver/internal/progress"
	"gitlab.com/wikiarchive/archiver/internal/retry"
	"gitlab.com/wikiarchive/archiver/internal/revscraper"
	"gitlab.com/wikiarchive/archiver/internal/store"
)

// ErrNoPriorFullRun is returned by IncrementalOrchestrator.Run when no
// completed full scrape exists to establish the window's starting point.
var ErrNoPriorFullRun = errors.Base("incremental run requires a prior completed full scrape")

// IncrementalOrchestrator applies only what changed since the last
// completed run: new pages are scraped whole, modified pages
// are scraped from their last stored revision forward, moved pages are
// renamed in place, and deleted pages are removed, all within one
// ScrapeRun record.
type IncrementalOrchestrator struct {
	Store            *store.Store
	Client           *mwapi.Client
	HTTP             *retryablehttp.Client
	Logger           zerolog.Logger
	DataDir          string
	RetryConfig      retry.Config
	FailureThreshold float64
	Force            bool
	Progress         progress.Func
}

// Run detects changes in (since, now] and applies them. since defaults
// to the end of the last completed run unless explicitly overridden.
func (o *IncrementalOrchestrator) Run(ctx context.Context, since *time.Time) (*RunResult, errors.E) {
	reporter := progress.NewReporter(o.Progress)
	defer reporter.Stop()

	lastRun, errE := o.Store.ScrapeRuns().LastCompletedRun(ctx)
	if errE != nil {
		return nil, errE
	}
	if lastRun == nil {
		return nil, errors.WithStack(ErrNoPriorFullRun)
	}

	windowSince := lastRun.EndTime
	if since != nil {
		windowSince = since
	}
	if windowSince == nil {
		return nil, errors.WithStack(ErrNoPriorFullRun)
	}

	if errE := ensureNoRunningRun(ctx, o.Store, o.Force); errE != nil {
		return nil, errE
	}

	runID, errE := o.Store.ScrapeRuns().BeginRun(ctx)
	if errE != nil {
		return nil, errE
	}
	result := &RunResult{RunID: runID}

	changeSet, errE := changedetector.Detect(ctx, o.Client, *windowSince, time.Time{})
	if errE != nil {
		if isCancellation(errE) {
			return o.interrupted(ctx, runID, result)
		}
		return finishRun(ctx, o.Store, nil, runID, store.RunStatusFailed, result, 1, o.FailureThreshold)
	}

	var revisionsScraped int64
	touchedPages := map[int64]bool{}
	var fileTargets []string
	seenFiles := map[string]bool{}

	total := len(changeSet.NewPageIDs) + len(changeSet.ModifiedPageIDs) + len(changeSet.Moved) + len(changeSet.DeletedPageIDs)
	processed := 0
	reportStep := func() {
		processed++
		reporter.Report(progress.StageScrape, processed, total)
	}

	for _, pageID := range changeSet.NewPageIDs {
		if ctx.Err() != nil {
			return o.interrupted(ctx, runID, result)
		}
		reportStep()

		descriptor, errE := o.Client.FetchPageByID(ctx, pageID)
		if errE != nil {
			o.recordFailure(ctx, runID, pageID, errE, result)
			continue
		}

		revisions, errE := revscraper.Scrape(ctx, o.Client, o.RetryConfig, pageID, nil)
		if errE != nil {
			o.recordFailure(ctx, runID, pageID, errE, result)
			continue
		}

		var extractedLinks []store.Link
		if latest := latestRevision(revisions); latest != nil {
			extractedLinks = links.Extract(latest.Content)
			fileTargets = collectFileTargets(extractedLinks, fileTargets, seenFiles)
		}

		page := store.Page{PageID: pageID, Namespace: descriptor.Namespace, Title: descriptor.Title, IsRedirect: descriptor.IsRedirect}
		if errE := o.Store.CommitPageRevisions(ctx, page, revisions, extractedLinks); errE != nil {
			o.recordFailure(ctx, runID, pageID, errE, result)
			continue
		}

		o.markSuccess(ctx, runID, pageID, revisions, result)
		touchedPages[pageID] = true
		revisionsScraped += int64(len(revisions))
	}

	for _, pageID := range changeSet.ModifiedPageIDs {
		if ctx.Err() != nil {
			return o.interrupted(ctx, runID, result)
		}
		reportStep()

		existingLatest, errE := o.Store.Revisions().GetLatestRevision(ctx, pageID)
		if errE != nil {
			o.recordFailure(ctx, runID, pageID, errE, result)
			continue
		}

		var sinceTime *time.Time
		if existingLatest != nil {
			t := existingLatest.Timestamp
			sinceTime = &t
		}

		newRevisions, errE := revscraper.Scrape(ctx, o.Client, o.RetryConfig, pageID, sinceTime)
		if errE != nil {
			o.recordFailure(ctx, runID, pageID, errE, result)
			continue
		}

		page, errE := o.Store.Pages().GetPage(ctx, pageID)
		if errE != nil {
			o.recordFailure(ctx, runID, pageID, errE, result)
			continue
		}
		if page == nil {
			// recentchanges reported an edit for a page we never discovered;
			// treat it like a new page instead of failing outright.
			descriptor, errE := o.Client.FetchPageByID(ctx, pageID)
			if errE != nil {
				o.recordFailure(ctx, runID, pageID, errE, result)
				continue
			}
			page = &store.Page{PageID: pageID, Namespace: descriptor.Namespace, Title: descriptor.Title, IsRedirect: descriptor.IsRedirect}
		}

		var extractedLinks []store.Link
		if latest := latestRevision(newRevisions); latest != nil {
			extractedLinks = links.Extract(latest.Content)
			fileTargets = collectFileTargets(extractedLinks, fileTargets, seenFiles)
		} else if existingLatest != nil {
			extractedLinks = links.Extract(existingLatest.Content)
			fileTargets = collectFileTargets(extractedLinks, fileTargets, seenFiles)
		}

		if errE := o.Store.CommitPageRevisions(ctx, *page, newRevisions, extractedLinks); errE != nil {
			o.recordFailure(ctx, runID, pageID, errE, result)
			continue
		}

		o.markSuccess(ctx, runID, pageID, newRevisions, result)
		touchedPages[pageID] = true
		revisionsScraped += int64(len(newRevisions))
	}

	for _, moved := range changeSet.Moved {
		if ctx.Err() != nil {
			return o.interrupted(ctx, runID, result)
		}
		reportStep()

		if errE := o.Store.Pages().RenamePage(ctx, moved.PageID, moved.NewNamespace, moved.NewTitle); errE != nil {
			o.recordFailure(ctx, runID, moved.PageID, errE, result)
			continue
		}
		touchedPages[moved.PageID] = true

		// A move wins the collapse over an edit of the same page within
		// the window, so a moved page may also carry new revisions; fetch
		// them here the same way the modified bucket would, then refresh
		// its links against whatever content is newest.
		existingLatest, errE := o.Store.Revisions().GetLatestRevision(ctx, moved.PageID)
		if errE != nil {
			o.recordFailure(ctx, runID, moved.PageID, errE, result)
			continue
		}
		var sinceTime *time.Time
		if existingLatest != nil {
			t := existingLatest.Timestamp
			sinceTime = &t
		}

		newRevisions, errE := revscraper.Scrape(ctx, o.Client, o.RetryConfig, moved.PageID, sinceTime)
		if errE != nil {
			o.recordFailure(ctx, runID, moved.PageID, errE, result)
			continue
		}

		var extractedLinks []store.Link
		if latest := latestRevision(newRevisions); latest != nil {
			extractedLinks = links.Extract(latest.Content)
			fileTargets = collectFileTargets(extractedLinks, fileTargets, seenFiles)
		} else if existingLatest != nil {
			extractedLinks = links.Extract(existingLatest.Content)
			fileTargets = collectFileTargets(extractedLinks, fileTargets, seenFiles)
		}

		if len(newRevisions) > 0 {
			if errE := o.Store.Revisions().InsertRevisionsBatch(ctx, newRevisions); errE != nil {
				o.recordFailure(ctx, runID, moved.PageID, errE, result)
				continue
			}
		}
		if errE := o.Store.Links().ReplaceLinksForPage(ctx, moved.PageID, extractedLinks); errE != nil {
			o.recordFailure(ctx, runID, moved.PageID, errE, result)
			continue
		}

		o.markSuccess(ctx, runID, moved.PageID, newRevisions, result)
		revisionsScraped += int64(len(newRevisions))
	}

	for _, pageID := range changeSet.DeletedPageIDs {
		if ctx.Err() != nil {
			return o.interrupted(ctx, runID, result)
		}
		reportStep()

		if errE := o.Store.Pages().DeletePage(ctx, pageID); errE != nil {
			o.recordFailure(ctx, runID, pageID, errE, result)
			continue
		}
		touchedPages[pageID] = true
	}

	filesDownloaded, errE := o.runFiles(ctx, fileTargets, reporter)
	if errE != nil {
		if isCancellation(errE) {
			return o.interrupted(ctx, runID, result)
		}
		return finishRun(ctx, o.Store, nil, runID, store.RunStatusFailed, result, 1, o.FailureThreshold)
	}

	result.RevisionsScraped = revisionsScraped
	result.FilesDownloaded = filesDownloaded
	result.PagesScraped = int64(len(touchedPages))

	fraction := failureFraction(len(result.FailedPageIDs), total)
	return finishRun(ctx, o.Store, nil, runID, store.RunStatusCompleted, result, fraction, o.FailureThreshold)
}

func (o *IncrementalOrchestrator) interrupted(ctx context.Context, runID string, result *RunResult) (*RunResult, errors.E) {
	msg := "run interrupted"
	// ctx is already cancelled here; recording the terminal status must
	// not be cancelled with it.
	if errE := o.Store.ScrapeRuns().FinishRun(context.WithoutCancel(ctx), runID, store.RunStatusInterrupted, result.PagesScraped, result.RevisionsScraped, result.FilesDownloaded, &msg); errE != nil {
		return result, errE
	}
	result.Status = store.RunStatusInterrupted
	return result, nil
}

func (o *IncrementalOrchestrator) recordFailure(ctx context.Context, runID string, pageID int64, errE errors.E, result *RunResult) {
	o.Logger.Warn().Err(errE).Int64("page_id", pageID).Msg("incremental page update failed")
	if markErr := o.Store.PageRunStatuses().MarkFailed(ctx, pageID, runID, errE.Error()); markErr != nil {
		o.Logger.Error().Err(markErr).Int64("page_id", pageID).Msg("failed to record page failure")
	}
	result.recordPageFailure(pageID, errE.Error())
}

func (o *IncrementalOrchestrator) markSuccess(ctx context.Context, runID string, pageID int64, revisions []store.Revision, result *RunResult) {
	var lastRevisionID *int64
	if latest := latestRevision(revisions); latest != nil {
		id := latest.RevisionID
		lastRevisionID = &id
	}
	if errE := o.Store.PageRunStatuses().MarkSuccess(ctx, pageID, runID, lastRevisionID); errE != nil {
		o.recordFailure(ctx, runID, pageID, errE, result)
	}
}

func (o *IncrementalOrchestrator) runFiles(ctx context.Context, filenames []string, reporter *progress.Reporter) (int64, errors.E) {
	scraper := &filescraper.Scraper{
		Client:      o.Client,
		HTTP:        o.HTTP,
		Files:       o.Store.Files(),
		DataDir:     o.DataDir,
		RetryConfig: o.RetryConfig,
		Progress:    reporter.Report,
	}

	var downloaded int64
	for _, filename := range filenames {
		if ctx.Err() != nil {
			return downloaded, errors.WithStack(ctx.Err())
		}

		didDownload, errE := scraper.Fetch(ctx, filename)
		if errE != nil {
			o.Logger.Warn().Err(errE).Str("filename", filename).Msg("file scrape failed")
			continue
		}
		if didDownload {
			downloaded++
		}
	}

	return downloaded, nil
}
