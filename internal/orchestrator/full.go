package orchestrator

import (
	"context"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"gitlab.com/wikiarchive/archiver/internal/checkpoint"
	"gitlab.com/wikiarchive/archiver/internal/discovery"
	"gitlab.com/wikiarchive/archiver/internal/filescraper"
	"gitlab.com/wikiarchive/archiver/internal/links"
	"gitlab.com/wikiarchive/archiver/internal/mwapi"
	"gitlab.com/wikiarchive/archiver/internal/progress"
	"gitlab.com/wikiarchive/archiver/internal/retry"
	"gitlab.com/wikiarchive/archiver/internal/revscraper"
	"gitlab.com/wikiarchive/archiver/internal/store"
)

// FullOrchestrator runs a complete discover-everything scrape: every
// page of every configured namespace, every revision of
// every page, and every file those revisions link to, checkpointed so it
// can resume after an interruption instead of restarting from nothing.
type FullOrchestrator struct {
	Store            *store.Store
	Client           *mwapi.Client
	HTTP             *retryablehttp.Client
	Checkpoint       *checkpoint.Store
	Logger           zerolog.Logger
	Namespaces       []int
	RateLimit        float64
	DataDir          string
	RetryConfig      retry.Config
	FailureThreshold float64
	DryRun           bool
	Force            bool
	Progress         progress.Func
}

// Run executes one full scrape. ctx cancellation is treated as an
// interruption: the checkpoint is preserved and Run returns a result with
// RunStatusInterrupted rather than an error, so a caller driving a signal
// handler doesn't have to distinguish "clean stop" from "crash" itself.
func (o *FullOrchestrator) Run(ctx context.Context) (*RunResult, errors.E) {
	reporter := progress.NewReporter(o.Progress)
	defer reporter.Stop()

	fingerprint := checkpoint.Fingerprint(checkpoint.Config{
		Namespaces: o.Namespaces,
		RateLimit:  o.RateLimit,
		Mode:       "full",
	})

	doc, errE := o.Checkpoint.Load()
	if errE != nil {
		o.Logger.Warn().Err(errE).Msg("checkpoint could not be loaded, starting a fresh run")
		doc = nil
	}

	if doc == nil || o.Force || doc.Fingerprint != fingerprint || doc.RunMode != "full" {
		doc = &checkpoint.Document{
			Fingerprint: fingerprint,
			RunMode:     "full",
			Namespaces:  o.Namespaces,
		}
	}

	if o.DryRun {
		return o.dryRunPreview(ctx, doc)
	}

	if errE := ensureNoRunningRun(ctx, o.Store, o.Force); errE != nil {
		return nil, errE
	}

	runID, errE := o.Store.ScrapeRuns().BeginRun(ctx)
	if errE != nil {
		return nil, errE
	}
	result := &RunResult{RunID: runID}

	var totalPages int
	var fileTargets []string
	seenFiles := map[string]bool{}

	var pending []int
	for _, ns := range o.Namespaces {
		if !doc.IsNamespaceComplete(ns) {
			pending = append(pending, ns)
		}
	}

	for _, ns := range pending {
		if ctx.Err() != nil {
			return o.interrupted(ctx, runID, result)
		}

		// A namespace is only marked complete once every one of its pages
		// has been both discovered and revision-scraped: marking it after
		// discovery alone would mean a crash before the revision pass ever
		// ran for this namespace makes it look done on resume, permanently
		// skipping its revisions.
		pages, errE := o.discoverNamespace(ctx, ns, reporter)
		if errE != nil {
			if isCancellation(errE) {
				return o.interrupted(ctx, runID, result)
			}
			result.FailedNamespaces = append(result.FailedNamespaces, ns)
			continue
		}
		totalPages += len(pages)

		current := ns
		doc.CurrentNamespace = &current
		if errE := o.Checkpoint.Save(doc); errE != nil {
			return result, errE
		}

		failedBefore := len(result.FailedPageIDs)
		revisionsScraped, targets, errE := o.runRevisions(ctx, runID, doc, pages, reporter, seenFiles, result)
		result.RevisionsScraped += revisionsScraped
		fileTargets = append(fileTargets, targets...)
		if errE != nil {
			if isCancellation(errE) {
				return o.interrupted(ctx, runID, result)
			}
			return finishRun(ctx, o.Store, nil, runID, store.RunStatusFailed, result, 1, o.FailureThreshold)
		}

		// A namespace with failed pages stays pending in the checkpoint so
		// a resumed run retries those pages; its completed ones are already
		// recorded individually and will be skipped.
		if len(result.FailedPageIDs) == failedBefore {
			if errE := o.Checkpoint.MarkNamespaceComplete(doc, ns); errE != nil {
				return result, errE
			}
		}
	}

	if len(pending) > 0 && len(result.FailedNamespaces) == len(pending) {
		return finishRun(ctx, o.Store, nil, runID, store.RunStatusFailed, result, 1, o.FailureThreshold)
	}

	filesDownloaded, errE := o.runFiles(ctx, fileTargets, reporter)
	result.FilesDownloaded = filesDownloaded
	if errE != nil {
		if isCancellation(errE) {
			return o.interrupted(ctx, runID, result)
		}
		return finishRun(ctx, o.Store, nil, runID, store.RunStatusFailed, result, 1, o.FailureThreshold)
	}

	result.PagesScraped = int64(totalPages - len(result.FailedPageIDs))

	fraction := failureFraction(len(result.FailedPageIDs), totalPages)
	return finishRun(ctx, o.Store, o.Checkpoint.Delete, runID, store.RunStatusCompleted, result, fraction, o.FailureThreshold)
}

func (o *FullOrchestrator) interrupted(ctx context.Context, runID string, result *RunResult) (*RunResult, errors.E) {
	msg := "run interrupted"
	// ctx is already cancelled here; recording the terminal status must
	// not be cancelled with it.
	if errE := o.Store.ScrapeRuns().FinishRun(context.WithoutCancel(ctx), runID, store.RunStatusInterrupted, result.PagesScraped, result.RevisionsScraped, result.FilesDownloaded, &msg); errE != nil {
		return result, errE
	}
	result.Status = store.RunStatusInterrupted
	return result, nil
}

// discoverNamespace lists every page of namespace ns and upserts them in
// one batch. The caller does not mark ns complete in the checkpoint until
// its pages have also been revision-scraped, so a crash between discovery
// and the revision pass does not make a half-scraped namespace look done.
func (o *FullOrchestrator) discoverNamespace(ctx context.Context, ns int, reporter *progress.Reporter) ([]mwapi.PageDescriptor, errors.E) {
	output := make(chan mwapi.PageDescriptor, mwapi.APILimit)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(output)
		_, errE := discovery.Discover(gctx, o.Client, []int{ns}, o.Logger, output)
		return errE
	})

	var nsPages []store.Page
	var descriptors []mwapi.PageDescriptor
	for page := range output {
		descriptors = append(descriptors, page)
		nsPages = append(nsPages, toStorePage(page))
		reporter.Report(progress.StageDiscover, len(descriptors), 0)
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return descriptors, errors.WithStack(ctx.Err())
		}
		logNamespaceFailure(o.Logger, ns, errors.WithStack(err))
		return descriptors, errors.WithStack(err)
	}

	if len(nsPages) > 0 {
		if errE := o.Store.Pages().UpsertPagesBatch(ctx, nsPages); errE != nil {
			return descriptors, errE
		}
	}

	return descriptors, nil
}

// runRevisions scrapes every discovered page not already marked complete
// in doc, committing each page's revisions and extracted links atomically
// and recording per-page success/failure. It
// returns the file targets collected from every page's latest revision,
// for the file pass that follows; seenFiles dedups targets across the
// whole run, not just this namespace.
func (o *FullOrchestrator) runRevisions(ctx context.Context, runID string, doc *checkpoint.Document, pages []mwapi.PageDescriptor, reporter *progress.Reporter, seenFiles map[string]bool, result *RunResult) (int64, []string, errors.E) {
	var revisionsScraped int64
	var fileTargets []string

	for i, page := range pages {
		if ctx.Err() != nil {
			return revisionsScraped, fileTargets, errors.WithStack(ctx.Err())
		}

		if doc.IsPageComplete(page.PageID) {
			continue
		}

		reporter.Report(progress.StageScrape, i+1, len(pages))

		revisions, errE := revscraper.Scrape(ctx, o.Client, o.RetryConfig, page.PageID, nil)
		if errE != nil {
			o.Logger.Warn().Err(errE).Int64("page_id", page.PageID).Msg("revision scrape failed")
			if markErr := o.Store.PageRunStatuses().MarkFailed(ctx, page.PageID, runID, errE.Error()); markErr != nil {
				return revisionsScraped, fileTargets, markErr
			}
			result.recordPageFailure(page.PageID, errE.Error())
			continue
		}

		var extractedLinks []store.Link
		if latest := latestRevision(revisions); latest != nil {
			extractedLinks = links.Extract(latest.Content)
			fileTargets = collectFileTargets(extractedLinks, fileTargets, seenFiles)
		}

		if errE := o.Store.CommitPageRevisions(ctx, toStorePage(page), revisions, extractedLinks); errE != nil {
			o.Logger.Warn().Err(errE).Int64("page_id", page.PageID).Msg("commit failed")
			if markErr := o.Store.PageRunStatuses().MarkFailed(ctx, page.PageID, runID, errE.Error()); markErr != nil {
				return revisionsScraped, fileTargets, markErr
			}
			result.recordPageFailure(page.PageID, errE.Error())
			continue
		}

		var lastRevisionID *int64
		if latest := latestRevision(revisions); latest != nil {
			id := latest.RevisionID
			lastRevisionID = &id
		}
		if errE := o.Store.PageRunStatuses().MarkSuccess(ctx, page.PageID, runID, lastRevisionID); errE != nil {
			return revisionsScraped, fileTargets, errE
		}
		doc.Stats.PagesScraped++
		doc.Stats.RevisionsScraped += int64(len(revisions))
		if errE := o.Checkpoint.MarkPageComplete(doc, page.PageID); errE != nil {
			return revisionsScraped, fileTargets, errE
		}

		revisionsScraped += int64(len(revisions))
	}

	return revisionsScraped, fileTargets, nil
}

// runFiles fetches metadata (and bytes, when changed) for every filename
// collected from the revision pass's links, tolerating individual file
// failures since a missing file is not fatal to the run.
func (o *FullOrchestrator) runFiles(ctx context.Context, filenames []string, reporter *progress.Reporter) (int64, errors.E) {
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

// dryRunPreview discovers pages without writing anything to storage or the
// checkpoint, reporting only how many pages would be scraped.
func (o *FullOrchestrator) dryRunPreview(ctx context.Context, doc *checkpoint.Document) (*RunResult, errors.E) {
	var pending []int
	for _, ns := range o.Namespaces {
		if !doc.IsNamespaceComplete(ns) {
			pending = append(pending, ns)
		}
	}

	var total int64
	for _, ns := range pending {
		output := make(chan mwapi.PageDescriptor, mwapi.APILimit)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer close(output)
			_, errE := discovery.Discover(gctx, o.Client, []int{ns}, o.Logger, output)
			return errE
		})

		for range output {
			total++
		}

		if err := g.Wait(); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	return &RunResult{Status: store.RunStatusCompleted, PagesScraped: total}, nil
}
