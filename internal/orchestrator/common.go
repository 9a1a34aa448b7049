package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchive/archiver/internal/mwapi"
	"gitlab.com/wikiarchive/archiver/internal/store"
)

// ErrRunInProgress is returned when another scrape run is still in the
// running state against the same database. A crashed run that never
// reached a terminal state also triggers this; the operator resolves it
// with force.
var ErrRunInProgress = errors.Base("another scrape run is in progress against this database")

// ensureNoRunningRun enforces mutual exclusion between orchestrators
// sharing one database, unless force is set.
func ensureNoRunningRun(ctx context.Context, st *store.Store, force bool) errors.E {
	if force {
		return nil
	}
	running, errE := st.ScrapeRuns().RunningRun(ctx)
	if errE != nil {
		return errE
	}
	if running != nil {
		errE := errors.WithStack(ErrRunInProgress)
		errors.Details(errE)["run_id"] = running.RunID
		return errE
	}
	return nil
}

// isCancellation reports whether errE is (or wraps) context cancellation,
// which both orchestrators treat as an interruption rather than a run
// failure: the checkpoint is preserved so the next invocation resumes
// instead of starting over.
func isCancellation(errE errors.E) bool {
	return errors.Is(errE, context.Canceled) || errors.Is(errE, context.DeadlineExceeded)
}

// failureFraction computes the failed/total ratio used against the
// configured failure threshold.
func failureFraction(failed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// finishRun marks runID terminal. When failedFraction exceeds threshold
// the status becomes failed and an error message naming the fraction is
// recorded; otherwise no error message is stored. The checkpoint is
// deleted only on a completed run.
func finishRun(ctx context.Context, st *store.Store, checkpointDelete func() errors.E, runID string, status store.RunStatus, result *RunResult, failedFraction float64, threshold float64) (*RunResult, errors.E) {
	var errorMessage *string
	if failedFraction > threshold {
		status = store.RunStatusFailed
		msg := fmt.Sprintf("failure fraction %.3f exceeds threshold %.3f", failedFraction, threshold)
		errorMessage = &msg
	}

	if errE := st.ScrapeRuns().FinishRun(ctx, runID, status, result.PagesScraped, result.RevisionsScraped, result.FilesDownloaded, errorMessage); errE != nil {
		return result, errE
	}

	result.Status = status

	if status == store.RunStatusCompleted && checkpointDelete != nil {
		if errE := checkpointDelete(); errE != nil {
			return result, errE
		}
	}

	return result, nil
}

// collectFileTargets appends every link.file target in links to targets,
// deduplicated against seen, so the file pass at the end of a run never
// processes the same filename twice.
func collectFileTargets(links []store.Link, targets []string, seen map[string]bool) []string {
	for _, link := range links {
		if link.LinkType != store.LinkFile {
			continue
		}
		if seen[link.TargetTitle] {
			continue
		}
		seen[link.TargetTitle] = true
		targets = append(targets, link.TargetTitle)
	}
	return targets
}

// latestRevision returns the revision with the highest revision id among
// revisions, or nil if empty. Revisions arrive oldest first, but a caller
// must not assume that, since the Incremental Orchestrator may hand it a
// single-element slice out of order during a retry.
func latestRevision(revisions []store.Revision) *store.Revision {
	if len(revisions) == 0 {
		return nil
	}
	latest := revisions[0]
	for _, revision := range revisions[1:] {
		if revision.RevisionID > latest.RevisionID {
			latest = revision
		}
	}
	return &latest
}

func toStorePage(descriptor mwapi.PageDescriptor) store.Page {
	return store.Page{
		PageID:     descriptor.PageID,
		Namespace:  descriptor.Namespace,
		Title:      descriptor.Title,
		IsRedirect: descriptor.IsRedirect,
	}
}

// logNamespaceFailure is shared logging for a namespace that failed
// discovery, keeping the full and incremental paths' log lines consistent.
func logNamespaceFailure(logger zerolog.Logger, namespace int, errE errors.E) {
	logger.Warn().Err(errE).Int("namespace", namespace).Msg("namespace discovery failed, continuing with remaining namespaces")
}
