// Package discovery streams every page of a namespace from the API
// client, tolerating a per-namespace failure by continuing with whatever
// namespaces remain and reporting the failed ones to the caller instead
// of aborting the whole pass.
package discovery

import (
	"context"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchive/archiver/internal/mwapi"
)

// Discover lists every page in each of namespaces, delivering page
// descriptors to output as soon as each API page of results arrives. A
// namespace whose listing fails is logged and skipped; remaining
// namespaces are still attempted. It returns the namespaces that failed
// completely. The run is only considered a failure when every requested
// namespace fails: callers should treat a non-nil error from Discover as
// fatal to the whole run, and a non-empty failed slice with a nil error as
// a partial, tolerable failure to record against the ScrapeRun.
//
// Discover does not close output; the caller owns the channel's lifetime,
// since it may be shared with other discovery calls or consumed
// concurrently by the orchestrator.
func Discover(ctx context.Context, client *mwapi.Client, namespaces []int, logger zerolog.Logger, output chan<- mwapi.PageDescriptor) ([]int, errors.E) {
	var failed []int

	for _, namespace := range namespaces {
		errE := client.ListPages(ctx, namespace, output)
		if errE == nil {
			continue
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			// Cancellation is not a per-namespace failure: stop immediately
			// rather than attempting the remaining namespaces against a
			// dead context.
			return failed, errors.WithStack(ctxErr)
		}

		logger.Warn().Err(errE).Int("namespace", namespace).Msg("namespace discovery failed, continuing with remaining namespaces")
		failed = append(failed, namespace)
	}

	if len(namespaces) > 0 && len(failed) == len(namespaces) {
		errE := errors.Errorf("discovery failed for all %d requested namespaces", len(namespaces))
		errors.Details(errE)["namespaces"] = namespaces
		return failed, errE
	}

	return failed, nil
}
