// Package revscraper pulls every revision of a page (or only those after
// a checkpointed cutoff) through the retry engine and converts the API's
// wire shape into storage rows. The wiki's reported sha1 is validated
// against the digest recomputed from the fetched content, not merely
// carried through unchecked.
//
// Pagination lives in internal/mwapi's FetchRevisions continuation loop;
// this package adds only retry and conversion.
package revscraper

import (
	"context"
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"regexp"
	"time"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchive/archiver/internal/mwapi"
	"gitlab.com/wikiarchive/archiver/internal/retry"
	"gitlab.com/wikiarchive/archiver/internal/store"
)

// hexSHA1 matches a lowercase-hex sha1 digest, the shape this pipeline
// stores and compares against. MediaWiki installations vary in whether
// revisions[].sha1 is reported at all or in a different encoding; when it
// isn't a comparable hex digest, we trust our own recomputation rather
// than rejecting the revision.
var hexSHA1 = regexp.MustCompile(`^[0-9a-f]{40}$`)

// ErrContentDigestMismatch is returned when the wiki's reported sha1, once
// it is in a comparable hex form, disagrees with the digest recomputed
// from the fetched content. A revision failing this check is reported as
// a per-page failure rather than stored with a divergent pair.
var ErrContentDigestMismatch = errors.Base("revision content does not match its reported sha1")

// Scrape fetches pageID's revisions (all of them, or only those strictly
// after since), retried as a whole, since the API returns the full
// continuation-paginated set in one logical operation. The scraper never
// partially commits: its result is handed to the orchestrator whole, for
// one atomic batch insert.
func Scrape(ctx context.Context, client *mwapi.Client, retryConfig retry.Config, pageID int64, since *time.Time) ([]store.Revision, errors.E) {
	var fetched []mwapi.Revision

	errE := retry.Do(ctx, retryConfig, func(ctx context.Context) errors.E {
		revisions, errE := client.FetchRevisions(ctx, pageID, since)
		if errE != nil {
			return errE
		}
		fetched = revisions
		return nil
	})
	if errE != nil {
		return nil, errE
	}

	revisions := make([]store.Revision, 0, len(fetched))
	for _, rev := range fetched {
		converted, errE := convert(pageID, rev)
		if errE != nil {
			return nil, errE
		}
		revisions = append(revisions, converted)
	}

	return revisions, nil
}

// ErrEmptyRevisionBody is returned when a revision claims a nonzero size
// but its body field carries no content, the shape of the historical bug
// where content was read from a summary field instead of the body.
var ErrEmptyRevisionBody = errors.Base("revision body is empty despite nonzero size")

func convert(pageID int64, rev mwapi.Revision) (store.Revision, errors.E) {
	content := rev.Content()

	if rev.Size > 0 && content == "" {
		errE := errors.WithStack(ErrEmptyRevisionBody)
		errors.Details(errE)["page_id"] = pageID
		errors.Details(errE)["revision_id"] = rev.RevisionID
		errors.Details(errE)["size"] = rev.Size
		return store.Revision{}, errE
	}

	sum := sha1.Sum([]byte(content)) //nolint:gosec
	digest := hex.EncodeToString(sum[:])

	if reported := rev.SHA1; reported != "" && hexSHA1.MatchString(reported) && reported != digest {
		errE := errors.WithStack(ErrContentDigestMismatch)
		errors.Details(errE)["page_id"] = pageID
		errors.Details(errE)["revision_id"] = rev.RevisionID
		errors.Details(errE)["reported_sha1"] = reported
		errors.Details(errE)["computed_sha1"] = digest
		return store.Revision{}, errE
	}

	revision := store.Revision{
		RevisionID: rev.RevisionID,
		PageID:     pageID,
		Timestamp:  rev.Timestamp,
		Content:    content,
		Size:       rev.Size,
		SHA1:       digest,
		Minor:      rev.Minor,
		Tags:       rev.Tags,
	}

	if rev.ParentID != 0 {
		parentID := rev.ParentID
		revision.ParentID = &parentID
	}
	if !rev.Anonymous && rev.UserID != 0 {
		userID := rev.UserID
		revision.UserID = &userID
	}
	if !rev.Anonymous && rev.User != "" {
		user := rev.User
		revision.User = &user
	}
	if rev.Comment != "" {
		comment := rev.Comment
		revision.Comment = &comment
	}

	return revision, nil
}
