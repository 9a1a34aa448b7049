package store

import (
	"context"
	"database/sql"

	"gitlab.com/tozd/go/errors"
)

// CommitPageRevisions persists a page upsert, a batch of revisions, and
// a full link replacement within a single transaction, so a page's
// revisions and links always land together: an interruption mid-call
// must never leave a page updated with only some of its new revisions
// stored, or a stale link set sitting alongside fresh content.
func (s *Store) CommitPageRevisions(ctx context.Context, page Page, revisions []Revision, links []Link) errors.E {
	pages := &PageRepository{store: s}
	revisionsRepo := &RevisionRepository{store: s}

	return RetryTransaction(ctx, s.DB, func(ctx context.Context, tx *sql.Tx) errors.E {
		if errE := pages.upsertOne(ctx, tx, page); errE != nil {
			return errE
		}

		for _, revision := range revisions {
			if errE := revisionsRepo.insertOne(ctx, tx, revision); errE != nil {
				return errE
			}
		}

		if _, err := tx.ExecContext(ctx, s.bind(`DELETE FROM links WHERE source_page_id = ?`), page.PageID); err != nil {
			return classifyStorageError(err)
		}
		for _, link := range links {
			_, err := tx.ExecContext(ctx, s.bind(`
				INSERT INTO links (source_page_id, target_title, link_type) VALUES (?, ?, ?)
				ON CONFLICT (source_page_id, target_title, link_type) DO NOTHING
			`), page.PageID, link.TargetTitle, string(link.LinkType))
			if err != nil {
				return classifyStorageError(err)
			}
		}

		return nil
	})
}
