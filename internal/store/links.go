package store

import (
	"context"
	"database/sql"

	"gitlab.com/tozd/go/errors"
)

// LinkRepository stores the outgoing-link rows of scraped pages.
type LinkRepository struct {
	store *Store
}

// ReplaceLinksForPage is atomic and total: it deletes every existing link
// row for pageID and inserts links within the same transaction, so an
// interruption mid-call leaves the prior link set intact rather than a
// partially replaced one.
func (r *LinkRepository) ReplaceLinksForPage(ctx context.Context, pageID int64, links []Link) errors.E {
	return RetryTransaction(ctx, r.store.DB, func(ctx context.Context, tx *sql.Tx) errors.E {
		if _, err := tx.ExecContext(ctx, r.store.bind(`DELETE FROM links WHERE source_page_id = ?`), pageID); err != nil {
			return classifyStorageError(err)
		}

		for _, link := range links {
			// The extractor deduplicates, but the uniqueness constraint is
			// on the caller's input too: a duplicate triple in links is
			// absorbed rather than failing the whole replacement.
			_, err := tx.ExecContext(ctx, r.store.bind(`
				INSERT INTO links (source_page_id, target_title, link_type) VALUES (?, ?, ?)
				ON CONFLICT (source_page_id, target_title, link_type) DO NOTHING
			`), pageID, link.TargetTitle, string(link.LinkType))
			if err != nil {
				return classifyStorageError(err)
			}
		}

		return nil
	})
}

// LinksFromPage returns every link whose source is pageID.
func (r *LinkRepository) LinksFromPage(ctx context.Context, pageID int64) ([]Link, errors.E) {
	rows, err := r.store.DB.QueryContext(ctx, r.store.bind(`
		SELECT source_page_id, target_title, link_type FROM links WHERE source_page_id = ?
	`), pageID)
	if err != nil {
		return nil, classifyStorageError(err)
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var link Link
		var linkType string
		if err := rows.Scan(&link.SourcePageID, &link.TargetTitle, &linkType); err != nil {
			return nil, errors.WithStack(err)
		}
		link.LinkType = LinkType(linkType)
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	return links, nil
}
