package store

import (
	"context"
	"database/sql"
	"time"

	"gitlab.com/tozd/go/errors"
)

// PageRepository stores page rows.
type PageRepository struct {
	store *Store
}

// UpsertPage creates or updates a page by page_id, preserving created_at
// and bumping updated_at only when namespace, title or redirect flag
// change; an unchanged page is left untouched.
func (r *PageRepository) UpsertPage(ctx context.Context, page Page) errors.E {
	return RetryTransaction(ctx, r.store.DB, func(ctx context.Context, tx *sql.Tx) errors.E {
		return r.upsertOne(ctx, tx, page)
	})
}

func (r *PageRepository) upsertOne(ctx context.Context, tx *sql.Tx, page Page) errors.E {
	now := formatTime(time.Now())

	existing, errE := r.getPageTx(ctx, tx, page.PageID)
	if errE != nil {
		return errE
	}

	if existing != nil {
		// A re-scrape of an unchanged page must not bump updated_at:
		// re-running a full scrape over an unchanged wiki leaves every
		// unchanged row bitwise identical.
		if existing.Namespace == page.Namespace && existing.Title == page.Title && existing.IsRedirect == page.IsRedirect {
			return nil
		}
		_, err := tx.ExecContext(ctx, r.store.bind(`
			UPDATE pages SET namespace = ?, title = ?, is_redirect = ?, updated_at = ? WHERE page_id = ?
		`), page.Namespace, page.Title, boolToInt(page.IsRedirect), now, page.PageID)
		if err != nil {
			return classifyStorageError(err)
		}
		return nil
	}

	_, err := tx.ExecContext(ctx, r.store.bind(`
		INSERT INTO pages (page_id, namespace, title, is_redirect, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
	`), page.PageID, page.Namespace, page.Title, boolToInt(page.IsRedirect), now, now)
	if err != nil {
		return classifyStorageError(err)
	}
	return nil
}

// UpsertPagesBatch upserts every page atomically: all or none. A
// duplicate (namespace, title) claimed by a different page_id within the
// batch or against an existing row is an error.
func (r *PageRepository) UpsertPagesBatch(ctx context.Context, pages []Page) errors.E {
	return RetryTransaction(ctx, r.store.DB, func(ctx context.Context, tx *sql.Tx) errors.E {
		for _, page := range pages {
			conflict, errE := r.getPageByTitleTx(ctx, tx, page.Namespace, page.Title)
			if errE != nil {
				return errE
			}
			if conflict != nil && conflict.PageID != page.PageID {
				return errors.Errorf("namespace %d title %q already belongs to page %d", page.Namespace, page.Title, conflict.PageID)
			}
			if errE := r.upsertOne(ctx, tx, page); errE != nil {
				return errE
			}
		}
		return nil
	})
}

// GetPage looks up a page by page_id, returning nil if it is not
// present.
func (r *PageRepository) GetPage(ctx context.Context, pageID int64) (*Page, errors.E) {
	row := r.store.DB.QueryRowContext(ctx, r.store.bind(`
		SELECT page_id, namespace, title, is_redirect, created_at, updated_at FROM pages WHERE page_id = ?
	`), pageID)
	return scanPage(row)
}

func (r *PageRepository) getPageTx(ctx context.Context, tx *sql.Tx, pageID int64) (*Page, errors.E) {
	row := tx.QueryRowContext(ctx, r.store.bind(`
		SELECT page_id, namespace, title, is_redirect, created_at, updated_at FROM pages WHERE page_id = ?
	`), pageID)
	return scanPage(row)
}

// GetPageByTitle looks up a page by its (namespace, title) pair.
func (r *PageRepository) GetPageByTitle(ctx context.Context, namespace int, title string) (*Page, errors.E) {
	row := r.store.DB.QueryRowContext(ctx, r.store.bind(`
		SELECT page_id, namespace, title, is_redirect, created_at, updated_at FROM pages WHERE namespace = ? AND title = ?
	`), namespace, title)
	return scanPage(row)
}

func (r *PageRepository) getPageByTitleTx(ctx context.Context, tx *sql.Tx, namespace int, title string) (*Page, errors.E) {
	row := tx.QueryRowContext(ctx, r.store.bind(`
		SELECT page_id, namespace, title, is_redirect, created_at, updated_at FROM pages WHERE namespace = ? AND title = ?
	`), namespace, title)
	return scanPage(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanPage reads one page row. A missing row is (nil, nil), not an
// error, matching the other repositories' lookup convention.
func scanPage(row rowScanner) (*Page, errors.E) {
	var page Page
	var isRedirect int
	var createdAt, updatedAt string
	err := row.Scan(&page.PageID, &page.Namespace, &page.Title, &isRedirect, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil //nolint:nilnil
		}
		return nil, errors.WithStack(err)
	}
	page.IsRedirect = isRedirect != 0
	page.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	page.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &page, nil
}

// RenamePage atomically swaps a page's namespace and title. It fails if
// the target (namespace, title) already belongs to another page.
func (r *PageRepository) RenamePage(ctx context.Context, pageID int64, newNamespace int, newTitle string) errors.E {
	return RetryTransaction(ctx, r.store.DB, func(ctx context.Context, tx *sql.Tx) errors.E {
		conflict, errE := r.getPageByTitleTx(ctx, tx, newNamespace, newTitle)
		if errE != nil {
			return errE
		}
		if conflict != nil && conflict.PageID != pageID {
			return errors.Errorf("namespace %d title %q already belongs to page %d", newNamespace, newTitle, conflict.PageID)
		}

		_, err := tx.ExecContext(ctx, r.store.bind(`
			UPDATE pages SET namespace = ?, title = ?, updated_at = ? WHERE page_id = ?
		`), newNamespace, newTitle, formatTime(time.Now()), pageID)
		if err != nil {
			return classifyStorageError(err)
		}
		return nil
	})
}

// DeletePage removes a page, cascading to its revisions, links, and
// per-run statuses via the schema's foreign keys.
func (r *PageRepository) DeletePage(ctx context.Context, pageID int64) errors.E {
	return RetryTransaction(ctx, r.store.DB, func(ctx context.Context, tx *sql.Tx) errors.E {
		_, err := tx.ExecContext(ctx, r.store.bind(`DELETE FROM pages WHERE page_id = ?`), pageID)
		if err != nil {
			return classifyStorageError(err)
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
