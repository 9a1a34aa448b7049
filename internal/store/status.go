package store

import (
	"context"
	"database/sql"
	"time"

	"gitlab.com/tozd/go/errors"
)

// PageRunStatusRepository stores PageRunStatus rows: per-page resume
// granularity and failure reporting within one ScrapeRun.
type PageRunStatusRepository struct {
	store *Store
}

// MarkPending records that pageID's processing within runID has started.
func (r *PageRunStatusRepository) MarkPending(ctx context.Context, pageID int64, runID string) errors.E {
	return r.upsert(ctx, PageRunStatus{PageID: pageID, RunID: runID, Status: PageStatusPending})
}

// MarkSuccess records that pageID completed successfully within runID,
// noting the last revision id seen so the next incremental run knows
// where to resume from.
func (r *PageRunStatusRepository) MarkSuccess(ctx context.Context, pageID int64, runID string, lastRevisionID *int64) errors.E {
	now := time.Now()
	return r.upsert(ctx, PageRunStatus{
		PageID: pageID, RunID: runID, Status: PageStatusSuccess,
		LastRevisionID: lastRevisionID, ScrapedAt: &now,
	})
}

// MarkFailed records that pageID failed within runID, carrying the
// failure's message so the run summary can report it.
func (r *PageRunStatusRepository) MarkFailed(ctx context.Context, pageID int64, runID string, errorMessage string) errors.E {
	now := time.Now()
	return r.upsert(ctx, PageRunStatus{
		PageID: pageID, RunID: runID, Status: PageStatusFailed,
		ErrorMessage: &errorMessage, ScrapedAt: &now,
	})
}

func (r *PageRunStatusRepository) upsert(ctx context.Context, status PageRunStatus) errors.E {
	var scrapedAt *string
	if status.ScrapedAt != nil {
		formatted := formatTime(*status.ScrapedAt)
		scrapedAt = &formatted
	}

	return RetryTransaction(ctx, r.store.DB, func(ctx context.Context, tx *sql.Tx) errors.E {
		_, err := tx.ExecContext(ctx, r.store.bind(`
			INSERT INTO scrape_page_status (page_id, run_id, status, last_revision_id, error_message, scraped_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (page_id, run_id) DO UPDATE SET
				status = excluded.status, last_revision_id = excluded.last_revision_id,
				error_message = excluded.error_message, scraped_at = excluded.scraped_at
		`), status.PageID, status.RunID, string(status.Status), status.LastRevisionID, status.ErrorMessage, scrapedAt)
		if err != nil {
			return classifyStorageError(err)
		}
		return nil
	})
}

// CountByStatus returns how many pages within runID have the given
// status, used to compute the failure fraction against the threshold.
func (r *PageRunStatusRepository) CountByStatus(ctx context.Context, runID string, status PageStatus) (int64, errors.E) {
	var count int64
	err := r.store.DB.QueryRowContext(ctx, r.store.bind(`
		SELECT COUNT(*) FROM scrape_page_status WHERE run_id = ? AND status = ?
	`), runID, string(status)).Scan(&count)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return count, nil
}

// FailedPageIDs returns the page IDs that failed within runID, for the
// run result's failure list.
func (r *PageRunStatusRepository) FailedPageIDs(ctx context.Context, runID string) ([]int64, errors.E) {
	rows, err := r.store.DB.QueryContext(ctx, r.store.bind(`
		SELECT page_id FROM scrape_page_status WHERE run_id = ? AND status = ?
	`), runID, string(PageStatusFailed))
	if err != nil {
		return nil, classifyStorageError(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.WithStack(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	return ids, nil
}

// IsPageComplete reports whether pageID already has a success row within
// runID, the full orchestrator's per-page resume check.
func (r *PageRunStatusRepository) IsPageComplete(ctx context.Context, pageID int64, runID string) (bool, errors.E) {
	var count int
	err := r.store.DB.QueryRowContext(ctx, r.store.bind(`
		SELECT COUNT(*) FROM scrape_page_status WHERE page_id = ? AND run_id = ? AND status = ?
	`), pageID, runID, string(PageStatusSuccess)).Scan(&count)
	if err != nil {
		return false, errors.WithStack(err)
	}
	return count > 0, nil
}
