package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"
)

// ScrapeRunRepository stores ScrapeRun rows. run_id is a generated UUID
// rather than a dialect-specific auto-increment column, keeping the
// schema portable.
type ScrapeRunRepository struct {
	store *Store
}

// BeginRun creates a new ScrapeRun row in the running state and returns
// its generated run_id.
func (r *ScrapeRunRepository) BeginRun(ctx context.Context) (string, errors.E) {
	runID := uuid.NewString()
	return runID, RetryTransaction(ctx, r.store.DB, func(ctx context.Context, tx *sql.Tx) errors.E {
		_, err := tx.ExecContext(ctx, r.store.bind(`
			INSERT INTO scrape_runs (run_id, start_time, status) VALUES (?, ?, ?)
		`), runID, formatTime(time.Now()), string(RunStatusRunning))
		if err != nil {
			return classifyStorageError(err)
		}
		return nil
	})
}

// FinishRun moves a run to a terminal status, recording its end time,
// counters, and an optional error summary.
func (r *ScrapeRunRepository) FinishRun(ctx context.Context, runID string, status RunStatus, pagesScraped, revisionsScraped, filesDownloaded int64, errorMessage *string) errors.E {
	return RetryTransaction(ctx, r.store.DB, func(ctx context.Context, tx *sql.Tx) errors.E {
		_, err := tx.ExecContext(ctx, r.store.bind(`
			UPDATE scrape_runs SET end_time = ?, status = ?, pages_scraped = ?, revisions_scraped = ?, files_downloaded = ?, error_message = ?
			WHERE run_id = ?
		`), formatTime(time.Now()), string(status), pagesScraped, revisionsScraped, filesDownloaded, errorMessage, runID)
		if err != nil {
			return classifyStorageError(err)
		}
		return nil
	})
}

// RunningRun returns the most recent run still in the running state, or
// nil if none is. Full and incremental runs are mutually exclusive
// against the same database; orchestrators check this before beginning a
// run of their own.
func (r *ScrapeRunRepository) RunningRun(ctx context.Context) (*ScrapeRun, errors.E) {
	row := r.store.DB.QueryRowContext(ctx, r.store.bind(`
		SELECT run_id, start_time, end_time, status, pages_scraped, revisions_scraped, files_downloaded, error_message
		FROM scrape_runs WHERE status = ? ORDER BY start_time DESC LIMIT 1
	`), string(RunStatusRunning))

	run, errE := scanScrapeRun(row)
	if errE != nil {
		if errors.Is(errE, sql.ErrNoRows) {
			return nil, nil //nolint:nilnil
		}
		return nil, errE
	}
	return run, nil
}

// LastCompletedRun returns the most recent run with status=completed, or
// nil if none exists. The change detector's baseline lookup and the
// incremental orchestrator's first-run-requires-full precondition check
// both hinge on this.
func (r *ScrapeRunRepository) LastCompletedRun(ctx context.Context) (*ScrapeRun, errors.E) {
	row := r.store.DB.QueryRowContext(ctx, r.store.bind(`
		SELECT run_id, start_time, end_time, status, pages_scraped, revisions_scraped, files_downloaded, error_message
		FROM scrape_runs WHERE status = ? ORDER BY start_time DESC LIMIT 1
	`), string(RunStatusCompleted))

	run, errE := scanScrapeRun(row)
	if errE != nil {
		if errors.Is(errE, sql.ErrNoRows) {
			return nil, nil //nolint:nilnil
		}
		return nil, errE
	}
	return run, nil
}

func scanScrapeRun(row rowScanner) (*ScrapeRun, errors.E) {
	var run ScrapeRun
	var status string
	var startTime string
	var endTime sql.NullString
	err := row.Scan(&run.RunID, &startTime, &endTime, &status, &run.PagesScraped, &run.RevisionsScraped, &run.FilesDownloaded, &run.ErrorMessage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.WithStack(sql.ErrNoRows)
		}
		return nil, errors.WithStack(err)
	}
	run.Status = RunStatus(status)
	run.StartTime, err = parseTime(startTime)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if endTime.Valid {
		parsed, err := parseTime(endTime.String)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		run.EndTime = &parsed
	}
	return &run, nil
}
