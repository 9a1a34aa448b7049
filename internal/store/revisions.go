package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"gitlab.com/tozd/go/errors"
)

// RevisionRepository stores revision rows.
type RevisionRepository struct {
	store *Store
}

// InsertRevision is idempotent on revision_id: inserting the same
// revision twice is a no-op, never an error, which is central to the
// incremental orchestrator's correctness.
func (r *RevisionRepository) InsertRevision(ctx context.Context, revision Revision) errors.E {
	return RetryTransaction(ctx, r.store.DB, func(ctx context.Context, tx *sql.Tx) errors.E {
		return r.insertOne(ctx, tx, revision)
	})
}

func (r *RevisionRepository) insertOne(ctx context.Context, tx *sql.Tx, revision Revision) errors.E {
	var exists int
	err := tx.QueryRowContext(ctx, r.store.bind(`SELECT COUNT(*) FROM revisions WHERE revision_id = ?`), revision.RevisionID).Scan(&exists)
	if err != nil {
		return classifyStorageError(err)
	}
	if exists > 0 {
		return nil
	}

	tags, errE := encodeTags(revision.Tags)
	if errE != nil {
		return errE
	}

	_, err = tx.ExecContext(ctx, r.store.bind(`
		INSERT INTO revisions (revision_id, page_id, parent_id, timestamp, "user", user_id, comment, content, size, sha1, minor, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), revision.RevisionID, revision.PageID, revision.ParentID, formatTime(revision.Timestamp), revision.User,
		revision.UserID, revision.Comment, revision.Content, revision.Size, revision.SHA1, boolToInt(revision.Minor), tags)
	if err != nil {
		return classifyStorageError(err)
	}
	return nil
}

// InsertRevisionsBatch inserts every revision atomically, each one
// idempotent on revision_id per InsertRevision's contract.
func (r *RevisionRepository) InsertRevisionsBatch(ctx context.Context, revisions []Revision) errors.E {
	return RetryTransaction(ctx, r.store.DB, func(ctx context.Context, tx *sql.Tx) errors.E {
		for _, revision := range revisions {
			if errE := r.insertOne(ctx, tx, revision); errE != nil {
				return errE
			}
		}
		return nil
	})
}

// GetLatestRevision returns the newest revision of a page by timestamp,
// or nil if the page has no revisions yet.
func (r *RevisionRepository) GetLatestRevision(ctx context.Context, pageID int64) (*Revision, errors.E) {
	row := r.store.DB.QueryRowContext(ctx, r.store.bind(`
		SELECT revision_id, page_id, parent_id, timestamp, "user", user_id, comment, content, size, sha1, minor, tags
		FROM revisions WHERE page_id = ? ORDER BY timestamp DESC, revision_id DESC LIMIT 1
	`), pageID)
	revision, errE := scanRevision(row)
	if errE != nil {
		if errors.Is(errE, sql.ErrNoRows) {
			return nil, nil //nolint:nilnil
		}
		return nil, errE
	}
	return revision, nil
}

// GetRevisions returns every revision of a page, oldest first. When
// since is non-nil, only revisions strictly newer than it are returned.
func (r *RevisionRepository) GetRevisions(ctx context.Context, pageID int64, since *int64) ([]Revision, errors.E) {
	query := `
		SELECT revision_id, page_id, parent_id, timestamp, "user", user_id, comment, content, size, sha1, minor, tags
		FROM revisions WHERE page_id = ?
	`
	args := []interface{}{pageID}
	if since != nil {
		query += ` AND revision_id > ?`
		args = append(args, *since)
	}
	query += ` ORDER BY timestamp ASC, revision_id ASC`

	rows, err := r.store.DB.QueryContext(ctx, r.store.bind(query), args...)
	if err != nil {
		return nil, classifyStorageError(err)
	}
	defer rows.Close()

	var revisions []Revision
	for rows.Next() {
		revision, errE := scanRevision(rows)
		if errE != nil {
			return nil, errE
		}
		revisions = append(revisions, *revision)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	return revisions, nil
}

func scanRevision(row rowScanner) (*Revision, errors.E) {
	var revision Revision
	var timestamp, tags sql.NullString
	var minor int
	err := row.Scan(
		&revision.RevisionID, &revision.PageID, &revision.ParentID, &timestamp, &revision.User,
		&revision.UserID, &revision.Comment, &revision.Content, &revision.Size, &revision.SHA1, &minor, &tags,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.WithStack(sql.ErrNoRows)
		}
		return nil, errors.WithStack(err)
	}
	revision.Minor = minor != 0
	revision.Timestamp, err = parseTime(timestamp.String)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if tags.Valid && tags.String != "" {
		revision.Tags, err = decodeTags(tags.String)
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return &revision, nil
}

func encodeTags(tags []string) (*string, errors.E) {
	if len(tags) == 0 {
		return nil, nil //nolint:nilnil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	encoded := string(data)
	return &encoded, nil
}

func decodeTags(data string) ([]string, error) {
	if strings.TrimSpace(data) == "" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(data), &tags); err != nil {
		return nil, err
	}
	return tags, nil
}
