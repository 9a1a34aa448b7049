package store

import (
	"context"
	"database/sql"

	"gitlab.com/tozd/go/errors"
)

// FileRepository stores file metadata rows.
type FileRepository struct {
	store *Store
}

// UpsertFile creates or updates a file by filename.
func (r *FileRepository) UpsertFile(ctx context.Context, file File) errors.E {
	return RetryTransaction(ctx, r.store.DB, func(ctx context.Context, tx *sql.Tx) errors.E {
		_, err := tx.ExecContext(ctx, r.store.bind(`
			INSERT INTO files (filename, url, description_url, sha1, size, width, height, mime_type, timestamp, uploader)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (filename) DO UPDATE SET
				url = excluded.url, description_url = excluded.description_url, sha1 = excluded.sha1,
				size = excluded.size, width = excluded.width, height = excluded.height,
				mime_type = excluded.mime_type, timestamp = excluded.timestamp, uploader = excluded.uploader
		`), file.Filename, file.URL, file.DescriptionURL, file.SHA1, file.Size, file.Width, file.Height,
			file.MimeType, formatTime(file.Timestamp), file.Uploader)
		if err != nil {
			return classifyStorageError(err)
		}
		return nil
	})
}

// GetFile looks up a file by filename, returning nil if it is not
// present (not yet discovered).
func (r *FileRepository) GetFile(ctx context.Context, filename string) (*File, errors.E) {
	row := r.store.DB.QueryRowContext(ctx, r.store.bind(`
		SELECT filename, url, description_url, sha1, size, width, height, mime_type, timestamp, uploader
		FROM files WHERE filename = ?
	`), filename)

	var file File
	var timestamp string
	err := row.Scan(&file.Filename, &file.URL, &file.DescriptionURL, &file.SHA1, &file.Size,
		&file.Width, &file.Height, &file.MimeType, &timestamp, &file.Uploader)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil //nolint:nilnil
		}
		return nil, errors.WithStack(err)
	}
	file.Timestamp, err = parseTime(timestamp)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &file, nil
}
