package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"gitlab.com/tozd/go/errors"
)

// Engine identifies which SQL dialect extension schema.go must emit for
// the pieces the portable subset of SQL cannot express, currently only
// the latest-content projection's triggers.
type Engine int

const (
	EngineSQLite Engine = iota
	EnginePostgres
)

// CurrentSchemaVersion is recorded in schema_version on first
// initialization. Migrate refuses to run against a database stamped with
// a version newer than this: an old binary has no business touching a
// schema it does not understand.
const CurrentSchemaVersion = 1

// ErrUnknownSchemaVersion is returned when schema_version names a version
// this binary was not built to understand.
var ErrUnknownSchemaVersion = errors.Base("unknown schema version")

// ErrCorruptSchema is returned when schema_version exists but does not
// contain exactly one row, which should be impossible under normal
// operation.
var ErrCorruptSchema = errors.Base("schema_version table is corrupt")

// portableSchema is valid SQL on both SQLite and PostgreSQL: no
// auto-increment vocabulary (run_id and similar identifiers are
// application-assigned, e.g. via google/uuid), no JSON column type
// (tags are JSON-encoded into a TEXT column), no timezone-aware
// timestamp type (timestamps are stored as RFC3339 TEXT in UTC).
const portableSchema = `
CREATE TABLE schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE pages (
	page_id INTEGER PRIMARY KEY,
	namespace INTEGER NOT NULL,
	title TEXT NOT NULL,
	is_redirect INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (namespace, title)
);

CREATE INDEX pages_title ON pages (title);
CREATE INDEX pages_namespace ON pages (namespace);
CREATE INDEX pages_redirects ON pages (page_id) WHERE is_redirect != 0;

CREATE TABLE revisions (
	revision_id INTEGER PRIMARY KEY,
	page_id INTEGER NOT NULL REFERENCES pages (page_id) ON DELETE CASCADE,
	parent_id INTEGER NULL,
	timestamp TEXT NOT NULL,
	"user" TEXT NULL,
	user_id INTEGER NULL,
	comment TEXT NULL,
	content TEXT NOT NULL,
	size INTEGER NOT NULL CHECK (size >= 0),
	sha1 TEXT NOT NULL,
	minor INTEGER NOT NULL DEFAULT 0,
	tags TEXT NULL
);

CREATE INDEX revisions_page_timestamp ON revisions (page_id, timestamp DESC);
CREATE INDEX revisions_timestamp ON revisions (timestamp);
CREATE INDEX revisions_sha1 ON revisions (sha1);
CREATE INDEX revisions_parent ON revisions (parent_id) WHERE parent_id IS NOT NULL;
CREATE INDEX revisions_user ON revisions (user_id) WHERE user_id IS NOT NULL;

CREATE TABLE files (
	filename TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	description_url TEXT NOT NULL,
	sha1 TEXT NOT NULL,
	size INTEGER NOT NULL CHECK (size >= 0),
	width INTEGER NULL,
	height INTEGER NULL,
	mime_type TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	uploader TEXT NULL
);

CREATE INDEX files_sha1 ON files (sha1);
CREATE INDEX files_timestamp ON files (timestamp);
CREATE INDEX files_mime_type ON files (mime_type);

CREATE TABLE links (
	source_page_id INTEGER NOT NULL REFERENCES pages (page_id) ON DELETE CASCADE,
	target_title TEXT NOT NULL,
	link_type TEXT NOT NULL,
	UNIQUE (source_page_id, target_title, link_type)
);

CREATE INDEX links_source ON links (source_page_id);
CREATE INDEX links_target ON links (target_title);
CREATE INDEX links_type ON links (link_type);
CREATE INDEX links_type_target ON links (link_type, target_title);

CREATE TABLE scrape_runs (
	run_id TEXT PRIMARY KEY,
	start_time TEXT NOT NULL,
	end_time TEXT NULL,
	status TEXT NOT NULL,
	pages_scraped INTEGER NOT NULL DEFAULT 0,
	revisions_scraped INTEGER NOT NULL DEFAULT 0,
	files_downloaded INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NULL
);

CREATE INDEX scrape_runs_status ON scrape_runs (status);
CREATE INDEX scrape_runs_start_time ON scrape_runs (start_time DESC);

CREATE TABLE scrape_page_status (
	page_id INTEGER NOT NULL REFERENCES pages (page_id) ON DELETE CASCADE,
	run_id TEXT NOT NULL REFERENCES scrape_runs (run_id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	last_revision_id INTEGER NULL,
	error_message TEXT NULL,
	scraped_at TEXT NULL,
	PRIMARY KEY (page_id, run_id)
);

CREATE INDEX scrape_page_status_run ON scrape_page_status (run_id);
CREATE INDEX scrape_page_status_status ON scrape_page_status (status);

CREATE TABLE latest_content_index (
	page_id INTEGER PRIMARY KEY REFERENCES pages (page_id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	latest_content TEXT NOT NULL
);
`

// sqliteTriggers keeps latest_content_index synchronized on SQLite.
const sqliteTriggers = `
CREATE TRIGGER latest_content_after_insert_revision AFTER INSERT ON revisions
WHEN NEW.revision_id = (
	SELECT revision_id FROM revisions WHERE page_id = NEW.page_id ORDER BY timestamp DESC, revision_id DESC LIMIT 1
)
BEGIN
	INSERT INTO latest_content_index (page_id, title, latest_content)
	SELECT NEW.page_id, pages.title, NEW.content FROM pages WHERE pages.page_id = NEW.page_id
	ON CONFLICT (page_id) DO UPDATE SET title = excluded.title, latest_content = excluded.latest_content;
END;

CREATE TRIGGER latest_content_after_update_title AFTER UPDATE OF title ON pages
BEGIN
	UPDATE latest_content_index SET title = NEW.title WHERE page_id = NEW.page_id;
END;
`

// postgresTriggers keeps latest_content_index synchronized on PostgreSQL,
// which requires a function body rather than SQLite's bare trigger body.
const postgresTriggers = `
CREATE FUNCTION latest_content_after_insert_revision() RETURNS TRIGGER LANGUAGE plpgsql AS $$
BEGIN
	IF NEW.revision_id = (
		SELECT revision_id FROM revisions WHERE page_id = NEW.page_id ORDER BY timestamp DESC, revision_id DESC LIMIT 1
	) THEN
		INSERT INTO latest_content_index (page_id, title, latest_content)
		SELECT NEW.page_id, pages.title, NEW.content FROM pages WHERE pages.page_id = NEW.page_id
		ON CONFLICT (page_id) DO UPDATE SET title = excluded.title, latest_content = excluded.latest_content;
	END IF;
	RETURN NEW;
END;
$$;

CREATE TRIGGER latest_content_after_insert_revision AFTER INSERT ON revisions
FOR EACH ROW EXECUTE FUNCTION latest_content_after_insert_revision();

CREATE FUNCTION latest_content_after_update_title() RETURNS TRIGGER LANGUAGE plpgsql AS $$
BEGIN
	UPDATE latest_content_index SET title = NEW.title WHERE page_id = NEW.page_id;
	RETURN NEW;
END;
$$;

CREATE TRIGGER latest_content_after_update_title AFTER UPDATE OF title ON pages
FOR EACH ROW EXECUTE FUNCTION latest_content_after_update_title();
`

// Migrate applies the schema to an empty database and records
// schema_version, or verifies an existing database's version matches
// CurrentSchemaVersion. It refuses to proceed on an unknown future
// version rather than guessing at compatibility.
func Migrate(ctx context.Context, db *sql.DB, engine Engine) errors.E {
	empty, errE := isEmptyDatabase(ctx, db)
	if errE != nil {
		return errE
	}

	if !empty {
		version, errE := readSchemaVersion(ctx, db)
		if errE != nil {
			return errE
		}
		if version != CurrentSchemaVersion {
			errE := errors.WithStack(ErrUnknownSchemaVersion)
			errors.Details(errE)["found"] = version
			errors.Details(errE)["expected"] = CurrentSchemaVersion
			return errE
		}
		return nil
	}

	return RetryTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) errors.E {
		if _, err := tx.ExecContext(ctx, portableSchema); err != nil {
			return classifyStorageError(err)
		}

		triggers := sqliteTriggers
		if engine == EnginePostgres {
			triggers = postgresTriggers
		}
		if _, err := tx.ExecContext(ctx, triggers); err != nil {
			return classifyStorageError(err)
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO schema_version (version) VALUES (%d)`, CurrentSchemaVersion)); err != nil {
			return classifyStorageError(err)
		}

		return nil
	})
}

func isEmptyDatabase(ctx context.Context, db *sql.DB) (bool, errors.E) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`).Scan(&count)
	if err != nil {
		// Not SQLite: fall back to the PostgreSQL information_schema, which
		// every server engine connection supports regardless of search_path.
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM information_schema.tables WHERE table_name = 'schema_version'`).Scan(&count)
		if err != nil {
			return false, errors.WithStack(err)
		}
	}
	return count == 0, nil
}

// bind rewrites a query written with SQLite-style "?" placeholders into
// PostgreSQL's "$1", "$2", ... form when engine is EnginePostgres,
// letting repositories author one query per operation regardless of
// which engine the storage core was opened against.
func bind(engine Engine, query string) string {
	if engine == EngineSQLite {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func readSchemaVersion(ctx context.Context, db *sql.DB) (int, errors.E) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer rows.Close()

	var version int
	var count int
	for rows.Next() {
		count++
		if err := rows.Scan(&version); err != nil {
			return 0, errors.WithStack(err)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, errors.WithStack(err)
	}
	if count != 1 {
		return 0, errors.WithStack(ErrCorruptSchema)
	}

	return version, nil
}
