package store

import (
	"context"
	"database/sql"

	// Registers the "sqlite3" driver used by OpenSQLite.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// OpenSQLite opens the embedded storage engine at path. Foreign keys and
// WAL mode are enabled per-connection, since SQLite defaults both to
// off.
func OpenSQLite(ctx context.Context, path string, logger zerolog.Logger) (*sql.DB, errors.E) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.WithStack(err)
	}

	// database/sql pools connections, but SQLite only tolerates one writer
	// at a time; a single shared connection avoids SQLITE_BUSY churn while
	// still allowing WAL-mode concurrent readers through separate queries
	// on the same connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.WithStack(err)
	}

	logger.Info().Str("engine", "sqlite").Str("path", path).Msg("database connection successful")

	return db, nil
}
