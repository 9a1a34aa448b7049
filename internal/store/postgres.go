package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const (
	idleInTransactionSessionTimeout = 10 * time.Second
	statementTimeout                = 10 * time.Second

	applicationName = "archiver"
)

// Standard PostgreSQL error codes relevant to the storage core's
// classification of integrity-violation vs. transient-lock errors.
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	ErrorCodeUniqueViolation      = "23505"
	ErrorCodeDuplicateSchema      = "42P06"
	ErrorCodeDuplicateTable       = "42P07"
	ErrorCodeSerializationFailure = "40001"
	ErrorCodeDeadlockDetected     = "40P01"
)

// See: https://www.postgresql.org/docs/current/runtime-config-client.html#GUC-CLIENT-MIN-MESSAGES
var noticeSeverityToLogLevel = map[string]zerolog.Level{ //nolint:gochecknoglobals
	"DEBUG":   zerolog.DebugLevel,
	"LOG":     zerolog.InfoLevel,
	"INFO":    zerolog.InfoLevel,
	"NOTICE":  zerolog.InfoLevel,
	"WARNING": zerolog.WarnLevel,
}

// OpenPostgres opens the server storage engine: a *sql.DB backed by
// pgx's driver, so the same repository code that runs against SQLite in
// embedded mode runs here unchanged. Connection-level notices are routed
// through logger as structured log events instead of to stderr.
func OpenPostgres(ctx context.Context, databaseURI string, logger zerolog.Logger) (*sql.DB, errors.E) {
	config, err := pgx.ParseConfig(strings.TrimSpace(databaseURI))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	config.OnNotice = func(_ *pgconn.PgConn, notice *pgconn.Notice) {
		logger.WithLevel(noticeSeverityToLogLevel[notice.SeverityUnlocalized]).
			Fields(ErrorDetails((*pgconn.PgError)(notice))).
			Bool("postgres", true).
			Send()
	}
	config.RuntimeParams["application_name"] = applicationName

	// The simple protocol accepts multi-statement strings, which the
	// schema migration (one batch of CREATE statements) depends on; the
	// extended protocol would reject them.
	config.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	db := stdlib.OpenDB(*config)
	db.SetConnMaxIdleTime(idleInTransactionSessionTimeout)
	db.SetConnMaxLifetime(statementTimeout * 60) //nolint:gomnd

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, WithPgxError(err)
	}

	logger.Info().Str("engine", "postgres").Msg("database connection successful")

	return db, nil
}
