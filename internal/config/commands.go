package config

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchive/archiver/internal/checkpoint"
	"gitlab.com/wikiarchive/archiver/internal/httpclient"
	"gitlab.com/wikiarchive/archiver/internal/mwapi"
	"gitlab.com/wikiarchive/archiver/internal/orchestrator"
	"gitlab.com/wikiarchive/archiver/internal/ratelimit"
	"gitlab.com/wikiarchive/archiver/internal/retry"
	"gitlab.com/wikiarchive/archiver/internal/store"
)

// FullCommand runs a complete scrape of every configured namespace.
//
//nolint:lll
type FullCommand struct {
	RunConfig

	DryRun bool `help:"Report how many pages would be scraped without writing anything." name:"dry-run"`
}

// Validate checks FullCommand's cross-field constraints.
func (c *FullCommand) Validate() error {
	if err := c.RunConfig.Validate(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Run wires the API Client, Storage Core, and Checkpoint Store together
// and executes one full scrape, logging the run summary at the end.
func (c *FullCommand) Run(globals *Globals) errors.E {
	ctx, cancel := signalContext()
	defer cancel()

	deps, errE := globals.open(ctx)
	if errE != nil {
		return errE
	}
	defer deps.db.Close()

	orch := &orchestrator.FullOrchestrator{
		Store:            deps.store,
		Client:           deps.client,
		HTTP:             deps.http,
		Checkpoint:       checkpoint.New(globals.Storage.CheckpointPath),
		Logger:           deps.logger,
		Namespaces:       c.Namespaces,
		RateLimit:        globals.API.RateLimit,
		DataDir:          globals.Storage.DataDir,
		RetryConfig:      deps.retryConfig,
		FailureThreshold: c.FailureThreshold,
		DryRun:           c.DryRun,
		Force:            c.Force,
	}

	started := time.Now()
	result, errE := orch.Run(ctx)
	if errE != nil {
		return errE
	}

	logSummary(deps.logger, result, time.Since(started))
	return nil
}

// IncrementalCommand applies only what changed since the last completed
// run.
//
//nolint:lll
type IncrementalCommand struct {
	RunConfig

	Since string `help:"Only consider changes after this RFC3339 timestamp, overriding the last completed run's end time." name:"since" placeholder:"TIME"`
}

// Validate checks IncrementalCommand's cross-field constraints.
func (c *IncrementalCommand) Validate() error {
	if errE := c.RunConfig.Validate(); errE != nil {
		return errors.WithStack(errE)
	}
	if c.Since != "" {
		if _, err := time.Parse(time.RFC3339, c.Since); err != nil {
			errE := errors.WithStack(err)
			errors.Details(errE)["field"] = "since"
			return errE
		}
	}
	return nil
}

// Run wires the same dependencies as FullCommand and executes one
// incremental update.
func (c *IncrementalCommand) Run(globals *Globals) errors.E {
	ctx, cancel := signalContext()
	defer cancel()

	deps, errE := globals.open(ctx)
	if errE != nil {
		return errE
	}
	defer deps.db.Close()

	var since *time.Time
	if c.Since != "" {
		parsed, err := time.Parse(time.RFC3339, c.Since)
		if err != nil {
			return errors.WithStack(err)
		}
		since = &parsed
	}

	orch := &orchestrator.IncrementalOrchestrator{
		Store:            deps.store,
		Client:           deps.client,
		HTTP:             deps.http,
		Logger:           deps.logger,
		DataDir:          globals.Storage.DataDir,
		RetryConfig:      deps.retryConfig,
		FailureThreshold: c.FailureThreshold,
		Force:            c.Force,
	}

	started := time.Now()
	result, errE := orch.Run(ctx, since)
	if errE != nil {
		return errE
	}

	logSummary(deps.logger, result, time.Since(started))
	return nil
}

// signalContext returns a context canceled on SIGINT or SIGTERM, so the
// orchestrators observe a user interruption at the next page boundary
// instead of the process dying mid-transaction.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		c := make(chan os.Signal, 1)
		defer close(c)

		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(c)

		select {
		case <-c:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// dependencies bundles what both commands need to construct their
// orchestrator, built once from Globals so neither command repeats the
// wiring.
type dependencies struct {
	db          *sql.DB
	store       *store.Store
	client      *mwapi.Client
	http        *retryablehttp.Client
	retryConfig retry.Config
	logger      zerolog.Logger
}

func (g *Globals) open(ctx context.Context) (*dependencies, errors.E) {
	logger := g.LoggingConfig.Logger

	engine := store.EngineSQLite
	var db *sql.DB
	var errE errors.E
	if g.Storage.DatabaseURI != "" {
		engine = store.EnginePostgres
		db, errE = store.OpenPostgres(ctx, g.Storage.DatabaseURI, logger)
	} else {
		db, errE = store.OpenSQLite(ctx, g.Storage.DatabasePath, logger)
	}
	if errE != nil {
		return nil, errE
	}
	if errE := store.Migrate(ctx, db, engine); errE != nil {
		db.Close()
		return nil, errE
	}

	httpClient := httpclient.New(httpclient.Config{
		UserAgent: g.API.UserAgent,
		Timeout:   time.Duration(g.API.TimeoutSeconds) * time.Second,
	})

	retryConfig := retry.Config{MaxAttempts: g.API.MaxRetries}

	client := mwapi.New(g.API.BaseURL, httpClient, ratelimit.New(g.API.RateLimit), retryConfig)

	return &dependencies{
		db:          db,
		store:       store.New(db, engine),
		client:      client,
		http:        httpClient,
		retryConfig: retryConfig,
		logger:      logger,
	}, nil
}

func logSummary(logger zerolog.Logger, result *orchestrator.RunResult, duration time.Duration) {
	sample, more := result.SampleFailures(5)
	event := logger.Info().
		Str("run_id", result.RunID).
		Str("status", string(result.Status)).
		Dur("duration", duration).
		Int64("pages_scraped", result.PagesScraped).
		Int64("revisions_scraped", result.RevisionsScraped).
		Int64("files_downloaded", result.FilesDownloaded).
		Ints64("failed_page_ids_sample", sample).
		Strs("failed_messages_sample", result.SampleMessages(3))
	if more > 0 {
		event = event.Str("failed_page_ids_more", fmt.Sprintf("... and %d more", more))
	}
	event.Msg("run finished")
}
