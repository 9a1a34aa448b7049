// Package config defines the archiver's command-line and file
// configuration surface: a kong-driven Config struct embedding Globals
// (logging plus a tozd/go/cli.ConfigFlag for file-based overrides), with
// CLI flags taking precedence over file values and file values over
// built-in defaults. Kong's own merge order already gives us this, so
// Validate only has to check cross-field constraints, not precedence.
package config

import (
	"strconv"

	"github.com/alecthomas/kong"
	"gitlab.com/tozd/go/cli"
	"gitlab.com/tozd/go/errors"
	tzerolog "gitlab.com/tozd/go/zerolog"
)

const (
	// DefaultUserAgent identifies this archiver to the wiki, as required
	// by the Wikimedia user-agent policy; operators are expected to
	// override it with contact information for their own deployment.
	DefaultUserAgent = "wikiarchive/archiver (+https://example.invalid/contact)"
	// DefaultTimeoutSeconds is the default per-request HTTP timeout.
	DefaultTimeoutSeconds = 30
	// DefaultMaxRetries is the default Retry Engine attempt count.
	DefaultMaxRetries = 3
	// DefaultRateLimit is the default requests-per-second ceiling.
	DefaultRateLimit = 2.0
	// DefaultDatabasePath is the default embedded SQLite database path.
	DefaultDatabasePath = "archiver.sqlite"
	// DefaultDataDir is the default directory downloaded file bytes land in.
	DefaultDataDir = "data"
	// DefaultCheckpointPath is the default checkpoint file path.
	DefaultCheckpointPath = "checkpoint.json"
	// DefaultFailureThreshold is the default fraction of failed pages a
	// run tolerates before being marked failed instead of completed.
	DefaultFailureThreshold = 0.1
)

// APIConfig groups the API client's options.
//
//nolint:lll
type APIConfig struct {
	BaseURL        string  `help:"Base URL of the wiki's API, e.g. https://en.wikipedia.org/w/api.php." name:"base-url" placeholder:"URL" required:""`
	UserAgent      string  `default:"${defaultUserAgent}"      help:"User agent string sent with every request. Default: ${default}."        name:"user-agent"      placeholder:"STRING"`
	TimeoutSeconds int     `default:"${defaultTimeoutSeconds}" help:"Per-request HTTP timeout in seconds. Default: ${default}."               name:"timeout-seconds" placeholder:"INT"`
	MaxRetries     int     `default:"${defaultMaxRetries}"     help:"Maximum attempts per operation, including the first. Default: ${default}." name:"max-retries"   placeholder:"INT"`
	RateLimit      float64 `default:"${defaultRateLimit}"      help:"Maximum outbound requests per second. Default: ${default}."              name:"rate-limit-per-second" placeholder:"FLOAT"`
}

// Validate checks APIConfig's cross-field constraints.
func (c *APIConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base-url is required")
	}
	if c.TimeoutSeconds <= 0 {
		return errors.New("timeout-seconds must be positive")
	}
	if c.MaxRetries <= 0 {
		return errors.New("max-retries must be positive")
	}
	if c.RateLimit <= 0 {
		return errors.New("rate-limit-per-second must be positive")
	}
	return nil
}

// StorageConfig groups the storage layer's filesystem options.
//
//nolint:lll
type StorageConfig struct {
	DatabasePath   string `default:"${defaultDatabasePath}"   help:"Path to the embedded SQLite database file, used unless database-uri is set. Default: ${default}." name:"database-path"   placeholder:"PATH" type:"path"`
	DatabaseURI    string `help:"PostgreSQL connection URI. When set, the server engine is used instead of embedded SQLite." name:"database-uri" placeholder:"URI"`
	DataDir        string `default:"${defaultDataDir}"        help:"Directory downloaded file bytes are stored under. Default: ${default}." name:"data-dir"        placeholder:"DIR"  type:"path"`
	CheckpointPath string `default:"${defaultCheckpointPath}" help:"Path to the checkpoint file. Default: ${default}."               name:"checkpoint-path" placeholder:"PATH" type:"path"`
}

// RunConfig groups the orchestrators' run-shaping options. Since and
// DryRun are not embedded here: Since applies only to the incremental
// command and DryRun only to the full command, so each command declares
// its own.
//
//nolint:lll
type RunConfig struct {
	Namespaces        []int   `help:"Namespace IDs to scrape. Can be given multiple times." name:"namespace" placeholder:"NS" sep:"none"`
	Force             bool    `help:"Ignore any existing checkpoint and start over."        name:"force"`
	FailureThreshold  float64 `default:"${defaultFailureThreshold}" help:"Fraction of failed pages above which a run is marked failed instead of completed. Default: ${default}." name:"failure-threshold-fraction" placeholder:"FLOAT"`
}

// Validate checks RunConfig's cross-field constraints.
func (c *RunConfig) Validate() error {
	if len(c.Namespaces) == 0 {
		return errors.New("at least one namespace is required")
	}
	if c.FailureThreshold < 0 || c.FailureThreshold > 1 {
		return errors.New("failure-threshold-fraction must be between 0 and 1")
	}
	return nil
}

// Globals describes top-level (global) flags shared by every command:
// embedded logging config plus a config-file flag, with API/Storage
// groups embedded so every command gets them without repeating the tags.
//
//nolint:lll
type Globals struct {
	tzerolog.LoggingConfig `yaml:",inline"`

	Version kong.VersionFlag `help:"Show program's version and exit."                           short:"V" yaml:"-"`
	Config  cli.ConfigFlag   `help:"Load configuration from a JSON or YAML file." name:"config" placeholder:"PATH" short:"c" yaml:"-"`

	API     APIConfig     `embed:"" prefix:"api." yaml:"api"`
	Storage StorageConfig `embed:"" prefix:"storage." yaml:"storage"`
}

// Validate validates the global configuration, including kong-embedded
// structs that kong does not descend into on its own.
func (g *Globals) Validate() error {
	if err := g.API.Validate(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Config is the root CLI grammar: a full or incremental run.
//
//nolint:lll
type Config struct {
	Globals `yaml:"globals"`

	Full        FullCommand        `cmd:"" default:"withargs" help:"Run a complete scrape of every configured namespace." yaml:"full"`
	Incremental IncrementalCommand `cmd:""                    help:"Apply only what changed since the last completed run." yaml:"incremental"`
}

// KongVars returns the kong.Vars binding every ${default...} placeholder
// used by this package's struct tags to its Go constant.
func KongVars() kong.Vars {
	return kong.Vars{
		"defaultUserAgent":        DefaultUserAgent,
		"defaultTimeoutSeconds":   strconv.Itoa(DefaultTimeoutSeconds),
		"defaultMaxRetries":       strconv.Itoa(DefaultMaxRetries),
		"defaultRateLimit":        strconv.FormatFloat(DefaultRateLimit, 'g', -1, 64),
		"defaultDatabasePath":     DefaultDatabasePath,
		"defaultDataDir":          DefaultDataDir,
		"defaultCheckpointPath":   DefaultCheckpointPath,
		"defaultFailureThreshold": strconv.FormatFloat(DefaultFailureThreshold, 'g', -1, 64),
	}
}
