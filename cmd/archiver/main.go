// Command archiver scrapes a MediaWiki instance into local storage, either
// a complete scrape of every configured namespace or an incremental update
// of what changed since the last completed run.
package main

import (
	"github.com/alecthomas/kong"
	"gitlab.com/tozd/go/cli"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchive/archiver/internal/config"
)

func main() {
	var cfg config.Config
	cli.Run(&cfg, config.KongVars(), func(ctx *kong.Context) errors.E {
		return errors.WithStack(ctx.Run(&cfg.Globals))
	})
}
