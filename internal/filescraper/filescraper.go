// Package filescraper resolves a file's current metadata, downloads and
// verifies its bytes only when the wiki-reported sha1 has changed, and
// persists metadata through a FileRepository while content bytes land on
// disk rather than in the database.
package filescraper

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchive/archiver/internal/mwapi"
	"gitlab.com/wikiarchive/archiver/internal/progress"
	"gitlab.com/wikiarchive/archiver/internal/retry"
	"gitlab.com/wikiarchive/archiver/internal/store"
)

// DefaultProgressInterval is how often a download's byte count is sampled
// when a Progress callback is set.
const DefaultProgressInterval = time.Second

// Scraper fetches file metadata and content for filenames referenced by
// scraped pages' links.
type Scraper struct {
	Client      *mwapi.Client
	HTTP        *retryablehttp.Client
	Files       *store.FileRepository
	DataDir     string
	RetryConfig retry.Config
	// Progress, when set, receives sampled downloaded/total byte counts
	// while a file's bytes are streaming. Sampling never blocks the
	// download.
	Progress progress.Func
	// ProgressInterval overrides DefaultProgressInterval when positive.
	ProgressInterval time.Duration
}

// Fetch resolves filename's current metadata. If nothing is stored for it
// yet, or the wiki's sha1 differs from what is stored, it downloads the
// bytes beneath DataDir and verifies them before persisting the metadata
// row; otherwise it persists the (possibly refreshed) metadata without a
// download. It reports whether a download occurred, which the orchestrator
// uses to bump its files_downloaded counter.
func (s *Scraper) Fetch(ctx context.Context, filename string) (bool, errors.E) {
	var info *mwapi.FileInfo

	errE := retry.Do(ctx, s.RetryConfig, func(ctx context.Context) errors.E {
		fetched, errE := s.Client.FetchFileInfo(ctx, filename)
		if errE != nil {
			return errE
		}
		info = fetched
		return nil
	})
	if errE != nil {
		return false, errE
	}

	existing, errE := s.Files.GetFile(ctx, filename)
	if errE != nil {
		return false, errE
	}

	needsDownload := existing == nil || !strings.EqualFold(existing.SHA1, info.SHA1)

	if needsDownload {
		destPath := filepath.Join(s.DataDir, safeFilename(filename))
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return false, errors.WithStack(err)
		}

		counter, stopTicker := s.startProgress(ctx, info.Size)

		errE := retry.Do(ctx, s.RetryConfig, func(ctx context.Context) errors.E {
			_, errE := s.Client.DownloadFile(ctx, s.HTTP, info, destPath, counter)
			return errE
		})
		stopTicker()
		if errE != nil {
			return false, errE
		}
	}

	file := store.File{
		Filename:       info.Filename,
		URL:            info.URL,
		DescriptionURL: info.DescriptionURL,
		SHA1:           info.SHA1,
		Size:           info.Size,
		Width:          info.Width,
		Height:         info.Height,
		MimeType:       info.MimeType,
		Timestamp:      info.Timestamp,
	}
	if info.Uploader != "" {
		uploader := info.Uploader
		file.Uploader = &uploader
	}

	if errE := s.Files.UpsertFile(ctx, file); errE != nil {
		return needsDownload, errE
	}

	return needsDownload, nil
}

// startProgress returns the byte counter the download streams through and
// a stop function for the ticker sampling it. Without a Progress callback
// there is nothing to sample, so both are no-ops.
func (s *Scraper) startProgress(ctx context.Context, size int64) (*progress.CountingReader, func()) {
	if s.Progress == nil {
		return nil, func() {}
	}

	interval := s.ProgressInterval
	if interval <= 0 {
		interval = DefaultProgressInterval
	}

	counter := &progress.CountingReader{}
	ticker := progress.NewTicker(ctx, counter, size, interval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for snapshot := range ticker.C {
			s.Progress(progress.StageDownload, int(snapshot.Count), int(snapshot.Size))
		}
	}()

	return counter, func() {
		ticker.Stop()
		<-done
	}
}

// safeFilename turns a wiki filename (which may contain slashes in rare
// cases) into a single path component, so a hostile or unusual title
// cannot escape DataDir.
func safeFilename(filename string) string {
	return strings.ReplaceAll(strings.ReplaceAll(filename, "/", "_"), "\\", "_")
}
