package mwapi

import (
	"context"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchive/archiver/internal/httpclient"
	"gitlab.com/wikiarchive/archiver/internal/progress"
)

type fileInfoResponse struct {
	queryEnvelope
	Query struct {
		Pages []struct {
			Title     string `json:"title"`
			Missing   bool   `json:"missing"`
			ImageInfo []struct {
				URL           string `json:"url"`
				DescriptionURL string `json:"descriptionurl"`
				SHA1          string `json:"sha1"`
				Size          int64  `json:"size"`
				Width         *int   `json:"width,omitempty"`
				Height        *int   `json:"height,omitempty"`
				MimeType      string `json:"mime"`
				Timestamp     string `json:"timestamp"`
				User          string `json:"user"`
			} `json:"imageinfo"`
		} `json:"pages"`
	} `json:"query"`
}

// FetchFileInfo resolves the current metadata (URL, SHA1, size,
// dimensions) for a "File:" title. Its result is the file scraper's input
// for deciding whether a local copy is already up to date before
// downloading.
func (c *Client) FetchFileInfo(ctx context.Context, title string) (*FileInfo, errors.E) {
	data := c.newQuery()
	data.Set("prop", "imageinfo")
	data.Set("titles", title)
	data.Set("iiprop", "url|sha1|size|dimensions|mime|timestamp|user")

	var resp fileInfoResponse
	if errE := c.get(ctx, data, &resp); errE != nil {
		return nil, errE
	}
	if resp.Error != nil {
		return nil, errE(resp.Error)
	}

	for _, page := range resp.Query.Pages {
		if page.Title != title {
			continue
		}
		if page.Missing || len(page.ImageInfo) == 0 {
			return nil, errors.Errorf("file not found: %s", title)
		}
		info := page.ImageInfo[0]
		timestamp, err := time.Parse(time.RFC3339, info.Timestamp)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		// MediaWiki's imageinfo only includes width/height for actual
		// images; a non-image file (audio, PDF, font) omits both fields
		// entirely, which we preserve as null rather than guessing zero.
		fileInfo := &FileInfo{
			Filename:       title,
			URL:            info.URL,
			DescriptionURL: info.DescriptionURL,
			SHA1:           info.SHA1,
			Size:           info.Size,
			Width:          info.Width,
			Height:         info.Height,
			MimeType:       mimeTypeOrGuess(info.MimeType, title),
			Timestamp:      timestamp,
			Uploader:       info.User,
		}
		return fileInfo, nil
	}

	return nil, errors.Errorf("file not present in response: %s", title)
}

// DownloadFile fetches the file identified by info.URL into destPath,
// verifying it hashes to info.SHA1 before considering the download
// complete. It never retries internally; callers wrap it with
// internal/retry for transient network failures. A non-nil counter
// observes downloaded bytes as they stream, for progress sampling.
func (c *Client) DownloadFile(ctx context.Context, client *retryablehttp.Client, info *FileInfo, destPath string, counter *progress.CountingReader) (int64, errors.E) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		wrapped := errors.WithStack(err)
		errors.Details(wrapped)["url"] = info.URL
		return 0, wrapped
	}
	return httpclient.DownloadAndVerify(client, req, destPath, info.SHA1, counter)
}

// mediaTypesByExtension is a small fallback table for the rare response
// that omits a mime field; imageinfo almost always supplies one directly.
var mediaTypesByExtension = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".pdf":  "application/pdf",
	".ogg":  "audio/ogg",
	".ogv":  "video/ogg",
	".webm": "video/webm",
	".ttf":  "font/ttf",
}

func mimeTypeOrGuess(mimeType, filename string) string {
	if mimeType != "" {
		return mimeType
	}
	ext := strings.ToLower(path.Ext(filename))
	if guessed, ok := mediaTypesByExtension[ext]; ok {
		return guessed
	}
	return "application/octet-stream"
}
