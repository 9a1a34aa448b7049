package httpclient

import (
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchive/archiver/internal/progress"
)

// RangeReader streams an HTTP response body and transparently resumes with
// a Range request when the underlying read fails before the full body has
// been consumed. This is how the File Scraper tolerates a connection drop
// midway through a large file download without losing the bytes already
// read.
type RangeReader struct {
	client     *retryablehttp.Client
	req        *retryablehttp.Request
	downloaded int64
	length     int64
	*http.Response
}

func (d *RangeReader) Read(p []byte) (int, error) {
	n, err := d.Response.Body.Read(p)
	d.downloaded += int64(n)
	if d.downloaded == d.length {
		// We read everything, just return as-is.
		return n, err
	} else if d.downloaded > d.length {
		if err != nil {
			return n, errors.Wrap(err, "read beyond the expected end of the response body")
		}
		return n, errors.New("read beyond the expected end of the response body")
	} else if contextErr := d.req.Context().Err(); contextErr != nil {
		// Do not retry on context.Canceled or context.DeadlineExceeded.
		return n, contextErr
	} else if err != nil {
		// We have not read everything, but we got an error. We retry.
		errStart := d.start(d.downloaded)
		if errStart != nil {
			return n, errStart
		}
		if n > 0 {
			return n, nil
		}
		return d.Read(p)
	} else {
		// Something else, just return as-is.
		return n, err
	}
}

func (d *RangeReader) Downloaded() int64 {
	return d.downloaded
}

func (d *RangeReader) Length() int64 {
	return d.length
}

func (d *RangeReader) Close() error {
	if d.Response != nil {
		err := errors.WithStack(d.Response.Body.Close())
		d.Response = nil
		return err
	}
	return nil
}

func (d *RangeReader) start(from int64) errors.E {
	d.Close()
	if from <= 0 {
		d.req.Header.Del("Range")
	} else {
		d.req.Header.Set("Range", fmt.Sprintf("bytes=%d-", from))
	}
	resp, err := d.client.Do(d.req) //nolint:bodyclose
	if err != nil {
		return errors.WithStack(err)
	}
	if (from <= 0 && resp.StatusCode != http.StatusOK) || (from > 0 && resp.StatusCode != http.StatusPartialContent) {
		body, _ := io.ReadAll(resp.Body)
		return errors.Errorf("bad response status (%s): %s", resp.Status, strings.TrimSpace(string(body)))
	}
	d.Response = resp
	lengthStr := resp.Header.Get("Content-Length")
	if lengthStr == "" {
		return errors.Errorf("missing Content-Length header in response")
	}
	length, err := strconv.ParseInt(lengthStr, 10, 64)
	if err != nil {
		return errors.WithStack(err)
	}
	if length == 0 {
		return errors.Errorf("Content-Length header in response is zero")
	}
	d.length = length
	return nil
}

// NewRangeReader issues req and returns a RangeReader wrapping its body.
func NewRangeReader(client *retryablehttp.Client, req *retryablehttp.Request) (*RangeReader, errors.E) {
	r := &RangeReader{
		client:     client,
		req:        req,
		downloaded: 0,
		length:     0,
		Response:   nil,
	}
	err := r.start(0)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ErrSHA1Mismatch is returned by DownloadAndVerify when the downloaded
// bytes do not hash to the expected SHA1.
var ErrSHA1Mismatch = errors.Base("downloaded content does not match expected sha1")

// DownloadAndVerify downloads req's response body into destPath,
// computing its SHA1 digest as it streams. If the computed digest does
// not match expectedSHA1 (lowercase hex), destPath is removed and
// ErrSHA1Mismatch is returned rather than keeping bytes that disagree
// with what the wiki reported.
//
// When counter is non-nil the body streams through it, so a caller can
// sample downloaded-byte counts (e.g. with a progress.Ticker) while the
// copy is in flight.
func DownloadAndVerify(client *retryablehttp.Client, req *retryablehttp.Request, destPath, expectedSHA1 string, counter *progress.CountingReader) (int64, errors.E) {
	reader, errE := NewRangeReader(client, req)
	if errE != nil {
		return 0, errE
	}
	defer reader.Close()

	var body io.Reader = reader
	if counter != nil {
		counter.Reader = reader
		body = counter
	}

	out, err := os.Create(destPath) //nolint:gosec
	if err != nil {
		return 0, errors.WithStack(err)
	}

	hasher := sha1.New() //nolint:gosec
	written, err := io.Copy(out, io.TeeReader(body, hasher))
	closeErr := out.Close()
	if err != nil {
		os.Remove(destPath) //nolint:errcheck
		return 0, errors.WithStack(err)
	}
	if closeErr != nil {
		os.Remove(destPath) //nolint:errcheck
		return 0, errors.WithStack(closeErr)
	}

	computed := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(computed, expectedSHA1) {
		os.Remove(destPath) //nolint:errcheck
		errE := errors.WithStack(ErrSHA1Mismatch)
		errors.Details(errE)["expected"] = expectedSHA1
		errors.Details(errE)["computed"] = computed
		return 0, errE
	}

	return written, nil
}
