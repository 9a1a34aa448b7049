// Package progress implements the orchestrators' progress callback
// surface: an optional, non-blocking reporter invoked at granular steps
// during discovery and scraping.
package progress

import (
	"context"
	"io"
	"sync/atomic"
	"time"
)

// Stage identifies which part of the pipeline is reporting progress.
type Stage string

const (
	StageDiscover Stage = "discover"
	StageScrape   Stage = "scrape"
	StageDownload Stage = "download"
)

// Func is the callback orchestrators invoke: (stage, current, total). A nil
// Func is valid and means the pipeline runs silently.
type Func func(stage Stage, current, total int)

// Reporter wraps a Func so that a slow or absent consumer never adds
// backpressure to the pipeline: Report is always non-blocking. Calls are
// buffered through a single-slot channel and the newest update wins if
// the consumer falls behind.
type Reporter struct {
	fn   Func
	ch   chan report
	done chan struct{}
}

type report struct {
	stage           Stage
	current, total  int
}

// NewReporter starts a background goroutine delivering updates to fn. If fn
// is nil, Report calls are simply dropped. Call Stop when the pipeline run
// ends to release the goroutine.
func NewReporter(fn Func) *Reporter {
	r := &Reporter{
		fn:   fn,
		ch:   make(chan report, 1),
		done: make(chan struct{}),
	}
	if fn == nil {
		close(r.done)
		return r
	}
	go func() {
		defer close(r.done)
		for rep := range r.ch {
			fn(rep.stage, rep.current, rep.total)
		}
	}()
	return r
}

// Report delivers a progress update without blocking the caller. If the
// consumer is still processing the previous update, this one replaces
// whatever is buffered (the consumer only ever sees the latest state).
func (r *Reporter) Report(stage Stage, current, total int) {
	if r.fn == nil {
		return
	}
	select {
	case r.ch <- report{stage, current, total}:
	default:
		select {
		case <-r.ch:
		default:
		}
		select {
		case r.ch <- report{stage, current, total}:
		default:
		}
	}
}

// Stop stops accepting further reports and waits for the delivery goroutine
// to drain.
func (r *Reporter) Stop() {
	if r.fn == nil {
		return
	}
	close(r.ch)
	<-r.done
}

// CountingReader tracks how many bytes have been read through it, so a
// Ticker can report progress on a streaming download without the reader
// itself needing to know about progress reporting.
type CountingReader struct {
	Reader io.Reader
	count  int64
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.Reader.Read(p)
	atomic.AddInt64(&c.count, int64(n))
	return n, err
}

func (c *CountingReader) Count() int64 {
	return atomic.LoadInt64(&c.count)
}

// Counter is satisfied by anything that can report a monotonic count, such
// as CountingReader.
type Counter interface {
	Count() int64
}

// Snapshot is one tick's worth of progress information: how much of a
// known-size operation has completed and an ETA extrapolated from the
// elapsed rate.
type Snapshot struct {
	Count     int64
	Size      int64
	Started   time.Time
	Current   time.Time
	Elapsed   time.Duration
	remaining time.Duration
	estimated time.Time
}

func (s Snapshot) Percent() float64 {
	if s.Size <= 0 {
		return 0
	}
	return float64(s.Count) / float64(s.Size) * 100 //nolint:gomnd
}

func (s Snapshot) Remaining() time.Duration {
	return s.remaining
}

func (s Snapshot) Estimated() time.Time {
	return s.estimated
}

// Ticker periodically samples a Counter against a known total size and
// emits a Snapshot on C, useful for file downloads where total bytes is
// known up front (unlike page/revision counts, which are open-ended).
type Ticker struct {
	C    <-chan Snapshot
	stop func()
}

func (t *Ticker) Stop() {
	t.stop()
}

func NewTicker(ctx context.Context, counter Counter, size int64, interval time.Duration) *Ticker {
	ctx, cancel := context.WithCancel(ctx)
	started := time.Now()
	output := make(chan Snapshot)
	ticker := time.NewTicker(interval)
	go func() {
		defer cancel()
		defer close(output)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				snapshot := Snapshot{
					Count:   counter.Count(),
					Size:    size,
					Started: started,
					Current: now,
					Elapsed: now.Sub(started),
				}
				if snapshot.Count > 0 && size > 0 {
					ratio := float64(snapshot.Count) / float64(size)
					elapsed := float64(snapshot.Elapsed)
					total := time.Duration(elapsed / ratio)
					snapshot.estimated = started.Add(total)
					snapshot.remaining = snapshot.estimated.Sub(now)
				}
				if ctx.Err() != nil {
					return
				}
				output <- snapshot
			}
		}
	}()
	return &Ticker{
		C:    output,
		stop: cancel,
	}
}
