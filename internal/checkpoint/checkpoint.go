// Package checkpoint persists run progress as a single JSON document,
// written atomically (temp file, fsync, rename) so a crash between
// writes never leaves a torn file behind, and validated strictly on
// load.
package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"
)

// ErrCorruptCheckpoint is returned by Load when the file exists but is not
// parseable JSON, or is missing a required field. Callers MUST treat this
// the same as no checkpoint being present, after logging, never silently
// ignore it and never propagate it as if data were salvaged.
var ErrCorruptCheckpoint = errors.Base("corrupt checkpoint")

// Stats carries the progress counters persisted alongside the checkpoint.
type Stats struct {
	PagesScraped     int64 `json:"pages_scraped"`
	RevisionsScraped int64 `json:"revisions_scraped"`
	FilesDownloaded  int64 `json:"files_downloaded"`
}

// Document is the checkpoint file's on-disk shape.
type Document struct {
	Fingerprint         string    `json:"fingerprint"`
	RunMode             string    `json:"run_mode"`
	Namespaces          []int     `json:"namespaces"`
	CompletedNamespaces []int     `json:"completed_namespaces"`
	CurrentNamespace    *int      `json:"current_namespace"`
	CompletedPageIDs    []int64   `json:"completed_page_ids"`
	Stats               Stats     `json:"stats"`
	Timestamp           time.Time `json:"timestamp"`
}

// Config is the run configuration the fingerprint is computed over: any
// change to these fields invalidates a prior checkpoint, since resuming
// against a different namespace set or rate limit would silently corrupt
// the Full Orchestrator's resume logic.
type Config struct {
	Namespaces     []int
	RateLimit      float64
	Mode           string
}

// Fingerprint computes a stable digest over the sorted, normalized
// config fields using uuid.NewSHA1's deterministic construction rather
// than a random UUID, so the same Config always yields the same
// fingerprint, letting a resumed run compare it against a freshly
// computed one.
func Fingerprint(cfg Config) string {
	namespaces := append([]int(nil), cfg.Namespaces...)
	sort.Ints(namespaces)

	parts := make([]string, 0, len(namespaces)+2)
	for _, ns := range namespaces {
		parts = append(parts, strconv.Itoa(ns))
	}
	parts = append(parts, cfg.Mode, strconv.FormatFloat(cfg.RateLimit, 'g', -1, 64))

	digest := uuid.NewSHA1(uuid.Nil, []byte(strings.Join(parts, "|")))
	return digest.String()
}

// Store manages a checkpoint file at a fixed path.
type Store struct {
	path string
}

// New returns a Store rooted at path.
func New(path string) *Store {
	return &Store{path: path}
}

// Exists reports whether a checkpoint is present AND valid. A corrupt file
// is treated as absent.
func (s *Store) Exists() bool {
	doc, errE := s.Load()
	return errE == nil && doc != nil
}

// Load reads and validates the checkpoint file. A missing file returns
// (nil, nil); a present-but-unparseable or incomplete file returns
// ErrCorruptCheckpoint.
func (s *Store) Load() (*Document, errors.E) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil //nolint:nilnil
		}
		return nil, errors.WithStack(err)
	}

	var doc Document
	decoder := json.NewDecoder(strings.NewReader(string(data)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&doc); err != nil {
		errE := errors.WithStack(ErrCorruptCheckpoint)
		errors.Details(errE)["path"] = s.path
		errors.Details(errE)["cause"] = err.Error()
		return nil, errE
	}

	if doc.Fingerprint == "" || doc.RunMode == "" {
		errE := errors.WithStack(ErrCorruptCheckpoint)
		errors.Details(errE)["path"] = s.path
		errors.Details(errE)["reason"] = "missing required field"
		return nil, errE
	}

	return &doc, nil
}

// Save persists doc atomically: write to a sibling temp file, fsync it,
// then rename over the target. A reader can never observe a partially
// written checkpoint.
func (s *Store) Save(doc *Document) errors.E {
	doc.Timestamp = time.Now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WithStack(err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return errors.WithStack(err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
		return errors.WithStack(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return errors.WithStack(err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return errors.WithStack(err)
	}

	return nil
}

// Delete removes the checkpoint file. Called on successful run
// completion. Absence is not an error.
func (s *Store) Delete() errors.E {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	return nil
}

// MarkPageComplete appends pageID to the in-flight namespace's completed
// set if not already present, and persists immediately: idempotent, and
// durable before returning.
func (s *Store) MarkPageComplete(doc *Document, pageID int64) errors.E {
	for _, id := range doc.CompletedPageIDs {
		if id == pageID {
			return nil
		}
	}
	doc.CompletedPageIDs = append(doc.CompletedPageIDs, pageID)
	return s.Save(doc)
}

// MarkNamespaceComplete moves ns into CompletedNamespaces, clears the
// in-flight page set (it belonged to the namespace just finished), and
// persists immediately.
func (s *Store) MarkNamespaceComplete(doc *Document, ns int) errors.E {
	for _, completed := range doc.CompletedNamespaces {
		if completed == ns {
			return nil
		}
	}
	doc.CompletedNamespaces = append(doc.CompletedNamespaces, ns)
	doc.CompletedPageIDs = nil
	if doc.CurrentNamespace != nil && *doc.CurrentNamespace == ns {
		doc.CurrentNamespace = nil
	}
	return s.Save(doc)
}

// IsPageComplete reports whether pageID was already recorded as complete
// within the in-flight namespace.
func (doc *Document) IsPageComplete(pageID int64) bool {
	for _, id := range doc.CompletedPageIDs {
		if id == pageID {
			return true
		}
	}
	return false
}

// IsNamespaceComplete reports whether ns was already recorded as complete.
func (doc *Document) IsNamespaceComplete(ns int) bool {
	for _, completed := range doc.CompletedNamespaces {
		if completed == ns {
			return true
		}
	}
	return false
}
