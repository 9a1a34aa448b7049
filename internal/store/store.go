// Package store is the storage core: a relational schema and a set of
// repositories portable between an embedded SQLite database and a server
// PostgreSQL database, sharing one body of SQL between both engines.
package store

import "database/sql"

// Store is the storage handle: the open database connection plus
// which SQL dialect extensions (bind(), triggers) apply to it. All
// repositories are accessors off a *Store rather than standalone
// functions, so a caller never has to thread engine alongside db.
type Store struct {
	DB     *sql.DB
	Engine Engine
}

// New wraps an already-open, already-migrated database connection.
func New(db *sql.DB, engine Engine) *Store {
	return &Store{DB: db, Engine: engine}
}

func (s *Store) bind(query string) string {
	return bind(s.Engine, query)
}

// Pages returns the PageRepository.
func (s *Store) Pages() *PageRepository {
	return &PageRepository{store: s}
}

// Revisions returns the RevisionRepository.
func (s *Store) Revisions() *RevisionRepository {
	return &RevisionRepository{store: s}
}

// Files returns the FileRepository.
func (s *Store) Files() *FileRepository {
	return &FileRepository{store: s}
}

// Links returns the LinkRepository.
func (s *Store) Links() *LinkRepository {
	return &LinkRepository{store: s}
}

// ScrapeRuns returns the ScrapeRunRepository.
func (s *Store) ScrapeRuns() *ScrapeRunRepository {
	return &ScrapeRunRepository{store: s}
}

// PageRunStatuses returns the PageRunStatusRepository.
func (s *Store) PageRunStatuses() *PageRunStatusRepository {
	return &PageRunStatusRepository{store: s}
}
