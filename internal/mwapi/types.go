// Package mwapi implements the typed MediaWiki action=query client: page
// listing, revision history, file info/download, recent changes, and log
// events, all driven by server-issued continuation tokens.
package mwapi

import "time"

// PageDescriptor is one row of a generator=allpages / prop=info result:
// the identity of a page before its revisions are fetched. The field set
// mirrors what prop=info actually returns, since responses are decoded
// strictly and an unlisted field is a decode error.
type PageDescriptor struct {
	PageID               int64     `json:"pageid"`
	Namespace            int       `json:"ns"`
	Title                string    `json:"title"`
	IsRedirect           bool      `json:"redirect"`
	IsNew                bool      `json:"new"`
	ContentModel         string    `json:"contentmodel"`
	PageLanguage         string    `json:"pagelanguage"`
	PageLanguageHTMLCode string    `json:"pagelanguagehtmlcode"`
	PageLanguageDir      string    `json:"pagelanguagedir"`
	Touched              time.Time `json:"touched"`
	LastRevisionID       int64     `json:"lastrevid"`
	Length               int64     `json:"length"`
	Missing              bool      `json:"missing"`
}

// Revision is one prop=revisions result. Content MUST be read from the body
// field (Slots.Main.Content) and never from any summary/extract field; a
// historical bug demonstrated that relying on a summary field yields empty
// content.
type Revision struct {
	RevisionID int64      `json:"revid"`
	ParentID   int64      `json:"parentid"`
	Timestamp  time.Time  `json:"timestamp"`
	User       string     `json:"user"`
	UserID     int64      `json:"userid"`
	Anonymous  bool       `json:"anon"`
	Comment    string     `json:"comment"`
	Size       int64      `json:"size"`
	SHA1       string     `json:"sha1"`
	Minor      bool       `json:"minor"`
	Tags       []string   `json:"tags"`
	Slots      revSlots   `json:"slots"`
}

type revSlots struct {
	Main revSlotMain `json:"main"`
}

type revSlotMain struct {
	ContentModel  string `json:"contentmodel"`
	ContentFormat string `json:"contentformat"`
	Content       string `json:"content"`
}

// Content returns the revision's wikitext body, read from the body field
// per the client's contract (never from a summary/extract field).
func (r Revision) Content() string {
	return r.Slots.Main.Content
}

// FileInfo is the result of prop=imageinfo for one filename.
type FileInfo struct {
	Filename        string
	URL             string
	DescriptionURL  string
	SHA1            string
	Size            int64
	Width           *int
	Height          *int
	MimeType        string
	Timestamp       time.Time
	Uploader        string
}

// ChangeType classifies a recentchanges/logevents record.
type ChangeType string

const (
	ChangeEdit   ChangeType = "edit"
	ChangeNew    ChangeType = "new"
	ChangeMove   ChangeType = "move"
	ChangeDelete ChangeType = "delete"
)

// RecentChange is one list=recentchanges record.
type RecentChange struct {
	PageID        int64
	Type          ChangeType
	Timestamp     time.Time
	LastRevisionID int64
}

// LogEvent is one list=logevents record for type=move or type=delete.
type LogEvent struct {
	Type      ChangeType
	PageID    int64
	Title     string
	NewTitle  string // set for move events
	Timestamp time.Time
}
