package crawler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SessionStatus represents the lifecycle state of a crawl session.
type SessionStatus string

// Session status values persisted in the session store.
const (
	SessionStatusQueued         SessionStatus = "queued"
	SessionStatusRunning        SessionStatus = "running"
	SessionStatusFound          SessionStatus = "found"
	SessionStatusTargetNotFound SessionStatus = "target_not_found"
	SessionStatusCanceled       SessionStatus = "canceled"
	SessionStatusFailed         SessionStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusFound, SessionStatusTargetNotFound, SessionStatusCanceled, SessionStatusFailed:
		return true
	default:
		return false
	}
}

// Default session knobs applied when a request leaves them unset.
const (
	DefaultMaxFetches           = 10000
	DefaultStartPage            = 1
	DefaultMaxEmptyCollectPages = 25
)

var (
	// ErrSessionNotFound is returned by session stores for unknown ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when a session id is created twice.
	ErrSessionExists = errors.New("session already exists")
	// ErrQueueClosed is returned by Queue.Dequeue once no more items will arrive.
	ErrQueueClosed = errors.New("queue closed")
)

// ErrInvalidTemplate is returned when a page URL template cannot take a page number.
var ErrInvalidTemplate = errors.New("page url template must contain exactly one %d verb")

// PageEntry is one item card read from a listing page.
type PageEntry struct {
	Year int    `json:"year"`
	URL  string `json:"url"`
	// Timestamp is empty when the card carried no parseable date.
	Timestamp string `json:"timestamp,omitempty"`
}

// YearSummary is the year range observed on a page.
type YearSummary struct {
	MinYear int  `json:"min_year"`
	MaxYear int  `json:"max_year"`
	Empty   bool `json:"empty"`
}

// Summarize reduces entries to their year range.
func Summarize(entries []PageEntry) YearSummary {
	if len(entries) == 0 {
		return YearSummary{Empty: true}
	}
	summary := YearSummary{MinYear: entries[0].Year, MaxYear: entries[0].Year}
	for _, e := range entries[1:] {
		if e.Year < summary.MinYear {
			summary.MinYear = e.Year
		}
		if e.Year > summary.MaxYear {
			summary.MaxYear = e.Year
		}
	}
	return summary
}

// PageRequest asks a PageFetcher for one listing page.
type PageRequest struct {
	SessionID string
	Number    int
	URL       string
}

// Page is what a PageFetcher returns for a successful fetch.
type Page struct {
	Number       int
	URL          string
	StatusCode   int
	Entries      []PageEntry
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// FetchResult is the outcome of one page fetch as seen by the navigation core.
// OK is false for transient failures; those are handled like empty pages.
type FetchResult struct {
	Page    int
	Entries []PageEntry
	OK      bool
}

// Item is a matching entry handed to an ItemSink during collection.
type Item struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	Page      int    `json:"page"`
	Year      int    `json:"year"`
	Timestamp string `json:"timestamp,omitempty"`
}

// SessionParameters captures per-session configuration knobs requested by the client.
type SessionParameters struct {
	TargetYear           int               `json:"target_year" mapstructure:"target_year"`
	BasePageURLTemplate  string            `json:"base_page_url_template" mapstructure:"base_page_url_template"`
	MaxFetches           int               `json:"max_fetches_before_giving_up" mapstructure:"max_fetches_before_giving_up"`
	StartPage            int               `json:"start_page" mapstructure:"start_page"`
	MaxEmptyCollectPages int               `json:"max_empty_collect_pages" mapstructure:"max_empty_collect_pages"`
	Tags                 map[string]string `json:"tags,omitempty" mapstructure:"tags"`
}

// ApplyDefaults fills unset knobs.
func (p SessionParameters) ApplyDefaults() SessionParameters {
	if p.MaxFetches <= 0 {
		p.MaxFetches = DefaultMaxFetches
	}
	if p.StartPage <= 0 {
		p.StartPage = DefaultStartPage
	}
	if p.MaxEmptyCollectPages < 0 {
		p.MaxEmptyCollectPages = 0
	}
	return p
}

// Validate enforces required values.
func (p SessionParameters) Validate() error {
	if p.TargetYear <= 0 {
		return fmt.Errorf("target_year must be > 0")
	}
	if strings.TrimSpace(p.BasePageURLTemplate) == "" {
		return fmt.Errorf("base_page_url_template is required")
	}
	if err := ValidateTemplate(p.BasePageURLTemplate); err != nil {
		return err
	}
	if p.MaxFetches < 0 {
		return fmt.Errorf("max_fetches_before_giving_up must be >= 0")
	}
	if p.StartPage < 0 {
		return fmt.Errorf("start_page must be >= 0")
	}
	return nil
}

// ValidateTemplate checks that template has one integer verb and nothing else to substitute.
func ValidateTemplate(template string) error {
	if strings.Count(template, "%d") != 1 {
		return ErrInvalidTemplate
	}
	if strings.Count(strings.ReplaceAll(template, "%%", ""), "%") != 1 {
		return ErrInvalidTemplate
	}
	return nil
}

// PageURL renders the URL of page n.
func PageURL(template string, n int) string {
	return fmt.Sprintf(template, n)
}

// SessionCounters tracks fetch and emission stats per session.
type SessionCounters struct {
	PagesFetched     int `json:"pages_fetched"`
	PagesEmpty       int `json:"pages_empty"`
	FetchFailures    int `json:"fetch_failures"`
	StaleDiscarded   int `json:"stale_discarded"`
	ItemsEmitted     int `json:"items_emitted"`
	DuplicateItems   int `json:"duplicate_items"`
	SinkErrors       int `json:"sink_errors"`
	CollectStartPage int `json:"collect_start_page,omitempty"`
}

// SessionRecord is the metadata persisted for each submitted crawl session.
type SessionRecord struct {
	ID         string            `json:"id"`
	Status     SessionStatus     `json:"status"`
	Submitted  time.Time         `json:"submitted_at"`
	Started    *time.Time        `json:"started_at,omitempty"`
	Finished   *time.Time        `json:"finished_at,omitempty"`
	ErrorText  string            `json:"error_text,omitempty"`
	Parameters SessionParameters `json:"parameters"`
	Counters   SessionCounters   `json:"counters"`
	ReportURI  string            `json:"report_uri,omitempty"`
}

// SessionResult is returned by the API result endpoint.
type SessionResult struct {
	Session SessionRecord `json:"session"`
	Items   []Item        `json:"items"`
}

// QueueItem wraps a session ready to run.
type QueueItem struct {
	SessionID string
	Params    SessionParameters
	Attempt   int
	Submitted int64
}
