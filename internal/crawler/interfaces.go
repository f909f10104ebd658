package crawler

import (
	"context"
	"io"
	"time"
)

// PageFetcher fetches one listing page and parses its entries.
// A non-nil error is a transient failure; the navigation core treats it as an
// empty page and never retries on its own.
type PageFetcher interface {
	Fetch(ctx context.Context, req PageRequest) (Page, error)
}

// ItemSink receives matching entries during collection. Implementations must be
// safe for concurrent use by multiple sessions.
type ItemSink interface {
	Accept(ctx context.Context, item Item) error
}

// SessionStore persists session and item metadata.
type SessionStore interface {
	CreateSession(ctx context.Context, record SessionRecord) error
	UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus, errText string, counters SessionCounters) error
	SetReportURI(ctx context.Context, sessionID string, uri string) error
	GetSession(ctx context.Context, sessionID string) (SessionRecord, error)
	ListItems(ctx context.Context, sessionID string) ([]Item, error)
}

// BlobStore writes session reports and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// HeadlessDetector decides whether a rendered fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe Page) bool
}

// RetryPolicy decides whether and when a failed fetch is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Queue provides enqueue/dequeue semantics for crawl sessions.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
