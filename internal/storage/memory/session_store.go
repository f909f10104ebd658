package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/yearscan/internal/crawler"
)

// SessionStore keeps session records and their collected items in process.
// It also serves as a crawler.ItemSink.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]crawler.SessionRecord
	items    map[string][]crawler.Item
	now      func() time.Time
}

// NewSessionStore constructs a SessionStore. A nil clock uses time.Now.
func NewSessionStore(clock crawler.Clock) *SessionStore {
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &SessionStore{
		sessions: make(map[string]crawler.SessionRecord),
		items:    make(map[string][]crawler.Item),
		now:      now,
	}
}

// CreateSession stores a new record.
func (s *SessionStore) CreateSession(_ context.Context, record crawler.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[record.ID]; exists {
		return fmt.Errorf("create session %s: %w", record.ID, crawler.ErrSessionExists)
	}
	s.sessions[record.ID] = record
	return nil
}

// UpdateSessionStatus sets the status, error text and counters. Started and
// Finished are stamped on the first running and terminal updates.
func (s *SessionStore) UpdateSessionStatus(
	_ context.Context,
	sessionID string,
	status crawler.SessionStatus,
	errText string,
	counters crawler.SessionCounters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("update session %s: %w", sessionID, crawler.ErrSessionNotFound)
	}
	record.Status = status
	record.ErrorText = errText
	record.Counters = counters
	now := s.now().UTC()
	if status == crawler.SessionStatusRunning && record.Started == nil {
		record.Started = &now
	}
	if status.Terminal() && record.Finished == nil {
		record.Finished = &now
	}
	s.sessions[sessionID] = record
	return nil
}

// SetReportURI records where the session report was written.
func (s *SessionStore) SetReportURI(_ context.Context, sessionID string, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("set report uri %s: %w", sessionID, crawler.ErrSessionNotFound)
	}
	record.ReportURI = uri
	s.sessions[sessionID] = record
	return nil
}

// GetSession fetches a record by id.
func (s *SessionStore) GetSession(_ context.Context, sessionID string) (crawler.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return crawler.SessionRecord{}, fmt.Errorf("get session %s: %w", sessionID, crawler.ErrSessionNotFound)
	}
	return record, nil
}

// Accept appends item to its session's item list.
func (s *SessionStore) Accept(_ context.Context, item crawler.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.SessionID] = append(s.items[item.SessionID], item)
	return nil
}

// ListItems returns a copy of the items collected for sessionID, in emission order.
func (s *SessionStore) ListItems(_ context.Context, sessionID string) ([]crawler.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.items[sessionID]
	out := make([]crawler.Item, len(items))
	copy(out, items)
	return out, nil
}
