// Package progress defines the event structures emitted by crawl sessions.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSessionStart    Stage = "SESSION_START"
	StagePageFetched     Stage = "PAGE_FETCHED"
	StagePageEmpty       Stage = "PAGE_EMPTY"
	StageFetchFailed     Stage = "FETCH_FAILED"
	StageStaleDiscarded  Stage = "STALE_DISCARDED"
	StagePhaseChange     Stage = "PHASE_CHANGE"
	StageItemEmitted     Stage = "ITEM_EMITTED"
	StageSessionDone     Stage = "SESSION_DONE"
	StageSessionNotFound Stage = "SESSION_NOT_FOUND"
	StageSessionCanceled Stage = "SESSION_CANCELED"
	StageSessionError    Stage = "SESSION_ERROR"
)

// Terminal reports whether the stage closes a session.
func (s Stage) Terminal() bool {
	switch s {
	case StageSessionDone, StageSessionNotFound, StageSessionCanceled, StageSessionError:
		return true
	default:
		return false
	}
}

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page fetches.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single step of session progress.
type Event struct {
	// SessionID identifies the session using the 16-byte UUID form.
	SessionID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or page milestone occurred.
	Stage Stage
	// Site is the listing host.
	Site string
	// Phase is the navigation phase the page was fetched under.
	Phase string
	// Page is the listing page number for page-level stages.
	Page int
	// Entries is how many cards the page yielded.
	Entries int
	MinYear int
	MaxYear int
	// Items counts entries handed to the item sink.
	Items int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur is fetch latency for page stages and wall time for terminal stages.
	Dur time.Duration
	// Note carries low-volume context such as a transition reason or error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == [16]byte{} {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart, StageSessionDone, StageSessionNotFound, StageSessionCanceled, StageSessionError:
	case StagePageFetched, StagePageEmpty, StageFetchFailed, StageStaleDiscarded, StageItemEmitted:
		if e.Page < 1 {
			return fmt.Errorf("%s requires page >= 1", e.Stage)
		}
	case StagePhaseChange:
		if e.Phase == "" {
			return errors.New("phase change requires phase")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// SessionUUID converts the binary session ID to uuid.UUID for repositories.
func (e Event) SessionUUID() uuid.UUID {
	return uuid.UUID(e.SessionID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// SessionKey maps a session id string to the Event form. Non-UUID ids are
// hashed into a stable name-based UUID.
func SessionKey(id string) [16]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		parsed = uuid.NewSHA1(uuid.NameSpaceURL, []byte("yearscan:"+id))
	}
	return UUIDToBytes(parsed)
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
