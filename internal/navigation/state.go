// Package navigation holds the page-range discovery state machine. It locates
// the first listing page whose newest entry is no newer than the target year
// and then walks forward collecting the target year's entries.
//
// Everything here is pure: Controller.Step maps a state and the entries seen
// on the page that state asked for to the next state. Fetching, epochs and
// emission live in the session package.
package navigation

import (
	"fmt"

	"github.com/JakeFAU/yearscan/internal/crawler"
)

// Kind names a navigation phase.
type Kind string

// Navigation phases in the order a session passes through them.
const (
	KindExpand        Kind = "expand"
	KindBinaryFindAny Kind = "bin_find_any"
	KindLeftmost      Kind = "leftmost"
	KindCollect       Kind = "collect"
	KindDone          Kind = "done"
)

// State is the controller's whole memory between fetches. Page is always the
// page this state wants fetched next. Which other fields matter depends on
// Kind.
type State struct {
	Kind Kind `json:"kind"`
	Page int  `json:"page"`

	// expand
	Step       int `json:"step,omitempty"`
	LastTooNew int `json:"last_too_new,omitempty"`
	RightBound int `json:"right_bound,omitempty"`

	// bin_find_any, leftmost
	Low         int  `json:"low,omitempty"`
	High        int  `json:"high,omitempty"`
	HighChecked bool `json:"high_checked,omitempty"`

	// collect
	EmptyStreak int `json:"empty_streak,omitempty"`

	Epoch uint64 `json:"epoch"`
}

// Initial is the expand state a session starts from.
func Initial(startPage int) State {
	if startPage < 1 {
		startPage = 1
	}
	return State{Kind: KindExpand, Page: startPage, Step: 1, LastTooNew: startPage - 1}
}

// WithEpoch returns a copy stamped with e.
func (s State) WithEpoch(e uint64) State {
	s.Epoch = e
	return s
}

// Navigating reports whether the state is still searching for the boundary.
func (s State) Navigating() bool {
	switch s.Kind {
	case KindExpand, KindBinaryFindAny, KindLeftmost:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	switch s.Kind {
	case KindExpand:
		return fmt.Sprintf("expand{page=%d step=%d last_too_new=%d}", s.Page, s.Step, s.LastTooNew)
	case KindBinaryFindAny:
		return fmt.Sprintf("bin_find_any{low=%d high=%d page=%d}", s.Low, s.High, s.Page)
	case KindLeftmost:
		return fmt.Sprintf("leftmost{low=%d high=%d checked=%t page=%d}", s.Low, s.High, s.HighChecked, s.Page)
	case KindCollect:
		return fmt.Sprintf("collect{page=%d}", s.Page)
	default:
		return string(s.Kind)
	}
}

// ContainsTarget reports min <= target <= max for a non-empty page.
func ContainsTarget(sum crawler.YearSummary, target int) bool {
	return !sum.Empty && sum.MinYear <= target && target <= sum.MaxYear
}

// TooNew reports that every entry on the page postdates target.
func TooNew(sum crawler.YearSummary, target int) bool {
	return !sum.Empty && sum.MinYear > target
}

// TooOld reports that every entry on the page predates target.
func TooOld(sum crawler.YearSummary, target int) bool {
	return !sum.Empty && sum.MaxYear < target
}

// IsClean reports that nothing on the page is newer than target.
func IsClean(sum crawler.YearSummary, target int) bool {
	return !sum.Empty && sum.MaxYear <= target
}
