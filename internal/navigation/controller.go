package navigation

import "github.com/JakeFAU/yearscan/internal/crawler"

// maxInPlaceHops bounds how many states may be evaluated against one page.
const maxInPlaceHops = 6

// Transition reasons, reported for logs and progress events.
const (
	ReasonTooNew         = "too_new"
	ReasonContainsTarget = "contains_target"
	ReasonTooOld         = "too_old"
	ReasonEmpty          = "empty"
	ReasonClean          = "clean"
	ReasonNotClean       = "not_clean"
	ReasonCollapsed      = "bracket_collapsed"
	ReasonBoundary       = "boundary_found"
	ReasonCollected      = "collected"
	ReasonPastTarget     = "past_target"
	ReasonEmptyStreak    = "empty_streak"
	ReasonFetchCeiling   = "fetch_ceiling"
)

// Controller decides the next page to fetch. It holds configuration only.
type Controller struct {
	TargetYear           int
	MaxFetches           int
	MaxEmptyCollectPages int
}

// New builds a controller from session parameters.
func New(params crawler.SessionParameters) Controller {
	params = params.ApplyDefaults()
	return Controller{
		TargetYear:           params.TargetYear,
		MaxFetches:           params.MaxFetches,
		MaxEmptyCollectPages: params.MaxEmptyCollectPages,
	}
}

// Observation is what was seen on the page a state asked for.
type Observation struct {
	Page    int
	Entries []crawler.PageEntry
	// OK is false when the fetch failed; the page then counts as empty.
	OK bool
	// Fetched is how many pages the session has fetched, this one included.
	Fetched int
}

// Transition is the effect of one step: either fetch Next.Page under Next,
// or stop with Outcome.
type Transition struct {
	Next    State
	Emit    []crawler.PageEntry
	Done    bool
	Outcome crawler.SessionStatus
	Reason  string
	// Boundary is the first clean page when this step located it, else 0.
	Boundary int
}

// Step advances s given the page it asked for. When the next state wants the
// page that was just observed, it is evaluated against the same observation
// instead of fetching that page again.
func (c Controller) Step(s State, obs Observation) Transition {
	sum := crawler.YearSummary{Empty: true}
	if obs.OK {
		sum = crawler.Summarize(obs.Entries)
	}

	var emitted []crawler.PageEntry
	var t Transition
	boundary := 0
	for hop := 0; hop < maxInPlaceHops; hop++ {
		t = c.stepOnce(s, sum, obs.Entries)
		emitted = append(emitted, t.Emit...)
		if t.Reason == ReasonBoundary {
			boundary = t.Next.Page
		}
		if t.Done || t.Next.Page != obs.Page {
			break
		}
		s = t.Next
	}
	t.Emit = emitted
	t.Boundary = boundary

	if !t.Done && t.Next.Navigating() && c.MaxFetches > 0 && obs.Fetched >= c.MaxFetches {
		return Transition{
			Next:     State{Kind: KindDone, Page: t.Next.Page},
			Emit:     t.Emit,
			Done:     true,
			Outcome:  crawler.SessionStatusTargetNotFound,
			Reason:   ReasonFetchCeiling,
			Boundary: t.Boundary,
		}
	}
	return t
}

func (c Controller) stepOnce(s State, sum crawler.YearSummary, entries []crawler.PageEntry) Transition {
	switch s.Kind {
	case KindExpand:
		return c.expand(s, sum)
	case KindBinaryFindAny:
		return c.binaryFindAny(s, sum)
	case KindLeftmost:
		return c.leftmost(s, sum)
	case KindCollect:
		return c.collect(s, sum, entries)
	default:
		return Transition{Next: s, Done: true, Outcome: crawler.SessionStatusFound}
	}
}

func (c Controller) expand(s State, sum crawler.YearSummary) Transition {
	target := c.TargetYear
	switch {
	case sum.Empty:
		next := s
		next.Page++
		return Transition{Next: next, Reason: ReasonEmpty}
	case TooNew(sum, target):
		next := s
		next.LastTooNew = s.Page
		next.Page = s.Page + s.Step
		next.Step = s.Step * 2
		return Transition{Next: next, Reason: ReasonTooNew}
	case ContainsTarget(sum, target):
		return Transition{Next: leftmostAt(s.LastTooNew, s.Page), Reason: ReasonContainsTarget}
	default:
		low, high := s.LastTooNew, s.Page
		mid := (low + high) / 2
		if mid < 1 {
			mid = 1
		}
		if mid <= low {
			mid = low + 1
		}
		return Transition{
			Next:   State{Kind: KindBinaryFindAny, Page: mid, Low: low, High: high, RightBound: high},
			Reason: ReasonTooOld,
		}
	}
}

func (c Controller) binaryFindAny(s State, sum crawler.YearSummary) Transition {
	target := c.TargetYear
	if sum.Empty {
		if s.Page+1 < s.High {
			next := s
			next.Page++
			return Transition{Next: next, Reason: ReasonEmpty}
		}
		return Transition{Next: leftmostAt(s.Low, s.High), Reason: ReasonCollapsed}
	}
	if ContainsTarget(sum, target) {
		return Transition{Next: leftmostAt(s.Low, s.Page), Reason: ReasonContainsTarget}
	}

	low, high := s.Low, s.High
	reason := ReasonTooOld
	if TooNew(sum, target) {
		low = s.Page
		reason = ReasonTooNew
	} else {
		high = s.Page
	}
	if low+1 >= high {
		return Transition{Next: leftmostAt(low, high), Reason: ReasonCollapsed}
	}
	mid := midpoint(low, high, s.Page, reason == ReasonTooOld)
	return Transition{
		Next:   State{Kind: KindBinaryFindAny, Page: mid, Low: low, High: high, RightBound: s.RightBound},
		Reason: reason,
	}
}

func (c Controller) leftmost(s State, sum crawler.YearSummary) Transition {
	target := c.TargetYear
	if sum.Empty {
		switch {
		case !s.HighChecked:
			next := s
			next.High = s.Page + 1
			next.Page = next.High
			return Transition{Next: next, Reason: ReasonEmpty}
		case s.Page+1 < s.High:
			next := s
			next.Page++
			return Transition{Next: next, Reason: ReasonEmpty}
		}
		// An empty page right before a clean high is taken as clean: starting
		// collection one page early cannot skip a matching entry.
		sum = crawler.YearSummary{MinYear: target, MaxYear: target}
	}

	clean := IsClean(sum, target)
	low, high := s.Low, s.High
	if !s.HighChecked {
		if !clean {
			jump := s.Page - s.Low
			if jump < 1 {
				jump = 1
			}
			next := State{Kind: KindLeftmost, Low: s.Low, High: s.Page + jump}
			next.Page = next.High
			return Transition{Next: next, Reason: ReasonNotClean}
		}
		high = s.Page
	} else if clean {
		high = s.Page
	} else {
		low = s.Page
	}

	reason := ReasonNotClean
	if clean {
		reason = ReasonClean
	}
	if low+1 >= high {
		return Transition{Next: State{Kind: KindCollect, Page: high}, Reason: ReasonBoundary}
	}
	mid := midpoint(low, high, s.Page, clean)
	return Transition{
		Next:   State{Kind: KindLeftmost, Page: mid, Low: low, High: high, HighChecked: true},
		Reason: reason,
	}
}

func leftmostAt(low, high int) State {
	return State{Kind: KindLeftmost, Page: high, Low: low, High: high}
}

// midpoint picks a probe strictly inside (low, high) that differs from the
// page just probed. It needs low+1 < high.
func midpoint(low, high, probed int, movedHigh bool) int {
	mid := low + (high-low)/2
	if mid == probed {
		if movedHigh {
			mid--
		} else {
			mid++
		}
	}
	if mid <= low {
		mid = low + 1
	}
	if mid >= high {
		mid = high - 1
	}
	return mid
}
