package navigation

import "github.com/JakeFAU/yearscan/internal/crawler"

// collect walks forward one page at a time. Matches are emitted in the order
// the page listed them.
func (c Controller) collect(s State, sum crawler.YearSummary, entries []crawler.PageEntry) Transition {
	if sum.Empty {
		streak := s.EmptyStreak + 1
		if c.MaxEmptyCollectPages > 0 && streak >= c.MaxEmptyCollectPages {
			return Transition{
				Next:    State{Kind: KindDone, Page: s.Page},
				Done:    true,
				Outcome: crawler.SessionStatusFound,
				Reason:  ReasonEmptyStreak,
			}
		}
		return Transition{
			Next:   State{Kind: KindCollect, Page: s.Page + 1, EmptyStreak: streak},
			Reason: ReasonEmpty,
		}
	}

	matches := Matches(entries, c.TargetYear)
	if sum.MaxYear < c.TargetYear {
		return Transition{
			Next:    State{Kind: KindDone, Page: s.Page},
			Emit:    matches,
			Done:    true,
			Outcome: crawler.SessionStatusFound,
			Reason:  ReasonPastTarget,
		}
	}
	return Transition{
		Next:   State{Kind: KindCollect, Page: s.Page + 1},
		Emit:   matches,
		Reason: ReasonCollected,
	}
}

// Matches returns the entries published in year, preserving order.
func Matches(entries []crawler.PageEntry, year int) []crawler.PageEntry {
	var out []crawler.PageEntry
	for _, e := range entries {
		if e.Year == year {
			out = append(out, e)
		}
	}
	return out
}
