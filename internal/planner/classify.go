package planner

import (
	"fmt"

	"fetchline/internal/dates"
	"fetchline/internal/domain"
)

// targetState is everything the classifier needs about one target beyond
// the shared window: the authoritative snapshot set (post generation
// selection), whether the owning file exists at all, the connection state,
// and the latency model if one is declared.
type targetState struct {
	Snapshots []domain.Snapshot
	HasFile   bool
	Connected bool
	T95Days   int
	HasT95    bool
}

// classify assigns the single per-target verdict. Missing dates are never
// silently dropped: any gap forces needs_fetch or file_only_gap, never a
// partial pass.
func classify(win dates.Window, st targetState, today dates.CalendarDate) (domain.Classification, []dates.CalendarDate) {
	if !st.HasFile {
		if st.Connected {
			return domain.NeedsFetch, win.Days()
		}
		return domain.UnfetchableGap, win.Days()
	}

	covered := map[dates.CalendarDate]bool{}
	for _, s := range st.Snapshots {
		for _, d := range s.Dates {
			covered[d] = true
		}
	}
	var missing []dates.CalendarDate
	for _, d := range win.Days() {
		if !covered[d] {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		if st.Connected {
			// The fetch executor may diff; the plan asks for the whole window.
			return domain.NeedsFetch, missing
		}
		return domain.FileOnlyGap, missing
	}

	// Full coverage. Maturity only matters for live sources: a static file
	// has no future revision to wait for.
	if st.HasT95 && st.Connected {
		for _, d := range win.Days() {
			if today.DaysSince(d) < st.T95Days {
				return domain.StaleCandidate, nil
			}
		}
	}
	return domain.CoveredStable, nil
}

// aggregate folds per-target classifications into the single outcome. Gap
// classifications never influence it; they are surfaced separately so a
// consumer can warn without blocking the answerability signal.
func aggregate(items []domain.PlanItem) domain.Outcome {
	anyStale := false
	for _, it := range items {
		switch it.Classification {
		case domain.NeedsFetch:
			return domain.NotCovered
		case domain.StaleCandidate:
			anyStale = true
		}
	}
	if anyStale {
		return domain.OutcomeCoveredStale
	}
	return domain.OutcomeCovered
}

// summarize derives the presentational strings. Not part of the hard
// contract; any consumer may recompute this from the classification lists.
func summarize(res *domain.PlannerResult, win *dates.Window, noWindow bool) {
	gaps := len(res.UnfetchableGaps)
	switch {
	case noWindow:
		res.Summaries = domain.Summaries{
			ButtonTooltip: "No window in query; cached data treated as complete.",
		}
	case res.Outcome == domain.NotCovered:
		msg := fmt.Sprintf("%d target(s) need fetching for %s.", len(res.FetchPlanItems), win)
		res.Summaries = domain.Summaries{
			ButtonTooltip: msg,
			ShowToast:     true,
			ToastMessage:  msg,
		}
	case res.Outcome == domain.OutcomeCoveredStale:
		res.Summaries = domain.Summaries{
			ButtonTooltip: fmt.Sprintf("Window %s covered; %d target(s) still maturing.", win, len(res.StaleCandidates)),
		}
	default:
		res.Summaries = domain.Summaries{
			ButtonTooltip: fmt.Sprintf("Window %s fully covered.", win),
		}
	}
	if gaps > 0 {
		res.Summaries.ButtonTooltip += fmt.Sprintf(" %d target(s) cannot be completed automatically.", gaps)
	}
}
