package planner

import (
	"context"
	"fmt"
	"time"

	"fetchline/internal/dates"
	"fetchline/internal/domain"
	"fetchline/internal/generation"
	"fetchline/internal/graph"
	"fetchline/internal/query"
	"fetchline/internal/window"
)

// SnapshotSource is the owning-file collaborator. Found=false means no
// file exists for the target at all, which is distinct from a file with an
// empty snapshot list.
type SnapshotSource interface {
	GetSnapshots(ctx context.Context, targetKey string) (snaps []domain.Snapshot, found bool, err error)
	Connection(ctx context.Context, targetKey string) (bool, error)
	Latency(ctx context.Context, targetKey string) (t95Days int, found bool, err error)
}

// Planner classifies every enumerated target against a query window and
// aggregates one outcome. It never fetches, never batches, and never
// mutates the store; the result cache is its only mutable state.
type Planner struct {
	Source              SnapshotSource
	Registry            generation.Registry
	RequireCompleteMECE bool

	// Today and Now are injectable for deterministic tests.
	Today func() dates.CalendarDate
	Now   func() time.Time

	cache *resultCache
}

// New builds a planner with its own result cache. cacheSize <= 0 selects
// the default bound.
func New(src SnapshotSource, reg generation.Registry, cacheSize int) *Planner {
	return &Planner{
		Source:   src,
		Registry: reg,
		Today:    dates.Today,
		Now:      time.Now,
		cache:    newResultCache(cacheSize),
	}
}

func (p *Planner) today() dates.CalendarDate {
	if p.Today != nil {
		return p.Today()
	}
	return dates.Today()
}

func (p *Planner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// InvalidateCache clears all memoized results unconditionally.
func (p *Planner) InvalidateCache() {
	p.cache.invalidate()
}

// Analyse classifies every target of g against the query dsl. Results are
// memoized by (graph id+version, dsl); a hit returns the prior result
// unchanged, including its original timestamp, regardless of reason.
// Analyse never lets an internal fault escape: it fails safe toward
// not_covered with a diagnostic entry, never toward a false covered_stable.
func (p *Planner) Analyse(ctx context.Context, g graph.Graph, dsl, reason string) (res domain.PlannerResult, err error) {
	key := cacheKey(g.ID, g.Version, dsl)
	if cached, ok := p.cache.get(key); ok {
		return cached, nil
	}

	defer func() {
		if r := recover(); r != nil {
			res = p.failSafe(dsl, fmt.Sprintf("internal fault: %v", r))
			err = nil
		}
	}()

	res = p.analyse(ctx, g, dsl)
	p.cache.set(key, res)
	return res, nil
}

func (p *Planner) analyse(ctx context.Context, g graph.Graph, dsl string) domain.PlannerResult {
	res := domain.PlannerResult{
		Status:               "complete",
		FetchPlanItems:       []domain.PlanItem{},
		AutoAggregationItems: []domain.PlanItem{},
		StaleCandidates:      []domain.PlanItem{},
		UnfetchableGaps:      []domain.PlanItem{},
		AnalysisContext: domain.AnalysisContext{
			DSL:       dsl,
			Timestamp: p.now().UTC().Format(time.RFC3339),
		},
	}

	// A query we cannot parse degrades to "no temporal clause": there is
	// nothing to check, not a fault to raise.
	constraints, parseErr := query.Parse(dsl)
	if parseErr != nil {
		constraints = query.Constraints{}
	}
	win, ok := window.Resolve(constraints, p.today())
	if !ok {
		res.Outcome = domain.OutcomeCovered
		summarize(&res, nil, true)
		return res
	}

	today := p.today()
	var items []domain.PlanItem
	for _, target := range graph.Enumerate(g) {
		item, err := p.classifyTarget(ctx, target, win, today)
		if err != nil {
			// Store faults degrade to a diagnostic fetch entry rather than
			// claiming coverage that was never verified.
			item = domain.PlanItem{
				Target:         target,
				Classification: domain.NeedsFetch,
				Window:         &win,
				Detail:         fmt.Sprintf("store error: %v", err),
			}
		}
		items = append(items, item)
		switch item.Classification {
		case domain.NeedsFetch:
			res.FetchPlanItems = append(res.FetchPlanItems, item)
		case domain.StaleCandidate:
			res.StaleCandidates = append(res.StaleCandidates, item)
		case domain.FileOnlyGap, domain.UnfetchableGap:
			res.UnfetchableGaps = append(res.UnfetchableGaps, item)
		}
		if item.Classification == domain.CoveredStable && item.Detail == detailMECE {
			res.AutoAggregationItems = append(res.AutoAggregationItems, item)
		}
	}

	res.Outcome = aggregate(items)
	summarize(&res, &win, false)
	return res
}

// detailMECE marks items whose authoritative data is a context partition
// the consumer must aggregate across slices.
const detailMECE = "mece_partition"

func (p *Planner) classifyTarget(ctx context.Context, target domain.FetchTarget, win dates.Window, today dates.CalendarDate) (domain.PlanItem, error) {
	tkey := target.Key()
	snaps, found, err := p.Source.GetSnapshots(ctx, tkey)
	if err != nil {
		return domain.PlanItem{}, err
	}
	connected, err := p.Source.Connection(ctx, tkey)
	if err != nil {
		return domain.PlanItem{}, err
	}
	t95, hasT95, err := p.Source.Latency(ctx, tkey)
	if err != nil {
		return domain.PlanItem{}, err
	}

	st := targetState{
		HasFile:   found,
		Connected: connected,
		T95Days:   t95,
		HasT95:    hasT95,
	}
	var sel generation.Selection
	if found {
		sel = generation.Select(snaps, generation.CandidateKey(snaps), p.Registry, p.RequireCompleteMECE)
		st.Snapshots = sel.Snapshots
	}

	cls, missing := classify(win, st, today)
	item := domain.PlanItem{
		Target:         target,
		Classification: cls,
		Window:         &win,
		MissingDates:   missing,
	}
	if cls == domain.CoveredStable && sel.Kind == generation.SelectionMECE {
		item.Detail = detailMECE
	}
	return item, nil
}

// failSafe is the never-throw envelope for unexpected faults.
func (p *Planner) failSafe(dsl, detail string) domain.PlannerResult {
	res := domain.PlannerResult{
		Status:         "complete",
		Outcome:        domain.NotCovered,
		FetchPlanItems: []domain.PlanItem{},
		StaleCandidates: []domain.PlanItem{},
		AutoAggregationItems: []domain.PlanItem{},
		UnfetchableGaps: []domain.PlanItem{
			{Classification: domain.UnfetchableGap, Detail: detail},
		},
		AnalysisContext: domain.AnalysisContext{
			DSL:       dsl,
			Timestamp: p.now().UTC().Format(time.RFC3339),
		},
	}
	res.Summaries = domain.Summaries{
		ButtonTooltip: "Analysis failed; treating window as not covered.",
		ShowToast:     true,
		ToastMessage:  detail,
	}
	return res
}
