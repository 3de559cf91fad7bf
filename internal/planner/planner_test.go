package planner_test

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"fetchline/internal/dates"
	"fetchline/internal/domain"
	"fetchline/internal/graph"
	"fetchline/internal/planner"
)

var today = dates.New(2025, time.November, 7)

type fakeSource struct {
	files map[string][]domain.Snapshot // key present = file exists
	conns map[string]bool
	t95   map[string]int
	panic bool
}

func (f *fakeSource) GetSnapshots(_ context.Context, key string) ([]domain.Snapshot, bool, error) {
	if f.panic {
		panic("store exploded")
	}
	snaps, ok := f.files[key]
	return snaps, ok, nil
}

func (f *fakeSource) Connection(_ context.Context, key string) (bool, error) {
	return f.conns[key], nil
}

func (f *fakeSource) Latency(_ context.Context, key string) (int, bool, error) {
	t95, ok := f.t95[key]
	return t95, ok, nil
}

type fakeRegistry map[string][]string

func (r fakeRegistry) ExpectedValues(key string) []string { return r[key] }

func singleTargetGraph() graph.Graph {
	return graph.Graph{
		ID:      "funnel",
		Version: 1,
		Edges: []graph.Edge{{
			ID: "e1", From: "a", To: "b",
			BaseProbability: &graph.Param{ID: "param-1"},
		}},
	}
}

func newTestPlanner(src *fakeSource) *planner.Planner {
	p := planner.New(src, fakeRegistry{"channel": {"google", "meta"}}, 0)
	p.Today = func() dates.CalendarDate { return today }
	base := time.Date(2025, time.November, 7, 12, 0, 0, 0, time.UTC)
	calls := 0
	p.Now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}
	return p
}

// coveringSnapshot fully covers the given window.
func coveringSnapshot(key string, w dates.Window, retrievedAt string) domain.Snapshot {
	return domain.Snapshot{
		ID:             "snap-" + key,
		TargetKey:      key,
		Kind:           domain.SnapshotParameter,
		From:           w.Start,
		To:             w.End,
		Dates:          w.Days(),
		RetrievedAt:    retrievedAt,
		QuerySignature: "sig-1",
	}
}

func mustWindow(t *testing.T, start, end dates.CalendarDate) dates.Window {
	t.Helper()
	w, err := dates.NewWindow(start, end)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestNoStoreEntryConnectedNeedsFetch(t *testing.T) {
	src := &fakeSource{files: map[string][]domain.Snapshot{}, conns: map[string]bool{"param-1": true}}
	p := newTestPlanner(src)
	res, err := p.Analyse(context.Background(), singleTargetGraph(), "window(1-Nov-25:7-Nov-25)", "test")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.NotCovered {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if len(res.FetchPlanItems) != 1 || res.FetchPlanItems[0].Classification != domain.NeedsFetch {
		t.Fatalf("unexpected plan items %+v", res.FetchPlanItems)
	}
}

func TestNoWindowShortCircuits(t *testing.T) {
	src := &fakeSource{files: map[string][]domain.Snapshot{}, conns: map[string]bool{"param-1": true}}
	p := newTestPlanner(src)
	res, err := p.Analyse(context.Background(), singleTargetGraph(), "context(channel:google)", "test")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.OutcomeCovered {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if len(res.FetchPlanItems) != 0 {
		t.Fatalf("expected zero fetch plan items")
	}
	if res.Summaries.ButtonTooltip == "" || res.Summaries.ShowToast {
		t.Fatalf("expected quiet no-window summary, got %+v", res.Summaries)
	}
}

func TestMalformedDSLDegradesToNoWindow(t *testing.T) {
	src := &fakeSource{files: map[string][]domain.Snapshot{}, conns: map[string]bool{"param-1": true}}
	p := newTestPlanner(src)
	res, err := p.Analyse(context.Background(), singleTargetGraph(), "window(((", "test")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.OutcomeCovered || len(res.FetchPlanItems) != 0 {
		t.Fatalf("malformed dsl should degrade, got %+v", res.Outcome)
	}
}

func TestMatureCoverageIsStable(t *testing.T) {
	w := mustWindow(t, dates.New(2025, time.October, 1), dates.New(2025, time.October, 7))
	src := &fakeSource{
		files: map[string][]domain.Snapshot{"param-1": {coveringSnapshot("param-1", w, "2025-10-08T00:00:00Z")}},
		conns: map[string]bool{"param-1": true},
		t95:   map[string]int{"param-1": 10},
	}
	p := newTestPlanner(src)
	res, err := p.Analyse(context.Background(), singleTargetGraph(), "window(1-Oct-25:7-Oct-25)", "test")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.OutcomeCovered {
		t.Fatalf("outcome = %s, want covered_stable", res.Outcome)
	}
}

func TestImmatureCoverageIsStaleCandidate(t *testing.T) {
	w := mustWindow(t, dates.New(2025, time.November, 1), today)
	src := &fakeSource{
		files: map[string][]domain.Snapshot{"param-1": {coveringSnapshot("param-1", w, "2025-11-04T00:00:00Z")}},
		conns: map[string]bool{"param-1": true},
		t95:   map[string]int{"param-1": 10},
	}
	p := newTestPlanner(src)
	res, err := p.Analyse(context.Background(), singleTargetGraph(), "window(1-Nov-25:7-Nov-25)", "test")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.OutcomeCoveredStale {
		t.Fatalf("outcome = %s, want covered_stale", res.Outcome)
	}
	if len(res.StaleCandidates) != 1 || res.StaleCandidates[0].Classification != domain.StaleCandidate {
		t.Fatalf("unexpected stale candidates %+v", res.StaleCandidates)
	}
}

func TestFileOnlyNeverStale(t *testing.T) {
	w := mustWindow(t, dates.New(2025, time.November, 1), today)
	src := &fakeSource{
		files: map[string][]domain.Snapshot{"param-1": {coveringSnapshot("param-1", w, "2025-11-07T00:00:00Z")}},
		conns: map[string]bool{}, // not connected
		t95:   map[string]int{"param-1": 365},
	}
	p := newTestPlanner(src)
	res, err := p.Analyse(context.Background(), singleTargetGraph(), "window(1-Nov-25:7-Nov-25)", "test")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.OutcomeCovered {
		t.Fatalf("file-only full coverage must be covered_stable, got %s", res.Outcome)
	}
	if len(res.StaleCandidates) != 0 {
		t.Fatalf("file-only target classified stale: %+v", res.StaleCandidates)
	}
}

func TestMissingDatesNeverPass(t *testing.T) {
	// Coverage stops two days short of the window end.
	partial := mustWindow(t, dates.New(2025, time.November, 1), dates.New(2025, time.November, 5))
	snap := coveringSnapshot("param-1", partial, "2025-11-06T00:00:00Z")
	for _, connected := range []bool{true, false} {
		src := &fakeSource{
			files: map[string][]domain.Snapshot{"param-1": {snap}},
			conns: map[string]bool{"param-1": connected},
		}
		p := newTestPlanner(src)
		res, err := p.Analyse(context.Background(), singleTargetGraph(), "window(1-Nov-25:7-Nov-25)", "test")
		if err != nil {
			t.Fatal(err)
		}
		var item domain.PlanItem
		switch {
		case len(res.FetchPlanItems) == 1:
			item = res.FetchPlanItems[0]
		case len(res.UnfetchableGaps) == 1:
			item = res.UnfetchableGaps[0]
		default:
			t.Fatalf("connected=%v: gap target missing from result", connected)
		}
		if item.Classification == domain.CoveredStable || item.Classification == domain.StaleCandidate {
			t.Fatalf("connected=%v: gap classified %s", connected, item.Classification)
		}
		if len(item.MissingDates) != 2 {
			t.Fatalf("connected=%v: expected 2 missing dates, got %d", connected, len(item.MissingDates))
		}
		if connected && item.Classification != domain.NeedsFetch {
			t.Fatalf("connected gap should be needs_fetch, got %s", item.Classification)
		}
		if !connected && item.Classification != domain.FileOnlyGap {
			t.Fatalf("file-only gap should be file_only_gap, got %s", item.Classification)
		}
	}
}

func TestUnfetchableGapDoesNotBlockOutcome(t *testing.T) {
	g := singleTargetGraph()
	g.Edges[0].LabourCost = &graph.Param{ID: "param-2"}
	w := mustWindow(t, dates.New(2025, time.October, 1), dates.New(2025, time.October, 7))
	src := &fakeSource{
		// param-1 covered and mature; param-2 has no file and no connection.
		files: map[string][]domain.Snapshot{"param-1": {coveringSnapshot("param-1", w, "2025-10-20T00:00:00Z")}},
		conns: map[string]bool{"param-1": true},
	}
	p := newTestPlanner(src)
	res, err := p.Analyse(context.Background(), g, "window(1-Oct-25:7-Oct-25)", "test")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.OutcomeCovered {
		t.Fatalf("gap target leaked into outcome: %s", res.Outcome)
	}
	if len(res.UnfetchableGaps) != 1 || res.UnfetchableGaps[0].Classification != domain.UnfetchableGap {
		t.Fatalf("expected surfaced unfetchable gap, got %+v", res.UnfetchableGaps)
	}
}

func TestMECESelectionFeedsCoverage(t *testing.T) {
	w := mustWindow(t, dates.New(2025, time.October, 1), dates.New(2025, time.October, 7))
	var snaps []domain.Snapshot
	for i, ch := range []string{"google", "meta"} {
		s := coveringSnapshot("param-1", w, "2025-10-20T00:00:00Z")
		s.ID = fmt.Sprintf("s%d", i)
		s.SliceDSL = "context(channel:" + ch + ")"
		snaps = append(snaps, s)
	}
	src := &fakeSource{
		files: map[string][]domain.Snapshot{"param-1": snaps},
		conns: map[string]bool{"param-1": true},
	}
	p := newTestPlanner(src)
	res, err := p.Analyse(context.Background(), singleTargetGraph(), "window(1-Oct-25:7-Oct-25)", "test")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.OutcomeCovered {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if len(res.AutoAggregationItems) != 1 {
		t.Fatalf("expected the MECE-covered target to be an auto-aggregation item")
	}
}

func TestIdempotence(t *testing.T) {
	src := &fakeSource{files: map[string][]domain.Snapshot{}, conns: map[string]bool{"param-1": true}}
	p := newTestPlanner(src)
	g := singleTargetGraph()
	first, err := p.Analyse(context.Background(), g, "window(1-Nov-25:7-Nov-25)", "initial")
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Analyse(context.Background(), g, "window(1-Nov-25:7-Nov-25)", "re-render")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("cached result differs:\n%+v\n%+v", first, second)
	}
	if first.AnalysisContext.Timestamp != second.AnalysisContext.Timestamp {
		t.Fatalf("timestamp changed on cache hit")
	}
}

func TestInvalidateCacheRecomputes(t *testing.T) {
	src := &fakeSource{files: map[string][]domain.Snapshot{}, conns: map[string]bool{"param-1": true}}
	p := newTestPlanner(src)
	g := singleTargetGraph()
	first, _ := p.Analyse(context.Background(), g, "window(1-Nov-25:7-Nov-25)", "a")
	p.InvalidateCache()
	second, _ := p.Analyse(context.Background(), g, "window(1-Nov-25:7-Nov-25)", "b")
	if first.AnalysisContext.Timestamp == second.AnalysisContext.Timestamp {
		t.Fatalf("expected fresh timestamp after invalidation")
	}
}

func TestGraphVersionChangesKey(t *testing.T) {
	src := &fakeSource{files: map[string][]domain.Snapshot{}, conns: map[string]bool{"param-1": true}}
	p := newTestPlanner(src)
	g := singleTargetGraph()
	first, _ := p.Analyse(context.Background(), g, "window(1-Nov-25:7-Nov-25)", "a")
	g.Version = 2
	second, _ := p.Analyse(context.Background(), g, "window(1-Nov-25:7-Nov-25)", "a")
	if first.AnalysisContext.Timestamp == second.AnalysisContext.Timestamp {
		t.Fatalf("version bump should miss the cache")
	}
}

func TestInternalFaultFailsSafe(t *testing.T) {
	src := &fakeSource{panic: true, conns: map[string]bool{}}
	p := newTestPlanner(src)
	res, err := p.Analyse(context.Background(), singleTargetGraph(), "window(1-Nov-25:7-Nov-25)", "test")
	if err != nil {
		t.Fatalf("fault must not propagate: %v", err)
	}
	if res.Outcome != domain.NotCovered {
		t.Fatalf("fault must fail toward not_covered, got %s", res.Outcome)
	}
	if len(res.UnfetchableGaps) == 0 {
		t.Fatalf("expected diagnostic gap entry")
	}
}
