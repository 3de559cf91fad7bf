package store_test

import (
	"context"
	"testing"
	"time"

	"fetchline/internal/dates"
	"fetchline/internal/db"
	"fetchline/internal/domain"
	"fetchline/internal/graph"
	"fetchline/internal/migrate"
	"fetchline/internal/store"
)

type testEnv struct {
	Store store.Store
	Ctx   context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.New(conn)
	s.Now = func() time.Time { return time.Date(2025, 11, 7, 12, 0, 0, 0, time.UTC) }
	s.Events.Now = s.Now
	return testEnv{Store: s, Ctx: context.Background()}
}

func sampleSnapshot(target string) domain.Snapshot {
	from := dates.New(2025, time.November, 1)
	to := dates.New(2025, time.November, 7)
	w, _ := dates.NewWindow(from, to)
	return domain.Snapshot{
		TargetKey: target,
		Kind:      domain.SnapshotParameter,
		From:      from,
		To:        to,
		Dates:     w.Days(),
	}
}

func TestGetSnapshotsDistinguishesNoFile(t *testing.T) {
	env := newTestEnv(t)
	_, found, err := env.Store.GetSnapshots(env.Ctx, "param-1")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatalf("expected no file before any import")
	}
	if err := env.Store.EnsureFile(env.Ctx, "param-1"); err != nil {
		t.Fatal(err)
	}
	snaps, found, err := env.Store.GetSnapshots(env.Ctx, "param-1")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatalf("expected file after EnsureFile")
	}
	if len(snaps) != 0 {
		t.Fatalf("expected empty snapshot list, got %d", len(snaps))
	}
}

func TestImportSnapshotsMintsIdentity(t *testing.T) {
	env := newTestEnv(t)
	imported, err := env.Store.ImportSnapshots(env.Ctx, []domain.Snapshot{
		sampleSnapshot("param-1"),
		sampleSnapshot("param-2"),
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(imported) != 2 {
		t.Fatalf("expected 2 imported, got %d", len(imported))
	}
	if imported[0].ID == "" || imported[0].RetrievedAt == "" {
		t.Fatalf("expected minted id and timestamp: %+v", imported[0])
	}
	if imported[0].QuerySignature == "" || imported[0].QuerySignature != imported[1].QuerySignature {
		t.Fatalf("slices imported together should share one minted generation")
	}
	snaps, found, err := env.Store.GetSnapshots(env.Ctx, "param-1")
	if err != nil || !found || len(snaps) != 1 {
		t.Fatalf("read back: %v found=%v n=%d", err, found, len(snaps))
	}
	if len(snaps[0].Dates) != 7 {
		t.Fatalf("dates lost in round trip: %d", len(snaps[0].Dates))
	}
	if snaps[0].From != dates.New(2025, time.November, 1) {
		t.Fatalf("range lost in round trip: %v", snaps[0].From)
	}
}

func TestImportPreservesExplicitSignature(t *testing.T) {
	env := newTestEnv(t)
	snap := sampleSnapshot("param-1")
	snap.SliceDSL = "context(channel:google)"
	snap.QuerySignature = "sig-explicit"
	snap.RetrievedAt = "2025-11-01T00:00:00Z"
	imported, err := env.Store.ImportSnapshots(env.Ctx, []domain.Snapshot{snap}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if imported[0].QuerySignature != "sig-explicit" || imported[0].RetrievedAt != "2025-11-01T00:00:00Z" {
		t.Fatalf("explicit identity overwritten: %+v", imported[0])
	}
}

func TestConnectionDefaultsToFileOnly(t *testing.T) {
	env := newTestEnv(t)
	connected, err := env.Store.Connection(env.Ctx, "param-1")
	if err != nil {
		t.Fatal(err)
	}
	if connected {
		t.Fatalf("absent connection state should read as file-only")
	}
	if err := env.Store.SetConnection(env.Ctx, "param-1", true, "tester"); err != nil {
		t.Fatal(err)
	}
	connected, err = env.Store.Connection(env.Ctx, "param-1")
	if err != nil || !connected {
		t.Fatalf("expected live after set: %v %v", connected, err)
	}
}

func TestLatencyModel(t *testing.T) {
	env := newTestEnv(t)
	_, found, err := env.Store.Latency(env.Ctx, "param-1")
	if err != nil || found {
		t.Fatalf("expected no model: %v %v", found, err)
	}
	if err := env.Store.SetLatency(env.Ctx, "param-1", 10, "tester"); err != nil {
		t.Fatal(err)
	}
	t95, found, err := env.Store.Latency(env.Ctx, "param-1")
	if err != nil || !found || t95 != 10 {
		t.Fatalf("unexpected model %d %v %v", t95, found, err)
	}
	if err := env.Store.SetLatency(env.Ctx, "param-1", -1, "tester"); err == nil {
		t.Fatalf("negative t95 should be rejected")
	}
}

func TestRegistryReplaceAndLookup(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Store.SetRegistry(env.Ctx, "channel", []string{"google", "meta"}, "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.Store.SetRegistry(env.Ctx, "channel", []string{"google", "meta", "email"}, "tester"); err != nil {
		t.Fatal(err)
	}
	values := env.Store.ExpectedValues("channel")
	if len(values) != 3 {
		t.Fatalf("expected replacement semantics, got %v", values)
	}
	view, err := env.Store.LoadRegistry(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(view["channel"]) != 3 {
		t.Fatalf("unexpected view %v", view)
	}
}

func TestGraphVersionBumps(t *testing.T) {
	env := newTestEnv(t)
	g := graph.Graph{ID: "funnel", Edges: []graph.Edge{{ID: "e1", From: "a", To: "b"}}}
	first, err := env.Store.UpsertGraph(env.Ctx, g, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if first.Version != 1 {
		t.Fatalf("first import should be version 1, got %d", first.Version)
	}
	second, err := env.Store.UpsertGraph(env.Ctx, g, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if second.Version != 2 {
		t.Fatalf("second import should bump version, got %d", second.Version)
	}
	stored, err := env.Store.GetGraph(env.Ctx, "funnel")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Version != 2 || len(stored.Edges) != 1 {
		t.Fatalf("unexpected stored graph %+v", stored)
	}
}

func TestSingleGraph(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Store.SingleGraph(env.Ctx); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.Store.UpsertGraph(env.Ctx, graph.Graph{ID: "g1"}, "tester"); err != nil {
		t.Fatal(err)
	}
	g, err := env.Store.SingleGraph(env.Ctx)
	if err != nil || g.ID != "g1" {
		t.Fatalf("single graph: %v %v", g.ID, err)
	}
	if _, err := env.Store.UpsertGraph(env.Ctx, graph.Graph{ID: "g2"}, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Store.SingleGraph(env.Ctx); err == nil {
		t.Fatalf("expected ambiguity error with two graphs")
	}
}

func TestEventsAppended(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Store.ImportSnapshots(env.Ctx, []domain.Snapshot{sampleSnapshot("param-1")}, "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.Store.SetConnection(env.Ctx, "param-1", true, "tester"); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Store.TailEvents(env.Ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evts))
	}
	if evts[0].Type != "connection.set" || evts[1].Type != "snapshot.imported" {
		t.Fatalf("unexpected event order: %s, %s", evts[0].Type, evts[1].Type)
	}
}

// The store satisfies the planner's collaborator contracts end to end.
func TestStoreFeedsPlannerShapes(t *testing.T) {
	env := newTestEnv(t)
	snap := sampleSnapshot("param-1")
	snap.SliceDSL = "context(channel:google)"
	if _, err := env.Store.ImportSnapshots(env.Ctx, []domain.Snapshot{snap}, "tester"); err != nil {
		t.Fatal(err)
	}
	snaps, found, err := env.Store.GetSnapshots(env.Ctx, "param-1")
	if err != nil || !found {
		t.Fatalf("lookup: %v %v", found, err)
	}
	if snaps[0].ContextValue("channel") != "google" {
		t.Fatalf("slice predicate lost: %q", snaps[0].SliceDSL)
	}
}
