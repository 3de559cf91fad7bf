package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fetchline/internal/dates"
	"fetchline/internal/domain"
	"fetchline/internal/events"
	"fetchline/internal/graph"
)

// Store is the sqlite-backed file registry: snapshot files, connection
// states, latency models, the context registry, and graph documents.
type Store struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var ErrNotFound = errors.New("not found")

func New(db *sql.DB) Store {
	return Store{
		DB:     db,
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// GetSnapshots returns the cached slices for a target. found=false means
// no file exists at all, which is distinct from a file with zero snapshots.
func (s Store) GetSnapshots(ctx context.Context, targetKey string) ([]domain.Snapshot, bool, error) {
	var exists int
	err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM files WHERE target_key=?`, targetKey).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,target_key,kind,slice_dsl,range_from,range_to,dates_json,retrieved_at,query_signature
		 FROM snapshots WHERE target_key=? ORDER BY retrieved_at, id`, targetKey)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	var snaps []domain.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, false, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, true, rows.Err()
}

func scanSnapshot(rows *sql.Rows) (domain.Snapshot, error) {
	var snap domain.Snapshot
	var from, to, datesJSON string
	if err := rows.Scan(&snap.ID, &snap.TargetKey, &snap.Kind, &snap.SliceDSL, &from, &to, &datesJSON, &snap.RetrievedAt, &snap.QuerySignature); err != nil {
		return snap, err
	}
	var err error
	if snap.From, err = parseISO(from); err != nil {
		return snap, fmt.Errorf("snapshot %s range_from: %w", snap.ID, err)
	}
	if snap.To, err = parseISO(to); err != nil {
		return snap, fmt.Errorf("snapshot %s range_to: %w", snap.ID, err)
	}
	var isoDates []string
	if err := json.Unmarshal([]byte(datesJSON), &isoDates); err != nil {
		return snap, fmt.Errorf("snapshot %s dates: %w", snap.ID, err)
	}
	for _, d := range isoDates {
		cd, err := parseISO(d)
		if err != nil {
			return snap, fmt.Errorf("snapshot %s dates: %w", snap.ID, err)
		}
		snap.Dates = append(snap.Dates, cd)
	}
	return snap, nil
}

// Connection reports whether the target has a live connection. Absent
// state means file-only.
func (s Store) Connection(ctx context.Context, targetKey string) (bool, error) {
	var connected int
	err := s.DB.QueryRowContext(ctx, `SELECT connected FROM connections WHERE target_key=?`, targetKey).Scan(&connected)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return connected != 0, nil
}

// Latency returns the target's t95 model if one is declared.
func (s Store) Latency(ctx context.Context, targetKey string) (int, bool, error) {
	var t95 int
	err := s.DB.QueryRowContext(ctx, `SELECT t95_days FROM latency_models WHERE target_key=?`, targetKey).Scan(&t95)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return t95, true, nil
}

// EnsureFile registers the owning file for a target without any snapshots.
func (s Store) EnsureFile(ctx context.Context, targetKey string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO files(target_key,created_at) VALUES (?,?)`,
		targetKey, s.now().UTC().Format(time.RFC3339))
	return err
}

// ImportSnapshots persists a batch of fetched slices. Missing ids, fetch
// timestamps and query signatures are minted; slices imported together and
// left without a signature share one minted generation.
func (s Store) ImportSnapshots(ctx context.Context, snaps []domain.Snapshot, actorID string) ([]domain.Snapshot, error) {
	if len(snaps) == 0 {
		return nil, nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := s.now().UTC().Format(time.RFC3339)
	batchSignature := uuid.New().String()
	out := make([]domain.Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		if snap.TargetKey == "" {
			return nil, fmt.Errorf("snapshot missing target key")
		}
		if snap.Kind == "" {
			snap.Kind = domain.SnapshotParameter
		}
		if snap.ID == "" {
			snap.ID = uuid.New().String()
		}
		if snap.RetrievedAt == "" {
			snap.RetrievedAt = now
		}
		if snap.QuerySignature == "" {
			snap.QuerySignature = batchSignature
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO files(target_key,created_at) VALUES (?,?)`, snap.TargetKey, now); err != nil {
			return nil, err
		}
		datesJSON, err := marshalDates(snap.Dates)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots(id,target_key,kind,slice_dsl,range_from,range_to,dates_json,retrieved_at,query_signature)
			 VALUES (?,?,?,?,?,?,?,?,?)`,
			snap.ID, snap.TargetKey, snap.Kind, snap.SliceDSL, snap.From.ISO(), snap.To.ISO(), datesJSON, snap.RetrievedAt, snap.QuerySignature); err != nil {
			return nil, fmt.Errorf("insert snapshot %s: %w", snap.ID, err)
		}
		out = append(out, snap)
	}
	if err := s.Events.Append(ctx, tx, "snapshot.imported", "", "snapshot", batchSignature, actorID, events.EventPayload{
		"count": len(out),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// SetConnection records whether a target has a live connection.
func (s Store) SetConnection(ctx context.Context, targetKey string, connected bool, actorID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	val := 0
	if connected {
		val = 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO connections(target_key,connected) VALUES (?,?)
		 ON CONFLICT(target_key) DO UPDATE SET connected=excluded.connected`, targetKey, val); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "connection.set", "", "connection", targetKey, actorID, events.EventPayload{
		"connected": connected,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SetLatency records a target's t95 maturity threshold in days.
func (s Store) SetLatency(ctx context.Context, targetKey string, t95Days int, actorID string) error {
	if t95Days < 0 {
		return fmt.Errorf("t95 must be >= 0")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO latency_models(target_key,t95_days) VALUES (?,?)
		 ON CONFLICT(target_key) DO UPDATE SET t95_days=excluded.t95_days`, targetKey, t95Days); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "latency.set", "", "latency", targetKey, actorID, events.EventPayload{
		"t95_days": t95Days,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SetRegistry replaces the expected value set for a context key.
func (s Store) SetRegistry(ctx context.Context, key string, values []string, actorID string) error {
	if key == "" {
		return fmt.Errorf("context key required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM context_registry WHERE key=?`, key); err != nil {
		return err
	}
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO context_registry(key,value) VALUES (?,?)`, key, v); err != nil {
			return err
		}
	}
	if err := s.Events.Append(ctx, tx, "registry.set", "", "registry", key, actorID, events.EventPayload{
		"values": values,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RegistryView is an in-memory copy of the context registry, usable as the
// generation selector's expected-value collaborator.
type RegistryView map[string][]string

func (r RegistryView) ExpectedValues(key string) []string {
	return r[key]
}

// ExpectedValues satisfies the generation selector's registry collaborator
// with a live lookup. A read failure reports no expected values, which
// leaves every generation incomplete rather than falsely complete.
func (s Store) ExpectedValues(key string) []string {
	view, err := s.LoadRegistry(context.Background())
	if err != nil {
		return nil
	}
	return view[key]
}

// LoadRegistry reads the full context registry.
func (s Store) LoadRegistry(ctx context.Context) (RegistryView, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key,value FROM context_registry ORDER BY key,value`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	view := RegistryView{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		view[key] = append(view[key], value)
	}
	return view, rows.Err()
}

// UpsertGraph stores a graph document, bumping its version.
func (s Store) UpsertGraph(ctx context.Context, g graph.Graph, actorID string) (graph.Graph, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return g, err
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx, `SELECT version FROM graphs WHERE id=?`, g.ID).Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return g, err
	}
	g.Version = version + 1
	doc, err := g.ToYAML()
	if err != nil {
		return g, err
	}
	now := s.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO graphs(id,version,doc_yaml,updated_at) VALUES (?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET version=excluded.version, doc_yaml=excluded.doc_yaml, updated_at=excluded.updated_at`,
		g.ID, g.Version, string(doc), now); err != nil {
		return g, err
	}
	if err := s.Events.Append(ctx, tx, "graph.imported", g.ID, "graph", g.ID, actorID, events.EventPayload{
		"version": g.Version,
	}); err != nil {
		return g, err
	}
	if err := tx.Commit(); err != nil {
		return g, err
	}
	return g, nil
}

// GetGraph loads a stored graph by id.
func (s Store) GetGraph(ctx context.Context, id string) (graph.Graph, error) {
	var doc string
	var version int
	err := s.DB.QueryRowContext(ctx, `SELECT version,doc_yaml FROM graphs WHERE id=?`, id).Scan(&version, &doc)
	if err == sql.ErrNoRows {
		return graph.Graph{}, ErrNotFound
	}
	if err != nil {
		return graph.Graph{}, err
	}
	g, err := graph.FromYAML([]byte(doc))
	if err != nil {
		return graph.Graph{}, err
	}
	g.Version = version
	return g, nil
}

// SingleGraph returns the only stored graph, erroring when none or many.
func (s Store) SingleGraph(ctx context.Context) (graph.Graph, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM graphs`)
	if err != nil {
		return graph.Graph{}, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return graph.Graph{}, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return graph.Graph{}, ErrNotFound
	}
	if len(ids) > 1 {
		return graph.Graph{}, fmt.Errorf("multiple graphs exist; specify --graph")
	}
	return s.GetGraph(ctx, ids[0])
}

// Event is one row of the append-only diary.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	GraphID    string `json:"graph_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// TailEvents returns the most recent events, newest first.
func (s Store) TailEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(graph_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.GraphID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalDates(ds []dates.CalendarDate) (string, error) {
	iso := make([]string, 0, len(ds))
	for _, d := range ds {
		iso = append(iso, d.ISO())
	}
	b, err := json.Marshal(iso)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func parseISO(s string) (dates.CalendarDate, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return dates.CalendarDate{}, err
	}
	return dates.FromTime(t), nil
}
