// Package store persists interventions, training samples, cluster
// metadata and the read-only content catalog.
//
// Storage is sqlite via database/sql; windows and snapshots are JSON
// columns. The interventions table is written by the inference node and
// read back by its evaluator; no other component writes it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mindstreamlabs/cognitived/internal/wire"
)

// Store wraps the sqlite handle.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS interventions (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	activity_uuid TEXT NOT NULL,
	external_activity_id INTEGER NOT NULL,
	kind TEXT NOT NULL,
	confidence REAL NOT NULL,
	fired_at TIMESTAMP NOT NULL,
	pre_snapshot TEXT NOT NULL,
	context_snapshot TEXT NOT NULL,
	result TEXT NOT NULL DEFAULT 'pending',
	result_evaluated_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_interventions_pending
	ON interventions(result, fired_at);

CREATE TABLE IF NOT EXISTS training_samples (
	id TEXT PRIMARY KEY,
	intervention_id TEXT REFERENCES interventions(id),
	external_activity_id INTEGER NOT NULL,
	window TEXT NOT NULL,
	context TEXT NOT NULL,
	label TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT 'production',
	created_at TIMESTAMP NOT NULL,
	used_in_training INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_training_samples_intervention
	ON training_samples(intervention_id);

CREATE TABLE IF NOT EXISTS cluster_metadata (
	cluster_id INTEGER PRIMARY KEY,
	label TEXT NOT NULL,
	characteristics TEXT NOT NULL DEFAULT '{}',
	sample_count INTEGER NOT NULL,
	centroid TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS content_catalog (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	topic TEXT NOT NULL,
	subtopic TEXT NOT NULL DEFAULT '',
	activity_type TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	cognitive_event TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT 'texto',
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_content_catalog_topic
	ON content_catalog(topic, kind);
`

// Open opens (creating if needed) the sqlite database at path. Use
// ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite at %s: %w", path, err)
	}
	// sqlite tolerates one writer; the node serializes writes per stream
	// but evaluation workers run concurrently.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the handle for readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// SnapshotEntry is one frame of a pre-intervention buffer snapshot.
type SnapshotEntry struct {
	Features     []float64 `json:"features"`
	FaceDetected bool      `json:"face_detected"`
	At           time.Time `json:"at"`
}

// ContextSnapshot captures the stream's view at fire time; the evaluator
// diffs it against the post-intervention view.
type ContextSnapshot struct {
	Vector        []float64 `json:"vector"`
	State         string    `json:"state"`
	Stability     float64   `json:"stability"`
	AttentionPre  float64   `json:"attention_pre"`
	NegativePre   float64   `json:"negative_pre"`
	FaceRatioPre  float64   `json:"face_ratio_pre"`
}

// Intervention is a persisted intervention decision.
type Intervention struct {
	ID                 string
	SessionID          string
	ActivityUUID       string
	ExternalActivityID int64
	Kind               wire.Kind
	Confidence         float64
	FiredAt            time.Time
	PreSnapshot        []SnapshotEntry
	ContextSnapshot    ContextSnapshot
	Result             wire.Result
	ResultEvaluatedAt  *time.Time
}

// InsertIntervention persists a freshly fired intervention with
// result=pending.
func (s *Store) InsertIntervention(ctx context.Context, iv *Intervention) error {
	pre, err := json.Marshal(iv.PreSnapshot)
	if err != nil {
		return fmt.Errorf("encoding pre snapshot: %w", err)
	}
	snap, err := json.Marshal(iv.ContextSnapshot)
	if err != nil {
		return fmt.Errorf("encoding context snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO interventions
			(id, session_id, activity_uuid, external_activity_id, kind,
			 confidence, fired_at, pre_snapshot, context_snapshot, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		iv.ID, iv.SessionID, iv.ActivityUUID, iv.ExternalActivityID,
		string(iv.Kind), iv.Confidence, iv.FiredAt.UTC(), string(pre),
		string(snap), string(wire.ResultPending))
	if err != nil {
		return fmt.Errorf("inserting intervention %s: %w", iv.ID, err)
	}
	return nil
}

// PendingBefore returns interventions still pending that fired at or
// before cutoff, oldest first.
func (s *Store) PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Intervention, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, activity_uuid, external_activity_id, kind,
		       confidence, fired_at, pre_snapshot, context_snapshot, result
		FROM interventions
		WHERE result = ? AND fired_at <= ?
		ORDER BY fired_at ASC
		LIMIT ?`,
		string(wire.ResultPending), cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending interventions: %w", err)
	}
	defer rows.Close()

	var out []Intervention
	for rows.Next() {
		var iv Intervention
		var kind, result, pre, snap string
		if err := rows.Scan(&iv.ID, &iv.SessionID, &iv.ActivityUUID,
			&iv.ExternalActivityID, &kind, &iv.Confidence, &iv.FiredAt,
			&pre, &snap, &result); err != nil {
			return nil, fmt.Errorf("scanning intervention: %w", err)
		}
		iv.Kind = wire.Kind(kind)
		iv.Result = wire.Result(result)
		if err := json.Unmarshal([]byte(pre), &iv.PreSnapshot); err != nil {
			return nil, fmt.Errorf("decoding pre snapshot of %s: %w", iv.ID, err)
		}
		if err := json.Unmarshal([]byte(snap), &iv.ContextSnapshot); err != nil {
			return nil, fmt.Errorf("decoding context snapshot of %s: %w", iv.ID, err)
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

// CompleteEvaluation transitions an intervention out of pending with a
// compare-and-set, so concurrent sweep workers grade it at most once.
// Returns false when another worker already completed it.
func (s *Store) CompleteEvaluation(ctx context.Context, id string, result wire.Result, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE interventions
		SET result = ?, result_evaluated_at = ?
		WHERE id = ? AND result = ?`,
		string(result), at.UTC(), id, string(wire.ResultPending))
	if err != nil {
		return false, fmt.Errorf("completing evaluation of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected for %s: %w", id, err)
	}
	return n == 1, nil
}

// GetIntervention fetches one intervention by id.
func (s *Store) GetIntervention(ctx context.Context, id string) (*Intervention, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, activity_uuid, external_activity_id, kind,
		       confidence, fired_at, pre_snapshot, context_snapshot, result,
		       result_evaluated_at
		FROM interventions WHERE id = ?`, id)

	var iv Intervention
	var kind, result, pre, snap string
	var evaluatedAt sql.NullTime
	err := row.Scan(&iv.ID, &iv.SessionID, &iv.ActivityUUID,
		&iv.ExternalActivityID, &kind, &iv.Confidence, &iv.FiredAt,
		&pre, &snap, &result, &evaluatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("intervention %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching intervention %s: %w", id, err)
	}
	iv.Kind = wire.Kind(kind)
	iv.Result = wire.Result(result)
	if evaluatedAt.Valid {
		t := evaluatedAt.Time
		iv.ResultEvaluatedAt = &t
	}
	if err := json.Unmarshal([]byte(pre), &iv.PreSnapshot); err != nil {
		return nil, fmt.Errorf("decoding pre snapshot of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(snap), &iv.ContextSnapshot); err != nil {
		return nil, fmt.Errorf("decoding context snapshot of %s: %w", id, err)
	}
	return &iv, nil
}
