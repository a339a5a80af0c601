package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mindstreamlabs/cognitived/internal/cluster"
	"github.com/mindstreamlabs/cognitived/internal/wire"
)

// CatalogEntry is a stored, pre-authored intervention payload. The
// catalog is maintained by an external content service; the resolver
// only reads it.
type CatalogEntry struct {
	Topic          string
	Subtopic       string
	ActivityType   string
	Kind           wire.Kind
	CognitiveEvent string
	ContentType    string // texto | video
	Body           string
}

func (s *Store) catalogQuery(ctx context.Context, where string, args ...any) (*CatalogEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT topic, subtopic, activity_type, kind, cognitive_event,
		       content_type, body
		FROM content_catalog WHERE `+where+` LIMIT 1`, args...)

	var e CatalogEntry
	var kind string
	err := row.Scan(&e.Topic, &e.Subtopic, &e.ActivityType, &kind,
		&e.CognitiveEvent, &e.ContentType, &e.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("catalog lookup: %w", err)
	}
	e.Kind = wire.Kind(kind)
	return &e, true, nil
}

// CatalogExact looks up the most specific fingerprint:
// (topic, subtopic, kind, cognitive_event).
func (s *Store) CatalogExact(ctx context.Context, topic, subtopic string, kind wire.Kind, cognitiveEvent string) (*CatalogEntry, bool, error) {
	return s.catalogQuery(ctx,
		"topic = ? AND subtopic = ? AND kind = ? AND cognitive_event = ?",
		topic, subtopic, string(kind), cognitiveEvent)
}

// CatalogByActivityType is the first fallback: (topic, activity_type, kind).
func (s *Store) CatalogByActivityType(ctx context.Context, topic, activityType string, kind wire.Kind) (*CatalogEntry, bool, error) {
	return s.catalogQuery(ctx,
		"topic = ? AND activity_type = ? AND kind = ?",
		topic, activityType, string(kind))
}

// CatalogByTopic is the last fallback: (topic, kind).
func (s *Store) CatalogByTopic(ctx context.Context, topic string, kind wire.Kind) (*CatalogEntry, bool, error) {
	return s.catalogQuery(ctx, "topic = ? AND kind = ?", topic, string(kind))
}

// InsertCatalogEntry seeds a catalog row. Exposed for tests and local
// bootstrapping; production rows come from the content service.
func (s *Store) InsertCatalogEntry(ctx context.Context, e *CatalogEntry) error {
	contentType := e.ContentType
	if contentType == "" {
		contentType = "texto"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_catalog
			(topic, subtopic, activity_type, kind, cognitive_event,
			 content_type, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Topic, e.Subtopic, e.ActivityType, string(e.Kind),
		e.CognitiveEvent, contentType, e.Body)
	if err != nil {
		return fmt.Errorf("inserting catalog entry: %w", err)
	}
	return nil
}

// UpsertClusterMetadata flushes the detector's labeled centroids. Runs
// off the hot path on a timer.
func (s *Store) UpsertClusterMetadata(ctx context.Context, centroids []cluster.Centroid, at time.Time) error {
	for _, c := range centroids {
		centroid, err := json.Marshal(c.Center)
		if err != nil {
			return fmt.Errorf("encoding centroid %d: %w", c.ClusterID, err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO cluster_metadata
				(cluster_id, label, sample_count, centroid, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(cluster_id) DO UPDATE SET
				label = excluded.label,
				sample_count = excluded.sample_count,
				centroid = excluded.centroid,
				updated_at = excluded.updated_at`,
			c.ClusterID, c.Label, c.SampleCount, string(centroid), at.UTC())
		if err != nil {
			return fmt.Errorf("upserting cluster %d: %w", c.ClusterID, err)
		}
	}
	return nil
}
