package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mindstreamlabs/cognitived/internal/wire"
)

// Sample sources.
const (
	SourceProduction = "production"
	SourceSynthetic  = "synthetic"
)

// TrainingSample is a persisted (window, context, label) triple for
// offline retraining.
type TrainingSample struct {
	ID                 string
	InterventionID     string // empty for negatives
	ExternalActivityID int64
	Window             [][]float64
	Context            []float64
	Label              string
	Source             string
	CreatedAt          time.Time
	UsedInTraining     bool
}

// InsertSample persists a training sample. Negatives (label "none") must
// carry no intervention id; positives must carry one.
func (s *Store) InsertSample(ctx context.Context, ts *TrainingSample) error {
	if (ts.Label == string(wire.KindNone)) != (ts.InterventionID == "") {
		return fmt.Errorf("sample %s: label %q inconsistent with intervention_id %q",
			ts.ID, ts.Label, ts.InterventionID)
	}
	window, err := json.Marshal(ts.Window)
	if err != nil {
		return fmt.Errorf("encoding window: %w", err)
	}
	ctxVec, err := json.Marshal(ts.Context)
	if err != nil {
		return fmt.Errorf("encoding context: %w", err)
	}

	var interventionID any
	if ts.InterventionID != "" {
		interventionID = ts.InterventionID
	}
	source := ts.Source
	if source == "" {
		source = SourceProduction
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO training_samples
			(id, intervention_id, external_activity_id, window, context,
			 label, source, created_at, used_in_training)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		ts.ID, interventionID, ts.ExternalActivityID, string(window),
		string(ctxVec), ts.Label, source, ts.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting sample %s: %w", ts.ID, err)
	}
	return nil
}

// RelabelSampleNone overwrites the label of the sample paired with an
// intervention to "none". Called exactly once, when the intervention is
// graded WORSENED.
func (s *Store) RelabelSampleNone(ctx context.Context, interventionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE training_samples SET label = ?
		WHERE intervention_id = ?`,
		string(wire.KindNone), interventionID)
	if err != nil {
		return fmt.Errorf("relabeling sample for %s: %w", interventionID, err)
	}
	return nil
}

// SampleByIntervention fetches the sample paired with an intervention.
func (s *Store) SampleByIntervention(ctx context.Context, interventionID string) (*TrainingSample, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(intervention_id, ''), external_activity_id,
		       window, context, label, source, created_at, used_in_training
		FROM training_samples WHERE intervention_id = ?`, interventionID)
	return scanSample(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSample(row rowScanner) (*TrainingSample, error) {
	var ts TrainingSample
	var window, ctxVec string
	if err := row.Scan(&ts.ID, &ts.InterventionID, &ts.ExternalActivityID,
		&window, &ctxVec, &ts.Label, &ts.Source, &ts.CreatedAt,
		&ts.UsedInTraining); err != nil {
		return nil, fmt.Errorf("scanning sample: %w", err)
	}
	if err := json.Unmarshal([]byte(window), &ts.Window); err != nil {
		return nil, fmt.Errorf("decoding window of %s: %w", ts.ID, err)
	}
	if err := json.Unmarshal([]byte(ctxVec), &ts.Context); err != nil {
		return nil, fmt.Errorf("decoding context of %s: %w", ts.ID, err)
	}
	ts.Label = migrateLabel(ts.Label)
	return &ts, nil
}

// migrateLabel normalizes legacy integer labels to the string form used
// everywhere today.
func migrateLabel(label string) string {
	switch label {
	case "0":
		return string(wire.KindNone)
	case "1":
		return string(wire.KindVibration)
	case "2":
		return string(wire.KindInstruction)
	case "3":
		return string(wire.KindPause)
	default:
		return label
	}
}
