package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindstreamlabs/cognitived/internal/cluster"
	"github.com/mindstreamlabs/cognitived/internal/wire"
)

var fired = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testIntervention(id string) *Intervention {
	return &Intervention{
		ID:                 id,
		SessionID:          "s1",
		ActivityUUID:       "a1",
		ExternalActivityID: 7,
		Kind:               wire.KindInstruction,
		Confidence:         0.8,
		FiredAt:            fired,
		PreSnapshot: []SnapshotEntry{
			{Features: []float64{0.1, 0.2}, FaceDetected: true, At: fired},
		},
		ContextSnapshot: ContextSnapshot{
			Vector:       []float64{1, 1, 1, 0, 0, 0},
			State:        "frustration",
			Stability:    0.9,
			AttentionPre: 0.5,
			NegativePre:  0.4,
			FaceRatioPre: 1,
		},
		Result: wire.ResultPending,
	}
}

func TestInterventionRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.InsertIntervention(ctx, testIntervention("iv1")))

	got, err := s.GetIntervention(ctx, "iv1")
	require.NoError(t, err)
	assert.Equal(t, wire.KindInstruction, got.Kind)
	assert.Equal(t, wire.ResultPending, got.Result)
	assert.Equal(t, "frustration", got.ContextSnapshot.State)
	require.Len(t, got.PreSnapshot, 1)
	assert.True(t, got.PreSnapshot[0].FaceDetected)
	assert.Nil(t, got.ResultEvaluatedAt)
}

func TestPendingBefore(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	early := testIntervention("early")
	late := testIntervention("late")
	late.FiredAt = fired.Add(time.Hour)
	require.NoError(t, s.InsertIntervention(ctx, early))
	require.NoError(t, s.InsertIntervention(ctx, late))

	pending, err := s.PendingBefore(ctx, fired.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "early", pending[0].ID)

	pending, err = s.PendingBefore(ctx, fired.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	assert.Equal(t, "early", pending[0].ID, "oldest first")
}

func TestCompleteEvaluation_AtMostOnce(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.InsertIntervention(ctx, testIntervention("iv1")))

	won, err := s.CompleteEvaluation(ctx, "iv1", wire.ResultImproved, fired.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, won)

	// A second grade loses the compare-and-set.
	won, err = s.CompleteEvaluation(ctx, "iv1", wire.ResultWorsened, fired.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, won)

	got, err := s.GetIntervention(ctx, "iv1")
	require.NoError(t, err)
	assert.Equal(t, wire.ResultImproved, got.Result)
	require.NotNil(t, got.ResultEvaluatedAt)
}

func TestInsertSample_LabelInvariant(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	// Negative with an intervention id is rejected.
	err := s.InsertSample(ctx, &TrainingSample{
		ID: "bad1", InterventionID: "iv1", Label: "none",
		Window: [][]float64{{1}}, Context: []float64{0}, CreatedAt: fired,
	})
	assert.Error(t, err)

	// Positive without an intervention id is rejected.
	err = s.InsertSample(ctx, &TrainingSample{
		ID: "bad2", Label: "pause",
		Window: [][]float64{{1}}, Context: []float64{0}, CreatedAt: fired,
	})
	assert.Error(t, err)

	require.NoError(t, s.InsertSample(ctx, &TrainingSample{
		ID: "neg", Label: "none", ExternalActivityID: 7,
		Window: [][]float64{{1}}, Context: []float64{0}, CreatedAt: fired,
	}))
}

func TestRelabelSampleNone(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.InsertIntervention(ctx, testIntervention("iv1")))
	require.NoError(t, s.InsertSample(ctx, &TrainingSample{
		ID: "smp", InterventionID: "iv1", ExternalActivityID: 7,
		Label:  "instruction",
		Window: [][]float64{{0.1, 0.2}}, Context: []float64{1, 1, 1, 0, 0, 0},
		CreatedAt: fired,
	}))

	require.NoError(t, s.RelabelSampleNone(ctx, "iv1"))

	got, err := s.SampleByIntervention(ctx, "iv1")
	require.NoError(t, err)
	assert.Equal(t, "none", got.Label)
	assert.Equal(t, "iv1", got.InterventionID)
}

func TestMigrateLabel(t *testing.T) {
	assert.Equal(t, "none", migrateLabel("0"))
	assert.Equal(t, "vibration", migrateLabel("1"))
	assert.Equal(t, "instruction", migrateLabel("2"))
	assert.Equal(t, "pause", migrateLabel("3"))
	assert.Equal(t, "pause", migrateLabel("pause"))
}

func TestCatalogCascade(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.InsertCatalogEntry(ctx, &CatalogEntry{
		Topic: "algebra", Subtopic: "ecuaciones", Kind: wire.KindInstruction,
		CognitiveEvent: "confusion", Body: "exact match",
	}))
	require.NoError(t, s.InsertCatalogEntry(ctx, &CatalogEntry{
		Topic: "algebra", ActivityType: "quiz", Kind: wire.KindInstruction,
		Body: "activity type match",
	}))
	require.NoError(t, s.InsertCatalogEntry(ctx, &CatalogEntry{
		Topic: "algebra", Kind: wire.KindPause, Body: "topic match",
	}))

	e, found, err := s.CatalogExact(ctx, "algebra", "ecuaciones", wire.KindInstruction, "confusion")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "exact match", e.Body)
	assert.Equal(t, "texto", e.ContentType)

	e, found, err = s.CatalogByActivityType(ctx, "algebra", "quiz", wire.KindInstruction)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "activity type match", e.Body)

	e, found, err = s.CatalogByTopic(ctx, "algebra", wire.KindPause)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "topic match", e.Body)

	_, found, err = s.CatalogByTopic(ctx, "historia", wire.KindPause)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpsertClusterMetadata(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	centroids := []cluster.Centroid{
		{ClusterID: 0, Label: "engaged", Center: []float64{1, 0}, SampleCount: 10},
		{ClusterID: 1, Label: "fatigue", Center: []float64{0, 1}, SampleCount: 4},
	}
	require.NoError(t, s.UpsertClusterMetadata(ctx, centroids, fired))

	// Upsert replaces in place.
	centroids[0].SampleCount = 25
	centroids[0].Label = "light_distraction"
	require.NoError(t, s.UpsertClusterMetadata(ctx, centroids, fired.Add(time.Hour)))

	var label string
	var count int
	row := s.db.QueryRow(`SELECT label, sample_count FROM cluster_metadata WHERE cluster_id = 0`)
	require.NoError(t, row.Scan(&label, &count))
	assert.Equal(t, "light_distraction", label)
	assert.Equal(t, 25, count)
}
