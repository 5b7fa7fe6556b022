package stats

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/patterns-realtime/internal/database"
	"github.com/aristath/patterns-realtime/internal/domain"
	"github.com/aristath/patterns-realtime/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := database.New(database.Config{Path: "file:" + t.Name() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := store.New(db, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func seedVerified(t *testing.T, s *store.Store, id string, direction domain.Direction, edge float64, scanTime time.Time, pnl float64, correct bool) {
	t.Helper()
	ctx := context.Background()
	job := domain.Job{ID: "job-" + id, Status: domain.JobCompleted, Params: domain.JobParams{Symbols: []string{"AAA"}}, TotalSymbols: 1, StartedAt: scanTime}
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.InsertPrediction(ctx, domain.Prediction{
		ID: id, JobID: job.ID, Symbol: "AAA", ScanTime: scanTime, Horizon: 1,
		ProbUp: 0.7, ProbDown: 0.3, MeanReturn: 0.8, Edge: edge,
		Direction: direction, NNeighbors: 10, PriceAtScan: 100,
	}))
	require.NoError(t, s.VerifyPrediction(ctx, id, scanTime.Add(time.Minute), 100+pnl, pnl, pnl, correct))
}

func TestCompute_OverallBucketAggregatesAllVerified(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	seedVerified(t, s, "p1", domain.Up, 0.5, now.Add(-time.Hour), 1.0, true)
	seedVerified(t, s, "p2", domain.Down, 0.3, now.Add(-time.Hour), -1.0, false)

	result, err := Compute(context.Background(), s, PeriodAll, now)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Overall.Count)
	assert.InDelta(t, 50.0, result.Overall.WinRate, 1e-9)
	assert.InDelta(t, 0.0, result.Overall.MeanPnL, 1e-9)
}

func TestCompute_ByDirectionSplitsBuckets(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	seedVerified(t, s, "p1", domain.Up, 0.5, now.Add(-time.Hour), 2.0, true)
	seedVerified(t, s, "p2", domain.Down, 0.3, now.Add(-time.Hour), -0.5, false)

	result, err := Compute(context.Background(), s, PeriodAll, now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ByDirection[domain.Up].Count)
	assert.Equal(t, 1, result.ByDirection[domain.Down].Count)
}

func TestCompute_TopPercentilesUseEdgeDescendingOrder(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	for i := 0; i < 20; i++ {
		edge := float64(i) / 100
		seedVerified(t, s, "p"+string(rune('a'+i)), domain.Up, edge, now.Add(-time.Hour), 1.0, true)
	}

	result, err := Compute(context.Background(), s, PeriodAll, now)
	require.NoError(t, err)
	// Top 10% of 20 is 2 — the two highest-edge predictions.
	assert.Equal(t, 2, result.Top10Pct.Count)
	// Top 1% of 20 rounds down to 0, floored to at least 1.
	assert.Equal(t, 1, result.Top1Pct.Count)
}

func TestCompute_Period1hExcludesOlderPredictions(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	seedVerified(t, s, "recent", domain.Up, 0.5, now.Add(-30*time.Minute), 1.0, true)
	seedVerified(t, s, "stale", domain.Up, 0.5, now.Add(-2*time.Hour), 1.0, true)

	result, err := Compute(context.Background(), s, Period1h, now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Overall.Count)
}

func TestCompute_EmptyResultSetProducesZeroBucket(t *testing.T) {
	s := newTestStore(t)
	result, err := Compute(context.Background(), s, PeriodAll, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Overall.Count)
	assert.Equal(t, 0.0, result.Overall.WinRate)
}

func TestCompute_UnknownPeriodReturnsError(t *testing.T) {
	s := newTestStore(t)
	_, err := Compute(context.Background(), s, Period("bogus"), time.Now().UTC())
	assert.Error(t, err)
}

func TestBucketOf_MedianMatchesMiddleValue(t *testing.T) {
	preds := []domain.Prediction{
		predWithPnL(1.0, true), predWithPnL(2.0, true), predWithPnL(3.0, false),
	}
	b := bucketOf(preds)
	assert.InDelta(t, 2.0, b.MedianPnL, 1e-9)
	assert.InDelta(t, 2.0, b.MeanPnL, 1e-9)
}

func predWithPnL(pnl float64, correct bool) domain.Prediction {
	return domain.Prediction{PnL: &pnl, WasCorrect: &correct}
}
