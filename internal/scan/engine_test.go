package scan

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/patterns-realtime/internal/database"
	"github.com/aristath/patterns-realtime/internal/hub"
	"github.com/aristath/patterns-realtime/internal/matcher"
	"github.com/aristath/patterns-realtime/internal/priceshq"
	"github.com/aristath/patterns-realtime/internal/store"
)

func newTestEngine(t *testing.T, fake *matcher.FakeClient) (*Engine, *store.Store) {
	t.Helper()
	db, err := database.New(database.Config{Path: "file:" + t.Name() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := store.New(db, zerolog.Nop())
	require.NoError(t, err)

	h := hub.New(zerolog.Nop())
	e := New(s, fake, priceshq.NewFakeSource(nil), h, zerolog.Nop())
	// Pin "now" to a fixed weekday so these tests never depend on the
	// wall-clock date they happen to run on.
	e.now = func() time.Time { return time.Date(2024, 1, 3, 14, 0, 0, 0, time.UTC) } // a Wednesday
	return e, s
}

func forecastFixture(probUp, probDown, meanReturn, priceAtScan float64) matcher.SearchResult {
	return matcher.SearchResult{
		Status: matcher.StatusOK,
		Forecast: &matcher.Forecast{
			ProbUp: probUp, ProbDown: probDown, MeanReturn: meanReturn,
			Neighbors:         []matcher.Neighbor{{Distance: 0.01, ForwardReturn: 0.5}},
			HistoricalContext: []float64{priceAtScan - 1, priceAtScan},
		},
	}
}

// TestRun_HappyPathTwoSymbols mirrors scenario S1 from the specification:
// two symbols, opposite directions, zero min-edge, both persisted.
func TestRun_HappyPathTwoSymbols(t *testing.T) {
	fake := matcher.NewFakeClient(map[string]matcher.SearchResult{
		"AAA": forecastFixture(0.7, 0.3, 0.8, 100.0),
		"BBB": forecastFixture(0.4, 0.6, -1.2, 50.0),
	})
	e, s := newTestEngine(t, fake)

	job, err := e.Run(context.Background(), Request{Symbols: []string{"AAA", "BBB"}, K: 50, Horizon: 10})
	require.NoError(t, err)

	waitForTerminal(t, s, job.ID)

	result, err := s.GetJobStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, result.Failures)
	require.Len(t, result.Predictions, 2)

	edgeBySymbol := map[string]float64{}
	for _, p := range result.Predictions {
		edgeBySymbol[p.Symbol] = p.Edge
	}
	assert.InDelta(t, 0.56, edgeBySymbol["AAA"], 1e-9)
	assert.InDelta(t, 0.72, edgeBySymbol["BBB"], 1e-9)
}

func TestRun_EmptySymbolsRejected(t *testing.T) {
	fake := matcher.NewFakeClient(nil)
	e, _ := newTestEngine(t, fake)

	_, err := e.Run(context.Background(), Request{Symbols: nil})
	assert.ErrorIs(t, err, ErrEmptySymbols)
}

func TestRun_DuplicateSymbolsDeduplicated(t *testing.T) {
	fake := matcher.NewFakeClient(map[string]matcher.SearchResult{
		"AAA": forecastFixture(0.7, 0.3, 0.8, 100.0),
	})
	e, s := newTestEngine(t, fake)

	job, err := e.Run(context.Background(), Request{Symbols: []string{"aaa", "AAA", "Aaa"}, K: 10, Horizon: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, job.TotalSymbols)

	waitForTerminal(t, s, job.ID)
	result, err := s.GetJobStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, result.Predictions, 1)
}

func TestRun_MinEdgeAboveEveryEdgeYieldsNoResultsAllCompleted(t *testing.T) {
	fake := matcher.NewFakeClient(map[string]matcher.SearchResult{
		"AAA": forecastFixture(0.7, 0.3, 0.8, 100.0),
	})
	e, s := newTestEngine(t, fake)

	job, err := e.Run(context.Background(), Request{Symbols: []string{"AAA"}, K: 10, Horizon: 5, MinEdge: 999})
	require.NoError(t, err)

	waitForTerminal(t, s, job.ID)
	result, err := s.GetJobStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, result.Predictions)
	assert.Empty(t, result.Failures)
	assert.Equal(t, 1, result.Job.Completed)
	assert.Equal(t, 0, result.Job.Failed)
}

func TestRun_NoDataBecomesFailure(t *testing.T) {
	fake := matcher.NewFakeClient(map[string]matcher.SearchResult{
		"AAA": {Status: matcher.StatusNoData, Message: "no forecast"},
	})
	e, s := newTestEngine(t, fake)

	job, err := e.Run(context.Background(), Request{Symbols: []string{"AAA"}, K: 10, Horizon: 5})
	require.NoError(t, err)

	waitForTerminal(t, s, job.ID)
	result, err := s.GetJobStatus(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "NO_DATA", string(result.Failures[0].ErrorCode))
}

func TestRun_MissingHistoricalContextBecomesPriceFailure(t *testing.T) {
	fake := matcher.NewFakeClient(map[string]matcher.SearchResult{
		"AAA": {
			Status: matcher.StatusOK,
			Forecast: &matcher.Forecast{
				ProbUp: 0.7, ProbDown: 0.3, MeanReturn: 0.8,
				HistoricalContext: nil,
			},
		},
	})
	e, s := newTestEngine(t, fake)

	job, err := e.Run(context.Background(), Request{Symbols: []string{"AAA"}, K: 10, Horizon: 5})
	require.NoError(t, err)

	waitForTerminal(t, s, job.ID)
	result, err := s.GetJobStatus(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "PRICE", string(result.Failures[0].ErrorCode))
}

func TestRun_WeekendScanFailsEverySymbol(t *testing.T) {
	fake := matcher.NewFakeClient(map[string]matcher.SearchResult{
		"AAA": forecastFixture(0.7, 0.3, 0.8, 100.0),
	})
	e, s := newTestEngine(t, fake)
	e.now = func() time.Time { return time.Date(2024, 1, 6, 14, 0, 0, 0, time.UTC) } // a Saturday

	job, err := e.Run(context.Background(), Request{Symbols: []string{"AAA"}, K: 10, Horizon: 5})
	require.NoError(t, err)

	waitForTerminal(t, s, job.ID)
	result, err := s.GetJobStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, result.Predictions)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "WEEKEND", string(result.Failures[0].ErrorCode))
	assert.Equal(t, "completed", string(result.Job.Status))
}

func TestRun_ParallelVariantProducesSameResultsAsSequential(t *testing.T) {
	fake := matcher.NewFakeClient(map[string]matcher.SearchResult{
		"AAA": forecastFixture(0.7, 0.3, 0.8, 100.0),
		"BBB": forecastFixture(0.4, 0.6, -1.2, 50.0),
		"CCC": {Status: matcher.StatusNoData, Message: "no forecast"},
	})
	e, s := newTestEngine(t, fake)

	job, err := e.Run(context.Background(), Request{
		Symbols: []string{"AAA", "BBB", "CCC"}, K: 50, Horizon: 10,
		Parallel: true, MaxConcurrency: 2,
	})
	require.NoError(t, err)
	assert.True(t, job.Params.Parallel)
	assert.Equal(t, 2, job.Params.MaxConcurrency)

	waitForTerminal(t, s, job.ID)
	result, err := s.GetJobStatus(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, result.Predictions, 2)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "NO_DATA", string(result.Failures[0].ErrorCode))
	assert.Equal(t, "completed", string(result.Job.Status))
}

func TestRun_ParallelVariantDefaultsConcurrencyWhenUnset(t *testing.T) {
	fake := matcher.NewFakeClient(map[string]matcher.SearchResult{
		"AAA": forecastFixture(0.7, 0.3, 0.8, 100.0),
	})
	e, _ := newTestEngine(t, fake)

	job, err := e.Run(context.Background(), Request{Symbols: []string{"AAA"}, K: 10, Horizon: 5, Parallel: true})
	require.NoError(t, err)
	assert.Equal(t, defaultMaxConcurrency, job.Params.MaxConcurrency)
}

func TestCancel_UnknownJobReturnsFalse(t *testing.T) {
	e, _ := newTestEngine(t, matcher.NewFakeClient(nil))
	assert.False(t, e.Cancel("nonexistent"))
}

// TestCancel_StopsProcessingRemainingSymbolsMidFlight mirrors scenario S5
// from the specification: cancel partway through a multi-symbol job, then
// assert no further matcher calls are made and the job's terminal counters
// reflect only the symbols processed before cancellation.
func TestCancel_StopsProcessingRemainingSymbolsMidFlight(t *testing.T) {
	symbols := []string{"AAA", "BBB", "CCC", "DDD", "EEE"}
	results := make(map[string]matcher.SearchResult, len(symbols))
	for _, sym := range symbols {
		results[sym] = forecastFixture(0.7, 0.3, 0.8, 100.0)
	}
	fake := matcher.NewFakeClient(results)
	fake.Gate = make(chan struct{})
	fake.GateAt = 2 // block mid-way through the 2nd symbol's Search call

	e, s := newTestEngine(t, fake)

	job, err := e.Run(context.Background(), Request{Symbols: symbols, K: 10, Horizon: 5})
	require.NoError(t, err)

	// Wait for the scan to reach and block on the gate before cancelling,
	// so cancellation lands strictly between the 2nd and 3rd symbol.
	require.Eventually(t, func() bool { return fake.CallCount() == 2 }, time.Second, time.Millisecond)

	require.True(t, e.Cancel(job.ID))
	close(fake.Gate)

	waitForTerminal(t, s, job.ID)

	result, err := s.GetJobStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", string(result.Job.Status))
	assert.Equal(t, 2, fake.CallCount(), "no further matcher calls should occur after cancellation")
	assert.Equal(t, 2, result.Job.Completed)
	assert.Equal(t, 0, result.Job.Failed)
	assert.Len(t, result.Predictions, 2)
}

func waitForTerminal(t *testing.T, s *store.Store, jobID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		result, err := s.GetJobStatus(context.Background(), jobID)
		require.NoError(t, err)
		if result.Job.Status != "running" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
}
