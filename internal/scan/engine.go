// Package scan implements the ScanEngine component (C5): it drives a
// batch job from creation to terminal state, one symbol at a time,
// isolating every per-symbol failure so it never aborts the job.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/patterns-realtime/internal/domain"
	"github.com/aristath/patterns-realtime/internal/hub"
	"github.com/aristath/patterns-realtime/internal/matcher"
	"github.com/aristath/patterns-realtime/internal/priceshq"
	"github.com/aristath/patterns-realtime/internal/store"
)

// defaultMaxConcurrency bounds the worker pool for a parallel job when the
// caller doesn't specify one.
const defaultMaxConcurrency = 4

// ErrEmptySymbols is the validation error returned before any state is
// written, per spec.md's "validation errors before any state mutation" rule.
var ErrEmptySymbols = errors.New("scan: symbol list must not be empty")

// Request is the normalized input to Run.
type Request struct {
	Symbols    []string
	K          int
	Horizon    int
	Alpha      float64
	MinEdge    float64
	CrossAsset bool

	// Parallel selects the bounded worker-pool variant of the scan loop
	// (spec.md §4.5's "parallel variant"). Per-symbol result and progress
	// messages are still emitted as each symbol completes, but ordering
	// across symbols is no longer guaranteed once Parallel is set.
	Parallel       bool
	MaxConcurrency int
}

// Engine is the ScanEngine. It holds no durable state of its own; jobs,
// predictions, and failures all live in the Store. The only in-memory
// state is the set of active jobs' cancellation flags.
type Engine struct {
	store   *store.Store
	matcher matcher.Client
	prices  priceshq.PriceSource
	hub     *hub.Hub
	log     zerolog.Logger

	now func() time.Time

	mu      sync.Mutex
	cancels map[string]*cancelFlag
}

type cancelFlag struct {
	mu        sync.Mutex
	cancelled bool
}

func (f *cancelFlag) set() {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
}

func (f *cancelFlag) isSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// New builds a ScanEngine.
func New(s *store.Store, m matcher.Client, p priceshq.PriceSource, h *hub.Hub, log zerolog.Logger) *Engine {
	return &Engine{
		store:   s,
		matcher: m,
		prices:  p,
		hub:     h,
		log:     log.With().Str("component", "scan").Logger(),
		now:     time.Now,
		cancels: make(map[string]*cancelFlag),
	}
}

// normalizeSymbols upper-cases and de-duplicates while preserving first-seen order.
func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		u := toUpper(s)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

// isWeekend reports whether t's wall-clock day is Saturday or Sunday.
func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// Run validates the request, registers the job, and launches the scan in
// the background. It returns as soon as the job is durably created; the
// caller (the HTTP facade) responds 202 with the returned job.
func (e *Engine) Run(ctx context.Context, req Request) (*domain.Job, error) {
	symbols := normalizeSymbols(req.Symbols)
	if len(symbols) == 0 {
		return nil, ErrEmptySymbols
	}

	maxConcurrency := req.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}

	job := domain.Job{
		ID:     uuid.NewString(),
		Status: domain.JobRunning,
		Params: domain.JobParams{
			Symbols:        symbols,
			K:              req.K,
			Horizon:        req.Horizon,
			Alpha:          req.Alpha,
			MinEdge:        req.MinEdge,
			CrossAsset:     req.CrossAsset,
			Parallel:       req.Parallel,
			MaxConcurrency: maxConcurrency,
		},
		TotalSymbols: len(symbols),
		StartedAt:    e.now(),
	}

	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	flag := &cancelFlag{}
	e.mu.Lock()
	e.cancels[job.ID] = flag
	e.mu.Unlock()

	// The scan itself outlives the HTTP request that triggered it, so it
	// runs against a background context, not the request's.
	if job.Params.Parallel {
		go e.runJobParallel(context.Background(), job, flag)
	} else {
		go e.runJob(context.Background(), job, flag)
	}

	return &job, nil
}

// Cancel sets the cancellation flag for a running job. It returns false if
// the job id is not currently active (already terminal, or unknown).
func (e *Engine) Cancel(jobID string) bool {
	e.mu.Lock()
	flag, ok := e.cancels[jobID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	flag.set()
	return true
}

func (e *Engine) runJob(ctx context.Context, job domain.Job, flag *cancelFlag) {
	defer func() {
		e.mu.Lock()
		delete(e.cancels, job.ID)
		e.mu.Unlock()
	}()

	var results, failures int
	cancelled := false

	for _, symbol := range job.Params.Symbols {
		if flag.isSet() {
			cancelled = true
			break
		}

		matched := e.scanSymbol(ctx, job, symbol)
		if matched {
			results++
		} else {
			failures++
		}

		if err := e.store.UpdateJobProgress(ctx, job.ID, 1, boolDelta(!matched)); err != nil {
			e.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to update job progress")
		}
		e.hub.BroadcastToJob(job.ID, "progress", map[string]any{
			"completed": results + failures, "total": job.TotalSymbols, "failed": failures,
		})
	}

	status := domain.JobCompleted
	if cancelled {
		status = domain.JobCancelled
	}
	completedAt := e.now()
	if err := e.store.CompleteJob(ctx, job.ID, status, completedAt); err != nil {
		e.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to finalize job")
	}

	e.hub.BroadcastToJob(job.ID, "job_complete", map[string]any{
		"total_results": results, "total_failures": failures,
		"duration_seconds": completedAt.Sub(job.StartedAt).Seconds(),
	})
}

// runJobParallel is the bounded worker-pool variant of runJob. Symbols are
// dispatched to a semaphore-limited pool of goroutines; each symbol's
// progress/result/failure broadcast still fires the moment that symbol
// finishes, but the per-symbol contract and store writes are identical to
// the sequential path — only the completion order can differ.
func (e *Engine) runJobParallel(ctx context.Context, job domain.Job, flag *cancelFlag) {
	defer func() {
		e.mu.Lock()
		delete(e.cancels, job.ID)
		e.mu.Unlock()
	}()

	sem := semaphore.NewWeighted(int64(job.Params.MaxConcurrency))
	var wg sync.WaitGroup
	var results, failures int64
	var launched int

	for _, symbol := range job.Params.Symbols {
		if flag.isSet() {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		launched++

		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			defer sem.Release(1)

			matched := e.scanSymbol(ctx, job, symbol)
			if matched {
				atomic.AddInt64(&results, 1)
			} else {
				atomic.AddInt64(&failures, 1)
			}

			if err := e.store.UpdateJobProgress(ctx, job.ID, 1, boolDelta(!matched)); err != nil {
				e.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to update job progress")
			}
			e.hub.BroadcastToJob(job.ID, "progress", map[string]any{
				"completed": int(atomic.LoadInt64(&results) + atomic.LoadInt64(&failures)),
				"total":     job.TotalSymbols, "failed": int(atomic.LoadInt64(&failures)),
			})
		}(symbol)
	}
	wg.Wait()

	cancelled := flag.isSet() && launched < len(job.Params.Symbols)
	status := domain.JobCompleted
	if cancelled {
		status = domain.JobCancelled
	}
	completedAt := e.now()
	if err := e.store.CompleteJob(ctx, job.ID, status, completedAt); err != nil {
		e.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to finalize job")
	}

	e.hub.BroadcastToJob(job.ID, "job_complete", map[string]any{
		"total_results": int(results), "total_failures": int(failures),
		"duration_seconds": completedAt.Sub(job.StartedAt).Seconds(),
	})
}

func boolDelta(failed bool) int {
	if failed {
		return 1
	}
	return 0
}

// scanSymbol runs the full per-symbol pipeline and reports whether it
// produced a persisted (or edge-filtered) result, as opposed to a failure.
// A below-threshold edge counts as a match (not a failure), per spec.md's
// boundary behavior for min_edge.
func (e *Engine) scanSymbol(ctx context.Context, job domain.Job, symbol string) bool {
	scanTime := e.now()

	if isWeekend(scanTime) {
		e.recordFailure(ctx, job.ID, symbol, scanTime, domain.ErrWeekend, nil, nil)
		return false
	}

	result, err := e.matcher.Search(ctx, symbol, job.Params.K, job.Params.CrossAsset)
	if err != nil {
		e.recordFailure(ctx, job.ID, symbol, scanTime, domain.ErrMatcher, nil, nil)
		return false
	}

	switch result.Status {
	case matcher.StatusNoData:
		e.recordFailure(ctx, job.ID, symbol, scanTime, domain.ErrNoData, nil, nil)
		return false
	case matcher.StatusError:
		e.recordFailure(ctx, job.ID, symbol, scanTime, domain.ErrMatcher, nil, nil)
		return false
	}

	forecast := result.Forecast
	priceAtScan, ok := priceAtScanFromContext(forecast.HistoricalContext)
	if !ok {
		// The original implementation fabricated price_at_scan as a
		// hardcoded placeholder when the historical tail was empty; here
		// an unresolved price is reported honestly as a PRICE failure.
		e.recordFailure(ctx, job.ID, symbol, scanTime, domain.ErrPrice, nil, nil)
		return false
	}

	direction := domain.DirectionFromProbabilities(forecast.ProbUp, forecast.ProbDown)
	edge := domain.Edge(forecast.ProbUp, forecast.ProbDown, forecast.MeanReturn)

	if edge < job.Params.MinEdge {
		return true
	}

	prediction := domain.Prediction{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		Symbol:      symbol,
		ScanTime:    scanTime,
		Horizon:     job.Params.Horizon,
		ProbUp:      forecast.ProbUp,
		ProbDown:    forecast.ProbDown,
		MeanReturn:  forecast.MeanReturn,
		Edge:        edge,
		Direction:   direction,
		NNeighbors:  len(forecast.Neighbors),
		P10:         forecast.P10,
		P90:         forecast.P90,
		PriceAtScan: priceAtScan,
	}
	if len(forecast.Neighbors) > 0 {
		dist1 := forecast.Neighbors[0].Distance
		prediction.Dist1 = &dist1
	}

	if err := e.store.InsertPrediction(ctx, prediction); err != nil {
		e.log.Error().Err(err).Str("job_id", job.ID).Str("symbol", symbol).Msg("failed to persist prediction")
		e.recordFailure(ctx, job.ID, symbol, scanTime, domain.ErrUnknown, nil, nil)
		return false
	}

	e.hub.BroadcastToJob(job.ID, "result", map[string]any{
		"id": prediction.ID, "symbol": prediction.Symbol, "scan_time": prediction.ScanTime,
		"horizon": prediction.Horizon, "prob_up": prediction.ProbUp, "prob_down": prediction.ProbDown,
		"mean_return": prediction.MeanReturn, "edge": prediction.Edge, "direction": prediction.Direction,
		"n_neighbors": prediction.NNeighbors, "dist1": prediction.Dist1, "p10": prediction.P10,
		"p90": prediction.P90, "price_at_scan": prediction.PriceAtScan,
	})
	return true
}

// priceAtScanFromContext derives price-at-scan from the last element of
// the matcher's historical-context tail. An empty tail is reported as
// absent rather than defaulted — the original engine.py's hardcoded
// fallback of 100 whenever the tail was empty is the bug spec.md
// explicitly calls out to fix.
func priceAtScanFromContext(context []float64) (float64, bool) {
	if len(context) == 0 {
		return 0, false
	}
	return context[len(context)-1], true
}

func (e *Engine) recordFailure(ctx context.Context, jobID, symbol string, scanTime time.Time, code domain.ErrorCode, barsSinceOpen, barsUntilClose *int) {
	failure := domain.Failure{
		ID:             uuid.NewString(),
		JobID:          jobID,
		Symbol:         symbol,
		ScanTime:       scanTime,
		ErrorCode:      code,
		Reason:         code.Describe(),
		BarsSinceOpen:  barsSinceOpen,
		BarsUntilClose: barsUntilClose,
	}
	if err := e.store.InsertFailure(ctx, failure); err != nil {
		e.log.Error().Err(err).Str("job_id", jobID).Str("symbol", symbol).Msg("failed to persist failure")
		return
	}
	e.hub.BroadcastToJob(jobID, "failure", map[string]any{
		"symbol": symbol, "error_code": failure.ErrorCode, "reason": failure.Reason,
	})
}

// SortPredictions orders predictions for GET job/{id}'s optional sort_by,
// filtering by direction and truncating to limit when set.
func SortPredictions(preds []domain.Prediction, sortBy string, direction *domain.Direction, limit int) []domain.Prediction {
	if direction != nil {
		filtered := preds[:0:0]
		for _, p := range preds {
			if p.Direction == *direction {
				filtered = append(filtered, p)
			}
		}
		preds = filtered
	}

	switch sortBy {
	case "edge":
		sort.Slice(preds, func(i, j int) bool { return preds[i].Edge > preds[j].Edge })
	case "prob_up":
		sort.Slice(preds, func(i, j int) bool { return preds[i].ProbUp > preds[j].ProbUp })
	case "mean_return":
		sort.Slice(preds, func(i, j int) bool { return preds[i].MeanReturn > preds[j].MeanReturn })
	case "symbol":
		sort.Slice(preds, func(i, j int) bool { return preds[i].Symbol < preds[j].Symbol })
	}

	if limit > 0 && limit < len(preds) {
		preds = preds[:limit]
	}
	return preds
}
