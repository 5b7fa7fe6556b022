// Package stats computes performance buckets over verified predictions,
// using gonum's stat package for the mean/median aggregates the way the
// teacher leans on gonum for its own portfolio return statistics.
package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/patterns-realtime/internal/domain"
	"github.com/aristath/patterns-realtime/internal/store"
)

// Period is a named lookback window for GetPerformanceStats.
type Period string

const (
	Period1h    Period = "1h"
	PeriodToday Period = "today"
	PeriodWeek  Period = "week"
	PeriodAll   Period = "all"
)

// windowStart resolves a Period to its absolute start time relative to now,
// or nil for PeriodAll (no lower bound).
func windowStart(period Period, now time.Time) (*time.Time, error) {
	switch period {
	case Period1h:
		t := now.Add(-time.Hour)
		return &t, nil
	case PeriodToday:
		t := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return &t, nil
	case PeriodWeek:
		t := now.AddDate(0, 0, -7)
		return &t, nil
	case PeriodAll, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("stats: unknown period %q", period)
	}
}

// Bucket summarizes win-rate and pnl over a slice of verified predictions.
type Bucket struct {
	Count    int     `json:"count"`
	WinRate  float64 `json:"win_rate"`
	MeanPnL  float64 `json:"mean_pnl"`
	MedianPnL float64 `json:"median_pnl"`
}

// PerformanceStats is the GetPerformanceStats response shape.
type PerformanceStats struct {
	Period     Period `json:"period"`
	Overall    Bucket `json:"overall"`
	Top1Pct    Bucket `json:"top_1_pct"`
	Top5Pct    Bucket `json:"top_5_pct"`
	Top10Pct   Bucket `json:"top_10_pct"`
	ByDirection map[domain.Direction]Bucket `json:"by_direction"`
}

// Compute fetches verified predictions for the given period from s and
// aggregates them into PerformanceStats.
func Compute(ctx context.Context, s *store.Store, period Period, now time.Time) (*PerformanceStats, error) {
	since, err := windowStart(period, now)
	if err != nil {
		return nil, err
	}

	preds, err := s.ListVerifiedPredictions(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list verified predictions: %w", err)
	}

	out := &PerformanceStats{
		Period:      period,
		Overall:     bucketOf(preds),
		ByDirection: map[domain.Direction]Bucket{},
	}

	sorted := make([]domain.Prediction, len(preds))
	copy(sorted, preds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Edge > sorted[j].Edge })

	out.Top1Pct = bucketOf(topSlice(sorted, 0.01))
	out.Top5Pct = bucketOf(topSlice(sorted, 0.05))
	out.Top10Pct = bucketOf(topSlice(sorted, 0.10))

	for _, dir := range []domain.Direction{domain.Up, domain.Down} {
		var subset []domain.Prediction
		for _, p := range preds {
			if p.Direction == dir {
				subset = append(subset, p)
			}
		}
		out.ByDirection[dir] = bucketOf(subset)
	}

	return out, nil
}

// topSlice returns the top frac (e.g. 0.01 for 1%) of an edge-descending
// sorted slice, always at least one element when the slice is non-empty.
func topSlice(sorted []domain.Prediction, frac float64) []domain.Prediction {
	if len(sorted) == 0 {
		return nil
	}
	n := int(float64(len(sorted)) * frac)
	if n < 1 {
		n = 1
	}
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

func bucketOf(preds []domain.Prediction) Bucket {
	if len(preds) == 0 {
		return Bucket{}
	}

	pnls := make([]float64, 0, len(preds))
	wins := 0
	for _, p := range preds {
		if p.PnL != nil {
			pnls = append(pnls, *p.PnL)
		}
		if p.WasCorrect != nil && *p.WasCorrect {
			wins++
		}
	}

	sortedPnL := make([]float64, len(pnls))
	copy(sortedPnL, pnls)
	sort.Float64s(sortedPnL)

	var mean, median float64
	if len(pnls) > 0 {
		mean = stat.Mean(pnls, nil)
		median = stat.Quantile(0.5, stat.Empirical, sortedPnL, nil)
	}

	return Bucket{
		Count:     len(preds),
		WinRate:   domain.Round4(float64(wins) / float64(len(preds)) * 100),
		MeanPnL:   domain.Round4(mean),
		MedianPnL: domain.Round4(median),
	}
}
