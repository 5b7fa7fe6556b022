// Package domain holds the entities shared by the pattern-matching
// realtime engine: jobs, predictions, failures, and the error taxonomy
// attached to them. It has no infrastructure dependencies.
package domain

import "time"

// JobStatus is the lifecycle state of a batch scan job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
)

// Direction is which side of the market a prediction favors.
type Direction string

const (
	Up   Direction = "UP"
	Down Direction = "DOWN"
)

// ErrorCode enumerates the per-symbol failure taxonomy.
type ErrorCode string

const (
	ErrWeekend ErrorCode = "WEEKEND"
	ErrNoData  ErrorCode = "NO_DATA"
	ErrPrice   ErrorCode = "PRICE"
	ErrMatcher ErrorCode = "MATCHER"
	ErrUnknown ErrorCode = "UNKNOWN"
)

// JobParams is the frozen parameter set a job was created with.
type JobParams struct {
	Symbols        []string `json:"symbols"`
	K              int      `json:"k"`
	Horizon        int      `json:"horizon"`
	Alpha          float64  `json:"alpha"`
	MinEdge        float64  `json:"min_edge"`
	CrossAsset     bool     `json:"cross_asset"`
	Parallel       bool     `json:"parallel,omitempty"`
	MaxConcurrency int      `json:"max_concurrency,omitempty"`
}

// Job is a batch pattern-scan run over a symbol list.
type Job struct {
	ID           string     `json:"id"`
	Status       JobStatus  `json:"status"`
	Params       JobParams  `json:"params"`
	TotalSymbols int        `json:"total_symbols"`
	Completed    int        `json:"completed"`
	Failed       int        `json:"failed"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Duration returns the wall-clock duration of a terminal job, or false
// if the job has not reached a terminal state yet.
func (j Job) Duration() (time.Duration, bool) {
	if j.CompletedAt == nil {
		return 0, false
	}
	return j.CompletedAt.Sub(j.StartedAt), true
}

// Prediction is a single symbol forecast produced by a scan, optionally
// enriched with verification results once its horizon has elapsed.
type Prediction struct {
	ID       string    `json:"id"`
	JobID    string    `json:"job_id"`
	Symbol   string    `json:"symbol"`
	ScanTime time.Time `json:"scan_time"`
	Horizon  int       `json:"horizon"` // minutes

	ProbUp      float64   `json:"prob_up"`
	ProbDown    float64   `json:"prob_down"`
	MeanReturn  float64   `json:"mean_return"`
	Edge        float64   `json:"edge"`
	Direction   Direction `json:"direction"`
	NNeighbors  int       `json:"n_neighbors"`
	Dist1       *float64  `json:"dist1,omitempty"`
	P10         *float64  `json:"p10,omitempty"`
	P90         *float64  `json:"p90,omitempty"`
	PriceAtScan float64   `json:"price_at_scan"`

	PriceAtHorizon *float64   `json:"price_at_horizon,omitempty"`
	ActualReturn   *float64   `json:"actual_return,omitempty"`
	WasCorrect     *bool      `json:"was_correct,omitempty"`
	PnL            *float64   `json:"pnl,omitempty"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
}

// MaturesAt is the wall-clock time at which a prediction becomes eligible
// for verification.
func (p Prediction) MaturesAt() time.Time {
	return p.ScanTime.Add(time.Duration(p.Horizon) * time.Minute)
}

// IsMatured reports whether the prediction's horizon has elapsed as of now.
func (p Prediction) IsMatured(now time.Time) bool {
	return !p.MaturesAt().After(now)
}

// IsPending reports whether the prediction has not yet been verified.
func (p Prediction) IsPending() bool {
	return p.VerifiedAt == nil
}

// Failure is a single per-symbol scan failure.
type Failure struct {
	ID             string    `json:"id"`
	JobID          string    `json:"job_id"`
	Symbol         string    `json:"symbol"`
	ScanTime       time.Time `json:"scan_time"`
	ErrorCode      ErrorCode `json:"error_code"`
	Reason         string    `json:"reason"`
	BarsSinceOpen  *int      `json:"bars_since_open,omitempty"`
	BarsUntilClose *int      `json:"bars_until_close,omitempty"`
}

// Describe returns a human reason for a well-known error code.
func (c ErrorCode) Describe() string {
	switch c {
	case ErrWeekend:
		return "scan attempted on a non-trading day"
	case ErrNoData:
		return "matcher returned no forecast for this symbol"
	case ErrPrice:
		return "could not determine price at scan or horizon"
	case ErrMatcher:
		return "matcher signaled an error status"
	default:
		return "unexpected error"
	}
}
