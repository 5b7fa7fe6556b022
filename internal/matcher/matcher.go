// Package matcher talks to the external nearest-neighbor pattern-matching
// service that produces the forecasts ScanEngine turns into predictions.
// The HTTP client is rate-limited the same way the teacher's tradernet
// client throttles outbound broker calls, via golang.org/x/time/rate.
package matcher

import (
	"context"
	"net/http"
)

// Neighbor is one historical analog the matcher found for a symbol's
// current price pattern.
type Neighbor struct {
	Timestamp    string  `json:"timestamp"`
	Distance     float64 `json:"distance"`
	ForwardReturn float64 `json:"forward_return"`
}

// Forecast is the matcher's prediction for one symbol at one horizon.
// HistoricalContext is the trailing price series the matcher anchored its
// pattern search on; its last element is the symbol's price at scan time.
// An empty slice means the matcher could not anchor a price, which the
// engine must surface as a PRICE failure rather than invent a value.
type Forecast struct {
	ProbUp             float64    `json:"prob_up"`
	ProbDown           float64    `json:"prob_down"`
	MeanReturn         float64    `json:"mean_return"`
	P10                *float64   `json:"p10"`
	P90                *float64   `json:"p90"`
	Neighbors          []Neighbor `json:"neighbors"`
	HistoricalContext  []float64  `json:"historical_context"`
}

// Status is the matcher's per-symbol outcome discriminant.
type Status string

const (
	StatusOK      Status = "ok"
	StatusNoData  Status = "no_data"
	StatusError   Status = "error"
)

// SearchResult is one symbol's response from the matcher service.
type SearchResult struct {
	Symbol   string
	Status   Status
	Forecast *Forecast // set only when Status == StatusOK
	Message  string    // set when Status != StatusOK
}

// Client searches for nearest-neighbor forecasts. Implementations must
// never block past ctx's deadline and must never panic on a malformed
// upstream response — a bad response becomes a StatusError SearchResult,
// not a returned error, since one symbol's bad data must not abort a scan
// of the rest of the job's symbols.
type Client interface {
	Search(ctx context.Context, symbol string, k int, crossAsset bool) (SearchResult, error)
}

// httpDoer is the subset of *http.Client the HTTP implementation needs,
// narrowed so tests can substitute a stub transport without a real server.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
