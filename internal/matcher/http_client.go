package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// HTTPClient is the production Client, grounded on the teacher's
// createHTTP1Client()-style explicit transport construction and its
// pattern of capping outbound call rate with golang.org/x/time/rate.
type HTTPClient struct {
	baseURL string
	http    httpDoer
	limiter *rate.Limiter
}

// HTTPClientConfig configures the matcher HTTP client.
type HTTPClientConfig struct {
	BaseURL string
	Timeout time.Duration
	RateQPS float64 // outbound requests/sec cap; 0 disables limiting
}

// NewHTTPClient builds a matcher client backed by a real HTTP1 transport,
// the way the teacher avoids HTTP/2 for long-lived broker connections.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	transport := &http.Transport{
		ForceAttemptHTTP2: false,
		MaxIdleConns:      20,
		IdleConnTimeout:   90 * time.Second,
	}
	client := &http.Client{Transport: transport, Timeout: cfg.Timeout}

	var limiter *rate.Limiter
	if cfg.RateQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateQPS), 1)
	}

	return &HTTPClient{baseURL: cfg.BaseURL, http: client, limiter: limiter}
}

type matcherResponse struct {
	Status   string    `json:"status"`
	Message  string    `json:"message"`
	Forecast *Forecast `json:"forecast"`
}

// Search calls GET {baseURL}/search?symbol=...&k=...&cross_asset=... and
// translates the response into a SearchResult. It returns a non-nil error
// only for transport-level failures the caller should treat as a MATCHER
// failure; a well-formed "no_data" or "error" body is not an error here,
// it's a StatusNoData/StatusError result.
func (c *HTTPClient) Search(ctx context.Context, symbol string, k int, crossAsset bool) (SearchResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return SearchResult{}, fmt.Errorf("matcher rate limiter: %w", err)
		}
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("k", strconv.Itoa(k))
	q.Set("cross_asset", strconv.FormatBool(crossAsset))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return SearchResult{}, fmt.Errorf("build matcher request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return SearchResult{}, fmt.Errorf("matcher request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SearchResult{Symbol: symbol, Status: StatusError, Message: fmt.Sprintf("matcher returned HTTP %d", resp.StatusCode)}, nil
	}

	var body matcherResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return SearchResult{Symbol: symbol, Status: StatusError, Message: "malformed matcher response"}, nil
	}

	switch Status(body.Status) {
	case StatusOK:
		if body.Forecast == nil {
			return SearchResult{Symbol: symbol, Status: StatusError, Message: "matcher reported ok with no forecast"}, nil
		}
		return SearchResult{Symbol: symbol, Status: StatusOK, Forecast: body.Forecast}, nil
	case StatusNoData:
		return SearchResult{Symbol: symbol, Status: StatusNoData, Message: body.Message}, nil
	default:
		return SearchResult{Symbol: symbol, Status: StatusError, Message: body.Message}, nil
	}
}
