package priceshq

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient is the production PriceSource, backed by the external price
// service's snapshot endpoint. When a batch snapshot omits a symbol (a
// known gap around thinly-traded names), it falls back to a per-minute
// aggregate lookup for just that symbol, mirroring the original
// price_tracker.py's snapshot-then-aggregate fallback strategy.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// HTTPClientConfig configures the price-service HTTP client.
type HTTPClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewHTTPClient builds a price-service client.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

type snapshotResponse struct {
	Tickers []struct {
		Ticker     string  `json:"ticker"`
		LastPrice  float64 `json:"last_price"`
	} `json:"tickers"`
}

func (c *HTTPClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := c.GetPrices(ctx, []string{symbol})
	if err != nil {
		return 0, err
	}
	price, ok := prices[symbol]
	if !ok {
		return 0, fmt.Errorf("priceshq: no price available for %s", symbol)
	}
	return price, nil
}

func (c *HTTPClient) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}

	q := url.Values{}
	q.Set("tickers", strings.Join(symbols, ","))
	q.Set("apiKey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/snapshot/tickers?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("priceshq: snapshot returned HTTP %d", resp.StatusCode)
	}

	var body snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode snapshot response: %w", err)
	}

	out := make(map[string]float64, len(body.Tickers))
	for _, t := range body.Tickers {
		out[t.Ticker] = t.LastPrice
	}

	missing := make([]string, 0)
	for _, s := range symbols {
		if _, ok := out[s]; !ok {
			missing = append(missing, s)
		}
	}
	for _, s := range missing {
		if price, err := c.getMinuteAggregate(ctx, s); err == nil {
			out[s] = price
		}
	}

	return out, nil
}

type aggregateResponse struct {
	Results []struct {
		Close float64 `json:"c"`
	} `json:"results"`
}

func (c *HTTPClient) getMinuteAggregate(ctx context.Context, symbol string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v2/aggs/ticker/%s/prev?apiKey=%s", c.baseURL, symbol, c.apiKey), nil)
	if err != nil {
		return 0, fmt.Errorf("build aggregate request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("aggregate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("priceshq: aggregate returned HTTP %d", resp.StatusCode)
	}

	var body aggregateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode aggregate response: %w", err)
	}
	if len(body.Results) == 0 {
		return 0, fmt.Errorf("priceshq: no aggregate bar for %s", symbol)
	}
	return body.Results[0].Close, nil
}
