// Package priceshq fetches current and historical prices from the
// external price-quote service. The name (price-HQ) matches the
// teacher's habit of naming infrastructure clients after the upstream
// they speak to, the way internal/clients/tradernet names its client
// after the broker.
package priceshq

import "context"

// PriceSource fetches prices for symbols. Implementations must never
// panic and must never fabricate a price: a symbol priceshq cannot
// resolve is reported as an error, never as a placeholder value, per
// the explicit fix over the original engine.py's hardcoded fallback.
type PriceSource interface {
	// GetPrice fetches a single symbol's current price.
	GetPrice(ctx context.Context, symbol string) (float64, error)
	// GetPrices fetches current prices for many symbols in one round trip,
	// returning a result only for symbols it could resolve; callers must
	// check for each requested symbol's presence in the returned map.
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}
