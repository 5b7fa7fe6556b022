package priceshq

import (
	"context"
	"fmt"
)

// FakeSource is a deterministic PriceSource for tests.
type FakeSource struct {
	Prices map[string]float64
}

func NewFakeSource(prices map[string]float64) *FakeSource {
	return &FakeSource{Prices: prices}
}

func (f *FakeSource) GetPrice(_ context.Context, symbol string) (float64, error) {
	p, ok := f.Prices[symbol]
	if !ok {
		return 0, fmt.Errorf("priceshq: no fixture price for %s", symbol)
	}
	return p, nil
}

func (f *FakeSource) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if p, ok := f.Prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}
