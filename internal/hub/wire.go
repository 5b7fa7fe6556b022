package hub

import "math"

// wireRoundedFields lists the payload keys that carry 4-decimal wire
// precision (percentages, probabilities, distances). Rounding happens once,
// here, at message build time — the domain compute functions and the
// component workers that call them pass raw float64 values all the way
// through; store.go rounds its own persisted copies independently at the
// insert boundary.
var wireRoundedFields = map[string]bool{
	"prob_up":           true,
	"prob_down":         true,
	"mean_return":       true,
	"edge":              true,
	"dist1":             true,
	"actual_return":     true,
	"pnl":               true,
	"unrealized_return": true,
	"unrealized_pnl":    true,
	"minutes_remaining": true,
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// roundWirePayload returns a copy of payload with every known float field
// rounded to 4 decimals, recursing into nested maps (price_update's payload
// nests its fields one level deep per spec.md §6).
func roundWirePayload(payload any) any {
	m, ok := payload.(map[string]any)
	if !ok {
		return payload
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = roundWirePayload(val)
		case float64:
			if wireRoundedFields[k] {
				out[k] = round4(val)
			} else {
				out[k] = val
			}
		case *float64:
			if val != nil && wireRoundedFields[k] {
				r := round4(*val)
				out[k] = &r
			} else {
				out[k] = val
			}
		default:
			out[k] = v
		}
	}
	return out
}
