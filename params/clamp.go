package params

import (
	"strconv"

	"github.com/forgeml/mediaflow/types"
)

// Number extracts a numeric value from an opaque parameter map. JSON
// decoding yields float64, but callers also hand us ints and numeric
// strings, so all three are accepted.
func Number(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Clamp bounds v to [r.Min, r.Max]. Out-of-range values are pulled to the
// nearest bound rather than rejected.
func Clamp(v float64, r types.Range) float64 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// ClampParams applies the model's declared ranges to every known numeric
// parameter present in params, returning a copy with clamped values. Keys
// without a declared range pass through untouched.
func ClampParams(params map[string]any, ranges map[string]types.Range) map[string]any {
	if len(params) == 0 {
		return params
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
		r, declared := ranges[k]
		if !declared {
			continue
		}
		if n, ok := Number(params, k); ok {
			out[k] = Clamp(n, r)
		}
	}
	return out
}
