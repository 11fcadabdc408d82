package params

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/forgeml/mediaflow/types"
)

func TestNumber_AcceptedShapes(t *testing.T) {
	t.Parallel()

	p := map[string]any{
		"f64": 2.5,
		"int": 7,
		"i64": int64(9),
		"str": "3.25",
		"bad": "not-a-number",
		"obj": map[string]any{},
	}

	v, ok := Number(p, "f64")
	assert.True(t, ok)
	assert.Equal(t, 2.5, v)

	v, ok = Number(p, "int")
	assert.True(t, ok)
	assert.Equal(t, 7.0, v)

	v, ok = Number(p, "i64")
	assert.True(t, ok)
	assert.Equal(t, 9.0, v)

	v, ok = Number(p, "str")
	assert.True(t, ok)
	assert.Equal(t, 3.25, v)

	_, ok = Number(p, "bad")
	assert.False(t, ok)
	_, ok = Number(p, "obj")
	assert.False(t, ok)
	_, ok = Number(p, "missing")
	assert.False(t, ok)
}

func TestClamp_Property(t *testing.T) {
	t.Parallel()

	properties := gopter.NewProperties(nil)

	properties.Property("clamped value always within declared bounds", prop.ForAll(
		func(v, a, b float64) bool {
			lo, hi := a, b
			if lo > hi {
				lo, hi = hi, lo
			}
			r := types.Range{Min: lo, Max: hi}
			c := Clamp(v, r)
			return c >= lo && c <= hi
		},
		gen.Float64Range(-1e6, 1e6),
		gen.Float64Range(-1e6, 1e6),
		gen.Float64Range(-1e6, 1e6),
	))

	properties.Property("in-range values pass through unchanged", prop.ForAll(
		func(v float64) bool {
			r := types.Range{Min: -100, Max: 100}
			if v < r.Min || v > r.Max {
				return true
			}
			return Clamp(v, r) == v
		},
		gen.Float64Range(-200, 200),
	))

	properties.TestingRun(t)
}

func TestClampParams(t *testing.T) {
	t.Parallel()

	ranges := map[string]types.Range{
		"safety_tolerance": {Min: 1, Max: 6},
		"seed":             {Min: 0, Max: 4294967295},
	}

	in := map[string]any{
		"safety_tolerance": 9.0,
		"seed":             -5,
		"style":            "anime", // unknown key passes through
	}

	out := ClampParams(in, ranges)
	assert.Equal(t, 6.0, out["safety_tolerance"])
	assert.Equal(t, 0.0, out["seed"])
	assert.Equal(t, "anime", out["style"])

	// input map untouched
	assert.Equal(t, 9.0, in["safety_tolerance"])

	assert.Nil(t, ClampParams(nil, ranges))
}
