package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgeml/mediaflow/providers"
	"github.com/forgeml/mediaflow/types"
)

func testConfigs() map[types.AdapterKind]providers.BaseConfig {
	return map[types.AdapterKind]providers.BaseConfig{
		types.AdapterOpenAI: {APIKey: "k1"},
		types.AdapterFlux:   {APIKey: "k2"},
	}
}

func TestGet_KnownKinds(t *testing.T) {
	t.Parallel()

	f := New(testConfigs(), zap.NewNop())

	a, err := f.Get(types.AdapterOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "openai", a.Name())

	b, err := f.Get(types.AdapterFlux)
	require.NoError(t, err)
	assert.Equal(t, "flux", b.Name())
}

func TestGet_CachesInstances(t *testing.T) {
	t.Parallel()

	f := New(testConfigs(), zap.NewNop())
	a1, err := f.Get(types.AdapterFlux)
	require.NoError(t, err)
	a2, err := f.Get(types.AdapterFlux)
	require.NoError(t, err)
	assert.Same(t, a1, a2)
}

func TestGet_UnknownKind(t *testing.T) {
	t.Parallel()

	f := New(testConfigs(), zap.NewNop())
	_, err := f.Get(types.AdapterKind("stable-diffusion"))
	require.Error(t, err)
	assert.Equal(t, types.ErrInternal, types.KindOf(err))
	assert.False(t, types.IsRetryable(err))
}

func TestGet_UnconfiguredKind(t *testing.T) {
	t.Parallel()

	f := New(testConfigs(), zap.NewNop())
	_, err := f.Get(types.AdapterKling)
	require.Error(t, err)
	assert.Equal(t, types.ErrInternal, types.KindOf(err))
}

func TestKinds_CoversAllKnown(t *testing.T) {
	t.Parallel()

	kinds := Kinds()
	assert.Len(t, kinds, 5)
	for _, k := range kinds {
		assert.True(t, k.Known(), "kind %q should be known", k)
	}
}
