package selector

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/keymux/internal/store"
	"github.com/blueberrycongee/keymux/pkg/credential"
)

func TestPickType_EmptyTableMeansNoPreference(t *testing.T) {
	s := New(store.NewMemoryStore())
	assert.Equal(t, credential.ProviderType(""), s.PickType(context.Background()))
}

func TestPickType_ConvergesToWeightRatio(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.PutWeight(ctx, credential.TypeWeight{Type: credential.TypeOpenAI, Weight: 3}))
	require.NoError(t, ms.PutWeight(ctx, credential.TypeWeight{Type: credential.TypeAzure, Weight: 1}))

	s := New(ms)
	counts := map[credential.ProviderType]int{}
	const draws = 20000
	for i := 0; i < draws; i++ {
		counts[s.PickType(ctx)]++
	}

	assert.Equal(t, draws, counts[credential.TypeOpenAI]+counts[credential.TypeAzure])
	ratio := float64(counts[credential.TypeOpenAI]) / float64(counts[credential.TypeAzure])
	assert.InDelta(t, 3.0, ratio, 0.3)
}

func TestPickType_DeterministicBoundaries(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.PutWeight(ctx, credential.TypeWeight{Type: credential.TypeOpenAI, Weight: 3}))
	require.NoError(t, ms.PutWeight(ctx, credential.TypeWeight{Type: credential.TypeAzure, Weight: 1}))

	cases := []struct {
		r    float64
		want credential.ProviderType
	}{
		{r: 0.0, want: credential.TypeOpenAI},
		{r: 0.74, want: credential.TypeOpenAI},
		{r: 0.75, want: credential.TypeAzure},
		{r: 0.999, want: credential.TypeAzure},
	}
	for _, tc := range cases {
		s := New(ms, WithRandFn(func() float64 { return tc.r }))
		assert.Equal(t, tc.want, s.PickType(ctx), "r=%v", tc.r)
	}
}

type failingWeightStore struct{}

func (failingWeightStore) ListWeights(context.Context) ([]credential.TypeWeight, error) {
	return nil, fmt.Errorf("store down")
}

func (failingWeightStore) PutWeight(context.Context, credential.TypeWeight) error {
	return nil
}

func TestPickType_StoreFailureMeansNoPreference(t *testing.T) {
	s := New(failingWeightStore{})
	assert.Equal(t, credential.ProviderType(""), s.PickType(context.Background()))
}

func TestPickType_CachesWeights(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.PutWeight(ctx, credential.TypeWeight{Type: credential.TypeAzure, Weight: 1}))

	s := New(ms)
	require.Equal(t, credential.TypeAzure, s.PickType(ctx))

	// A change inside the cache window is not observed.
	require.NoError(t, ms.PutWeight(ctx, credential.TypeWeight{Type: credential.TypeAzure, Weight: 0}))
	require.NoError(t, ms.PutWeight(ctx, credential.TypeWeight{Type: credential.TypeOpenAI, Weight: 5}))
	assert.Equal(t, credential.TypeAzure, s.PickType(ctx))
}
