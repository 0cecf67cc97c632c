// Package selector implements weighted provider-type selection. The weight
// table is read through a short-lived cache so selection stays cheap on the
// hot path; staleness of up to one cache interval is accepted.
package selector

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/blueberrycongee/keymux/internal/store"
	"github.com/blueberrycongee/keymux/pkg/credential"
)

const (
	// CacheTTL bounds weight-table staleness.
	CacheTTL = time.Minute

	weightsCacheKey = "typeWeights"
)

// TypeSelector picks a provider type according to the stored weight table.
type TypeSelector struct {
	weights store.WeightStore
	cache   *gocache.Cache
	logger  *slog.Logger
	randFn  func() float64
}

// Option configures a TypeSelector.
type Option func(*TypeSelector)

// WithLogger sets the selector logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *TypeSelector) { s.logger = logger }
}

// WithRandFn overrides the random source (tests only).
func WithRandFn(fn func() float64) Option {
	return func(s *TypeSelector) { s.randFn = fn }
}

// New creates a TypeSelector backed by the given weight store.
func New(weights store.WeightStore, opts ...Option) *TypeSelector {
	s := &TypeSelector{
		weights: weights,
		cache:   gocache.New(CacheTTL, 2*CacheTTL),
		logger:  slog.Default(),
		randFn:  rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PickType draws a provider type from the weight distribution. An empty
// weight table, or a store failure, yields no preference (empty type, nil
// error): selection degrades to "any running credential" rather than
// failing the request.
func (s *TypeSelector) PickType(ctx context.Context) credential.ProviderType {
	weights := s.getWeights(ctx)
	if len(weights) == 0 {
		return ""
	}

	var total float64
	for _, w := range weights {
		total += w.Weight
	}
	if total <= 0 {
		return ""
	}

	r := s.randFn() * total
	var sum float64
	for _, w := range weights {
		sum += w.Weight
		if r < sum {
			return w.Type
		}
	}
	// Floating point edge: r landed on the total exactly.
	return weights[len(weights)-1].Type
}

func (s *TypeSelector) getWeights(ctx context.Context) []credential.TypeWeight {
	if cached, ok := s.cache.Get(weightsCacheKey); ok {
		if weights, ok := cached.([]credential.TypeWeight); ok {
			return weights
		}
	}

	weights, err := s.weights.ListWeights(ctx)
	if err != nil {
		s.logger.Warn("weight table refresh failed, selecting without preference", "error", err)
		return nil
	}
	s.cache.Set(weightsCacheKey, weights, gocache.DefaultExpiration)
	return weights
}
