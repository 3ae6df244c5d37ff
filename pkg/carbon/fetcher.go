/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package carbon

import (
	"context"
	"fmt"
	"math"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"k8s.io/utils/clock"

	"github.com/karbos-project/karbos/pkg/logging"
)

const (
	// pointMemoTTL bounds the in-process memo over point lookups. It only
	// absorbs bursts; durable caching lives in the database.
	pointMemoTTL = 5 * time.Minute

	// rangeCoverage is the fraction of requested hourly slots the cache must
	// hold before a range query skips the provider.
	rangeCoverage = 0.8
)

// IntensityCache is the durable sample cache the fetcher consults before the
// provider. Lookups return nil (or an empty slice) on miss rather than an
// error; errors mean the cache itself is unavailable.
type IntensityCache interface {
	LookupNearest(ctx context.Context, region string, at time.Time) (*IntensitySample, error)
	LookupRange(ctx context.Context, region string, start, end time.Time) ([]IntensitySample, error)
	Upsert(ctx context.Context, sample IntensitySample, ttl time.Duration) error
	BulkUpsert(ctx context.Context, samples []IntensitySample, ttl time.Duration) error
	IsFresh(sample IntensitySample, maxAge time.Duration) bool
}

// Fetcher resolves intensity queries cache-first. Provider answers flow back
// into the cache; while the provider is degraded the fetcher prefers stale
// cached data over the breaker's static fallback.
type Fetcher struct {
	provider Provider
	cache    IntensityCache
	memo     *gocache.Cache
	ttl      time.Duration
	clk      clock.Clock
}

// NewFetcher builds a fetcher over a (typically circuit-broken) provider and
// a durable cache. ttl is both the freshness horizon for cached samples and
// the expiry written on new ones.
func NewFetcher(provider Provider, cache IntensityCache, ttl time.Duration, clk clock.Clock) *Fetcher {
	return &Fetcher{
		provider: provider,
		cache:    cache,
		memo:     gocache.New(pointMemoTTL, 2*pointMemoTTL),
		ttl:      ttl,
		clk:      clk,
	}
}

// GetCarbonIntensity answers a point query for region at the given instant.
// It never fails: the worst answer is the breaker's static fallback.
func (f *Fetcher) GetCarbonIntensity(ctx context.Context, region string, at time.Time) (*IntensitySample, error) {
	memoKey := fmt.Sprintf("%s@%d", region, at.Truncate(time.Hour).Unix())
	if memoized, ok := f.memo.Get(memoKey); ok {
		sample := memoized.(IntensitySample)
		cacheLookups.WithLabelValues(cacheHitResult).Inc()
		return &sample, nil
	}

	cached, err := f.cache.LookupNearest(ctx, region, at)
	if err != nil {
		logging.FromContext(ctx).Errorw("intensity cache lookup failed, falling through to provider", "region", region, "error", err)
	}
	if cached != nil && f.cache.IsFresh(*cached, f.ttl) {
		cacheLookups.WithLabelValues(cacheHitResult).Inc()
		f.memo.SetDefault(memoKey, *cached)
		return cached, nil
	}
	if cached != nil {
		cacheLookups.WithLabelValues(cacheStaleResult).Inc()
	} else {
		cacheLookups.WithLabelValues(cacheMissResult).Inc()
	}

	sample, err := f.provider.GetCarbonIntensity(ctx, region, at)
	if err != nil {
		// The breaker never errors; a raw provider here is a wiring mistake
		// but stale data still beats no data.
		if cached != nil {
			return cached, nil
		}
		return nil, fmt.Errorf("fetching carbon intensity for %q, %w", region, err)
	}
	providerCalls.WithLabelValues(sample.Provenance).Inc()
	if sample.Provenance == ProvenanceStaticFallback {
		// Stale cached data carries more signal than the flat fallback.
		if cached != nil {
			return cached, nil
		}
		return sample, nil
	}

	sample.ExpiresAt = f.clk.Now().Add(f.ttl)
	if err := f.cache.Upsert(ctx, *sample, f.ttl); err != nil {
		logging.FromContext(ctx).Errorw("caching intensity sample failed", "region", region, "error", err)
	}
	f.memo.SetDefault(memoKey, *sample)
	return sample, nil
}

// GetCarbonForecast answers a range query for region over [start, end]. When
// the cache already covers at least 80% of the requested hourly slots with
// fresh samples the provider is skipped entirely.
func (f *Fetcher) GetCarbonForecast(ctx context.Context, region string, start, end time.Time) ([]IntensitySample, error) {
	cached, err := f.cache.LookupRange(ctx, region, start, end)
	if err != nil {
		logging.FromContext(ctx).Errorw("intensity cache range lookup failed, falling through to provider", "region", region, "error", err)
		cached = nil
	}
	required := int(math.Ceil(end.Sub(start).Hours()))
	if required < 1 {
		required = 1
	}
	if len(cached) >= int(math.Ceil(rangeCoverage*float64(required))) && f.allFresh(cached) {
		cacheLookups.WithLabelValues(cacheHitResult).Inc()
		return cached, nil
	}
	if len(cached) > 0 {
		cacheLookups.WithLabelValues(cacheStaleResult).Inc()
	} else {
		cacheLookups.WithLabelValues(cacheMissResult).Inc()
	}

	samples, err := f.provider.GetCarbonForecast(ctx, region, start, end)
	if err != nil {
		if len(cached) > 0 {
			return cached, nil
		}
		return nil, fmt.Errorf("fetching carbon forecast for %q, %w", region, err)
	}
	if f.isFallback(samples) {
		providerCalls.WithLabelValues(ProvenanceStaticFallback).Inc()
		// Partial real data from the cache beats a synthetic flat curve.
		if len(cached) > 0 {
			return cached, nil
		}
		return samples, nil
	}
	if len(samples) > 0 {
		providerCalls.WithLabelValues(samples[0].Provenance).Inc()
	}

	expiry := f.clk.Now().Add(f.ttl)
	for i := range samples {
		samples[i].ExpiresAt = expiry
		samples[i].ForecastWindow = required
	}
	if err := f.cache.BulkUpsert(ctx, samples, f.ttl); err != nil {
		logging.FromContext(ctx).Errorw("caching forecast samples failed", "region", region, "count", len(samples), "error", err)
	}
	return samples, nil
}

// CurrentIntensity is a point query at the present instant.
func (f *Fetcher) CurrentIntensity(ctx context.Context, region string) (*IntensitySample, error) {
	return f.GetCarbonIntensity(ctx, region, f.clk.Now())
}

// ForecastWindow is a range query from now over the given number of hours.
func (f *Fetcher) ForecastWindow(ctx context.Context, region string, hours int) ([]IntensitySample, error) {
	now := f.clk.Now()
	return f.GetCarbonForecast(ctx, region, now, now.Add(time.Duration(hours)*time.Hour))
}

func (f *Fetcher) allFresh(samples []IntensitySample) bool {
	for _, sample := range samples {
		if !f.cache.IsFresh(sample, f.ttl) {
			return false
		}
	}
	return true
}

func (f *Fetcher) isFallback(samples []IntensitySample) bool {
	return len(samples) > 0 && samples[0].Provenance == ProvenanceStaticFallback
}
