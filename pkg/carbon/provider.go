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

// Package carbon provides grid carbon-intensity data to the scheduler. It
// layers a cache-first fetcher over a circuit-broken upstream provider so
// that provider outages degrade decision quality instead of failing
// submissions.
package carbon

import (
	"context"
	"fmt"
	"time"
)

const (
	// Unit is the unit every intensity sample is expressed in.
	Unit = "gCO2eq/kWh"

	// ProvenanceStaticFallback marks samples synthesized by the circuit
	// breaker while the upstream provider is unavailable. Fallback data
	// shares the live sample shape; provenance is the only distinction.
	ProvenanceStaticFallback = "static-fallback"

	// providerTimeout is the hard cap on any single upstream call.
	providerTimeout = 10 * time.Second
)

// IntensitySample is one carbon-intensity observation for a region at an
// instant. (Region, Timestamp) is the natural key in the cache.
type IntensitySample struct {
	Region     string    `json:"region"`
	Timestamp  time.Time `json:"timestamp"`
	Intensity  float64   `json:"intensity"`
	Unit       string    `json:"unit"`
	Provenance string    `json:"provenance,omitempty"`
	FetchedAt  time.Time `json:"-"`
	ExpiresAt  time.Time `json:"-"`

	// ForecastWindow is the request horizon in hours the sample was fetched
	// under, 0 for point observations. It is part of the cache key.
	ForecastWindow int `json:"-"`
}

// Provider fetches current and forecast grid intensity for a region. Forecast
// samples are returned with monotonically increasing instants at hourly
// granularity. Implementations fail with a *ProviderError; callers treat
// every failure kind as transient.
type Provider interface {
	GetCarbonIntensity(ctx context.Context, region string, at time.Time) (*IntensitySample, error)
	GetCarbonForecast(ctx context.Context, region string, start, end time.Time) ([]IntensitySample, error)
}

// FailureKind classifies upstream provider failures.
type FailureKind string

const (
	ProviderUnreachable FailureKind = "ProviderUnreachable"
	ProviderAuthFailed  FailureKind = "ProviderAuthFailed"
	ProviderRateLimited FailureKind = "ProviderRateLimited"
	ProviderMalformed   FailureKind = "ProviderMalformed"
)

// ProviderError wraps an upstream failure with its classification.
type ProviderError struct {
	Kind FailureKind
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func newProviderError(kind FailureKind, format string, args ...interface{}) *ProviderError {
	return &ProviderError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// classifyStatus maps an HTTP response code onto a failure kind.
func classifyStatus(code int) FailureKind {
	switch {
	case code == 401 || code == 403:
		return ProviderAuthFailed
	case code == 429:
		return ProviderRateLimited
	default:
		return ProviderUnreachable
	}
}
