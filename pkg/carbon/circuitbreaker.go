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
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/karbos-project/karbos/pkg/logging"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig configures the circuit breaker around a provider.
type BreakerConfig struct {
	// MaxFailures is the consecutive-failure count that opens the circuit.
	MaxFailures int
	// Timeout is how long the circuit stays open before permitting a probe.
	Timeout time.Duration
	// ResetTimeout bounds a half-open probe; a probe outstanding longer than
	// this is presumed lost and another may be issued.
	ResetTimeout time.Duration
	// StaticFallback is the intensity reported while the provider is
	// unavailable, in gCO2eq/kWh.
	StaticFallback float64
}

// DefaultBreakerConfig returns the production breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:    5,
		Timeout:        30 * time.Second,
		ResetTimeout:   10 * time.Second,
		StaticFallback: 400,
	}
}

// Breaker wraps a Provider with a circuit breaker. Calls through the breaker
// never fail: while the provider is unavailable the breaker answers with
// static fallback samples instead, and callers distinguish them solely by
// provenance. Breaker itself implements Provider.
type Breaker struct {
	provider Provider
	config   BreakerConfig
	clk      clock.Clock

	mu             sync.Mutex
	state          BreakerState
	failures       int
	lastTransition time.Time
	probeInFlight  bool
	probeStarted   time.Time
}

// NewBreaker wraps provider with a circuit breaker using config.
func NewBreaker(provider Provider, config BreakerConfig, clk clock.Clock) *Breaker {
	return &Breaker{
		provider: provider,
		config:   config,
		clk:      clk,
		state:    StateClosed,
	}
}

func (b *Breaker) GetCarbonIntensity(ctx context.Context, region string, at time.Time) (*IntensitySample, error) {
	if !b.allowRequest(ctx) {
		sample := b.fallbackSample(region, at)
		return &sample, nil
	}
	sample, err := b.provider.GetCarbonIntensity(ctx, region, at)
	if err != nil {
		b.recordFailure(ctx, err)
		fallback := b.fallbackSample(region, at)
		return &fallback, nil
	}
	b.recordSuccess(ctx)
	return sample, nil
}

func (b *Breaker) GetCarbonForecast(ctx context.Context, region string, start, end time.Time) ([]IntensitySample, error) {
	if !b.allowRequest(ctx) {
		return b.fallbackForecast(region, start, end), nil
	}
	samples, err := b.provider.GetCarbonForecast(ctx, region, start, end)
	if err != nil {
		b.recordFailure(ctx, err)
		return b.fallbackForecast(region, start, end), nil
	}
	b.recordSuccess(ctx)
	return samples, nil
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive-failure counter.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset forces the breaker closed and zeroes the failure counter, regardless
// of current state. Intended for operator intervention.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failures = 0
	b.probeInFlight = false
}

// allowRequest decides whether this call may reach the provider, advancing
// the state machine as a side effect.
func (b *Breaker) allowRequest(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clk.Since(b.lastTransition) >= b.config.Timeout {
			b.transition(StateHalfOpen)
			b.probeInFlight = true
			b.probeStarted = b.clk.Now()
			logging.FromContext(ctx).Infow("circuit breaker probing provider", "state", b.state)
			return true
		}
		return false
	case StateHalfOpen:
		if b.probeInFlight && b.clk.Since(b.probeStarted) < b.config.ResetTimeout {
			return false
		}
		b.probeInFlight = true
		b.probeStarted = b.clk.Now()
		return true
	}
	return false
}

func (b *Breaker) recordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
	if b.state != StateClosed || b.failures > 0 {
		logging.FromContext(ctx).Infow("circuit breaker closing", "previousState", b.state, "failures", b.failures)
	}
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
	b.failures = 0
}

func (b *Breaker) recordFailure(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
	b.failures++
	switch b.state {
	case StateHalfOpen:
		// Probe failed, back to open for another full timeout.
		b.transition(StateOpen)
		logging.FromContext(ctx).Warnw("circuit breaker probe failed, reopening", "error", err)
	case StateClosed:
		if b.failures >= b.config.MaxFailures {
			b.transition(StateOpen)
			logging.FromContext(ctx).Warnw("circuit breaker opening", "failures", b.failures, "error", err)
		}
	}
}

// transition moves the state machine and stamps the transition time. Callers
// must hold b.mu.
func (b *Breaker) transition(next BreakerState) {
	if b.state != next {
		breakerTransitions.WithLabelValues(b.state.String(), next.String()).Inc()
	}
	b.state = next
	b.lastTransition = b.clk.Now()
	breakerStateGauge.Set(float64(next))
}

func (b *Breaker) fallbackSample(region string, at time.Time) IntensitySample {
	now := b.clk.Now()
	return IntensitySample{
		Region:     region,
		Timestamp:  at,
		Intensity:  b.config.StaticFallback,
		Unit:       Unit,
		Provenance: ProvenanceStaticFallback,
		FetchedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}
}

// fallbackForecast synthesizes hourly fallback samples covering [start, end].
func (b *Breaker) fallbackForecast(region string, start, end time.Time) []IntensitySample {
	var samples []IntensitySample
	for at := start; !at.After(end); at = at.Add(time.Hour) {
		samples = append(samples, b.fallbackSample(region, at))
	}
	return samples
}
