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

// Package scheduling decides when a job should run. It slides an execution
// window across the carbon forecast and picks the start minimizing mean
// intensity, subject to the job's deadline.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"k8s.io/utils/clock"

	"github.com/karbos-project/karbos/pkg/carbon"
	"github.com/karbos-project/karbos/pkg/logging"
)

const (
	// immediacyWindow collapses near-now optima into immediate execution.
	immediacyWindow = 5 * time.Minute
	// minSavingsPercent is the savings below which waiting is not worth it.
	minSavingsPercent = 10.0
	// alternativeMargin bounds how much worse than the optimum an
	// alternative window may be, in gCO2eq/kWh.
	alternativeMargin = 10.0
	// maxAlternatives caps the alternatives returned with a decision.
	maxAlternatives = 3
)

// ErrDeadlineUnsatisfiable rejects a job that cannot finish before its
// deadline even when started right now.
var ErrDeadlineUnsatisfiable = errors.New("job cannot finish before its deadline")

// Forecaster supplies intensity data to the scheduler. The production
// implementation is the carbon fetcher.
type Forecaster interface {
	ForecastWindow(ctx context.Context, region string, hours int) ([]carbon.IntensitySample, error)
	CurrentIntensity(ctx context.Context, region string) (*carbon.IntensitySample, error)
}

// Alternative is a non-optimal window a caller may still choose.
type Alternative struct {
	Start              time.Time `json:"start"`
	EstimatedIntensity float64   `json:"estimated_intensity"`
}

// Decision is the scheduler's answer for one job.
type Decision struct {
	OptimalStart       time.Time     `json:"optimal_start"`
	Immediate          bool          `json:"immediate"`
	EstimatedIntensity float64       `json:"estimated_intensity"`
	CurrentIntensity   float64       `json:"current_intensity"`
	SavingsPercent     float64       `json:"savings_percent"`
	CarbonSavings      float64       `json:"carbon_savings"`
	Alternatives       []Alternative `json:"alternatives,omitempty"`
	Reason             string        `json:"reason"`
}

// Config holds the scheduler settings.
type Config struct {
	// Threshold is the intensity below which running right now is always
	// acceptable, in gCO2eq/kWh.
	Threshold float64
	// SlotSize is the forecast granularity.
	SlotSize time.Duration
	// HorizonHours caps how far ahead the scheduler looks.
	HorizonHours int
}

// DefaultConfig returns the production scheduler settings.
func DefaultConfig() Config {
	return Config{Threshold: 400, SlotSize: time.Hour, HorizonHours: 24}
}

// Scheduler computes execution decisions against a forecaster.
type Scheduler struct {
	forecaster Forecaster
	config     Config
	clk        clock.Clock
}

// NewScheduler builds a scheduler with the given settings.
func NewScheduler(forecaster Forecaster, config Config, clk clock.Clock) *Scheduler {
	return &Scheduler{forecaster: forecaster, config: config, clk: clk}
}

type window struct {
	start time.Time
	mean  float64
}

// Schedule picks the lowest-carbon execution window for a job of the given
// duration that still completes before deadline. With no usable forecast the
// job runs immediately. A job that cannot finish in time even when started
// now is rejected with ErrDeadlineUnsatisfiable.
func (s *Scheduler) Schedule(ctx context.Context, region string, duration time.Duration, deadline time.Time) (*Decision, error) {
	now := s.clk.Now()
	if !deadline.After(now) {
		return nil, fmt.Errorf("deadline %s is not in the future", deadline)
	}
	if now.Add(duration).After(deadline) {
		return nil, fmt.Errorf("duration %s against deadline %s, %w", duration, deadline.Format(time.RFC3339), ErrDeadlineUnsatisfiable)
	}

	horizon := int(math.Ceil(deadline.Sub(now).Hours()))
	if horizon > s.config.HorizonHours {
		horizon = s.config.HorizonHours
	}
	if horizon < 1 {
		horizon = 1
	}

	samples, err := s.forecaster.ForecastWindow(ctx, region, horizon)
	if err != nil {
		return nil, fmt.Errorf("fetching forecast for %q, %w", region, err)
	}
	if len(samples) == 0 {
		logging.FromContext(ctx).Warnw("no forecast available, scheduling immediately", "region", region)
		return &Decision{OptimalStart: now, Immediate: true, Reason: "no forecast available"}, nil
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })

	currentIntensity := samples[0].Intensity
	windowSlots := int(math.Ceil(float64(duration) / float64(s.config.SlotSize)))
	if windowSlots < 1 {
		windowSlots = 1
	}

	windows := s.candidateWindows(samples, windowSlots, duration, deadline)
	if len(windows) == 0 {
		// Nothing fits before the deadline; running now is the only option
		// that can still finish in time.
		return &Decision{
			OptimalStart:     now,
			Immediate:        true,
			CurrentIntensity: currentIntensity,
			Reason:           "no window fits before deadline",
		}, nil
	}

	best := windows[0]
	for _, w := range windows[1:] {
		// Strict less-than keeps the earliest window on ties.
		if w.mean < best.mean {
			best = w
		}
	}

	savings := 0.0
	if currentIntensity > 0 {
		savings = (currentIntensity - best.mean) / currentIntensity * 100
	}

	decision := &Decision{
		OptimalStart:       best.start,
		EstimatedIntensity: best.mean,
		CurrentIntensity:   currentIntensity,
		SavingsPercent:     savings,
		CarbonSavings:      currentIntensity - best.mean,
		Alternatives:       s.alternatives(windows, best),
	}
	switch {
	case absDuration(best.start.Sub(now)) < immediacyWindow:
		decision.Immediate = true
		decision.OptimalStart = now
		decision.Reason = "optimal window is now"
	case savings < minSavingsPercent:
		decision.Immediate = true
		decision.OptimalStart = now
		decision.Reason = fmt.Sprintf("waiting saves only %.1f%%", savings)
	case currentIntensity < s.config.Threshold:
		decision.Immediate = true
		decision.OptimalStart = now
		decision.Reason = fmt.Sprintf("current intensity %.0f below threshold %.0f", currentIntensity, s.config.Threshold)
	default:
		decision.Reason = fmt.Sprintf("delaying saves %.1f%%", savings)
	}
	return decision, nil
}

// ShouldSchedule reports whether region's current intensity permits running a
// job right now, without consulting the forecast.
func (s *Scheduler) ShouldSchedule(ctx context.Context, region string) (bool, error) {
	sample, err := s.forecaster.CurrentIntensity(ctx, region)
	if err != nil {
		return false, fmt.Errorf("fetching current intensity for %q, %w", region, err)
	}
	return sample.Intensity < s.config.Threshold, nil
}

// candidateWindows enumerates every contiguous run of windowSlots forecast
// slots whose execution would still finish before the deadline. A forecast
// shorter than the window is itself the only candidate.
func (s *Scheduler) candidateWindows(samples []carbon.IntensitySample, windowSlots int, duration time.Duration, deadline time.Time) []window {
	if windowSlots > len(samples) {
		start := samples[0].Timestamp
		if start.Add(duration).After(deadline) {
			return nil
		}
		sum := 0.0
		for _, sample := range samples {
			sum += sample.Intensity
		}
		return []window{{start: start, mean: sum / float64(len(samples))}}
	}
	var windows []window
	for i := 0; i+windowSlots <= len(samples); i++ {
		start := samples[i].Timestamp
		if start.Add(duration).After(deadline) {
			continue
		}
		sum := 0.0
		for _, sample := range samples[i : i+windowSlots] {
			sum += sample.Intensity
		}
		windows = append(windows, window{start: start, mean: sum / float64(windowSlots)})
	}
	return windows
}

// alternatives returns up to maxAlternatives non-optimal windows whose mean
// intensity sits within alternativeMargin of the optimum, best first.
func (s *Scheduler) alternatives(windows []window, best window) []Alternative {
	candidates := make([]window, 0, len(windows))
	for _, w := range windows {
		if w.start.Equal(best.start) {
			continue
		}
		if w.mean-best.mean <= alternativeMargin {
			candidates = append(candidates, w)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].mean != candidates[j].mean {
			return candidates[i].mean < candidates[j].mean
		}
		return candidates[i].start.Before(candidates[j].start)
	})
	if len(candidates) > maxAlternatives {
		candidates = candidates[:maxAlternatives]
	}
	alternatives := make([]Alternative, 0, len(candidates))
	for _, w := range candidates {
		alternatives = append(alternatives, Alternative{Start: w.start, EstimatedIntensity: w.mean})
	}
	return alternatives
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
