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

// Package fake provides scriptable test doubles for the external APIs the
// module depends on.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/karbos-project/karbos/pkg/carbon"
)

// CarbonAPI is a scriptable carbon.Provider. Script outputs and errors, then
// assert on recorded calls.
type CarbonAPI struct {
	mu sync.Mutex

	IntensityOutput carbon.IntensitySample
	ForecastOutput  []carbon.IntensitySample
	Error           error

	IntensityCalls int
	ForecastCalls  int
}

// NewCarbonAPI returns a fake that answers every query with a 100 gCO2eq/kWh
// sample until scripted otherwise.
func NewCarbonAPI() *CarbonAPI {
	return &CarbonAPI{
		IntensityOutput: carbon.IntensitySample{
			Intensity:  100,
			Unit:       carbon.Unit,
			Provenance: "fake",
		},
	}
}

func (c *CarbonAPI) GetCarbonIntensity(_ context.Context, region string, at time.Time) (*carbon.IntensitySample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.IntensityCalls++
	if c.Error != nil {
		return nil, c.Error
	}
	sample := c.IntensityOutput
	sample.Region = region
	if sample.Timestamp.IsZero() {
		sample.Timestamp = at
	}
	if sample.FetchedAt.IsZero() {
		sample.FetchedAt = time.Now()
	}
	return &sample, nil
}

func (c *CarbonAPI) GetCarbonForecast(_ context.Context, region string, start, _ time.Time) ([]carbon.IntensitySample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ForecastCalls++
	if c.Error != nil {
		return nil, c.Error
	}
	samples := make([]carbon.IntensitySample, len(c.ForecastOutput))
	copy(samples, c.ForecastOutput)
	for i := range samples {
		samples[i].Region = region
		if samples[i].Timestamp.IsZero() {
			samples[i].Timestamp = start.Add(time.Duration(i) * time.Hour)
		}
	}
	return samples, nil
}

// Reset clears scripted outputs and recorded calls.
func (c *CarbonAPI) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.IntensityOutput = carbon.IntensitySample{
		Intensity:  100,
		Unit:       carbon.Unit,
		Provenance: "fake",
	}
	c.ForecastOutput = nil
	c.Error = nil
	c.IntensityCalls = 0
	c.ForecastCalls = 0
}
