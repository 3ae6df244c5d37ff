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

package fake

import (
	"context"
	"sync"
	"time"

	"github.com/karbos-project/karbos/pkg/carbon"
)

// Forecaster is a scriptable scheduling.Forecaster backed by a fixed slot
// series.
type Forecaster struct {
	mu sync.Mutex

	Samples []carbon.IntensitySample
	Error   error
}

// NewForecaster builds a forecaster whose slots carry the given intensities
// at hourly intervals from start.
func NewForecaster(start time.Time, intensities ...float64) *Forecaster {
	f := &Forecaster{}
	f.SetSlots(start, intensities...)
	return f
}

// SetSlots replaces the scripted series.
func (f *Forecaster) SetSlots(start time.Time, intensities ...float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Samples = nil
	for i, intensity := range intensities {
		f.Samples = append(f.Samples, carbon.IntensitySample{
			Region:     "US-EAST",
			Timestamp:  start.Add(time.Duration(i) * time.Hour),
			Intensity:  intensity,
			Unit:       carbon.Unit,
			Provenance: "fake",
			FetchedAt:  start,
		})
	}
}

func (f *Forecaster) ForecastWindow(_ context.Context, region string, hours int) ([]carbon.IntensitySample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Error != nil {
		return nil, f.Error
	}
	out := make([]carbon.IntensitySample, 0, len(f.Samples))
	for i, sample := range f.Samples {
		if i >= hours {
			break
		}
		sample.Region = region
		out = append(out, sample)
	}
	return out, nil
}

func (f *Forecaster) CurrentIntensity(_ context.Context, region string) (*carbon.IntensitySample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Error != nil {
		return nil, f.Error
	}
	if len(f.Samples) == 0 {
		return nil, &carbon.ProviderError{Kind: carbon.ProviderUnreachable, Err: context.Canceled}
	}
	sample := f.Samples[0]
	sample.Region = region
	return &sample, nil
}
