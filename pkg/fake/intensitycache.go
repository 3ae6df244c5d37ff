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
	"sort"
	"sync"
	"time"

	"github.com/karbos-project/karbos/pkg/carbon"
)

const nearestTolerance = 15 * time.Minute

// IntensityCache is an in-memory carbon.IntensityCache with the same nearest
// and range semantics as the database-backed one.
type IntensityCache struct {
	mu      sync.Mutex
	samples map[string]map[int64]carbon.IntensitySample

	// NowFunc lets tests pin freshness checks; defaults to time.Now.
	NowFunc func() time.Time

	LookupError error
	UpsertError error
}

func NewIntensityCache() *IntensityCache {
	return &IntensityCache{samples: map[string]map[int64]carbon.IntensitySample{}}
}

func (c *IntensityCache) now() time.Time {
	if c.NowFunc != nil {
		return c.NowFunc()
	}
	return time.Now()
}

func (c *IntensityCache) LookupNearest(_ context.Context, region string, at time.Time) (*carbon.IntensitySample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LookupError != nil {
		return nil, c.LookupError
	}
	var best *carbon.IntensitySample
	var bestDistance time.Duration
	for _, sample := range c.samples[region] {
		distance := sample.Timestamp.Sub(at)
		if distance < 0 {
			distance = -distance
		}
		if distance > nearestTolerance {
			continue
		}
		if best == nil || distance < bestDistance {
			s := sample
			best = &s
			bestDistance = distance
		}
	}
	return best, nil
}

func (c *IntensityCache) LookupRange(_ context.Context, region string, start, end time.Time) ([]carbon.IntensitySample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LookupError != nil {
		return nil, c.LookupError
	}
	var out []carbon.IntensitySample
	for _, sample := range c.samples[region] {
		if sample.Timestamp.Before(start) || sample.Timestamp.After(end) {
			continue
		}
		out = append(out, sample)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (c *IntensityCache) Upsert(_ context.Context, sample carbon.IntensitySample, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.UpsertError != nil {
		return c.UpsertError
	}
	c.put(sample)
	return nil
}

func (c *IntensityCache) BulkUpsert(_ context.Context, samples []carbon.IntensitySample, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.UpsertError != nil {
		return c.UpsertError
	}
	for _, sample := range samples {
		c.put(sample)
	}
	return nil
}

func (c *IntensityCache) IsFresh(sample carbon.IntensitySample, maxAge time.Duration) bool {
	return c.now().Sub(sample.FetchedAt) < maxAge
}

func (c *IntensityCache) put(sample carbon.IntensitySample) {
	byTime, ok := c.samples[sample.Region]
	if !ok {
		byTime = map[int64]carbon.IntensitySample{}
		c.samples[sample.Region] = byTime
	}
	byTime[sample.Timestamp.Unix()] = sample
}

// Len returns the number of cached samples for a region.
func (c *IntensityCache) Len(region string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples[region])
}

// Reset drops all samples and scripted errors.
func (c *IntensityCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = map[string]map[int64]carbon.IntensitySample{}
	c.LookupError = nil
	c.UpsertError = nil
}
