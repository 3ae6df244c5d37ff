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

package carbon_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/karbos-project/karbos/pkg/carbon"
	"github.com/karbos-project/karbos/pkg/fake"
)

var (
	ctx       context.Context
	carbonAPI *fake.CarbonAPI
)

func TestCarbon(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Carbon")
}

var _ = BeforeSuite(func() {
	ctx = context.Background()
	carbonAPI = fake.NewCarbonAPI()
})

var _ = BeforeEach(func() {
	carbonAPI.Reset()
})

var _ = Describe("CircuitBreaker", func() {
	var breaker *carbon.Breaker
	var clk *clocktesting.FakeClock
	var config carbon.BreakerConfig

	BeforeEach(func() {
		clk = clocktesting.NewFakeClock(time.Now())
		config = carbon.DefaultBreakerConfig()
		breaker = carbon.NewBreaker(carbonAPI, config, clk)
	})

	It("should pass live samples through while closed", func() {
		carbonAPI.IntensityOutput.Intensity = 250
		sample, err := breaker.GetCarbonIntensity(ctx, "US-EAST", clk.Now())
		Expect(err).ToNot(HaveOccurred())
		Expect(sample.Intensity).To(Equal(250.0))
		Expect(sample.Provenance).To(Equal("fake"))
		Expect(breaker.State()).To(Equal(carbon.StateClosed))
	})

	It("should stay closed below the failure threshold", func() {
		carbonAPI.Error = &carbon.ProviderError{Kind: carbon.ProviderUnreachable, Err: context.DeadlineExceeded}
		for i := 0; i < config.MaxFailures-1; i++ {
			_, err := breaker.GetCarbonIntensity(ctx, "US-EAST", clk.Now())
			Expect(err).ToNot(HaveOccurred())
		}
		Expect(breaker.State()).To(Equal(carbon.StateClosed))
		Expect(breaker.Failures()).To(Equal(config.MaxFailures - 1))
	})

	It("should open after consecutive failures and answer with the static fallback", func() {
		carbonAPI.Error = &carbon.ProviderError{Kind: carbon.ProviderUnreachable, Err: context.DeadlineExceeded}
		for i := 0; i < config.MaxFailures; i++ {
			sample, err := breaker.GetCarbonIntensity(ctx, "US-EAST", clk.Now())
			Expect(err).ToNot(HaveOccurred())
			Expect(sample.Provenance).To(Equal(carbon.ProvenanceStaticFallback))
			Expect(sample.Intensity).To(Equal(config.StaticFallback))
		}
		Expect(breaker.State()).To(Equal(carbon.StateOpen))
	})

	It("should not call the provider while open", func() {
		carbonAPI.Error = &carbon.ProviderError{Kind: carbon.ProviderUnreachable, Err: context.DeadlineExceeded}
		for i := 0; i < config.MaxFailures; i++ {
			_, _ = breaker.GetCarbonIntensity(ctx, "US-EAST", clk.Now())
		}
		calls := carbonAPI.IntensityCalls
		_, err := breaker.GetCarbonIntensity(ctx, "US-EAST", clk.Now())
		Expect(err).ToNot(HaveOccurred())
		Expect(carbonAPI.IntensityCalls).To(Equal(calls))
	})

	It("should close again after a successful half-open probe", func() {
		carbonAPI.Error = &carbon.ProviderError{Kind: carbon.ProviderUnreachable, Err: context.DeadlineExceeded}
		for i := 0; i < config.MaxFailures; i++ {
			_, _ = breaker.GetCarbonIntensity(ctx, "US-EAST", clk.Now())
		}
		clk.Step(config.Timeout + time.Second)
		carbonAPI.Error = nil
		sample, err := breaker.GetCarbonIntensity(ctx, "US-EAST", clk.Now())
		Expect(err).ToNot(HaveOccurred())
		Expect(sample.Provenance).To(Equal("fake"))
		Expect(breaker.State()).To(Equal(carbon.StateClosed))
		Expect(breaker.Failures()).To(BeZero())
	})

	It("should reopen when the half-open probe fails", func() {
		carbonAPI.Error = &carbon.ProviderError{Kind: carbon.ProviderUnreachable, Err: context.DeadlineExceeded}
		for i := 0; i < config.MaxFailures; i++ {
			_, _ = breaker.GetCarbonIntensity(ctx, "US-EAST", clk.Now())
		}
		clk.Step(config.Timeout + time.Second)
		sample, err := breaker.GetCarbonIntensity(ctx, "US-EAST", clk.Now())
		Expect(err).ToNot(HaveOccurred())
		Expect(sample.Provenance).To(Equal(carbon.ProvenanceStaticFallback))
		Expect(breaker.State()).To(Equal(carbon.StateOpen))
	})

	It("should force closed on reset", func() {
		carbonAPI.Error = &carbon.ProviderError{Kind: carbon.ProviderUnreachable, Err: context.DeadlineExceeded}
		for i := 0; i < config.MaxFailures; i++ {
			_, _ = breaker.GetCarbonIntensity(ctx, "US-EAST", clk.Now())
		}
		Expect(breaker.State()).To(Equal(carbon.StateOpen))
		breaker.Reset()
		Expect(breaker.State()).To(Equal(carbon.StateClosed))
		Expect(breaker.Failures()).To(BeZero())
	})

	It("should synthesize an hourly fallback forecast while open", func() {
		carbonAPI.Error = &carbon.ProviderError{Kind: carbon.ProviderUnreachable, Err: context.DeadlineExceeded}
		for i := 0; i < config.MaxFailures; i++ {
			_, _ = breaker.GetCarbonIntensity(ctx, "US-EAST", clk.Now())
		}
		start := clk.Now()
		samples, err := breaker.GetCarbonForecast(ctx, "US-EAST", start, start.Add(3*time.Hour))
		Expect(err).ToNot(HaveOccurred())
		Expect(samples).To(HaveLen(4))
		for i, sample := range samples {
			Expect(sample.Provenance).To(Equal(carbon.ProvenanceStaticFallback))
			Expect(sample.Timestamp).To(Equal(start.Add(time.Duration(i) * time.Hour)))
		}
	})
})

var _ = Describe("Fetcher", func() {
	var fetcher *carbon.Fetcher
	var cache *fake.IntensityCache
	var clk *clocktesting.FakeClock

	BeforeEach(func() {
		clk = clocktesting.NewFakeClock(time.Now())
		cache = fake.NewIntensityCache()
		fetcher = carbon.NewFetcher(carbonAPI, cache, time.Hour, clk)
	})

	cachedSample := func(age time.Duration, intensity float64) carbon.IntensitySample {
		return carbon.IntensitySample{
			Region:     "US-EAST",
			Timestamp:  clk.Now(),
			Intensity:  intensity,
			Unit:       carbon.Unit,
			Provenance: "electricitymaps",
			FetchedAt:  time.Now().Add(-age),
		}
	}

	It("should answer from the cache without calling the provider", func() {
		Expect(cache.Upsert(ctx, cachedSample(time.Minute, 180), time.Hour)).To(Succeed())
		sample, err := fetcher.GetCarbonIntensity(ctx, "US-EAST", clk.Now())
		Expect(err).ToNot(HaveOccurred())
		Expect(sample.Intensity).To(Equal(180.0))
		Expect(carbonAPI.IntensityCalls).To(BeZero())
	})

	It("should refresh a stale cache entry from the provider", func() {
		Expect(cache.Upsert(ctx, cachedSample(2*time.Hour, 180), time.Hour)).To(Succeed())
		carbonAPI.IntensityOutput.Intensity = 90
		sample, err := fetcher.GetCarbonIntensity(ctx, "US-EAST", clk.Now())
		Expect(err).ToNot(HaveOccurred())
		Expect(sample.Intensity).To(Equal(90.0))
		Expect(carbonAPI.IntensityCalls).To(Equal(1))
	})

	It("should prefer stale cached data over the static fallback", func() {
		Expect(cache.Upsert(ctx, cachedSample(2*time.Hour, 180), time.Hour)).To(Succeed())
		carbonAPI.IntensityOutput = carbon.IntensitySample{
			Intensity:  400,
			Unit:       carbon.Unit,
			Provenance: carbon.ProvenanceStaticFallback,
		}
		sample, err := fetcher.GetCarbonIntensity(ctx, "US-EAST", clk.Now())
		Expect(err).ToNot(HaveOccurred())
		Expect(sample.Intensity).To(Equal(180.0))
		Expect(sample.Provenance).ToNot(Equal(carbon.ProvenanceStaticFallback))
	})

	It("should surface the fallback when the cache is empty", func() {
		carbonAPI.IntensityOutput = carbon.IntensitySample{
			Intensity:  400,
			Unit:       carbon.Unit,
			Provenance: carbon.ProvenanceStaticFallback,
		}
		sample, err := fetcher.GetCarbonIntensity(ctx, "US-EAST", clk.Now())
		Expect(err).ToNot(HaveOccurred())
		Expect(sample.Provenance).To(Equal(carbon.ProvenanceStaticFallback))
	})

	It("should skip the provider when the cache covers enough of a range", func() {
		start := clk.Now()
		var samples []carbon.IntensitySample
		for i := 0; i < 9; i++ {
			s := cachedSample(time.Minute, float64(100+i))
			s.Timestamp = start.Add(time.Duration(i) * time.Hour)
			samples = append(samples, s)
		}
		Expect(cache.BulkUpsert(ctx, samples, time.Hour)).To(Succeed())
		got, err := fetcher.GetCarbonForecast(ctx, "US-EAST", start, start.Add(10*time.Hour))
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(HaveLen(9))
		Expect(carbonAPI.ForecastCalls).To(BeZero())
	})

	It("should return partial cached data when the provider is degraded", func() {
		start := clk.Now()
		s := cachedSample(time.Minute, 150)
		s.Timestamp = start.Add(time.Hour)
		Expect(cache.Upsert(ctx, s, time.Hour)).To(Succeed())
		carbonAPI.ForecastOutput = []carbon.IntensitySample{
			{Intensity: 400, Unit: carbon.Unit, Provenance: carbon.ProvenanceStaticFallback},
		}
		got, err := fetcher.GetCarbonForecast(ctx, "US-EAST", start, start.Add(10*time.Hour))
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(HaveLen(1))
		Expect(got[0].Intensity).To(Equal(150.0))
	})

	It("should write live forecasts back into the cache", func() {
		start := clk.Now()
		carbonAPI.ForecastOutput = []carbon.IntensitySample{
			{Intensity: 120, Unit: carbon.Unit, Provenance: "electricitymaps", FetchedAt: time.Now()},
			{Intensity: 140, Unit: carbon.Unit, Provenance: "electricitymaps", FetchedAt: time.Now()},
		}
		got, err := fetcher.GetCarbonForecast(ctx, "US-EAST", start, start.Add(2*time.Hour))
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(HaveLen(2))
		Expect(cache.Len("US-EAST")).To(Equal(2))
	})
})
