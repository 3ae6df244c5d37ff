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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/karbos-project/karbos/pkg/metrics"
)

const (
	cacheHitResult   = "hit"
	cacheMissResult  = "miss"
	cacheStaleResult = "stale"
)

var (
	breakerStateGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "carbon",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 = closed, 1 = open, 2 = half-open).",
		},
	)
	breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "carbon",
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		},
		[]string{"from", "to"},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "carbon",
			Name:      "cache_lookups_total",
			Help:      "Intensity cache lookups by the fetcher.",
		},
		[]string{"result"},
	)
	providerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "carbon",
			Name:      "provider_calls_total",
			Help:      "Calls that reached the upstream provider, by provenance of the answer.",
		},
		[]string{"provenance"},
	)
)

func init() {
	metrics.Registry.MustRegister(breakerStateGauge, breakerTransitions, cacheLookups, providerCalls)
}
