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

package queue

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/karbos-project/karbos/pkg/metrics"
)

var (
	enqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Messages enqueued, by queue.",
		},
		[]string{"queue"},
	)
	dequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "dequeued_total",
			Help:      "Messages popped from the immediate queue.",
		},
	)
	immediateDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "immediate_depth",
			Help:      "Immediate queue length at last observation.",
		},
	)
	delayedDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "delayed_depth",
			Help:      "Delayed set size at last observation.",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(enqueued, dequeued, immediateDepth, delayedDepth)
}
