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

package workers

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/karbos-project/karbos/pkg/metrics"
)

var (
	processedJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "workers",
			Name:      "processed_jobs_total",
			Help:      "Jobs run to a terminal status, by outcome.",
		},
		[]string{"status"},
	)
	activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "workers",
			Name:      "active_jobs",
			Help:      "Jobs currently executing in this pool.",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(processedJobs, activeJobs)
}
