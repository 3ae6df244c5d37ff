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

package promotion

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/karbos-project/karbos/pkg/metrics"
)

var (
	promoted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "promotion",
			Name:      "promoted_total",
			Help:      "Jobs moved from the delayed set to the immediate queue.",
		},
	)
	tickErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "promotion",
			Name:      "tick_errors_total",
			Help:      "Promotion ticks that ended with an error.",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(promoted, tickErrors)
}
