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

// Package promotion moves delayed jobs whose scheduled time has arrived onto
// the immediate queue.
package promotion

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/karbos-project/karbos/pkg/logging"
	"github.com/karbos-project/karbos/pkg/queue"
)

const (
	// DefaultInterval is how often the controller looks for due jobs.
	DefaultInterval = 10 * time.Second

	// promoteBatch bounds how many due jobs one tick promotes.
	promoteBatch = 100
)

// Controller periodically promotes due jobs. Promotion enqueues onto the
// immediate queue before removing from the delayed set, so a crash between
// the two steps re-promotes the job rather than losing it; delivery is
// at-least-once and the worker's status guard absorbs duplicates.
type Controller struct {
	queue    *queue.Queue
	interval time.Duration
	clk      clock.WithTicker
}

// NewController builds a promotion controller ticking at interval.
func NewController(q *queue.Queue, interval time.Duration, clk clock.WithTicker) *Controller {
	return &Controller{queue: q, interval: interval, clk: clk}
}

// Run promotes due jobs until ctx is canceled.
func (c *Controller) Run(ctx context.Context) {
	ticker := c.clk.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := c.promote(ctx); err != nil {
				tickErrors.Inc()
				logging.FromContext(ctx).Errorw("promoting due jobs failed", "error", err)
			}
		}
	}
}

func (c *Controller) promote(ctx context.Context) error {
	due, err := c.queue.DueJobs(ctx, c.clk.Now(), promoteBatch)
	if err != nil {
		return err
	}
	var errs error
	for _, msg := range due {
		if err := c.queue.Enqueue(ctx, msg.JobID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if _, err := c.queue.RemoveFromDelayed(ctx, msg.JobID); err != nil {
			// The job is on both queues now; the next tick will retry the
			// removal and the worker's status guard drops the duplicate.
			errs = multierr.Append(errs, err)
			continue
		}
		promoted.Inc()
		logging.FromContext(ctx).Infow("promoted job", "jobID", msg.JobID)
	}
	return errs
}
