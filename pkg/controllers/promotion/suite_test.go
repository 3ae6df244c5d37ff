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

package promotion_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/karbos-project/karbos/pkg/controllers/promotion"
	"github.com/karbos-project/karbos/pkg/queue"
)

var ctx = context.Background()

func TestPromotion(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Promotion")
}

var _ = Describe("Controller", func() {
	var q *queue.Queue
	var clk *clocktesting.FakeClock
	var controller *promotion.Controller
	var cancel context.CancelFunc
	var runCtx context.Context

	BeforeEach(func() {
		server, err := miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(server.Close)
		q = queue.New(redis.NewClient(&redis.Options{Addr: server.Addr()}))
		clk = clocktesting.NewFakeClock(time.Now())
		controller = promotion.NewController(q, promotion.DefaultInterval, clk)
		runCtx, cancel = context.WithCancel(ctx)
		DeferCleanup(cancel)
	})

	It("should promote due jobs and leave future jobs delayed", func() {
		due, future := uuid.New(), uuid.New()
		Expect(q.EnqueueDelayed(ctx, due, clk.Now().Add(-time.Minute))).To(Succeed())
		Expect(q.EnqueueDelayed(ctx, future, clk.Now().Add(time.Hour))).To(Succeed())

		go controller.Run(runCtx)
		Eventually(clk.HasWaiters).Should(BeTrue())
		clk.Step(promotion.DefaultInterval)

		Eventually(func() (int64, error) { return q.Depth(ctx) }).Should(Equal(int64(1)))
		msg, err := q.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(msg.JobID).To(Equal(due))

		stats, err := q.DelayedQueueStats(ctx, clk.Now())
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.Total).To(Equal(int64(1)))
	})

	It("should promote in scheduled-time order", func() {
		later, sooner := uuid.New(), uuid.New()
		Expect(q.EnqueueDelayed(ctx, later, clk.Now().Add(-time.Minute))).To(Succeed())
		Expect(q.EnqueueDelayed(ctx, sooner, clk.Now().Add(-time.Hour))).To(Succeed())

		go controller.Run(runCtx)
		Eventually(clk.HasWaiters).Should(BeTrue())
		clk.Step(promotion.DefaultInterval)

		Eventually(func() (int64, error) { return q.Depth(ctx) }).Should(Equal(int64(2)))
		first, err := q.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(first.JobID).To(Equal(sooner))
		second, err := q.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(second.JobID).To(Equal(later))
	})

	It("should do nothing when nothing is due", func() {
		Expect(q.EnqueueDelayed(ctx, uuid.New(), clk.Now().Add(time.Hour))).To(Succeed())

		go controller.Run(runCtx)
		Eventually(clk.HasWaiters).Should(BeTrue())
		clk.Step(promotion.DefaultInterval)

		Consistently(func() (int64, error) { return q.Depth(ctx) }).Should(BeZero())
	})
})
