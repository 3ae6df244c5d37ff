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

package jobs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	clocktesting "k8s.io/utils/clock/testing"

	v1 "github.com/karbos-project/karbos/pkg/apis/v1"
	"github.com/karbos-project/karbos/pkg/fake"
	"github.com/karbos-project/karbos/pkg/jobs"
	"github.com/karbos-project/karbos/pkg/queue"
	"github.com/karbos-project/karbos/pkg/scheduling"
)

var ctx = context.Background()

func TestJobs(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Jobs")
}

var _ = Describe("Service", func() {
	var jobStore *fake.JobStore
	var forecaster *fake.Forecaster
	var q *queue.Queue
	var server *miniredis.Miniredis
	var service *jobs.Service
	var clk *clocktesting.FakeClock
	var now time.Time

	newRequest := func() *jobs.SubmitRequest {
		return &jobs.SubmitRequest{
			UserID:      "alice",
			DockerImage: "alpine:3.20",
			Deadline:    now.Add(24 * time.Hour).Format(time.RFC3339),
		}
	}

	BeforeEach(func() {
		var err error
		server, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(server.Close)
		q = queue.New(redis.NewClient(&redis.Options{Addr: server.Addr()}))
		now = time.Now().UTC().Truncate(time.Hour)
		clk = clocktesting.NewFakeClock(now)
		jobStore = fake.NewJobStore()
		forecaster = fake.NewForecaster(now, 500, 480, 100, 450, 470)
		scheduler := scheduling.NewScheduler(forecaster, scheduling.DefaultConfig(), clk)
		service = jobs.NewService(jobStore, q, scheduler, forecaster, clk)
	})

	Describe("Submit", func() {
		It("should delay a job into the optimal window", func() {
			resp, err := service.Submit(ctx, newRequest())
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Decision.Immediate).To(BeFalse())
			Expect(resp.Decision.CarbonSavings).To(Equal(400.0))
			Expect(resp.Job.Status).To(Equal(v1.JobStatusDelayed))
			Expect(*resp.Job.ScheduledTime).To(Equal(now.Add(2 * time.Hour)))

			stats, err := q.DelayedQueueStats(ctx, now)
			Expect(err).ToNot(HaveOccurred())
			Expect(stats.Total).To(Equal(int64(1)))
		})

		It("should enqueue an immediate job on the immediate queue", func() {
			forecaster.SetSlots(now, 100, 480, 500)
			resp, err := service.Submit(ctx, newRequest())
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Decision.Immediate).To(BeTrue())
			Expect(resp.Job.Status).To(Equal(v1.JobStatusPending))
			Expect(resp.Job.ScheduledTime).To(BeNil())

			depth, err := q.Depth(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(depth).To(Equal(int64(1)))
		})

		It("should apply region and duration defaults", func() {
			resp, err := service.Submit(ctx, newRequest())
			Expect(err).ToNot(HaveOccurred())
			Expect(*resp.Job.Region).To(Equal(jobs.DefaultRegion))
			Expect(*resp.Job.EstimatedDuration).To(Equal(600))
		})

		It("should not persist anything on a dry run", func() {
			req := newRequest()
			req.DryRun = true
			resp, err := service.Submit(ctx, req)
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Job).To(BeNil())
			Expect(resp.Decision).ToNot(BeNil())

			listed, err := service.List(ctx, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(listed).To(BeEmpty())
		})

		It("should reject a submission without an image", func() {
			req := newRequest()
			req.DockerImage = ""
			_, err := service.Submit(ctx, req)
			validationErr := &jobs.ValidationError{}
			Expect(errors.As(err, &validationErr)).To(BeTrue())
			Expect(validationErr.Field).To(Equal("docker_image"))
		})

		It("should reject a malformed deadline", func() {
			req := newRequest()
			req.Deadline = "tomorrow"
			validationErr := &jobs.ValidationError{}
			_, err := service.Submit(ctx, req)
			Expect(errors.As(err, &validationErr)).To(BeTrue())
		})

		It("should reject a job that cannot finish before its deadline", func() {
			req := newRequest()
			req.Deadline = now.Add(30 * time.Minute).Format(time.RFC3339)
			twoHours := 7200
			req.EstimatedDuration = &twoHours
			_, err := service.Submit(ctx, req)
			validationErr := &jobs.ValidationError{}
			Expect(errors.As(err, &validationErr)).To(BeTrue())
			Expect(validationErr.Field).To(Equal("deadline"))

			listed, err := service.List(ctx, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(listed).To(BeEmpty())
		})

		It("should reject a deadline in the past", func() {
			req := newRequest()
			req.Deadline = now.Add(-time.Hour).Format(time.RFC3339)
			validationErr := &jobs.ValidationError{}
			_, err := service.Submit(ctx, req)
			Expect(errors.As(err, &validationErr)).To(BeTrue())
		})

		It("should fall back to immediate execution when scheduling fails", func() {
			forecaster.Error = errors.New("provider exploded")
			resp, err := service.Submit(ctx, newRequest())
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Decision.Immediate).To(BeTrue())
			Expect(resp.Decision.Reason).To(ContainSubstring("scheduler unavailable"))
		})

		It("should surface a broker outage distinctly", func() {
			server.Close()
			_, err := service.Submit(ctx, newRequest())
			Expect(err).To(MatchError(jobs.ErrBrokerUnavailable))
		})
	})

	Describe("Listings", func() {
		It("should scope listings to the requested user", func() {
			_, err := service.Submit(ctx, newRequest())
			Expect(err).ToNot(HaveOccurred())
			other := newRequest()
			other.UserID = "bob"
			_, err = service.Submit(ctx, other)
			Expect(err).ToNot(HaveOccurred())

			listed, err := service.ListByUser(ctx, "alice", 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(listed.Count).To(Equal(1))
			Expect(listed.Jobs[0].UserID).To(Equal("alice"))
		})

		It("should return a job's execution logs only for known jobs", func() {
			resp, err := service.Submit(ctx, newRequest())
			Expect(err).ToNot(HaveOccurred())
			logs, err := service.Logs(ctx, resp.Job.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(logs).To(BeEmpty())
		})
	})

	Describe("GetForecast", func() {
		It("should annotate the forecast with the optimal instant", func() {
			forecast, err := service.GetForecast(ctx, "US-EAST", 5)
			Expect(err).ToNot(HaveOccurred())
			Expect(forecast.CurrentIntensity).To(Equal(500.0))
			Expect(forecast.OptimalIntensity).To(Equal(100.0))
			Expect(*forecast.OptimalTime).To(Equal(now.Add(2 * time.Hour)))
			Expect(forecast.Slots).To(HaveLen(5))
		})

		It("should clamp the horizon to 24 hours", func() {
			forecast, err := service.GetForecast(ctx, "US-EAST", 200)
			Expect(err).ToNot(HaveOccurred())
			Expect(forecast.Hours).To(Equal(24))
		})
	})
})
