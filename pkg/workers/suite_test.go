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

package workers_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	v1 "github.com/karbos-project/karbos/pkg/apis/v1"
	"github.com/karbos-project/karbos/pkg/executor"
	"github.com/karbos-project/karbos/pkg/fake"
	"github.com/karbos-project/karbos/pkg/queue"
	"github.com/karbos-project/karbos/pkg/workers"
)

var ctx = context.Background()

func TestWorkers(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Workers")
}

// blockingRunner parks every run until released, so tests control when a job
// finishes.
type blockingRunner struct {
	started  chan struct{}
	release  chan struct{}
	delegate workers.Runner
}

func newBlockingRunner(delegate workers.Runner) *blockingRunner {
	return &blockingRunner{
		started:  make(chan struct{}, 1),
		release:  make(chan struct{}),
		delegate: delegate,
	}
}

func (r *blockingRunner) Run(runCtx context.Context, imageRef string, command *string) (*executor.Result, error) {
	r.started <- struct{}{}
	select {
	case <-r.release:
	case <-runCtx.Done():
		return nil, runCtx.Err()
	}
	return r.delegate.Run(runCtx, imageRef, command)
}

// ctxGuardStore fails any store call made with a dead context, the way the
// database-backed store would.
type ctxGuardStore struct {
	*fake.JobStore
}

func (s *ctxGuardStore) GetJob(callCtx context.Context, id uuid.UUID) (*v1.Job, error) {
	if err := callCtx.Err(); err != nil {
		return nil, err
	}
	return s.JobStore.GetJob(callCtx, id)
}

func (s *ctxGuardStore) UpdateJobStatus(callCtx context.Context, id uuid.UUID, next v1.JobStatus) error {
	if err := callCtx.Err(); err != nil {
		return err
	}
	return s.JobStore.UpdateJobStatus(callCtx, id, next)
}

func (s *ctxGuardStore) CreateExecutionLog(callCtx context.Context, log *v1.ExecutionLog) error {
	if err := callCtx.Err(); err != nil {
		return err
	}
	return s.JobStore.CreateExecutionLog(callCtx, log)
}

var _ = Describe("Pool", func() {
	var jobStore *fake.JobStore
	var dockerAPI *fake.DockerAPI
	var q *queue.Queue
	var pool *workers.Pool
	var config workers.Config

	newJob := func() *v1.Job {
		job := &v1.Job{
			UserID:      "alice",
			DockerImage: "alpine:3.20",
			Deadline:    time.Now().Add(time.Hour),
		}
		Expect(jobStore.CreateJob(ctx, job)).To(Succeed())
		return job
	}

	BeforeEach(func() {
		server, err := miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(server.Close)
		q = queue.New(redis.NewClient(&redis.Options{Addr: server.Addr()}))
		jobStore = fake.NewJobStore()
		dockerAPI = fake.NewDockerAPI()
		config = workers.DefaultConfig()
		config.Workers = 2
		config.PollInterval = 10 * time.Millisecond
		config.HeartbeatInterval = 20 * time.Millisecond
		pool = workers.NewPool(jobStore, q, executor.New(dockerAPI, executor.DefaultConfig()), config, clock.RealClock{})
	})

	startPool := func() (context.CancelFunc, chan struct{}) {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			pool.Run(runCtx)
		}()
		DeferCleanup(func() {
			cancel()
			Eventually(done).Should(BeClosed())
		})
		return cancel, done
	}

	It("should run a job to completion and record its output", func() {
		dockerAPI.Stdout = "hello\n"
		job := newJob()
		Expect(q.Enqueue(ctx, job.ID)).To(Succeed())
		startPool()

		Eventually(func() v1.JobStatus { return jobStore.Status(job.ID) }, "3s").Should(Equal(v1.JobStatusCompleted))
		logs := jobStore.Logs(job.ID)
		Expect(logs).To(HaveLen(1))
		Expect(*logs[0].Output).To(Equal("hello\n"))
		Expect(*logs[0].ExitCode).To(Equal(0))
		Expect(*logs[0].WorkerNodeID).To(Equal(pool.ID()))
	})

	It("should fail a job whose container exits nonzero", func() {
		dockerAPI.WaitExitCode = 3
		job := newJob()
		Expect(q.Enqueue(ctx, job.ID)).To(Succeed())
		startPool()

		Eventually(func() v1.JobStatus { return jobStore.Status(job.ID) }, "3s").Should(Equal(v1.JobStatusFailed))
		logs := jobStore.Logs(job.ID)
		Expect(logs).To(HaveLen(1))
		Expect(*logs[0].ErrorOutput).To(Equal("Container exited with code 3"))
	})

	It("should fail a job whose image cannot be pulled", func() {
		dockerAPI.PullError = context.DeadlineExceeded
		job := newJob()
		Expect(q.Enqueue(ctx, job.ID)).To(Succeed())
		startPool()

		Eventually(func() v1.JobStatus { return jobStore.Status(job.ID) }, "3s").Should(Equal(v1.JobStatusFailed))
		logs := jobStore.Logs(job.ID)
		Expect(logs).To(HaveLen(1))
		Expect(*logs[0].ErrorOutput).To(ContainSubstring("ImageUnavailable"))
	})

	It("should process a duplicate delivery exactly once", func() {
		job := newJob()
		Expect(q.Enqueue(ctx, job.ID)).To(Succeed())
		Expect(q.Enqueue(ctx, job.ID)).To(Succeed())
		startPool()

		Eventually(func() v1.JobStatus { return jobStore.Status(job.ID) }, "3s").Should(Equal(v1.JobStatusCompleted))
		Consistently(func() int { return len(jobStore.Logs(job.ID)) }).Should(Equal(1))
	})

	It("should drop a message for an already finished job", func() {
		job := newJob()
		Expect(jobStore.UpdateJobStatus(ctx, job.ID, v1.JobStatusRunning)).To(Succeed())
		Expect(jobStore.UpdateJobStatus(ctx, job.ID, v1.JobStatusCompleted)).To(Succeed())
		Expect(q.Enqueue(ctx, job.ID)).To(Succeed())
		startPool()

		Consistently(func() int { return len(jobStore.Logs(job.ID)) }).Should(BeZero())
		Expect(jobStore.Status(job.ID)).To(Equal(v1.JobStatusCompleted))
	})

	It("should drop a message for an unknown job", func() {
		Expect(q.Enqueue(ctx, uuid.New())).To(Succeed())
		startPool()

		Consistently(func() (int64, error) { return q.Depth(ctx) }).Should(BeZero())
	})

	It("should advertise liveness through heartbeats", func() {
		startPool()
		Eventually(func() ([]string, error) { return q.ListActiveWorkers(ctx) }, "3s").Should(ContainElement(pool.ID()))
	})

	It("should let in-flight jobs finish during shutdown", func() {
		runner := newBlockingRunner(executor.New(dockerAPI, executor.DefaultConfig()))
		pool = workers.NewPool(jobStore, q, runner, config, clock.RealClock{})
		job := newJob()
		Expect(q.Enqueue(ctx, job.ID)).To(Succeed())
		cancel, done := startPool()

		Eventually(runner.started, "3s").Should(Receive())
		cancel()
		Consistently(done).ShouldNot(BeClosed())

		close(runner.release)
		Eventually(done, "3s").Should(BeClosed())
		Expect(jobStore.Status(job.ID)).To(Equal(v1.JobStatusCompleted))
	})

	It("should persist the outcome of a job finished during shutdown", func() {
		runner := newBlockingRunner(executor.New(dockerAPI, executor.DefaultConfig()))
		pool = workers.NewPool(&ctxGuardStore{JobStore: jobStore}, q, runner, config, clock.RealClock{})
		job := newJob()
		Expect(q.Enqueue(ctx, job.ID)).To(Succeed())
		cancel, done := startPool()

		Eventually(runner.started, "3s").Should(Receive())
		cancel()
		close(runner.release)

		Eventually(done, "3s").Should(BeClosed())
		Expect(jobStore.Status(job.ID)).To(Equal(v1.JobStatusCompleted))
		Expect(jobStore.Logs(job.ID)).To(HaveLen(1))
	})

	It("should give up draining once the budget is spent", func() {
		runner := newBlockingRunner(executor.New(dockerAPI, executor.DefaultConfig()))
		config.DrainBudget = 50 * time.Millisecond
		pool = workers.NewPool(jobStore, q, runner, config, clock.RealClock{})
		job := newJob()
		Expect(q.Enqueue(ctx, job.ID)).To(Succeed())
		cancel, done := startPool()

		Eventually(runner.started, "3s").Should(Receive())
		cancel()
		Eventually(done, "3s").Should(BeClosed())
		close(runner.release)
	})

	It("should expose in-flight jobs through the active set", func() {
		runner := newBlockingRunner(executor.New(dockerAPI, executor.DefaultConfig()))
		pool = workers.NewPool(jobStore, q, runner, config, clock.RealClock{})
		job := newJob()
		Expect(q.Enqueue(ctx, job.ID)).To(Succeed())
		startPool()

		Eventually(runner.started, "3s").Should(Receive())
		Expect(pool.Active()).To(ConsistOf([]uuid.UUID{job.ID}))

		close(runner.release)
		Eventually(pool.Active, "3s").Should(BeEmpty())
	})
})
