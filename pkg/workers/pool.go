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

// Package workers consumes the immediate queue and runs jobs to completion.
package workers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	v1 "github.com/karbos-project/karbos/pkg/apis/v1"
	"github.com/karbos-project/karbos/pkg/executor"
	"github.com/karbos-project/karbos/pkg/logging"
	"github.com/karbos-project/karbos/pkg/queue"
	"github.com/karbos-project/karbos/pkg/store"
)

// JobStore is the slice of the store the pool needs.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*v1.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, next v1.JobStatus) error
	CreateExecutionLog(ctx context.Context, log *v1.ExecutionLog) error
}

// Broker is the slice of the queue the pool needs.
type Broker interface {
	Dequeue(ctx context.Context) (*queue.Message, error)
	SetHeartbeat(ctx context.Context, workerID string, ttl time.Duration) error
}

// Runner executes one container to completion.
type Runner interface {
	Run(ctx context.Context, imageRef string, command *string) (*executor.Result, error)
}

// Config holds the pool settings.
type Config struct {
	// Workers is the number of concurrent consumers.
	Workers int
	// PollInterval is how long a worker sleeps after finding the queue
	// empty.
	PollInterval time.Duration
	// JobTimeout bounds a single container run.
	JobTimeout time.Duration
	// HeartbeatInterval is how often the pool refreshes its liveness key.
	HeartbeatInterval time.Duration
	// HeartbeatTTL is the liveness key expiry; it must exceed the interval.
	HeartbeatTTL time.Duration
	// DrainBudget bounds how long shutdown waits for in-flight jobs.
	DrainBudget time.Duration
}

// DefaultConfig returns the production pool settings.
func DefaultConfig() Config {
	return Config{
		Workers:           5,
		PollInterval:      2 * time.Second,
		JobTimeout:        10 * time.Minute,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTTL:      15 * time.Second,
		DrainBudget:       30 * time.Second,
	}
}

// persistTimeout bounds the post-run outcome writes, which run on their own
// context so a draining pool still records what happened.
const persistTimeout = 10 * time.Second

// Pool runs a fixed set of workers against the immediate queue. Shutdown is
// a drain: workers stop taking new jobs and in-flight containers run to
// completion under their own timeout.
type Pool struct {
	id     string
	store  JobStore
	broker Broker
	runner Runner
	config Config
	clk    clock.WithTicker

	mu     sync.Mutex
	active map[uuid.UUID]struct{}
}

// NewPool builds a worker pool with a fresh pool identity.
func NewPool(jobStore JobStore, broker Broker, runner Runner, config Config, clk clock.WithTicker) *Pool {
	return &Pool{
		id:     "worker-" + uuid.NewString()[:8],
		store:  jobStore,
		broker: broker,
		runner: runner,
		config: config,
		clk:    clk,
		active: map[uuid.UUID]struct{}{},
	}
}

// ID returns the pool's worker identity as advertised via heartbeats.
func (p *Pool) ID() string {
	return p.id
}

// Active returns the ids of jobs currently claimed by this pool.
func (p *Pool) Active() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pool) markActive(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[id] = struct{}{}
	activeJobs.Inc()
}

func (p *Pool) unmarkActive(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, id)
	activeJobs.Dec()
}

// Run consumes jobs until ctx is canceled, then waits up to DrainBudget for
// in-flight jobs to finish before returning.
func (p *Pool) Run(ctx context.Context) {
	log := logging.FromContext(ctx).With("workerID", p.id)
	log.Infow("starting worker pool", "workers", p.config.Workers)

	var wg sync.WaitGroup
	wg.Add(p.config.Workers + 1)
	go func() {
		defer wg.Done()
		p.heartbeat(ctx)
	}()
	for i := 0; i < p.config.Workers; i++ {
		go func() {
			defer wg.Done()
			p.consume(ctx)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if !p.waitDrain(done) {
			log.Warnw("drain budget exceeded, abandoning in-flight jobs", "active", p.Active())
			return
		}
	}
	log.Infow("worker pool drained")
}

// waitDrain waits for the workers to finish, for at most DrainBudget. A
// non-positive budget waits indefinitely.
func (p *Pool) waitDrain(done <-chan struct{}) bool {
	if p.config.DrainBudget <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-p.clk.After(p.config.DrainBudget):
		return false
	}
}

// consume is one worker's loop: pop, process, repeat.
func (p *Pool) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := p.dequeue(ctx)
		if errors.Is(err, queue.ErrNoWork) {
			select {
			case <-ctx.Done():
				return
			case <-p.clk.After(p.config.PollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.FromContext(ctx).Errorw("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-p.clk.After(p.config.PollInterval):
			}
			continue
		}
		p.process(ctx, msg.JobID)
	}
}

// dequeue pops with a short retry so one Redis blip does not surface as an
// error.
func (p *Pool) dequeue(ctx context.Context) (*queue.Message, error) {
	var msg *queue.Message
	var noWork bool
	err := retry.Do(func() error {
		m, err := p.broker.Dequeue(ctx)
		if errors.Is(err, queue.ErrNoWork) {
			noWork = true
			return nil
		}
		if err != nil {
			return err
		}
		msg = m
		return nil
	}, retry.Delay(1*time.Second), retry.Attempts(3), retry.LastErrorOnly(true))
	if err != nil {
		return nil, err
	}
	if noWork {
		return nil, queue.ErrNoWork
	}
	return msg, nil
}

// process runs one job. The run gets its own timeout derived from the
// background context so a pool shutdown drains rather than kills it.
func (p *Pool) process(ctx context.Context, jobID uuid.UUID) {
	log := logging.FromContext(ctx).With("jobID", jobID, "workerID", p.id)

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warnw("dequeued unknown job, dropping")
			return
		}
		log.Errorw("fetching job failed", "error", err)
		return
	}
	if job.Status.IsTerminal() || job.Status == v1.JobStatusRunning {
		log.Infow("job already claimed or finished, dropping duplicate", "status", job.Status)
		return
	}

	// The conditional update is the claim: losing the race means another
	// worker (or a duplicate delivery) already owns the job.
	if err := p.store.UpdateJobStatus(ctx, jobID, v1.JobStatusRunning); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			log.Infow("lost claim on job, dropping duplicate", "error", err)
			return
		}
		log.Errorw("claiming job failed", "error", err)
		return
	}

	p.markActive(jobID)
	defer p.unmarkActive(jobID)

	runCtx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), log), p.config.JobTimeout)
	defer cancel()
	startedAt := time.Now().UTC()
	result, runErr := p.runner.Run(runCtx, job.DockerImage, job.Command)
	completedAt := time.Now().UTC()

	execLog := &v1.ExecutionLog{
		JobID:        jobID,
		StartedAt:    startedAt,
		CompletedAt:  &completedAt,
		WorkerNodeID: lo.ToPtr(p.id),
	}
	final := v1.JobStatusCompleted
	switch {
	case runErr != nil:
		final = v1.JobStatusFailed
		execLog.ErrorOutput = lo.ToPtr(runErr.Error())
	case result.ExitCode != 0:
		final = v1.JobStatusFailed
		execLog.Output = lo.ToPtr(truncateOutput(result.Output()))
		execLog.ErrorOutput = lo.ToPtr(fmt.Sprintf("Container exited with code %d", result.ExitCode))
		execLog.ExitCode = lo.ToPtr(result.ExitCode)
		execLog.Duration = lo.ToPtr(int(result.Duration.Seconds()))
	default:
		execLog.Output = lo.ToPtr(truncateOutput(result.Output()))
		execLog.ExitCode = lo.ToPtr(result.ExitCode)
		execLog.Duration = lo.ToPtr(int(result.Duration.Seconds()))
	}

	// The pool's ctx may already be canceled by a drain; the outcome writes
	// get their own bounded context so the record survives shutdown.
	persistCtx, persistCancel := context.WithTimeout(logging.WithLogger(context.Background(), log), persistTimeout)
	defer persistCancel()
	if err := p.store.CreateExecutionLog(persistCtx, execLog); err != nil {
		log.Errorw("recording execution log failed", "error", err)
	}
	if err := p.store.UpdateJobStatus(persistCtx, jobID, final); err != nil {
		log.Errorw("recording final status failed", "status", final, "error", err)
	}
	processedJobs.WithLabelValues(strings.ToLower(string(final))).Inc()
	log.Infow("job finished", "status", final)
}

// heartbeat advertises pool liveness until ctx is canceled. The key's TTL
// retires it on its own if the process dies.
func (p *Pool) heartbeat(ctx context.Context) {
	beat := func() {
		if err := p.broker.SetHeartbeat(ctx, p.id, p.config.HeartbeatTTL); err != nil && ctx.Err() == nil {
			logging.FromContext(ctx).Errorw("heartbeat failed", "workerID", p.id, "error", err)
		}
	}
	beat()
	ticker := p.clk.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			beat()
		}
	}
}

// maxOutputBytes caps stored container output.
const maxOutputBytes = 1 << 20

func truncateOutput(out string) string {
	if len(out) <= maxOutputBytes {
		return out
	}
	return out[:maxOutputBytes] + "\n[output truncated]"
}
