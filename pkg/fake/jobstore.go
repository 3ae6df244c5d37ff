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

package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "github.com/karbos-project/karbos/pkg/apis/v1"
	"github.com/karbos-project/karbos/pkg/store"
)

// JobStore is an in-memory job store enforcing the same lifecycle guard as
// the database-backed one.
type JobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*v1.Job
	logs map[uuid.UUID][]v1.ExecutionLog
}

func NewJobStore() *JobStore {
	return &JobStore{
		jobs: map[uuid.UUID]*v1.Job{},
		logs: map[uuid.UUID][]v1.ExecutionLog{},
	}
}

func (s *JobStore) CreateJob(_ context.Context, job *v1.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = v1.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *JobStore) GetJob(_ context.Context, id uuid.UUID) (*v1.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s, %w", id, store.ErrNotFound)
	}
	copied := *job
	return &copied, nil
}

func (s *JobStore) UpdateJobStatus(_ context.Context, id uuid.UUID, next v1.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s, %w", id, store.ErrNotFound)
	}
	if !job.Status.CanTransitionTo(next) {
		return fmt.Errorf("job %s cannot move %s -> %s, %w", id, job.Status, next, store.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	job.Status = next
	if next == v1.JobStatusRunning {
		job.StartedAt = &now
	}
	if next.IsTerminal() {
		job.CompletedAt = &now
	}
	return nil
}

func (s *JobStore) CreateExecutionLog(_ context.Context, log *v1.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	s.logs[log.JobID] = append(s.logs[log.JobID], *log)
	return nil
}

func (s *JobStore) ListJobsByUser(_ context.Context, userID string, limit int) ([]v1.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []v1.Job
	for _, job := range s.jobs {
		if job.UserID == userID {
			jobs = append(jobs, *job)
		}
	}
	sortJobs(jobs)
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *JobStore) ListJobs(_ context.Context, limit int) ([]v1.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []v1.Job
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	sortJobs(jobs)
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *JobStore) ListExecutionLogs(_ context.Context, jobID uuid.UUID) ([]v1.ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]v1.ExecutionLog(nil), s.logs[jobID]...), nil
}

func sortJobs(jobs []v1.Job) {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
}

// Status returns a job's current status.
func (s *JobStore) Status(id uuid.UUID) v1.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		return job.Status
	}
	return ""
}

// Logs returns a job's recorded execution logs.
func (s *JobStore) Logs(id uuid.UUID) []v1.ExecutionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]v1.ExecutionLog(nil), s.logs[id]...)
}
