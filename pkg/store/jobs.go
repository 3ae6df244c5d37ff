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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	v1 "github.com/karbos-project/karbos/pkg/apis/v1"
)

// CreateJob inserts a job, filling in the identity, status and creation time
// when the caller left them zero.
func (s *Store) CreateJob(ctx context.Context, job *v1.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = v1.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Metadata == "" {
		job.Metadata = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, user_id, docker_image, command, status, scheduled_time, created_at, deadline, estimated_duration, region, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.UserID, job.DockerImage, job.Command, job.Status, job.ScheduledTime,
		job.CreatedAt, job.Deadline, job.EstimatedDuration, job.Region, job.Metadata)
	if err != nil {
		return fmt.Errorf("inserting job %s, %w", job.ID, err)
	}
	return nil
}

// GetJob fetches a job by id. Returns ErrNotFound when no row exists.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*v1.Job, error) {
	job := &v1.Job{}
	err := s.db.GetContext(ctx, job, `SELECT * FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s, %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching job %s, %w", id, err)
	}
	return job, nil
}

// UpdateJobStatus moves a job to next if and only if its current status is a
// valid prior in the lifecycle graph. The guard and the update are one
// statement, so concurrent movers race safely: exactly one wins. Entering
// RUNNING stamps started_at; entering a terminal status stamps completed_at.
func (s *Store) UpdateJobStatus(ctx context.Context, id uuid.UUID, next v1.JobStatus) error {
	priors := next.ValidPriors()
	if len(priors) == 0 {
		return fmt.Errorf("status %q is not a valid transition target, %w", next, ErrInvalidTransition)
	}
	priorStrings := make([]string, 0, len(priors))
	for _, p := range priors {
		priorStrings = append(priorStrings, string(p))
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $2,
			started_at = CASE WHEN $2 = 'RUNNING' THEN now() ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('COMPLETED', 'FAILED') THEN now() ELSE completed_at END
		WHERE id = $1 AND status = ANY($3)`,
		id, next, pq.Array(priorStrings))
	if err != nil {
		return fmt.Errorf("updating job %s status, %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading update result for job %s, %w", id, err)
	}
	if affected == 1 {
		return nil
	}
	// Distinguish a missing job from a lifecycle violation.
	var current string
	err = s.db.GetContext(ctx, &current, `SELECT status FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s, %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("fetching job %s status, %w", id, err)
	}
	return fmt.Errorf("job %s cannot move %s -> %s, %w", id, current, next, ErrInvalidTransition)
}

// ListJobsByStatus returns jobs in the given status, newest first.
func (s *Store) ListJobsByStatus(ctx context.Context, status v1.JobStatus, limit int) ([]v1.Job, error) {
	var jobs []v1.Job
	err := s.db.SelectContext(ctx, &jobs,
		`SELECT * FROM jobs WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs by status %q, %w", status, err)
	}
	return jobs, nil
}

// ListJobsByUser returns a user's jobs, newest first.
func (s *Store) ListJobsByUser(ctx context.Context, userID string, limit int) ([]v1.Job, error) {
	var jobs []v1.Job
	err := s.db.SelectContext(ctx, &jobs,
		`SELECT * FROM jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs for user %q, %w", userID, err)
	}
	return jobs, nil
}

// ListJobs returns jobs across all users, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]v1.Job, error) {
	var jobs []v1.Job
	err := s.db.SelectContext(ctx, &jobs,
		`SELECT * FROM jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs, %w", err)
	}
	return jobs, nil
}
