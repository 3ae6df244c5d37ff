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

// Package jobs is the submission service: it validates requests, consults the
// scheduler and places accepted jobs on the right queue.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	v1 "github.com/karbos-project/karbos/pkg/apis/v1"
	"github.com/karbos-project/karbos/pkg/carbon"
	"github.com/karbos-project/karbos/pkg/logging"
	"github.com/karbos-project/karbos/pkg/scheduling"
)

const (
	// DefaultRegion is assumed when a submission names none.
	DefaultRegion = "US-EAST"
	// DefaultDuration is assumed when a submission gives no estimate.
	DefaultDuration = 10 * time.Minute

	// maxUserListLimit caps per-user listings.
	maxUserListLimit = 100
	// maxListLimit caps the all-users listing.
	maxListLimit = 500
	// maxForecastHours caps forecast queries.
	maxForecastHours = 24
)

// ErrBrokerUnavailable marks failures to reach the queue; the job exists but
// was not enqueued.
var ErrBrokerUnavailable = errors.New("queue unavailable")

// ValidationError rejects a malformed submission.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// JobStore is the slice of the store the service needs.
type JobStore interface {
	CreateJob(ctx context.Context, job *v1.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*v1.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, next v1.JobStatus) error
	ListJobsByUser(ctx context.Context, userID string, limit int) ([]v1.Job, error)
	ListJobs(ctx context.Context, limit int) ([]v1.Job, error)
	ListExecutionLogs(ctx context.Context, jobID uuid.UUID) ([]v1.ExecutionLog, error)
}

// Broker is the slice of the queue the service needs.
type Broker interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
	EnqueueDelayed(ctx context.Context, jobID uuid.UUID, at time.Time) error
}

// Scheduler decides when a job should run.
type Scheduler interface {
	Schedule(ctx context.Context, region string, duration time.Duration, deadline time.Time) (*scheduling.Decision, error)
}

// Forecaster answers forecast queries for the carbon endpoint.
type Forecaster interface {
	ForecastWindow(ctx context.Context, region string, hours int) ([]carbon.IntensitySample, error)
	CurrentIntensity(ctx context.Context, region string) (*carbon.IntensitySample, error)
}

// SubmitRequest is one job submission. Deadline is RFC 3339.
type SubmitRequest struct {
	UserID            string  `json:"user_id"`
	DockerImage       string  `json:"docker_image"`
	Command           *string `json:"command,omitempty"`
	Deadline          string  `json:"deadline"`
	EstimatedDuration *int    `json:"estimated_duration,omitempty"`
	Region            *string `json:"region,omitempty"`
	DryRun            bool    `json:"dry_run,omitempty"`
}

// SubmitResponse pairs the stored job with the decision behind its
// placement. Dry runs carry only the decision.
type SubmitResponse struct {
	Job      *v1.Job              `json:"job,omitempty"`
	Decision *scheduling.Decision `json:"decision"`
}

// Service implements the submission and query operations.
type Service struct {
	store     JobStore
	broker    Broker
	scheduler Scheduler
	carbon    Forecaster
	clk       clock.Clock
}

// NewService wires the submission service.
func NewService(store JobStore, broker Broker, scheduler Scheduler, forecaster Forecaster, clk clock.Clock) *Service {
	return &Service{store: store, broker: broker, scheduler: scheduler, carbon: forecaster, clk: clk}
}

// Submit validates, schedules and enqueues a job. A scheduler outage demotes
// to immediate execution rather than rejecting the submission; a broker
// outage surfaces as ErrBrokerUnavailable with the job left PENDING.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	deadline, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	region := lo.FromPtrOr(req.Region, DefaultRegion)
	duration := DefaultDuration
	if req.EstimatedDuration != nil {
		duration = time.Duration(*req.EstimatedDuration) * time.Second
	}
	if s.clk.Now().Add(duration).After(deadline) {
		return nil, &ValidationError{Field: "deadline", Msg: "job cannot finish before deadline"}
	}

	decision, err := s.scheduler.Schedule(ctx, region, duration, deadline)
	if errors.Is(err, scheduling.ErrDeadlineUnsatisfiable) {
		return nil, &ValidationError{Field: "deadline", Msg: "job cannot finish before deadline"}
	}
	if err != nil {
		logging.FromContext(ctx).Errorw("scheduling failed, running immediately", "region", region, "error", err)
		decision = &scheduling.Decision{
			OptimalStart: s.clk.Now(),
			Immediate:    true,
			Reason:       "scheduler unavailable",
		}
	}
	if req.DryRun {
		return &SubmitResponse{Decision: decision}, nil
	}

	job := &v1.Job{
		UserID:            req.UserID,
		DockerImage:       req.DockerImage,
		Command:           req.Command,
		Deadline:          deadline,
		EstimatedDuration: lo.ToPtr(int(duration.Seconds())),
		Region:            lo.ToPtr(region),
	}
	if !decision.Immediate {
		job.ScheduledTime = lo.ToPtr(decision.OptimalStart)
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persisting job, %w", err)
	}

	if decision.Immediate {
		if err := s.broker.Enqueue(ctx, job.ID); err != nil {
			return nil, fmt.Errorf("enqueueing job %s, %w: %w", job.ID, ErrBrokerUnavailable, err)
		}
	} else {
		if err := s.broker.EnqueueDelayed(ctx, job.ID, decision.OptimalStart); err != nil {
			return nil, fmt.Errorf("enqueueing delayed job %s, %w: %w", job.ID, ErrBrokerUnavailable, err)
		}
		if err := s.store.UpdateJobStatus(ctx, job.ID, v1.JobStatusDelayed); err != nil {
			return nil, fmt.Errorf("marking job %s delayed, %w", job.ID, err)
		}
		job.Status = v1.JobStatusDelayed
	}
	logging.FromContext(ctx).Infow("job submitted",
		"jobID", job.ID, "userID", job.UserID, "immediate", decision.Immediate, "scheduledTime", job.ScheduledTime)
	return &SubmitResponse{Job: job, Decision: decision}, nil
}

func (s *Service) validate(req *SubmitRequest) (time.Time, error) {
	if req.UserID == "" {
		return time.Time{}, &ValidationError{Field: "user_id", Msg: "required"}
	}
	if req.DockerImage == "" {
		return time.Time{}, &ValidationError{Field: "docker_image", Msg: "required"}
	}
	if req.Deadline == "" {
		return time.Time{}, &ValidationError{Field: "deadline", Msg: "required"}
	}
	deadline, err := time.Parse(time.RFC3339, req.Deadline)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "deadline", Msg: "must be RFC 3339"}
	}
	if !deadline.After(s.clk.Now()) {
		return time.Time{}, &ValidationError{Field: "deadline", Msg: "must be in the future"}
	}
	if req.EstimatedDuration != nil && *req.EstimatedDuration <= 0 {
		return time.Time{}, &ValidationError{Field: "estimated_duration", Msg: "must be positive"}
	}
	return deadline, nil
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*v1.Job, error) {
	return s.store.GetJob(ctx, id)
}

// Logs returns a job's execution logs, newest first. The job must exist.
func (s *Service) Logs(ctx context.Context, id uuid.UUID) ([]v1.ExecutionLog, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListExecutionLogs(ctx, id)
}

// UserJobs is the per-user listing response.
type UserJobs struct {
	UserID string   `json:"user_id"`
	Count  int      `json:"count"`
	Jobs   []v1.Job `json:"jobs"`
}

// ListByUser returns a user's jobs, newest first, clamped to 100.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) (*UserJobs, error) {
	if limit <= 0 || limit > maxUserListLimit {
		limit = maxUserListLimit
	}
	jobs, err := s.store.ListJobsByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []v1.Job{}
	}
	return &UserJobs{UserID: userID, Count: len(jobs), Jobs: jobs}, nil
}

// List returns jobs across all users, newest first, clamped to 500.
func (s *Service) List(ctx context.Context, limit int) ([]v1.Job, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	jobs, err := s.store.ListJobs(ctx, limit)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []v1.Job{}
	}
	return jobs, nil
}

// Forecast is the carbon forecast response.
type Forecast struct {
	Region           string                   `json:"region"`
	Hours            int                      `json:"hours"`
	CurrentIntensity float64                  `json:"current_intensity"`
	OptimalTime      *time.Time               `json:"optimal_time,omitempty"`
	OptimalIntensity float64                  `json:"optimal_intensity,omitempty"`
	Slots            []carbon.IntensitySample `json:"slots"`
}

// GetForecast returns region's forecast over the next hours (clamped to 24),
// annotated with the minimum-intensity instant.
func (s *Service) GetForecast(ctx context.Context, region string, hours int) (*Forecast, error) {
	if region == "" {
		region = DefaultRegion
	}
	if hours <= 0 || hours > maxForecastHours {
		hours = maxForecastHours
	}
	slots, err := s.carbon.ForecastWindow(ctx, region, hours)
	if err != nil {
		return nil, fmt.Errorf("fetching forecast for %q, %w", region, err)
	}
	forecast := &Forecast{Region: region, Hours: hours, Slots: slots}
	if len(slots) == 0 {
		forecast.Slots = []carbon.IntensitySample{}
		return forecast, nil
	}
	forecast.CurrentIntensity = slots[0].Intensity
	optimal := lo.MinBy(slots, func(a, b carbon.IntensitySample) bool {
		if a.Intensity != b.Intensity {
			return a.Intensity < b.Intensity
		}
		return a.Timestamp.Before(b.Timestamp)
	})
	forecast.OptimalTime = lo.ToPtr(optimal.Timestamp)
	forecast.OptimalIntensity = optimal.Intensity
	return forecast, nil
}
