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

package v1

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job. The zero value is not valid.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusDelayed   JobStatus = "DELAYED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// IsValid reports whether s is one of the five known statuses.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusDelayed, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether a job in this status will never transition again.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ValidPriors returns the set of statuses from which a job may transition
// into s. The lifecycle graph is Pending->Delayed, Pending->Running,
// Delayed->Running, Running->Completed and Running->Failed; everything else
// is rejected.
func (s JobStatus) ValidPriors() []JobStatus {
	switch s {
	case JobStatusDelayed:
		return []JobStatus{JobStatusPending}
	case JobStatusRunning:
		return []JobStatus{JobStatusPending, JobStatusDelayed}
	case JobStatusCompleted, JobStatusFailed:
		return []JobStatus{JobStatusRunning}
	default:
		return nil
	}
}

// CanTransitionTo reports whether the lifecycle graph permits moving from s
// to next.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, prior := range next.ValidPriors() {
		if prior == s {
			return true
		}
	}
	return false
}

// Job is a containerized work item with a hard completion deadline. Once a
// job reaches a terminal status it is immutable.
type Job struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	UserID            string     `json:"user_id" db:"user_id"`
	DockerImage       string     `json:"docker_image" db:"docker_image"`
	Command           *string    `json:"command,omitempty" db:"command"`
	Status            JobStatus  `json:"status" db:"status"`
	ScheduledTime     *time.Time `json:"scheduled_time,omitempty" db:"scheduled_time"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Deadline          time.Time  `json:"deadline" db:"deadline"`
	EstimatedDuration *int       `json:"estimated_duration,omitempty" db:"estimated_duration"` // seconds
	Region            *string    `json:"region,omitempty" db:"region"`
	Metadata          string     `json:"metadata,omitempty" db:"metadata"`
}

// ExecutionLog records one terminating execution of a job. It is created by
// the worker pool after the container finishes and never mutated.
type ExecutionLog struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	JobID        uuid.UUID  `json:"job_id" db:"job_id"`
	Output       *string    `json:"output,omitempty" db:"output"`
	ErrorOutput  *string    `json:"error_output,omitempty" db:"error_output"`
	ExitCode     *int       `json:"exit_code,omitempty" db:"exit_code"`
	Duration     *int       `json:"duration,omitempty" db:"duration"` // seconds
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	WorkerNodeID *string    `json:"worker_node_id,omitempty" db:"worker_node_id"`
}
