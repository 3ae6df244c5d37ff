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
	"fmt"

	"github.com/google/uuid"

	v1 "github.com/karbos-project/karbos/pkg/apis/v1"
)

// CreateExecutionLog inserts the record of one finished container run.
func (s *Store) CreateExecutionLog(ctx context.Context, log *v1.ExecutionLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (id, job_id, output, error_output, exit_code, duration, started_at, completed_at, worker_node_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		log.ID, log.JobID, log.Output, log.ErrorOutput, log.ExitCode, log.Duration,
		log.StartedAt, log.CompletedAt, log.WorkerNodeID)
	if err != nil {
		return fmt.Errorf("inserting execution log for job %s, %w", log.JobID, err)
	}
	return nil
}

// ListExecutionLogs returns a job's execution logs, newest first.
func (s *Store) ListExecutionLogs(ctx context.Context, jobID uuid.UUID) ([]v1.ExecutionLog, error) {
	var logs []v1.ExecutionLog
	err := s.db.SelectContext(ctx, &logs,
		`SELECT * FROM execution_logs WHERE job_id = $1 ORDER BY started_at DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing execution logs for job %s, %w", jobID, err)
	}
	return logs, nil
}
