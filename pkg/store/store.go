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

// Package store persists jobs, execution logs and the carbon-intensity cache
// in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"k8s.io/utils/clock"
)

var (
	// ErrNotFound is returned when the referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status update is rejected by
	// the job lifecycle graph.
	ErrInvalidTransition = errors.New("invalid status transition")
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    docker_image TEXT NOT NULL,
    command TEXT,
    status TEXT NOT NULL,
    scheduled_time TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    deadline TIMESTAMPTZ NOT NULL,
    estimated_duration INT,
    region TEXT,
    metadata JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS execution_logs (
    id UUID PRIMARY KEY,
    job_id UUID NOT NULL REFERENCES jobs (id),
    output TEXT,
    error_output TEXT,
    exit_code INT,
    duration INT,
    started_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    worker_node_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_execution_logs_job ON execution_logs (job_id);

CREATE TABLE IF NOT EXISTS carbon_intensity_cache (
    region TEXT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,
    intensity DOUBLE PRECISION NOT NULL,
    unit TEXT NOT NULL,
    provenance TEXT NOT NULL DEFAULT '',
    fetched_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    forecast_window INT NOT NULL DEFAULT 0,
    PRIMARY KEY (region, timestamp, forecast_window)
);
CREATE INDEX IF NOT EXISTS idx_carbon_cache_region_ts ON carbon_intensity_cache (region, timestamp);
`

// Store wraps the database handle and exposes the typed repositories.
type Store struct {
	db  *sqlx.DB
	clk clock.PassiveClock
}

// New opens a PostgreSQL connection pool against dsn and verifies it with a
// ping.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database, %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database, %w", err)
	}
	return NewWithDB(db, clock.RealClock{}), nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sqlx.DB, clk clock.PassiveClock) *Store {
	return &Store{db: db, clk: clk}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema, %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
