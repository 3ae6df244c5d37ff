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

package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	v1 "github.com/karbos-project/karbos/pkg/apis/v1"
	"github.com/karbos-project/karbos/pkg/carbon"
	"github.com/karbos-project/karbos/pkg/store"
)

var ctx = context.Background()

func TestStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Store")
}

var _ = Describe("Store", func() {
	var mock sqlmock.Sqlmock
	var s *store.Store
	var clk *clocktesting.FakePassiveClock

	BeforeEach(func() {
		var db *sql.DB
		var err error
		db, mock, err = sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		clk = clocktesting.NewFakePassiveClock(time.Now().UTC())
		s = store.NewWithDB(sqlx.NewDb(db, "sqlmock"), clk)
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	Describe("Jobs", func() {
		It("should fill in identity and defaults on create", func() {
			mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 1))
			job := &v1.Job{
				UserID:      "alice",
				DockerImage: "alpine:3.20",
				Deadline:    time.Now().Add(time.Hour),
			}
			Expect(s.CreateJob(ctx, job)).To(Succeed())
			Expect(job.ID).ToNot(Equal(uuid.Nil))
			Expect(job.Status).To(Equal(v1.JobStatusPending))
			Expect(job.CreatedAt).ToNot(BeZero())
			Expect(job.Metadata).To(Equal("{}"))
		})

		It("should return ErrNotFound for a missing job", func() {
			mock.ExpectQuery("SELECT \\* FROM jobs WHERE id").WillReturnError(sql.ErrNoRows)
			_, err := s.GetJob(ctx, uuid.New())
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("should apply a valid status transition", func() {
			mock.ExpectExec("UPDATE jobs SET status").WillReturnResult(sqlmock.NewResult(0, 1))
			Expect(s.UpdateJobStatus(ctx, uuid.New(), v1.JobStatusRunning)).To(Succeed())
		})

		It("should reject a transition out of a terminal status", func() {
			id := uuid.New()
			mock.ExpectExec("UPDATE jobs SET status").WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery("SELECT status FROM jobs").
				WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("COMPLETED"))
			err := s.UpdateJobStatus(ctx, id, v1.JobStatusRunning)
			Expect(err).To(MatchError(store.ErrInvalidTransition))
		})

		It("should distinguish a missing job from a lifecycle violation", func() {
			mock.ExpectExec("UPDATE jobs SET status").WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery("SELECT status FROM jobs").WillReturnError(sql.ErrNoRows)
			err := s.UpdateJobStatus(ctx, uuid.New(), v1.JobStatusRunning)
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("should reject transitions into PENDING outright", func() {
			err := s.UpdateJobStatus(ctx, uuid.New(), v1.JobStatusPending)
			Expect(err).To(MatchError(store.ErrInvalidTransition))
		})
	})

	Describe("IntensityCache", func() {
		It("should return nil on a point-lookup miss", func() {
			mock.ExpectQuery("FROM carbon_intensity_cache").WillReturnError(sql.ErrNoRows)
			sample, err := s.LookupNearest(ctx, "US-EAST", time.Now())
			Expect(err).ToNot(HaveOccurred())
			Expect(sample).To(BeNil())
		})

		It("should return the nearest cached sample", func() {
			at := time.Now().UTC().Truncate(time.Hour)
			mock.ExpectQuery("FROM carbon_intensity_cache").WillReturnRows(
				sqlmock.NewRows([]string{"region", "timestamp", "intensity", "unit", "provenance", "fetched_at", "expires_at", "forecast_window"}).
					AddRow("US-EAST", at, 220.0, carbon.Unit, "electricitymaps", at, at.Add(time.Hour), 0))
			sample, err := s.LookupNearest(ctx, "US-EAST", at.Add(10*time.Minute))
			Expect(err).ToNot(HaveOccurred())
			Expect(sample).ToNot(BeNil())
			Expect(sample.Intensity).To(Equal(220.0))
		})

		It("should write a forecast in one transaction", func() {
			mock.ExpectBegin()
			mock.ExpectExec("INSERT INTO carbon_intensity_cache").WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec("INSERT INTO carbon_intensity_cache").WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()
			now := time.Now().UTC()
			samples := []carbon.IntensitySample{
				{Region: "US-EAST", Timestamp: now, Intensity: 100, Unit: carbon.Unit, FetchedAt: now},
				{Region: "US-EAST", Timestamp: now.Add(time.Hour), Intensity: 120, Unit: carbon.Unit, FetchedAt: now},
			}
			Expect(s.BulkUpsert(ctx, samples, time.Hour)).To(Succeed())
		})

		It("should roll back when one row of a forecast fails", func() {
			mock.ExpectBegin()
			mock.ExpectExec("INSERT INTO carbon_intensity_cache").WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec("INSERT INTO carbon_intensity_cache").WillReturnError(sql.ErrConnDone)
			mock.ExpectRollback()
			now := time.Now().UTC()
			samples := []carbon.IntensitySample{
				{Region: "US-EAST", Timestamp: now, Intensity: 100, Unit: carbon.Unit, FetchedAt: now},
				{Region: "US-EAST", Timestamp: now.Add(time.Hour), Intensity: 120, Unit: carbon.Unit, FetchedAt: now},
			}
			Expect(s.BulkUpsert(ctx, samples, time.Hour)).ToNot(Succeed())
		})

		It("should consider a sample exactly maxAge old stale", func() {
			sample := carbon.IntensitySample{FetchedAt: clk.Now().Add(-time.Hour)}
			Expect(s.IsFresh(sample, time.Hour)).To(BeFalse())
			Expect(s.IsFresh(sample, time.Hour+time.Nanosecond)).To(BeTrue())
		})

		It("should report how many rows a purge removed", func() {
			mock.ExpectExec("DELETE FROM carbon_intensity_cache").WillReturnResult(sqlmock.NewResult(0, 7))
			purged, err := s.PurgeExpired(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(purged).To(Equal(int64(7)))
		})
	})
})
