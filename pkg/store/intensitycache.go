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

	"github.com/karbos-project/karbos/pkg/carbon"
)

// nearestTolerance bounds how far a cached sample's instant may sit from the
// queried instant and still answer a point lookup.
const nearestTolerance = 15 * time.Minute

type intensityRow struct {
	Region         string    `db:"region"`
	Timestamp      time.Time `db:"timestamp"`
	Intensity      float64   `db:"intensity"`
	Unit           string    `db:"unit"`
	Provenance     string    `db:"provenance"`
	FetchedAt      time.Time `db:"fetched_at"`
	ExpiresAt      time.Time `db:"expires_at"`
	ForecastWindow int       `db:"forecast_window"`
}

func (r intensityRow) toSample() carbon.IntensitySample {
	return carbon.IntensitySample{
		Region:         r.Region,
		Timestamp:      r.Timestamp,
		Intensity:      r.Intensity,
		Unit:           r.Unit,
		Provenance:     r.Provenance,
		FetchedAt:      r.FetchedAt,
		ExpiresAt:      r.ExpiresAt,
		ForecastWindow: r.ForecastWindow,
	}
}

// LookupNearest returns the cached sample whose instant lies closest to at,
// within a 15 minute tolerance. Ties on distance go to the most recently
// fetched row. Returns nil on miss.
func (s *Store) LookupNearest(ctx context.Context, region string, at time.Time) (*carbon.IntensitySample, error) {
	var row intensityRow
	err := s.db.GetContext(ctx, &row, `
		SELECT region, timestamp, intensity, unit, provenance, fetched_at, expires_at, forecast_window
		FROM carbon_intensity_cache
		WHERE region = $1 AND timestamp BETWEEN $2 AND $3
		ORDER BY ABS(EXTRACT(EPOCH FROM (timestamp - $4::timestamptz))), fetched_at DESC
		LIMIT 1`,
		region, at.Add(-nearestTolerance), at.Add(nearestTolerance), at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up cached intensity for %q, %w", region, err)
	}
	sample := row.toSample()
	return &sample, nil
}

// LookupRange returns cached samples for region with instants in [start, end],
// ordered by instant. Where the same instant was cached under multiple
// forecast windows only the most recently fetched row is returned.
func (s *Store) LookupRange(ctx context.Context, region string, start, end time.Time) ([]carbon.IntensitySample, error) {
	var rows []intensityRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT DISTINCT ON (timestamp) region, timestamp, intensity, unit, provenance, fetched_at, expires_at, forecast_window
		FROM carbon_intensity_cache
		WHERE region = $1 AND timestamp BETWEEN $2 AND $3
		ORDER BY timestamp ASC, fetched_at DESC`,
		region, start, end)
	if err != nil {
		return nil, fmt.Errorf("looking up cached intensity range for %q, %w", region, err)
	}
	samples := make([]carbon.IntensitySample, 0, len(rows))
	for _, row := range rows {
		samples = append(samples, row.toSample())
	}
	return samples, nil
}

// Upsert writes one sample, replacing any row with the same key.
func (s *Store) Upsert(ctx context.Context, sample carbon.IntensitySample, ttl time.Duration) error {
	return s.BulkUpsert(ctx, []carbon.IntensitySample{sample}, ttl)
}

// BulkUpsert writes samples in a single transaction so a forecast lands in
// the cache atomically. Rows with the same (region, instant, window) key are
// replaced.
func (s *Store) BulkUpsert(ctx context.Context, samples []carbon.IntensitySample, ttl time.Duration) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cache upsert, %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, sample := range samples {
		fetchedAt := sample.FetchedAt
		if fetchedAt.IsZero() {
			fetchedAt = time.Now().UTC()
		}
		expiresAt := sample.ExpiresAt
		if expiresAt.IsZero() {
			expiresAt = fetchedAt.Add(ttl)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO carbon_intensity_cache (region, timestamp, intensity, unit, provenance, fetched_at, expires_at, forecast_window)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (region, timestamp, forecast_window) DO UPDATE SET
				intensity = EXCLUDED.intensity,
				unit = EXCLUDED.unit,
				provenance = EXCLUDED.provenance,
				fetched_at = EXCLUDED.fetched_at,
				expires_at = EXCLUDED.expires_at`,
			sample.Region, sample.Timestamp, sample.Intensity, sample.Unit,
			sample.Provenance, fetchedAt, expiresAt, sample.ForecastWindow)
		if err != nil {
			return fmt.Errorf("upserting cached intensity for %q at %s, %w", sample.Region, sample.Timestamp, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cache upsert, %w", err)
	}
	return nil
}

// IsFresh reports whether the sample was fetched strictly less than maxAge
// ago.
func (s *Store) IsFresh(sample carbon.IntensitySample, maxAge time.Duration) bool {
	return s.clk.Since(sample.FetchedAt) < maxAge
}

// PurgeExpired deletes cache rows past their expiry and returns how many were
// removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM carbon_intensity_cache WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("purging expired cache rows, %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading purge result, %w", err)
	}
	return affected, nil
}

// CacheStats summarizes the intensity cache contents.
type CacheStats struct {
	Total   int `db:"total" json:"total"`
	Expired int `db:"expired" json:"expired"`
	Regions int `db:"regions" json:"regions"`
}

// CacheStats reports cache row counts; exposed for operational visibility.
func (s *Store) CacheStats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{}
	err := s.db.GetContext(ctx, stats, `
		SELECT count(*) AS total,
			count(*) FILTER (WHERE expires_at < now()) AS expired,
			count(DISTINCT region) AS regions
		FROM carbon_intensity_cache`)
	if err != nil {
		return nil, fmt.Errorf("reading cache stats, %w", err)
	}
	return stats, nil
}
