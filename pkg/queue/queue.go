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

// Package queue implements the Redis work distribution layer: a FIFO list
// for immediately runnable jobs and a score-ordered set for jobs waiting on
// their scheduled start.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	immediateKey = "karbos:queue:immediate"
	delayedKey   = "karbos:queue:delayed"
	workerPrefix = "worker:"

	// removeScanBatch bounds each page of the delayed-set scan during
	// removal.
	removeScanBatch = 100
)

// ErrNoWork is returned by Dequeue when the immediate queue is empty.
var ErrNoWork = errors.New("no work available")

// Message is the payload stored on both queues.
type Message struct {
	JobID      uuid.UUID `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is the Redis-backed dual queue.
type Queue struct {
	client redis.UniversalClient
}

// New wraps an existing Redis client.
func New(client redis.UniversalClient) *Queue {
	return &Queue{client: client}
}

// Connect dials Redis at addr and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int) (*Queue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis at %q, %w", addr, err)
	}
	return New(client), nil
}

// Close releases the underlying client.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Ping verifies Redis connectivity; used by the health endpoint.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue appends a job to the tail of the immediate queue.
func (q *Queue) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	payload, err := json.Marshal(Message{JobID: jobID, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshaling queue message for job %s, %w", jobID, err)
	}
	if err := q.client.RPush(ctx, immediateKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueueing job %s, %w", jobID, err)
	}
	enqueued.WithLabelValues("immediate").Inc()
	return nil
}

// Dequeue pops the head of the immediate queue. LPOP is atomic, so each
// message is delivered to exactly one worker. Returns ErrNoWork when the
// queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Message, error) {
	payload, err := q.client.LPop(ctx, immediateKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoWork
	}
	if err != nil {
		return nil, fmt.Errorf("dequeueing, %w", err)
	}
	msg := &Message{}
	if err := json.Unmarshal([]byte(payload), msg); err != nil {
		return nil, fmt.Errorf("unmarshaling queue message, %w", err)
	}
	dequeued.Inc()
	return msg, nil
}

// EnqueueDelayed places a job on the delayed set, scored by its scheduled
// start time.
func (q *Queue) EnqueueDelayed(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	payload, err := json.Marshal(Message{JobID: jobID, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshaling queue message for job %s, %w", jobID, err)
	}
	err = q.client.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(at.Unix()),
		Member: payload,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueueing delayed job %s, %w", jobID, err)
	}
	enqueued.WithLabelValues("delayed").Inc()
	return nil
}

// DueJobs returns up to limit delayed messages whose scheduled time is at or
// before now, ordered by scheduled time ascending.
func (q *Queue) DueJobs(ctx context.Context, now time.Time, limit int64) ([]Message, error) {
	payloads, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing due jobs, %w", err)
	}
	msgs := make([]Message, 0, len(payloads))
	for _, payload := range payloads {
		var msg Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("unmarshaling delayed queue message, %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// RemoveFromDelayed removes a job from the delayed set. Members carry a
// serialized payload, so removal pages through the set in fixed-size batches
// rather than loading it whole. Returns whether the job was present.
func (q *Queue) RemoveFromDelayed(ctx context.Context, jobID uuid.UUID) (bool, error) {
	for offset := int64(0); ; offset += removeScanBatch {
		payloads, err := q.client.ZRange(ctx, delayedKey, offset, offset+removeScanBatch-1).Result()
		if err != nil {
			return false, fmt.Errorf("scanning delayed queue, %w", err)
		}
		if len(payloads) == 0 {
			return false, nil
		}
		for _, payload := range payloads {
			var msg Message
			if err := json.Unmarshal([]byte(payload), &msg); err != nil {
				continue
			}
			if msg.JobID == jobID {
				removed, err := q.client.ZRem(ctx, delayedKey, payload).Result()
				if err != nil {
					return false, fmt.Errorf("removing job %s from delayed queue, %w", jobID, err)
				}
				return removed > 0, nil
			}
		}
	}
}

// Depth returns the immediate queue length.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.client.LLen(ctx, immediateKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading immediate queue depth, %w", err)
	}
	immediateDepth.Set(float64(depth))
	return depth, nil
}

// DelayedStats summarizes the delayed set.
type DelayedStats struct {
	Total   int64 `json:"total"`
	DueNow  int64 `json:"due_now"`
	Pending int64 `json:"pending"`
}

// DelayedQueueStats returns delayed-set counts as of now.
func (q *Queue) DelayedQueueStats(ctx context.Context, now time.Time) (*DelayedStats, error) {
	total, err := q.client.ZCard(ctx, delayedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("reading delayed queue size, %w", err)
	}
	due, err := q.client.ZCount(ctx, delayedKey, "-inf", strconv.FormatInt(now.Unix(), 10)).Result()
	if err != nil {
		return nil, fmt.Errorf("counting due jobs, %w", err)
	}
	delayedDepth.Set(float64(total))
	return &DelayedStats{Total: total, DueNow: due, Pending: total - due}, nil
}

// SetHeartbeat refreshes a worker's liveness key with the given TTL. The key
// expires on its own when the worker stops beating.
func (q *Queue) SetHeartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	key := workerPrefix + workerID
	if err := q.client.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("setting heartbeat for worker %q, %w", workerID, err)
	}
	return nil
}

// ListActiveWorkers returns the ids of workers whose heartbeat keys have not
// expired.
func (q *Queue) ListActiveWorkers(ctx context.Context) ([]string, error) {
	var workers []string
	var cursor uint64
	for {
		keys, next, err := q.client.Scan(ctx, cursor, workerPrefix+"*", removeScanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning worker heartbeats, %w", err)
		}
		for _, key := range keys {
			workers = append(workers, key[len(workerPrefix):])
		}
		cursor = next
		if cursor == 0 {
			return workers, nil
		}
	}
}
