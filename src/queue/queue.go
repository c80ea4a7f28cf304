// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package queue dispatches task executions through a Redis list and keeps at
// most one execution per task alive with a lease key.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"visaworker/src/model"
)

const (
	jobsKey     = "visaworker:jobs"
	leasePrefix = "visaworker:lease:"
)

// releaseScript deletes the lease only while it still holds our token, so an
// expired lease taken over by another worker is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Job is the envelope pushed for every submission.
type Job struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	UserID     string     `json:"user_id,omitempty"`
	Flow       model.Flow `json:"flow"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// Connect parses a redis:// URL and checks the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("could not reach redis: %w", err)
	}
	return rdb, nil
}

type Queue struct {
	rdb *redis.Client
	now func() time.Time
}

func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb, now: time.Now}
}

// Submit enqueues one execution of a flow for a task.
func (q *Queue) Submit(ctx context.Context, taskID, userID string, flow model.Flow) (Job, error) {
	if strings.TrimSpace(taskID) == "" {
		return Job{}, fmt.Errorf("%w: task id is required", model.ErrInvalidInput)
	}
	if !flow.Valid() {
		return Job{}, fmt.Errorf("%w: unknown flow %q", model.ErrInvalidInput, flow)
	}

	job := Job{
		ID:         ulid.Make().String(),
		TaskID:     taskID,
		UserID:     userID,
		Flow:       flow,
		EnqueuedAt: q.now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("could not encode job: %w", err)
	}
	if err := q.rdb.LPush(ctx, jobsKey, data).Err(); err != nil {
		return Job{}, fmt.Errorf("could not enqueue job for task %s: %w", taskID, err)
	}
	return job, nil
}

// Next blocks up to timeout for the oldest job. ok is false when none arrived.
func (q *Queue) Next(ctx context.Context, timeout time.Duration) (job Job, ok bool, err error) {
	res, err := q.rdb.BRPop(ctx, timeout, jobsKey).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("could not pop job: %w", err)
	}
	// BRPOP answers with the key followed by the value.
	if len(res) != 2 {
		return Job{}, false, fmt.Errorf("unexpected BRPOP reply of %d elements", len(res))
	}
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return Job{}, false, fmt.Errorf("could not decode job: %w", err)
	}
	return job, true, nil
}

// Len is the number of jobs waiting.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, jobsKey).Result()
}

// Lease takes the per-task execution lease. It reports false when another
// job holds it.
func (q *Queue) Lease(ctx context.Context, taskID, token string, ttl time.Duration) (bool, error) {
	ok, err := q.rdb.SetNX(ctx, leasePrefix+taskID, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("could not lease task %s: %w", taskID, err)
	}
	return ok, nil
}

// Release drops the lease if token still owns it.
func (q *Queue) Release(ctx context.Context, taskID, token string) error {
	if err := releaseScript.Run(ctx, q.rdb, []string{leasePrefix + taskID}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("could not release task %s: %w", taskID, err)
	}
	return nil
}
