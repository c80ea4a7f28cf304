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

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"visaworker/src/logging"
	"visaworker/src/model"
)

// Executor runs one execution of a flow for a task.
type Executor interface {
	Process(ctx context.Context, taskID string, flow model.Flow) error
}

type RunnerConfig struct {
	Queue       *Queue
	Executor    Executor
	Concurrency int
	// SoftLimits bound each execution per flow. The lease lives a little longer.
	SoftLimits map[model.Flow]time.Duration
	PopTimeout time.Duration
	// ErrorBackoff is the pause after the queue itself failed.
	ErrorBackoff time.Duration
}

func (c *RunnerConfig) defaults() error {
	if c.Queue == nil {
		return fmt.Errorf("queue is required")
	}
	if c.Executor == nil {
		return fmt.Errorf("executor is required")
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.SoftLimits == nil {
		c.SoftLimits = map[model.Flow]time.Duration{}
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = 5 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 2 * time.Second
	}
	return nil
}

const (
	defaultSoftLimit = 15 * time.Minute
	leaseGrace       = 30 * time.Second
)

// Runner pulls jobs and executes them on a fixed number of workers.
type Runner struct {
	cfg RunnerConfig
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid runner config: %w", err)
	}
	return &Runner{cfg: cfg}, nil
}

func (r *Runner) softLimit(flow model.Flow) time.Duration {
	if d, ok := r.cfg.SoftLimits[flow]; ok && d > 0 {
		return d
	}
	return defaultSoftLimit
}

// Run blocks until ctx is done and every in-flight execution returned.
func (r *Runner) Run(ctx context.Context) error {
	logging.Log(fmt.Sprintf("Job runner started with %d workers", r.cfg.Concurrency), slog.LevelInfo)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx)
		}()
	}
	wg.Wait()

	logging.Log("Job runner stopped", slog.LevelInfo)
	return nil
}

func (r *Runner) loop(ctx context.Context) {
	for ctx.Err() == nil {
		job, ok, err := r.cfg.Queue.Next(ctx, r.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Log(fmt.Sprintf("Error reading job queue: %v", err), slog.LevelError)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.ErrorBackoff):
			}
			continue
		}
		if !ok {
			continue
		}
		r.Handle(ctx, job)
	}
}

// Handle runs one job under its task lease and soft time limit.
func (r *Runner) Handle(ctx context.Context, job Job) {
	limit := r.softLimit(job.Flow)

	leased, err := r.cfg.Queue.Lease(ctx, job.TaskID, job.ID, limit+leaseGrace)
	if err != nil {
		logging.Log(fmt.Sprintf("Dropping job %s: %v", job.ID, err), slog.LevelError)
		return
	}
	if !leased {
		logging.Log(fmt.Sprintf("Task %s already has a running job, dropping %s", job.TaskID, job.ID), slog.LevelInfo)
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.cfg.Queue.Release(releaseCtx, job.TaskID, job.ID); err != nil {
			logging.Log(fmt.Sprintf("Could not release lease: %v", err), slog.LevelWarn)
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	logging.Log(fmt.Sprintf("Job %s: %s flow for task %s (queued %s)", job.ID, job.Flow, job.TaskID,
		time.Since(job.EnqueuedAt).Truncate(time.Millisecond)), slog.LevelInfo)
	if err := r.cfg.Executor.Process(jobCtx, job.TaskID, job.Flow); err != nil {
		logging.LogAttrs(ctx, slog.LevelError, fmt.Sprintf("Job %s failed: %v", job.ID, err),
			slog.String("task_id", job.TaskID), slog.String("flow", string(job.Flow)))
	}
}
