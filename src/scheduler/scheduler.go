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

// Package scheduler runs the worker's periodic chores: re-dispatching tasks
// whose retry time came due and failing stale runs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"visaworker/src/logging"
	"visaworker/src/model"
	"visaworker/src/queue"
	"visaworker/src/storage"
)

// Submitter enqueues a task execution. queue.Queue satisfies it.
type Submitter interface {
	Submit(ctx context.Context, taskID, userID string, flow model.Flow) (queue.Job, error)
}

type Scheduler struct {
	cron *cron.Cron
	mu   sync.Mutex
	ctx  context.Context
}

func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:  context.Background(),
	}
}

// Every registers fn under a cron spec ("@every 1m", "*/5 * * * *"). fn gets
// the context Run was started with.
func (s *Scheduler) Every(spec, name string, fn func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		logging.Log(fmt.Sprintf("Running scheduled job %s", name), slog.LevelDebug)
		fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	return nil
}

// Run starts the cron loop and blocks until ctx is done and running jobs finished.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	logging.Log(fmt.Sprintf("Scheduler started with %d jobs", len(s.cron.Entries())), slog.LevelInfo)
	<-ctx.Done()
	<-s.cron.Stop().Done()
	logging.Log("Scheduler stopped", slog.LevelInfo)
	return nil
}

// RetryDue re-submits the book flow for tasks parked until a later slot
// search. It returns how many were submitted.
func RetryDue(ctx context.Context, store storage.Store, sub Submitter, now time.Time, limit int) (int, error) {
	due, err := store.TakeDueTasks(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("could not read due tasks: %w", err)
	}

	submitted := 0
	for _, t := range due {
		if _, err := sub.Submit(ctx, t.ID, "", model.FlowBook); err != nil {
			logging.Log(fmt.Sprintf("Could not resubmit task %s: %v", t.ID, err), slog.LevelError)
			// Park it again so the next sweep retries.
			retry := now
			if perr := store.Transition(ctx, storage.Transition{TaskID: t.ID, Status: t.Status, NextRun: &retry}); perr != nil {
				logging.Log(fmt.Sprintf("Could not re-park task %s: %v", t.ID, perr), slog.LevelError)
			}
			continue
		}
		submitted++
	}
	if submitted > 0 {
		logging.Log(fmt.Sprintf("Resubmitted %d due tasks", submitted), slog.LevelInfo)
	}
	return submitted, nil
}
