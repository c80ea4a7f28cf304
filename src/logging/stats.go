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

package logging

import (
	"sync"
	"time"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID               string    `json:"id"`
	StartTime        time.Time `json:"start_time"`
	Uptime           string    `json:"uptime"`
	TasksProcessed   uint64    `json:"tasks_processed"`
	TasksSuccessful  uint64    `json:"tasks_successful"`
	TasksFailed      uint64    `json:"tasks_failed"`
	DatabaseFailures uint64    `json:"database_failures"`
	ActiveTasks      []string  `json:"active_tasks"`
}

// WorkerStats tracks the internal state of the worker
type WorkerStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
	active         map[string]struct{}
}

func NewWorkerStats(id string) *WorkerStats {
	return &WorkerStats{
		statusResponse: StatusResponse{
			ID:        id,
			StartTime: time.Now(),
		},
		active: map[string]struct{}{},
	}
}

// UpdateStats adds the given deltas to the worker counters.
func (s *WorkerStats) UpdateStats(processed, success, failed, databaseFailures uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.TasksProcessed += processed
	s.statusResponse.TasksSuccessful += success
	s.statusResponse.TasksFailed += failed
	s.statusResponse.DatabaseFailures += databaseFailures
}

func (s *WorkerStats) Begin(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[taskID] = struct{}{}
	s.statusResponse.TasksProcessed++
}

func (s *WorkerStats) End(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, taskID)
}

// GetStats returns the current statistics as a response struct
func (s *WorkerStats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	resp.ActiveTasks = make([]string, 0, len(s.active))
	for id := range s.active {
		resp.ActiveTasks = append(resp.ActiveTasks, id)
	}
	return resp
}
