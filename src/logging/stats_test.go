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

package logging_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"visaworker/src/logging"
)

func TestWorkerStats(t *testing.T) {
	assert := assert.New(t)

	stats := logging.NewWorkerStats("worker-1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats.UpdateStats(0, 1, 0, 0)
		}()
	}
	wg.Wait()

	stats.Begin("task-a")
	stats.Begin("task-b")
	stats.End("task-a")
	stats.UpdateStats(0, 0, 2, 1)

	got := stats.GetStats()
	assert.Equal("worker-1", got.ID)
	assert.Equal(uint64(2), got.TasksProcessed)
	assert.Equal(uint64(10), got.TasksSuccessful)
	assert.Equal(uint64(2), got.TasksFailed)
	assert.Equal(uint64(1), got.DatabaseFailures)
	assert.Equal([]string{"task-b"}, got.ActiveTasks)
	assert.NotEmpty(got.Uptime)
}

func TestIncrementUnknownCounterIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		logging.Increment(context.Background(), "does_not_exist")
	})

	_, err := logging.InitializeFloatCounter("test_counter", "test", "Unit")
	assert.NoError(t, err)
	assert.NotPanics(t, func() {
		logging.Increment(context.Background(), "test_counter")
	})
}
