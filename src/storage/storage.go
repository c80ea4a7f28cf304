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

package storage

import (
	"context"
	"time"

	"visaworker/src/model"
)

// Store persists tasks and the applicants they act for. The task row is the
// only state shared between executions, every mutation goes through it.
type Store interface {
	// ClaimTask locks the task row and moves it to running. It returns
	// model.ErrAlreadyRunning when another execution holds it, including one
	// still waiting for input. Operator input is left in place.
	ClaimTask(ctx context.Context, taskID, workerID string) (*model.Task, *model.Applicant, error)
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
	GetApplicant(ctx context.Context, applicantID string) (*model.Applicant, error)
	// Transition writes task and applicant status in one transaction.
	Transition(ctx context.Context, t Transition) error
	// ConsumeInput clears a single use operator field after it was read.
	ConsumeInput(ctx context.Context, taskID string, field model.InputField) error
	SubmitInput(ctx context.Context, taskID string, in model.Input) error
	// ResetTask returns a failed or completed task to pending. The
	// checkpoint survives the reset.
	ResetTask(ctx context.Context, taskID string) error
	// RecoverStale fails running or waiting tasks locked for longer than
	// olderThan.
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)
	// TakeDueTasks returns pending tasks whose next_run has passed and clears it.
	TakeDueTasks(ctx context.Context, now time.Time, limit int) ([]model.Task, error)
	UpsertOrganisation(ctx context.Context, org *model.Organisation) error
	// CreateApplicant inserts the applicant with its task.
	CreateApplicant(ctx context.Context, a *model.Applicant) (*model.Task, error)
	Stats(ctx context.Context) (model.GlobalStats, error)
}

// Notifier delivers a signal when operator input lands for a task.
type Notifier interface {
	Subscribe(taskID string) (<-chan struct{}, func())
}

// Transition describes one persisted status change. Zero values leave the
// corresponding column untouched.
type Transition struct {
	TaskID          string
	Status          model.TaskStatus
	ApplicantStatus model.ApplicantStatus
	// ErrorMessage nil keeps the stored message, a pointer to "" clears it.
	ErrorMessage *string
	Success      *bool
	Checkpoint   string
	NextRun      *time.Time
	Appointment  *model.AppointmentResult
	// Release drops the lock so stale recovery ignores the task.
	Release bool
}

func Message(s string) *string { return &s }

func Bool(b bool) *bool { return &b }
