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

package model

import "time"

type TaskStatus string

const (
	TaskPending               TaskStatus = "pending"
	TaskRunning               TaskStatus = "running"
	TaskWaitingOTP            TaskStatus = "waiting_otp"
	TaskWaitingPassword       TaskStatus = "waiting_password"
	TaskWaitingDataProtection TaskStatus = "waiting_data_protection"
	TaskCompleted             TaskStatus = "completed"
	TaskFailed                TaskStatus = "failed"
)

// Waiting reports whether the task is blocked on operator input.
func (s TaskStatus) Waiting() bool {
	switch s {
	case TaskWaitingOTP, TaskWaitingPassword, TaskWaitingDataProtection:
		return true
	}
	return false
}

// Terminal reports whether a run ended in this status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// WaitingStatuses lists the statuses a run holds while blocked on input.
var WaitingStatuses = []TaskStatus{TaskWaitingOTP, TaskWaitingPassword, TaskWaitingDataProtection}

// Flow selects which workflow a run executes against the portal.
type Flow string

const (
	FlowRegister Flow = "register"
	FlowBook     Flow = "book"
)

func (f Flow) Valid() bool {
	return f == FlowRegister || f == FlowBook
}

// Task is the persisted unit of automation work, one per applicant.
type Task struct {
	ID           string     `json:"id"`
	ApplicantID  string     `json:"applicant_id"`
	Status       TaskStatus `json:"status"`
	Attempts     int        `json:"attempts"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	LockedAt     *time.Time `json:"locked_at,omitempty"`
	WorkerID     *string    `json:"worker_id,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	Success      bool       `json:"success"`
	Checkpoint   string     `json:"checkpoint,omitempty"`

	// Written by the operator, consumed by the running workflow.
	OTP               *string `json:"-"`
	TempPassword      *string `json:"-"`
	NewPassword       *string `json:"-"`
	DataProtectionURL *string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Held reports whether a live run owns the task: it is running, or waiting
// for input with its lock still taken.
func (t *Task) Held() bool {
	return t.Status == TaskRunning || (t.Status.Waiting() && t.LockedAt != nil)
}

// Input returns the current value of an operator supplied field, or "" when unset.
func (t *Task) Input(field InputField) string {
	var v *string
	switch field {
	case InputOTP:
		v = t.OTP
	case InputTempPassword:
		v = t.TempPassword
	case InputNewPassword:
		v = t.NewPassword
	case InputDataProtectionURL:
		v = t.DataProtectionURL
	}
	if v == nil {
		return ""
	}
	return *v
}

// InputField names one of the fields a human operator fills in while a run waits.
type InputField string

const (
	InputOTP               InputField = "otp"
	InputTempPassword      InputField = "temp_password"
	InputNewPassword       InputField = "new_password"
	InputDataProtectionURL InputField = "data_protection_url"
)

// WaitingStatus is the task status a run sits in while it waits for the field.
func (f InputField) WaitingStatus() TaskStatus {
	switch f {
	case InputOTP:
		return TaskWaitingOTP
	case InputDataProtectionURL:
		return TaskWaitingDataProtection
	default:
		return TaskWaitingPassword
	}
}

// ApplicantStatus mirrors the waiting status for the applicant record.
func (f InputField) ApplicantStatus() ApplicantStatus {
	switch f {
	case InputOTP:
		return ApplicantWaitingOTP
	case InputDataProtectionURL:
		return ApplicantWaitingDataProtection
	default:
		return ApplicantWaitingPassword
	}
}

// SingleUse fields belong to one portal session and are cleared once read.
func (f InputField) SingleUse() bool {
	return f == InputOTP || f == InputDataProtectionURL
}

// Input is an operator submission. Only non-empty fields are written.
type Input struct {
	OTP               string `json:"otp,omitempty"`
	TempPassword      string `json:"temp_password,omitempty"`
	NewPassword       string `json:"new_password,omitempty"`
	DataProtectionURL string `json:"data_protection_url,omitempty"`
}

func (in Input) Empty() bool {
	return in.OTP == "" && in.TempPassword == "" && in.NewPassword == "" && in.DataProtectionURL == ""
}

// TaskEvent is emitted on every persisted status transition.
type TaskEvent struct {
	TaskID          string          `json:"task_id"`
	Status          TaskStatus      `json:"status"`
	ApplicantStatus ApplicantStatus `json:"applicant_status,omitempty"`
	Error           string          `json:"error,omitempty"`
	At              time.Time       `json:"at"`
}

// GlobalStats represents system-wide task counts.
type GlobalStats struct {
	TotalTasks      int     `json:"total_tasks"`
	PendingTasks    int     `json:"pending_tasks"`
	RunningTasks    int     `json:"running_tasks"`
	WaitingTasks    int     `json:"waiting_tasks"`
	CompletedTasks  int     `json:"completed_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	AvgAttempts     float64 `json:"avg_attempts"`
	ThroughputTasks float64 `json:"throughput_tasks_per_hour"`
}
