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

// Package memory is an in-process Store used by tests and local dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"visaworker/src/model"
	"visaworker/src/storage"
)

type Store struct {
	mu            sync.Mutex
	tasks         map[string]*model.Task
	applicants    map[string]*model.Applicant
	organisations map[string]*model.Organisation
	subscribers   map[string]map[chan struct{}]struct{}
	now           func() time.Time
}

var (
	_ storage.Store    = (*Store)(nil)
	_ storage.Notifier = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		tasks:         map[string]*model.Task{},
		applicants:    map[string]*model.Applicant{},
		organisations: map[string]*model.Organisation{},
		subscribers:   map[string]map[chan struct{}]struct{}{},
		now:           time.Now,
	}
}

func copyTask(t *model.Task) *model.Task {
	c := *t
	return &c
}

func copyApplicant(a *model.Applicant) *model.Applicant {
	c := *a
	return &c
}

func (s *Store) ClaimTask(ctx context.Context, taskID, workerID string) (*model.Task, *model.Applicant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil, fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	if t.Held() {
		return nil, nil, model.ErrAlreadyRunning
	}
	a, ok := s.applicants[t.ApplicantID]
	if !ok {
		return nil, nil, fmt.Errorf("applicant %s: %w", t.ApplicantID, model.ErrNotFound)
	}

	now := s.now()
	t.Status = model.TaskRunning
	t.Attempts++
	t.LastRun = &now
	t.LockedAt = &now
	t.WorkerID = &workerID
	t.ErrorMessage = nil
	t.UpdatedAt = now
	a.Status = model.ApplicantProcessing

	applicant := copyApplicant(a)
	if org, ok := s.organisations[a.OrganisationID]; ok {
		applicant.Proxy = org.Proxy
	}
	return copyTask(t), applicant, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	return copyTask(t), nil
}

func (s *Store) GetApplicant(ctx context.Context, applicantID string) (*model.Applicant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.applicants[applicantID]
	if !ok {
		return nil, fmt.Errorf("applicant %s: %w", applicantID, model.ErrNotFound)
	}
	return copyApplicant(a), nil
}

func (s *Store) Transition(ctx context.Context, tr storage.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[tr.TaskID]
	if !ok {
		return fmt.Errorf("task %s: %w", tr.TaskID, model.ErrNotFound)
	}

	t.Status = tr.Status
	t.UpdatedAt = s.now()
	if tr.ErrorMessage != nil {
		if *tr.ErrorMessage == "" {
			t.ErrorMessage = nil
		} else {
			msg := *tr.ErrorMessage
			t.ErrorMessage = &msg
		}
	}
	if tr.Success != nil {
		t.Success = *tr.Success
	}
	if tr.Checkpoint != "" {
		t.Checkpoint = tr.Checkpoint
	}
	if tr.NextRun != nil {
		next := *tr.NextRun
		t.NextRun = &next
	}
	if tr.Release {
		t.LockedAt = nil
		t.WorkerID = nil
	}

	if a, ok := s.applicants[t.ApplicantID]; ok {
		if tr.ApplicantStatus != "" {
			a.Status = tr.ApplicantStatus
		}
		if tr.Appointment != nil {
			a.AppointmentDate = tr.Appointment.Scheduled()
			a.AppointmentDetails = tr.Appointment.Details()
		}
	}
	return nil
}

func (s *Store) ConsumeInput(ctx context.Context, taskID string, field model.InputField) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	switch field {
	case model.InputOTP:
		t.OTP = nil
	case model.InputTempPassword:
		t.TempPassword = nil
	case model.InputNewPassword:
		t.NewPassword = nil
	case model.InputDataProtectionURL:
		t.DataProtectionURL = nil
	default:
		return fmt.Errorf("unknown input field %q: %w", field, model.ErrInvalidInput)
	}
	return nil
}

func (s *Store) SubmitInput(ctx context.Context, taskID string, in model.Input) error {
	if in.Empty() {
		return fmt.Errorf("%w: no input given", model.ErrInvalidInput)
	}

	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	set := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	set(&t.OTP, in.OTP)
	set(&t.TempPassword, in.TempPassword)
	set(&t.NewPassword, in.NewPassword)
	set(&t.DataProtectionURL, in.DataProtectionURL)
	t.UpdatedAt = s.now()
	subs := make([]chan struct{}, 0, len(s.subscribers[taskID]))
	for ch := range s.subscribers[taskID] {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *Store) Subscribe(taskID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	if s.subscribers[taskID] == nil {
		s.subscribers[taskID] = map[chan struct{}]struct{}{}
	}
	s.subscribers[taskID][ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers[taskID], ch)
	}
}

func (s *Store) ResetTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	if !t.Status.Terminal() {
		return fmt.Errorf("%w: task is %s, only failed or completed tasks can be reset", model.ErrInvalidInput, t.Status)
	}
	t.Status = model.TaskPending
	t.Success = false
	t.ErrorMessage = nil
	t.NextRun = nil
	t.LockedAt = nil
	t.WorkerID = nil
	t.OTP = nil
	t.DataProtectionURL = nil
	if a, ok := s.applicants[t.ApplicantID]; ok {
		a.Status = model.ApplicantPending
	}
	return nil
}

func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var n int64
	for _, t := range s.tasks {
		if !t.Held() || t.LockedAt == nil || !t.LockedAt.Before(cutoff) {
			continue
		}
		msg := "Timeout/Worker Crash"
		t.Status = model.TaskFailed
		t.Success = false
		t.ErrorMessage = &msg
		t.LockedAt = nil
		t.WorkerID = nil
		if a, ok := s.applicants[t.ApplicantID]; ok {
			a.Status = model.ApplicantFailed
		}
		n++
	}
	return n, nil
}

func (s *Store) TakeDueTasks(ctx context.Context, now time.Time, limit int) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*model.Task
	for _, t := range s.tasks {
		if t.Status == model.TaskPending && t.NextRun != nil && !t.NextRun.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRun.Before(*due[j].NextRun) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]model.Task, 0, len(due))
	for _, t := range due {
		t.NextRun = nil
		out = append(out, *t)
	}
	return out, nil
}

func (s *Store) UpsertOrganisation(ctx context.Context, org *model.Organisation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.organisations {
		if existing.Name == org.Name {
			existing.Proxy = org.Proxy
			org.ID = existing.ID
			return nil
		}
	}
	if org.ID == "" {
		org.ID = uuid.New().String()
	}
	c := *org
	s.organisations[org.ID] = &c
	return nil
}

func (s *Store) CreateApplicant(ctx context.Context, a *model.Applicant) (*model.Task, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.applicants {
		if existing.PassportNumber == a.PassportNumber {
			return nil, fmt.Errorf("%w: passport %s already enrolled", model.ErrInvalidInput, a.PassportNumber)
		}
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.Status = model.ApplicantPending
	s.applicants[a.ID] = copyApplicant(a)

	now := s.now()
	t := &model.Task{
		ID:          uuid.New().String(),
		ApplicantID: a.ID,
		Status:      model.TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.tasks[t.ID] = t
	return copyTask(t), nil
}

func (s *Store) Stats(ctx context.Context) (model.GlobalStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var gs model.GlobalStats
	var attempts int
	hourAgo := s.now().Add(-time.Hour)
	for _, t := range s.tasks {
		gs.TotalTasks++
		attempts += t.Attempts
		switch {
		case t.Status == model.TaskPending:
			gs.PendingTasks++
		case t.Status == model.TaskRunning:
			gs.RunningTasks++
		case t.Status.Waiting():
			gs.WaitingTasks++
		case t.Status == model.TaskCompleted:
			gs.CompletedTasks++
			if t.UpdatedAt.After(hourAgo) {
				gs.ThroughputTasks++
			}
		case t.Status == model.TaskFailed:
			gs.FailedTasks++
		}
	}
	if gs.TotalTasks > 0 {
		gs.AvgAttempts = float64(attempts) / float64(gs.TotalTasks)
	}
	return gs, nil
}
