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

package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visaworker/src/browser"
	"visaworker/src/flow"
	"visaworker/src/model"
	"visaworker/src/storage"
	"visaworker/src/storage/memory"
)

type nopBrowser struct {
	mu        sync.Mutex
	snapshots []string
}

func (b *nopBrowser) Evaluate(string, ...interface{}) (interface{}, error) {
	return nil, nil
}

func (b *nopBrowser) Exists(string) bool {
	return false
}

func (b *nopBrowser) Visible(string) bool {
	return false
}

func (b *nopBrowser) WaitPresent(context.Context, string, time.Duration) bool {
	return false
}

func (b *nopBrowser) WaitVisible(context.Context, string, time.Duration) bool {
	return false
}

func (b *nopBrowser) Click(string) bool {
	return false
}

func (b *nopBrowser) ClickIfPresent(context.Context, string, time.Duration) bool {
	return false
}

func (b *nopBrowser) Text(string) string {
	return ""
}

func (b *nopBrowser) FillField(context.Context, string, string) bool {
	return false
}

func (b *nopBrowser) SelectDropdown(context.Context, string, string) bool {
	return false
}

func (b *nopBrowser) FillDate(context.Context, string, string) bool {
	return false
}

func (b *nopBrowser) SelectDropdownByLabel(context.Context, string, string) bool {
	return false
}

func (b *nopBrowser) Navigate(context.Context, string) error {
	return nil
}

func (b *nopBrowser) URL() string {
	return "about:blank"
}

func (b *nopBrowser) Content() string {
	return ""
}

func (b *nopBrowser) Reload(context.Context) error {
	return nil
}

func (b *nopBrowser) Back(context.Context) error {
	return nil
}

func (b *nopBrowser) TakeDialog() (string, bool) {
	return "", false
}

func (b *nopBrowser) Frame(context.Context, string) (browser.Surface, error) {
	return b, nil
}

func (b *nopBrowser) Snapshot(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots = append(b.snapshots, name)
}

type fakeSessions struct {
	mu       sync.Mutex
	failures int
	opened   int
	closed   int
	browser  *nopBrowser
}

func (f *fakeSessions) Open(ctx context.Context, proxy string) (browser.Browser, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	if f.failures > 0 {
		f.failures--
		return nil, nil, errors.New("browser crashed on start")
	}
	return f.browser, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.closed++
	}, nil
}

func (f *fakeSessions) counts() (opened, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.closed
}

type recordingEvents struct {
	mu     sync.Mutex
	events []model.TaskEvent
}

func (r *recordingEvents) Publish(_ context.Context, ev model.TaskEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEvents) statuses() []model.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.TaskStatus, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Status)
	}
	return out
}

func newApplicant() *model.Applicant {
	return &model.Applicant{
		FirstName:      "Amina",
		LastName:       "Bennani",
		Email:          "amina@example.com",
		Phone:          "+212612345678",
		PassportNumber: "AB1234567",
	}
}

type harness struct {
	store    *memory.Store
	sessions *fakeSessions
	events   *recordingEvents
	proc     *Processor
	taskID   string
}

func newHarness(t *testing.T, flows map[model.Flow]Flow, mutate func(*Config)) *harness {
	t.Helper()
	store := memory.NewStore()
	task, err := store.CreateApplicant(context.Background(), newApplicant())
	require.NoError(t, err)

	h := &harness{
		store:    store,
		sessions: &fakeSessions{browser: &nopBrowser{}},
		events:   &recordingEvents{},
		taskID:   task.ID,
	}
	cfg := Config{
		WorkerID:          "worker-test",
		Store:             store,
		Notifier:          store,
		Sessions:          h.sessions,
		Flows:             flows,
		Events:            h.events,
		InputPollInterval: 5 * time.Millisecond,
		InputPollAttempts: 3,
		NoSlotRetryAfter:  time.Hour,
		SessionRetryDelay: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.proc, err = New(cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) task(t *testing.T) *model.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), h.taskID)
	require.NoError(t, err)
	return task
}

func (h *harness) applicant(t *testing.T) *model.Applicant {
	t.Helper()
	task := h.task(t)
	a, err := h.store.GetApplicant(context.Background(), task.ApplicantID)
	require.NoError(t, err)
	return a
}

func step(res flow.Result) flow.Handler {
	return func(context.Context, browser.Browser, *flow.State) flow.Result { return res }
}

func registerFlow(phases ...Phase) map[model.Flow]Flow {
	return map[model.Flow]Flow{
		model.FlowRegister: {Kind: model.FlowRegister, Success: model.ApplicantInscriptionSet, Phases: phases},
	}
}

func bookFlow(phases ...Phase) map[model.Flow]Flow {
	return map[model.Flow]Flow{
		model.FlowBook: {Kind: model.FlowBook, Success: model.ApplicantAppointmentBooked, Phases: phases},
	}
}

func TestProcessOutcomes(t *testing.T) {
	tests := map[string]struct {
		phases             []Phase
		expErr             bool
		expStatus          model.TaskStatus
		expApplicantStatus model.ApplicantStatus
		expMessage         string
		expSuccess         bool
	}{
		"A flow whose phases all proceed should complete the task.": {
			phases: []Phase{
				{Name: "one", Run: step(flow.Next())},
				{Name: "two", Run: step(flow.Next()), Durable: true},
			},
			expStatus:          model.TaskCompleted,
			expApplicantStatus: model.ApplicantInscriptionSet,
			expSuccess:         true,
		},
		"A passport rejection should fail the task with the specific applicant status.": {
			phases: []Phase{
				{Name: "request_otp", Run: step(flow.Fail(&model.RejectionError{Status: model.ApplicantPassportUsed, Reason: "passport already exists"}))},
			},
			expStatus:          model.TaskFailed,
			expApplicantStatus: model.ApplicantPassportUsed,
			expMessage:         "rejected by portal: passport already exists",
		},
		"An infrastructure fault should fail the task and reach the runner.": {
			phases: []Phase{
				{Name: "registration", Run: step(flow.Fail(errors.New("registration form did not load")))},
			},
			expErr:             true,
			expStatus:          model.TaskFailed,
			expApplicantStatus: model.ApplicantFailed,
			expMessage:         "registration form did not load",
		},
		"No slot should park the task for a later run without failing it.": {
			phases: []Phase{
				{Name: "slot", Run: step(flow.Fail(model.ErrNoSlot))},
			},
			expStatus:          model.TaskPending,
			expApplicantStatus: model.ApplicantConnected,
			expMessage:         "no appointment slot available",
		},
		"A panicking phase should fail the task and return the fault.": {
			phases: []Phase{
				{Name: "boom", Run: func(context.Context, browser.Browser, *flow.State) flow.Result { panic("nil page") }},
			},
			expErr:             true,
			expStatus:          model.TaskFailed,
			expApplicantStatus: model.ApplicantFailed,
			expMessage:         "panic in phase boom: nil page",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, registerFlow(test.phases...), nil)

			err := h.proc.Process(context.Background(), h.taskID, model.FlowRegister)
			if test.expErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			task := h.task(t)
			assert.Equal(t, test.expStatus, task.Status)
			assert.Equal(t, test.expSuccess, task.Success)
			assert.Nil(t, task.LockedAt)
			if test.expMessage == "" {
				assert.Nil(t, task.ErrorMessage)
			} else if assert.NotNil(t, task.ErrorMessage) {
				assert.Equal(t, test.expMessage, *task.ErrorMessage)
			}
			assert.Equal(t, test.expApplicantStatus, h.applicant(t).Status)
			assert.Equal(t, 1, h.sessions.closed)
		})
	}
}

func TestProcessNoSlotSchedulesNextRun(t *testing.T) {
	now := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	h := newHarness(t, registerFlow(Phase{Name: "slot", Run: step(flow.Fail(model.ErrNoSlot))}), func(c *Config) {
		c.Now = func() time.Time { return now }
	})

	require.NoError(t, h.proc.Process(context.Background(), h.taskID, model.FlowRegister))

	task := h.task(t)
	require.NotNil(t, task.NextRun)
	assert.Equal(t, now.Add(time.Hour), *task.NextRun)
	assert.Contains(t, h.events.statuses(), model.TaskPending)
}

func TestProcessSkipsWhenAlreadyRunning(t *testing.T) {
	ran := false
	h := newHarness(t, registerFlow(Phase{Name: "one", Run: func(context.Context, browser.Browser, *flow.State) flow.Result {
		ran = true
		return flow.Next()
	}}), nil)
	_, _, err := h.store.ClaimTask(context.Background(), h.taskID, "other-worker")
	require.NoError(t, err)

	assert.NoError(t, h.proc.Process(context.Background(), h.taskID, model.FlowRegister))
	assert.False(t, ran)
	assert.Equal(t, model.TaskRunning, h.task(t).Status)
	assert.Equal(t, 0, h.sessions.opened)
}

func TestProcessWaitsForInput(t *testing.T) {
	var seen string
	phase := Phase{Name: "enter_otp", Durable: true, Run: func(_ context.Context, _ browser.Browser, s *flow.State) flow.Result {
		otp := s.Task.Input(model.InputOTP)
		if otp == "" {
			return flow.Await(model.InputOTP)
		}
		seen = otp
		return flow.Next()
	}}
	// A poll interval far beyond the test timeout: only the notifier can wake the run.
	h := newHarness(t, registerFlow(phase), func(c *Config) {
		c.InputPollInterval = time.Hour
		c.InputPollAttempts = 1
	})

	done := make(chan error, 1)
	go func() { done <- h.proc.Process(context.Background(), h.taskID, model.FlowRegister) }()

	require.Eventually(t, func() bool {
		return h.task(t).Status == model.TaskWaitingOTP
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, model.ApplicantWaitingOTP, h.applicant(t).Status)

	require.NoError(t, h.store.SubmitInput(context.Background(), h.taskID, model.Input{OTP: "123456"}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not resume after input was submitted")
	}

	task := h.task(t)
	assert.Equal(t, "123456", seen)
	assert.Equal(t, model.TaskCompleted, task.Status)
	assert.Equal(t, "enter_otp", task.Checkpoint)
	assert.Nil(t, task.OTP)
	assert.Equal(t, []model.TaskStatus{
		model.TaskRunning,
		model.TaskWaitingOTP,
		model.TaskRunning,
		model.TaskRunning,
		model.TaskCompleted,
	}, h.events.statuses())
}

func TestProcessInputTimeout(t *testing.T) {
	h := newHarness(t, registerFlow(Phase{Name: "temp_password", Run: step(flow.Await(model.InputTempPassword))}), nil)

	require.NoError(t, h.proc.Process(context.Background(), h.taskID, model.FlowRegister))

	task := h.task(t)
	assert.Equal(t, model.TaskFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Equal(t, "timed out waiting for temp_password", *task.ErrorMessage)
	assert.Equal(t, model.ApplicantFailed, h.applicant(t).Status)
}

func TestProcessStopsWaitingOnCancel(t *testing.T) {
	h := newHarness(t, registerFlow(Phase{Name: "enter_otp", Run: step(flow.Await(model.InputOTP))}), func(c *Config) {
		c.InputPollInterval = time.Hour
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.proc.Process(ctx, h.taskID, model.FlowRegister) }()

	require.Eventually(t, func() bool {
		return h.task(t).Status == model.TaskWaitingOTP
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	task := h.task(t)
	assert.Equal(t, model.TaskWaitingOTP, task.Status)
	assert.Nil(t, task.LockedAt)
	assert.Equal(t, 1, h.sessions.closed)
}

func TestProcessRefusesTaskWaitingInAnotherRun(t *testing.T) {
	h := newHarness(t, registerFlow(Phase{Name: "enter_otp", Run: step(flow.Await(model.InputOTP))}), func(c *Config) {
		c.InputPollInterval = time.Hour
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.proc.Process(ctx, h.taskID, model.FlowRegister) }()

	require.Eventually(t, func() bool {
		return h.task(t).Status == model.TaskWaitingOTP
	}, 2*time.Second, 5*time.Millisecond)

	assert.NoError(t, h.proc.Process(context.Background(), h.taskID, model.FlowRegister))
	opened, _ := h.sessions.counts()
	assert.Equal(t, 1, opened)
	task := h.task(t)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, model.TaskWaitingOTP, task.Status)
	assert.NotNil(t, task.LockedAt)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("first run did not stop after cancellation")
	}
}

func TestProcessUsesInputSuppliedAfterAbandon(t *testing.T) {
	const link = "https://portal.test/confirm?t=abc"
	var seen []string
	login := Phase{Name: "login_email", Session: true, Run: step(flow.Next())}
	confirm := Phase{
		Name:     "data_protection",
		Consumes: []model.InputField{model.InputDataProtectionURL},
		Run: func(_ context.Context, _ browser.Browser, s *flow.State) flow.Result {
			url := s.Task.Input(model.InputDataProtectionURL)
			if url == "" {
				return flow.Await(model.InputDataProtectionURL)
			}
			seen = append(seen, url)
			return flow.Next()
		},
	}
	h := newHarness(t, registerFlow(login, confirm), func(c *Config) {
		c.InputPollInterval = time.Hour
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.proc.Process(ctx, h.taskID, model.FlowRegister) }()
	require.Eventually(t, func() bool {
		return h.task(t).Status == model.TaskWaitingDataProtection
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	require.Nil(t, h.task(t).LockedAt)

	require.NoError(t, h.store.SubmitInput(context.Background(), h.taskID, model.Input{DataProtectionURL: link}))
	require.NoError(t, h.proc.Process(context.Background(), h.taskID, model.FlowRegister))

	task := h.task(t)
	assert.Equal(t, []string{link}, seen)
	assert.Equal(t, model.TaskCompleted, task.Status)
	assert.Equal(t, 2, task.Attempts)
	assert.Nil(t, task.DataProtectionURL)
}

func TestProcessResumesAfterCheckpoint(t *testing.T) {
	var ran []string
	record := func(name string) flow.Handler {
		return func(context.Context, browser.Browser, *flow.State) flow.Result {
			ran = append(ran, name)
			return flow.Next()
		}
	}
	h := newHarness(t, registerFlow(
		Phase{Name: "registration", Run: record("registration")},
		Phase{Name: "enter_otp", Run: record("enter_otp"), Durable: true},
		Phase{Name: "login_email", Run: record("login_email"), Session: true},
		Phase{Name: "change_password", Run: record("change_password"), Durable: true},
	), nil)
	require.NoError(t, h.store.Transition(context.Background(), storage.Transition{
		TaskID:     h.taskID,
		Status:     model.TaskFailed,
		Checkpoint: "enter_otp",
	}))

	require.NoError(t, h.proc.Process(context.Background(), h.taskID, model.FlowRegister))

	assert.Equal(t, []string{"login_email", "change_password"}, ran)
	assert.Equal(t, "change_password", h.task(t).Checkpoint)
}

func TestProcessBookRequiresNewPassword(t *testing.T) {
	ran := false
	h := newHarness(t, bookFlow(Phase{Name: "login_email", Run: func(context.Context, browser.Browser, *flow.State) flow.Result {
		ran = true
		return flow.Next()
	}}), nil)

	require.NoError(t, h.proc.Process(context.Background(), h.taskID, model.FlowBook))

	task := h.task(t)
	assert.False(t, ran)
	assert.Equal(t, model.TaskFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, "new_password")
}

func TestProcessBookStoresAppointment(t *testing.T) {
	date := time.Date(2026, 11, 14, 10, 30, 0, 0, time.UTC)
	h := newHarness(t, bookFlow(Phase{Name: "slot", Run: func(_ context.Context, _ browser.Browser, s *flow.State) flow.Result {
		s.Appointment = &model.AppointmentResult{Reference: "RBA-1", Date: date, Location: "Rabat"}
		return flow.Next()
	}}), nil)
	require.NoError(t, h.store.SubmitInput(context.Background(), h.taskID, model.Input{NewPassword: "S3cret!pass"}))

	require.NoError(t, h.proc.Process(context.Background(), h.taskID, model.FlowBook))

	a := h.applicant(t)
	assert.Equal(t, model.TaskCompleted, h.task(t).Status)
	assert.Equal(t, model.ApplicantAppointmentBooked, a.Status)
	require.NotNil(t, a.AppointmentDate)
	assert.True(t, date.Equal(*a.AppointmentDate))
}

func TestProcessSessionStart(t *testing.T) {
	tests := map[string]struct {
		failures  int
		expStatus model.TaskStatus
		expOpened int
		expErr    bool
	}{
		"A browser that starts on a retry should run the flow.": {
			failures:  2,
			expStatus: model.TaskCompleted,
			expOpened: 3,
		},
		"A browser that never starts should fail the task.": {
			failures:  5,
			expStatus: model.TaskFailed,
			expOpened: 3,
			expErr:    true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, registerFlow(Phase{Name: "one", Run: step(flow.Next())}), nil)
			h.sessions.failures = test.failures

			err := h.proc.Process(context.Background(), h.taskID, model.FlowRegister)
			if test.expErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, test.expStatus, h.task(t).Status)
			assert.Equal(t, test.expOpened, h.sessions.opened)
		})
	}
}

func TestProcessUnknownFlow(t *testing.T) {
	h := newHarness(t, registerFlow(Phase{Name: "one", Run: step(flow.Next())}), nil)

	err := h.proc.Process(context.Background(), h.taskID, model.FlowBook)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	assert.Equal(t, model.TaskPending, h.task(t).Status)
}

func TestRecoverTasks(t *testing.T) {
	h := newHarness(t, registerFlow(Phase{Name: "one", Run: step(flow.Next())}), nil)
	_, _, err := h.store.ClaimTask(context.Background(), h.taskID, "crashed-worker")
	require.NoError(t, err)

	RecoverTasks(context.Background(), h.store, -time.Minute, h.proc.Stats())

	task := h.task(t)
	assert.Equal(t, model.TaskFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Equal(t, "Timeout/Worker Crash", *task.ErrorMessage)
}

func TestResumeAt(t *testing.T) {
	phases := []Phase{
		{Name: "a"},
		{Name: "b", Durable: true},
		{Name: "c"},
		{Name: "d", Durable: true},
	}
	tests := map[string]struct {
		checkpoint string
		exp        int
	}{
		"no checkpoint":              {checkpoint: "", exp: 0},
		"durable checkpoint":         {checkpoint: "b", exp: 2},
		"last phase":                 {checkpoint: "d", exp: 4},
		"checkpoint of another flow": {checkpoint: "change_password", exp: 0},
		"non durable name":           {checkpoint: "c", exp: 0},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, resumeAt(phases, test.checkpoint))
		})
	}
}

func TestChainStopsAtFirstNonProceed(t *testing.T) {
	var calls int
	count := func(res flow.Result) flow.Handler {
		return func(context.Context, browser.Browser, *flow.State) flow.Result {
			calls++
			return res
		}
	}

	res := Chain(count(flow.Next()), count(flow.Await(model.InputOTP)), count(flow.Next()))(context.Background(), nil, &flow.State{})

	assert.Equal(t, flow.AwaitingInput, res.Outcome)
	assert.Equal(t, model.InputOTP, res.Awaiting)
	assert.Equal(t, 2, calls)
}
