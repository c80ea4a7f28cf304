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
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"visaworker/src/browser"
	"visaworker/src/events"
	"visaworker/src/flow"
	"visaworker/src/logging"
	"visaworker/src/model"
	"visaworker/src/storage"
)

// SessionFactory opens one isolated browser per execution. browser.Launcher
// satisfies it.
type SessionFactory interface {
	Open(ctx context.Context, proxy string) (browser.Browser, func(), error)
}

// InputTimeoutError is returned when the operator never supplied a field.
type InputTimeoutError struct {
	Field model.InputField
}

func (e *InputTimeoutError) Error() string {
	return "timed out waiting for " + string(e.Field)
}

func (e *InputTimeoutError) Unwrap() error { return model.ErrInputTimeout }

type Config struct {
	WorkerID string
	Store    storage.Store
	// Notifier is optional. Without it waiting relies on polling alone.
	Notifier storage.Notifier
	Sessions SessionFactory
	Flows    map[model.Flow]Flow
	Events   events.Publisher
	Stats    *logging.WorkerStats

	InputPollInterval time.Duration
	InputPollAttempts int
	NoSlotRetryAfter  time.Duration
	SessionRetryDelay time.Duration
	Now               func() time.Time
}

func (c *Config) defaults() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Sessions == nil {
		return fmt.Errorf("session factory is required")
	}
	if len(c.Flows) == 0 {
		return fmt.Errorf("at least one flow is required")
	}
	if c.WorkerID == "" {
		c.WorkerID = "worker"
	}
	if c.Events == nil {
		c.Events = events.Noop{}
	}
	if c.Stats == nil {
		c.Stats = logging.NewWorkerStats(c.WorkerID)
	}
	if c.InputPollInterval <= 0 {
		c.InputPollInterval = 10 * time.Second
	}
	if c.InputPollAttempts <= 0 {
		c.InputPollAttempts = 30
	}
	if c.NoSlotRetryAfter <= 0 {
		c.NoSlotRetryAfter = 30 * time.Minute
	}
	if c.SessionRetryDelay <= 0 {
		c.SessionRetryDelay = 2 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Processor runs flows against claimed tasks. It is safe for concurrent use,
// every execution keeps its state in its own run.
type Processor struct {
	cfg Config
}

func New(cfg Config) (*Processor, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid processor config: %w", err)
	}
	return &Processor{cfg: cfg}, nil
}

func (p *Processor) Stats() *logging.WorkerStats { return p.cfg.Stats }

type run struct {
	taskID  string
	flow    Flow
	state   *flow.State
	phase   string
	b       browser.Browser
	waiting bool
}

// Process executes one flow for a task and leaves it in exactly one recorded
// state. Outcomes the task records itself (completed, rejected, timed out,
// rescheduled) return nil; infrastructure faults are returned.
func (p *Processor) Process(ctx context.Context, taskID string, kind model.Flow) (err error) {
	fl, ok := p.cfg.Flows[kind]
	if !ok {
		return fmt.Errorf("%w: unknown flow %q", model.ErrInvalidInput, kind)
	}

	task, applicant, err := p.cfg.Store.ClaimTask(ctx, taskID, p.cfg.WorkerID)
	if errors.Is(err, model.ErrAlreadyRunning) {
		logging.Log(fmt.Sprintf("Task %s is already running, skipping", taskID), slog.LevelInfo)
		return nil
	}
	if err != nil {
		p.cfg.Stats.UpdateStats(0, 0, 0, 1)
		logging.Increment(ctx, logging.CounterDatabaseFailures)
		return fmt.Errorf("could not claim task %s: %w", taskID, err)
	}

	ctx, span := logging.StartSpan(ctx, "process_task",
		attribute.String("task_id", taskID), attribute.String("flow", string(kind)))
	defer span.End()
	started := time.Now()
	defer func() { logging.UpdateSpanValue(ctx, "duration_seconds", time.Since(started).Seconds()) }()

	p.cfg.Stats.Begin(taskID)
	defer p.cfg.Stats.End(taskID)
	logging.Increment(ctx, logging.CounterTasksTotal, attribute.String("flow", string(kind)))
	p.publish(ctx, taskID, model.TaskRunning, model.ApplicantProcessing, "")
	logging.Log(fmt.Sprintf("Processing %s flow for task %s (attempt %d)", kind, taskID, task.Attempts), slog.LevelInfo)

	r := &run{
		taskID: taskID,
		flow:   fl,
		state:  &flow.State{Flow: kind, Applicant: applicant, Task: task},
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = p.fail(ctx, r, fmt.Errorf("panic in phase %s: %v", r.phase, rec))
		}
	}()
	return p.execute(ctx, r)
}

func (p *Processor) execute(ctx context.Context, r *run) error {
	if r.state.Flow == model.FlowBook && strings.TrimSpace(r.state.Task.Input(model.InputNewPassword)) == "" {
		return p.fail(ctx, r, fmt.Errorf("%w: booking requires new_password", model.ErrInvalidInput))
	}

	b, release, err := p.openSession(ctx, r.state.Applicant.Proxy)
	if err != nil {
		return p.fail(ctx, r, err)
	}
	defer release()
	r.b = b

	start := resumeAt(r.flow.Phases, r.state.Task.Checkpoint)
	for i, phase := range r.flow.Phases {
		if i < start && !phase.Session {
			logging.Log(fmt.Sprintf("Task %s: skipping %s, checkpoint is %s", r.taskID, phase.Name, r.state.Task.Checkpoint), slog.LevelDebug)
			continue
		}
		r.phase = phase.Name

		res := p.runPhase(ctx, r, phase)
		switch res.Outcome {
		case flow.Proceed:
			if !phase.Durable {
				continue
			}
			err := p.transition(ctx, storage.Transition{
				TaskID:          r.taskID,
				Status:          model.TaskRunning,
				ApplicantStatus: model.ApplicantProcessing,
				Checkpoint:      phase.Name,
			})
			if err != nil {
				return p.fail(ctx, r, err)
			}
		case flow.AwaitingInput:
			return p.abandon(ctx, r, res)
		default:
			return p.fail(ctx, r, res.Err)
		}
	}
	return p.complete(ctx, r)
}

// runPhase re-reads the task, runs the phase and serves its input requests
// until it proceeds or fails.
func (p *Processor) runPhase(ctx context.Context, r *run, phase Phase) flow.Result {
	fresh, err := p.cfg.Store.GetTask(ctx, r.taskID)
	if err != nil {
		return flow.Fail(fmt.Errorf("could not refresh task: %w", err))
	}
	r.state.Task = fresh
	logging.Log(fmt.Sprintf("Task %s: phase %s", r.taskID, phase.Name), slog.LevelInfo)

	// Input already stored when the phase starts, e.g. written while an
	// earlier run was abandoned, is spent once the phase reading it succeeds.
	carried := map[model.InputField]string{}
	for _, field := range phase.Consumes {
		if v := fresh.Input(field); v != "" {
			carried[field] = v
		}
	}

	provided := map[model.InputField]bool{}
	for {
		res := phase.Run(ctx, r.b, r.state)
		if res.Outcome == flow.Proceed && len(carried) > 0 {
			if err := p.consumeCarried(ctx, r.taskID, carried); err != nil {
				return flow.Fail(err)
			}
		}
		if res.Outcome != flow.AwaitingInput {
			return res
		}
		if provided[res.Awaiting] {
			return flow.Fail(fmt.Errorf("%w: %s was supplied but not usable", model.ErrInvalidInput, res.Awaiting))
		}
		if err := p.awaitInput(ctx, r, res.Awaiting); err != nil {
			if r.waiting && ctx.Err() != nil {
				return flow.Result{Outcome: flow.AwaitingInput, Awaiting: res.Awaiting, Err: ctx.Err()}
			}
			return flow.Fail(err)
		}
		provided[res.Awaiting] = true
	}
}

func (p *Processor) awaitInput(ctx context.Context, r *run, field model.InputField) error {
	fresh, err := p.cfg.Store.GetTask(ctx, r.taskID)
	if err != nil {
		return fmt.Errorf("could not read task: %w", err)
	}

	if strings.TrimSpace(fresh.Input(field)) == "" {
		wake, unsubscribe := p.subscribe(r.taskID)
		defer unsubscribe()

		err := p.transition(ctx, storage.Transition{
			TaskID:          r.taskID,
			Status:          field.WaitingStatus(),
			ApplicantStatus: field.ApplicantStatus(),
		})
		if err != nil {
			return err
		}
		r.waiting = true
		logging.Log(fmt.Sprintf("Task %s waiting for %s", r.taskID, field), slog.LevelInfo)

		fresh, err = p.pollInput(ctx, r.taskID, field, wake)
		if err != nil {
			return err
		}

		err = p.transition(ctx, storage.Transition{
			TaskID:          r.taskID,
			Status:          model.TaskRunning,
			ApplicantStatus: model.ApplicantProcessing,
		})
		if err != nil {
			return err
		}
		r.waiting = false
	}

	r.state.Task = fresh
	if field.SingleUse() {
		if err := p.cfg.Store.ConsumeInput(ctx, r.taskID, field); err != nil {
			return fmt.Errorf("could not consume %s: %w", field, err)
		}
	}
	logging.Log(fmt.Sprintf("Task %s received %s", r.taskID, field), slog.LevelInfo)
	return nil
}

// consumeCarried clears carried input the operator has not replaced since
// the phase started.
func (p *Processor) consumeCarried(ctx context.Context, taskID string, carried map[model.InputField]string) error {
	current, err := p.cfg.Store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("could not read task: %w", err)
	}
	for field, v := range carried {
		if current.Input(field) != v {
			continue
		}
		if err := p.cfg.Store.ConsumeInput(ctx, taskID, field); err != nil {
			return fmt.Errorf("could not consume %s: %w", field, err)
		}
	}
	return nil
}

// pollInput re-reads the task every interval, or sooner when the notifier
// fires, until the field is set or the attempts run out.
func (p *Processor) pollInput(ctx context.Context, taskID string, field model.InputField, wake <-chan struct{}) (*model.Task, error) {
	for attempt := 1; attempt <= p.cfg.InputPollAttempts; attempt++ {
		timer := time.NewTimer(p.cfg.InputPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}

		t, err := p.cfg.Store.GetTask(ctx, taskID)
		if err != nil {
			logging.Log(fmt.Sprintf("Poll %d/%d for %s failed: %v", attempt, p.cfg.InputPollAttempts, field, err), slog.LevelWarn)
			continue
		}
		if strings.TrimSpace(t.Input(field)) != "" {
			return t, nil
		}
	}
	return nil, &InputTimeoutError{Field: field}
}

func (p *Processor) subscribe(taskID string) (<-chan struct{}, func()) {
	if p.cfg.Notifier == nil {
		return nil, func() {}
	}
	return p.cfg.Notifier.Subscribe(taskID)
}

func (p *Processor) openSession(ctx context.Context, proxy string) (browser.Browser, func(), error) {
	var (
		b       browser.Browser
		release func()
		err     error
	)
	maxRetries := 3

	for i := 0; i < maxRetries; i++ {
		b, release, err = p.cfg.Sessions.Open(ctx, proxy)
		if err == nil {
			return b, release, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		logging.Log(fmt.Sprintf("Browser start attempt %d/%d failed: %v. Retrying...", i+1, maxRetries, err), slog.LevelError)

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(p.cfg.SessionRetryDelay):
		}
	}
	return nil, nil, fmt.Errorf("could not start browser after %d attempts: %w", maxRetries, err)
}

// finalContext outlives the soft limit so the closing transition is always written.
func finalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

func (p *Processor) complete(ctx context.Context, r *run) error {
	ctx, cancel := finalContext(ctx)
	defer cancel()

	err := p.transition(ctx, storage.Transition{
		TaskID:          r.taskID,
		Status:          model.TaskCompleted,
		ApplicantStatus: r.flow.Success,
		ErrorMessage:    storage.Message(""),
		Success:         storage.Bool(true),
		Appointment:     r.state.Appointment,
		Release:         true,
	})
	if err != nil {
		return err
	}
	p.cfg.Stats.UpdateStats(0, 1, 0, 0)
	logging.Increment(ctx, logging.CounterTasksSucceeded, attribute.String("flow", string(r.flow.Kind)))
	logging.Log(fmt.Sprintf("Task %s completed %s flow, applicant is %s", r.taskID, r.flow.Kind, r.flow.Success), slog.LevelInfo)
	return nil
}

// fail records the failure and decides whether the job runner sees it.
func (p *Processor) fail(ctx context.Context, r *run, cause error) error {
	if cause == nil {
		cause = errors.New("phase failed without a reason")
	}
	if errors.Is(cause, model.ErrNoSlot) {
		return p.reschedule(ctx, r)
	}

	message := cause.Error()
	applicantStatus := model.ApplicantFailed
	handled := false
	switch {
	case errors.Is(cause, context.DeadlineExceeded), errors.Is(cause, context.Canceled):
		message = "time limit exceeded"
	case errors.Is(cause, model.ErrInputTimeout), errors.Is(cause, model.ErrInvalidInput):
		handled = true
	}
	if status, ok := model.RejectionStatus(cause); ok {
		applicantStatus = status
		handled = true
	}

	ctx, cancel := finalContext(ctx)
	defer cancel()

	if r.b != nil && r.phase != "" {
		r.b.Snapshot("failed_" + r.phase)
	}
	logging.Log(fmt.Sprintf("Task %s failed in phase %q: %v", r.taskID, r.phase, cause), slog.LevelError)

	err := p.transition(ctx, storage.Transition{
		TaskID:          r.taskID,
		Status:          model.TaskFailed,
		ApplicantStatus: applicantStatus,
		ErrorMessage:    storage.Message(message),
		Success:         storage.Bool(false),
		Release:         true,
	})
	p.cfg.Stats.UpdateStats(0, 0, 1, 0)
	logging.Increment(ctx, logging.CounterTasksFailed, attribute.String("flow", string(r.flow.Kind)))
	if err != nil {
		return errors.Join(cause, err)
	}
	if handled {
		return nil
	}
	return cause
}

// reschedule parks the task until the scheduler picks it up again.
func (p *Processor) reschedule(ctx context.Context, r *run) error {
	ctx, cancel := finalContext(ctx)
	defer cancel()

	next := p.cfg.Now().Add(p.cfg.NoSlotRetryAfter)
	logging.Log(fmt.Sprintf("No slot for task %s, next try after %s", r.taskID, next.Format(time.RFC3339)), slog.LevelInfo)
	return p.transition(ctx, storage.Transition{
		TaskID:          r.taskID,
		Status:          model.TaskPending,
		ApplicantStatus: model.ApplicantConnected,
		ErrorMessage:    storage.Message(model.ErrNoSlot.Error()),
		Success:         storage.Bool(false),
		NextRun:         &next,
		Release:         true,
	})
}

// abandon keeps a waiting task waiting and only drops the lock, so the
// operator's input can be picked up by a later submission.
func (p *Processor) abandon(ctx context.Context, r *run, res flow.Result) error {
	ctx, cancel := finalContext(ctx)
	defer cancel()

	logging.Log(fmt.Sprintf("Task %s stopped while waiting for %s: %v", r.taskID, res.Awaiting, res.Err), slog.LevelWarn)
	if err := p.cfg.Store.Transition(ctx, storage.Transition{
		TaskID:  r.taskID,
		Status:  res.Awaiting.WaitingStatus(),
		Release: true,
	}); err != nil {
		p.cfg.Stats.UpdateStats(0, 0, 0, 1)
		return errors.Join(res.Err, err)
	}
	return res.Err
}

func (p *Processor) transition(ctx context.Context, tr storage.Transition) error {
	if err := p.cfg.Store.Transition(ctx, tr); err != nil {
		p.cfg.Stats.UpdateStats(0, 0, 0, 1)
		logging.Increment(ctx, logging.CounterDatabaseFailures)
		return fmt.Errorf("could not move task %s to %s: %w", tr.TaskID, tr.Status, err)
	}
	logging.Increment(ctx, logging.CounterTransitions, attribute.String("status", string(tr.Status)))

	var msg string
	if tr.ErrorMessage != nil {
		msg = *tr.ErrorMessage
	}
	p.publish(ctx, tr.TaskID, tr.Status, tr.ApplicantStatus, msg)
	return nil
}

func (p *Processor) publish(ctx context.Context, taskID string, status model.TaskStatus, applicant model.ApplicantStatus, msg string) {
	ev := model.TaskEvent{
		TaskID:          taskID,
		Status:          status,
		ApplicantStatus: applicant,
		Error:           msg,
		At:              p.cfg.Now().UTC(),
	}
	if err := p.cfg.Events.Publish(ctx, ev); err != nil {
		logging.Log(fmt.Sprintf("Could not publish %s event for task %s: %v", status, taskID, err), slog.LevelWarn)
	}
}

// RecoverTasks fails running tasks whose lock is older than olderThan. This
// handles workers that crashed or were killed mid-run.
func RecoverTasks(ctx context.Context, store storage.Store, olderThan time.Duration, workerstats *logging.WorkerStats) {
	count, err := store.RecoverStale(ctx, olderThan)
	if err != nil {
		logging.Log(fmt.Sprintf("Error recovering tasks: %v", err), slog.LevelError)
		workerstats.UpdateStats(0, 0, 0, 1)
		return
	}
	if count > 0 {
		logging.Log(fmt.Sprintf("Recovered %d stale tasks (marked as failed)", count), slog.LevelInfo)
	}
}
